// Package reachability combines network reachability with the realtime
// connection status into the indicator shown to users.
package reachability

import "github.com/markus-barta/alarmsync/internal/realtime"

// Indicator is the derived connection condition. The empty value means
// healthy, nothing to show.
type Indicator string

const (
	IndicatorNone         Indicator = ""
	IndicatorOffline      Indicator = "offline"
	IndicatorConnecting   Indicator = "connecting"
	IndicatorDisconnected Indicator = "disconnected"
	IndicatorError        Indicator = "error"
)

// State is everything a status bar needs.
type State struct {
	Indicator Indicator       `json:"indicator"`
	Online    bool            `json:"online"`
	Status    realtime.Status `json:"status"`
	Retrying  bool            `json:"retrying"`
	CanRetry  bool            `json:"canRetry"`
	Banner    bool            `json:"reconnected"`
}

// Derive computes the indicator. Being offline wins over any connection
// status, including a stale connected.
func Derive(online bool, status realtime.Status, retrying bool) State {
	s := State{Online: online, Status: status}
	switch {
	case !online:
		s.Indicator = IndicatorOffline
	case status == realtime.StatusConnecting:
		s.Indicator = IndicatorConnecting
		s.Retrying = retrying
	case status == realtime.StatusDisconnected:
		s.Indicator = IndicatorDisconnected
		s.CanRetry = true
	case status == realtime.StatusError:
		s.Indicator = IndicatorError
		s.CanRetry = true
	}
	return s
}
