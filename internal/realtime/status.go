package realtime

// Status is the connection state reported by the Manager. Only the Manager
// produces Status values; everything else observes them.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// CanRetry reports whether a manual retry makes sense in this status.
func (s Status) CanRetry() bool {
	return s == StatusDisconnected || s == StatusError
}

// validTransition lists the allowed status changes. A failed dial moves
// connecting to error; a deliberate Disconnect may leave any status.
var validTransition = map[Status][]Status{
	StatusConnecting:   {StatusConnected, StatusError, StatusDisconnected},
	StatusConnected:    {StatusDisconnected, StatusError},
	StatusDisconnected: {StatusConnecting},
	StatusError:        {StatusConnecting, StatusDisconnected},
}

// ValidTransition reports whether from → to is an allowed status change.
func ValidTransition(from, to Status) bool {
	for _, s := range validTransition[from] {
		if s == to {
			return true
		}
	}
	return false
}
