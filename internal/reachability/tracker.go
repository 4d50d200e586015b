package reachability

import (
	"sync"
	"time"

	"github.com/markus-barta/alarmsync/internal/metrics"
	"github.com/markus-barta/alarmsync/internal/realtime"
	"github.com/rs/zerolog"
)

const defaultBannerDuration = 2 * time.Second

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	BannerDuration time.Duration
	Metrics        *metrics.Metrics
}

// Tracker holds the inputs of Derive plus the "reconnected" banner. The
// banner shows once when a connection comes back after a drop or a manual
// retry and hides itself after BannerDuration.
type Tracker struct {
	duration time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu        sync.Mutex
	online    bool
	status    realtime.Status
	retrying  bool
	pending   bool // a drop or manual retry is waiting for the next connect
	banner    bool
	bannerSeq uint64
	timer     *time.Timer
	closed    bool

	subs map[uint64]func(State)
	next uint64
}

// NewTracker creates a Tracker that starts online and disconnected.
func NewTracker(opts TrackerOptions, log zerolog.Logger) *Tracker {
	if opts.BannerDuration <= 0 {
		opts.BannerDuration = defaultBannerDuration
	}
	opts.Metrics.SetOnline(true)
	return &Tracker{
		duration: opts.BannerDuration,
		metrics:  opts.Metrics,
		log:      log.With().Str("component", "reachability").Logger(),
		online:   true,
		status:   realtime.StatusDisconnected,
		subs:     make(map[uint64]func(State)),
	}
}

// State returns the current derived state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

func (t *Tracker) stateLocked() State {
	s := Derive(t.online, t.status, t.retrying)
	s.Banner = t.banner
	return s
}

// Subscribe registers fn for every state change.
func (t *Tracker) Subscribe(fn func(State)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// SetOnline records network reachability.
func (t *Tracker) SetOnline(online bool) {
	t.update(func() bool {
		if t.online == online {
			return false
		}
		t.online = online
		t.metrics.SetOnline(online)
		return true
	})
}

// ObserveStatus records the connection status.
func (t *Tracker) ObserveStatus(s realtime.Status) {
	t.update(func() bool {
		prev := t.status
		if prev == s {
			return false
		}
		t.status = s

		switch s {
		case realtime.StatusConnected:
			if t.pending {
				t.showBannerLocked()
			}
			t.pending = false
			t.retrying = false
		case realtime.StatusDisconnected, realtime.StatusError:
			if prev == realtime.StatusConnected {
				t.pending = true
			}
			t.retrying = false
			t.hideBannerLocked()
		}
		return true
	})
}

// Retry marks a manual retry in flight and runs start. If start reports that
// no retry began, the flag is rolled back.
func (t *Tracker) Retry(start func() bool) bool {
	var wasPending bool
	t.update(func() bool {
		wasPending = t.pending
		t.retrying = true
		t.pending = true
		return true
	})
	if start() {
		return true
	}
	t.update(func() bool {
		t.retrying = false
		t.pending = wasPending
		return true
	})
	return false
}

// Reset forgets any pending reconnect and hides the banner. Called when the
// session ends so the next login does not count as a reconnect.
func (t *Tracker) Reset() {
	t.update(func() bool {
		t.pending = false
		t.retrying = false
		t.hideBannerLocked()
		return true
	})
}

// Close stops the banner timer.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Tracker) showBannerLocked() {
	t.banner = true
	t.bannerSeq++
	seq := t.bannerSeq
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.closed {
		return
	}
	t.log.Info().Msg("reconnected")
	t.timer = time.AfterFunc(t.duration, func() {
		t.update(func() bool {
			if t.bannerSeq != seq || !t.banner {
				return false
			}
			t.banner = false
			t.timer = nil
			return true
		})
	})
}

func (t *Tracker) hideBannerLocked() {
	t.banner = false
	t.bannerSeq++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// update applies fn under the lock and notifies subscribers if it reports a
// change.
func (t *Tracker) update(fn func() bool) {
	t.mu.Lock()
	if !fn() {
		t.mu.Unlock()
		return
	}
	state := t.stateLocked()
	subs := make([]func(State), 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		sub(state)
	}
}
