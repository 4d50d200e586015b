package reachability

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Prober reports whether the network is usable.
type Prober interface {
	Online(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Online(ctx context.Context) bool { return f(ctx) }

// InterfaceProber reports online when any non-loopback interface is up and
// has an address.
type InterfaceProber struct{}

func (InterfaceProber) Online(context.Context) bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// Monitor tracks online/offline transitions, independently of any
// connection status. Transitions come from polling a Prober or from SetOnline.
type Monitor struct {
	prober   Prober
	interval time.Duration
	log      zerolog.Logger

	mu        sync.Mutex
	online    bool
	listeners map[uint64]func(bool)
	next      uint64
}

// NewMonitor creates a Monitor that assumes the network is up until told
// otherwise.
func NewMonitor(prober Prober, interval time.Duration, log zerolog.Logger) *Monitor {
	if prober == nil {
		prober = InterfaceProber{}
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		prober:    prober,
		interval:  interval,
		log:       log.With().Str("component", "reachability").Logger(),
		online:    true,
		listeners: make(map[uint64]func(bool)),
	}
}

// Online returns the last known reachability.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers fn for online/offline transitions.
func (m *Monitor) OnChange(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// SetOnline records a transition reported from outside, such as an OS
// network event. Repeating the current value does nothing.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	if online {
		m.log.Info().Msg("network online")
	} else {
		m.log.Warn().Msg("network offline")
	}
	for _, fn := range listeners {
		fn(online)
	}
}

// Run polls the prober until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	online := m.prober.Online(probeCtx)
	if ctx.Err() != nil {
		return
	}
	m.SetOnline(online)
}
