// Package cache holds the process-wide view of alarm state shared by every
// consumer. Consumers read through Cache; the only writer is Reconciler.
package cache

import (
	"sync"

	"github.com/markus-barta/alarmsync/internal/protocol"
	"github.com/markus-barta/alarmsync/internal/realtime"
)

// Kind identifies which part of the cache a Change touched.
type Kind string

const (
	KindAlarmState Kind = "alarm_state"
	KindSettings   Kind = "settings"
	KindEvents     Kind = "events"
	KindCountdown  Kind = "countdown"
	KindConnection Kind = "connection"
)

// Change is delivered to subscribers after every write.
type Change struct {
	Kinds   []Kind
	Version uint64
}

// Has reports whether the change touched k.
func (ch Change) Has(k Kind) bool {
	for _, kind := range ch.Kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// View is a consistent copy of the whole cache.
type View struct {
	AlarmState       *protocol.AlarmStateSnapshot `json:"alarmState"`
	Settings         *protocol.EffectiveSettings  `json:"effectiveSettings"`
	RecentEvents     []protocol.AlarmEvent        `json:"recentEvents"`
	Countdown        *protocol.Countdown          `json:"countdown"`
	ConnectionStatus realtime.Status              `json:"connectionStatus"`
	Version          uint64                       `json:"version"`
}

// Cache is safe for concurrent readers.
type Cache struct {
	mu        sync.RWMutex
	state     *protocol.AlarmStateSnapshot
	settings  *protocol.EffectiveSettings
	events    []protocol.AlarmEvent
	countdown *protocol.Countdown
	status    realtime.Status
	version   uint64

	subMu   sync.Mutex
	subs    map[uint64]func(Change)
	nextSub uint64
}

// New returns an empty cache with status disconnected, and its Reconciler.
func New() (*Cache, *Reconciler) {
	c := &Cache{
		status: realtime.StatusDisconnected,
		subs:   make(map[uint64]func(Change)),
	}
	return c, &Reconciler{c: c}
}

// AlarmState returns the cached snapshot, if any.
func (c *Cache) AlarmState() (protocol.AlarmStateSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return protocol.AlarmStateSnapshot{}, false
	}
	return *c.state, true
}

// EffectiveSettings returns the cached settings, if any.
func (c *Cache) EffectiveSettings() (protocol.EffectiveSettings, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.settings == nil {
		return protocol.EffectiveSettings{}, false
	}
	return *c.settings, true
}

// RecentEvents returns a copy of the recent events, newest first.
func (c *Cache) RecentEvents() []protocol.AlarmEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]protocol.AlarmEvent(nil), c.events...)
}

// Countdown returns the running countdown or nil.
func (c *Cache) Countdown() *protocol.Countdown {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.countdown == nil {
		return nil
	}
	cd := *c.countdown
	return &cd
}

// ConnectionStatus returns the last status written by the session.
func (c *Cache) ConnectionStatus() realtime.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Snapshot returns every field under one lock.
func (c *Cache) Snapshot() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v := View{
		RecentEvents:     append([]protocol.AlarmEvent{}, c.events...),
		ConnectionStatus: c.status,
		Version:          c.version,
	}
	if c.state != nil {
		s := *c.state
		v.AlarmState = &s
	}
	if c.settings != nil {
		s := *c.settings
		v.Settings = &s
	}
	if c.countdown != nil {
		cd := *c.countdown
		v.Countdown = &cd
	}
	return v
}

// Subscribe registers fn to be called after each write. Callbacks run on the
// writer's goroutine and must not block.
func (c *Cache) Subscribe(fn func(Change)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Cache) notify(ch Change) {
	c.subMu.Lock()
	subs := make([]func(Change), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	for _, fn := range subs {
		fn(ch)
	}
}
