package cache

import (
	"github.com/markus-barta/alarmsync/internal/protocol"
	"github.com/markus-barta/alarmsync/internal/realtime"
	"github.com/markus-barta/alarmsync/internal/recent"
)

// Reconciler is the single write surface of the cache. Push messages, REST
// fetches and REST mutation results all go through it; writes are
// last-write-wins in call order.
type Reconciler struct {
	c *Cache
}

// SetAlarmState replaces the snapshot. A state without a running timer
// clears the countdown.
func (r *Reconciler) SetAlarmState(s protocol.AlarmStateSnapshot) {
	r.write(func(c *Cache) []Kind {
		c.state = &s
		kinds := []Kind{KindAlarmState}
		if !s.CurrentState.HasCountdown() && c.countdown != nil {
			c.countdown = nil
			kinds = append(kinds, KindCountdown)
		}
		return kinds
	})
}

// SetEffectiveSettings replaces the cached timing settings.
func (r *Reconciler) SetEffectiveSettings(s protocol.EffectiveSettings) {
	r.write(func(c *Cache) []Kind {
		c.settings = &s
		return []Kind{KindSettings}
	})
}

// ApplyAlarmState writes the snapshot and settings of an alarm_state payload
// as one change.
func (r *Reconciler) ApplyAlarmState(p protocol.AlarmStatePayload) {
	r.write(func(c *Cache) []Kind {
		state, settings := p.State, p.EffectiveSettings
		c.state = &state
		c.settings = &settings
		kinds := []Kind{KindAlarmState, KindSettings}
		if !state.CurrentState.HasCountdown() && c.countdown != nil {
			c.countdown = nil
			kinds = append(kinds, KindCountdown)
		}
		return kinds
	})
}

// UpsertEvent merges ev into the recent events.
func (r *Reconciler) UpsertEvent(ev protocol.AlarmEvent) {
	r.write(func(c *Cache) []Kind {
		c.events = recent.Upsert(c.events, ev)
		return []Kind{KindEvents}
	})
}

// MergeEvents folds a fetched history (newest first, as the server returns
// it) into the recent events without duplicating ids.
func (r *Reconciler) MergeEvents(newestFirst []protocol.AlarmEvent) {
	r.write(func(c *Cache) []Kind {
		list := c.events
		for i := len(newestFirst) - 1; i >= 0; i-- {
			if containsID(list, newestFirst[i].ID) {
				continue
			}
			list = insertByTime(list, newestFirst[i])
		}
		c.events = list
		return []Kind{KindEvents}
	})
}

// SetCountdown overwrites the countdown; nil clears it.
func (r *Reconciler) SetCountdown(cd *protocol.Countdown) {
	r.write(func(c *Cache) []Kind {
		if cd == nil {
			c.countdown = nil
		} else {
			v := *cd
			c.countdown = &v
		}
		return []Kind{KindCountdown}
	})
}

// SetConnectionStatus records the connection status. Losing the connection
// clears the countdown, which can no longer be trusted.
func (r *Reconciler) SetConnectionStatus(s realtime.Status) {
	r.write(func(c *Cache) []Kind {
		c.status = s
		kinds := []Kind{KindConnection}
		if (s == realtime.StatusDisconnected || s == realtime.StatusError) && c.countdown != nil {
			c.countdown = nil
			kinds = append(kinds, KindCountdown)
		}
		return kinds
	})
}

// ClearTransient drops the countdown and marks the connection disconnected
// in one change. Used on session teardown.
func (r *Reconciler) ClearTransient() {
	r.write(func(c *Cache) []Kind {
		c.countdown = nil
		c.status = realtime.StatusDisconnected
		return []Kind{KindCountdown, KindConnection}
	})
}

func (r *Reconciler) write(fn func(c *Cache) []Kind) {
	c := r.c
	c.mu.Lock()
	kinds := fn(c)
	c.version++
	ch := Change{Kinds: kinds, Version: c.version}
	c.mu.Unlock()
	c.notify(ch)
}

func containsID(list []protocol.AlarmEvent, id int64) bool {
	for _, ev := range list {
		if ev.ID == id {
			return true
		}
	}
	return false
}

// insertByTime places ev by timestamp among the existing events, keeping the
// list bounded. Events older than a full buffer are dropped.
func insertByTime(list []protocol.AlarmEvent, ev protocol.AlarmEvent) []protocol.AlarmEvent {
	pos := len(list)
	for i, existing := range list {
		if ev.Timestamp.After(existing.Timestamp) {
			pos = i
			break
		}
	}
	if pos >= recent.Limit {
		return list
	}
	out := make([]protocol.AlarmEvent, 0, min(len(list)+1, recent.Limit))
	out = append(out, list[:pos]...)
	out = append(out, ev)
	out = append(out, list[pos:]...)
	if len(out) > recent.Limit {
		out = out[:recent.Limit]
	}
	return out
}
