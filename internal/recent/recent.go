// Package recent keeps the bounded, newest-first view of alarm events.
package recent

import "github.com/markus-barta/alarmsync/internal/protocol"

// Limit is the maximum number of events kept in a recent-events list.
const Limit = 10

// Upsert returns a new list with ev at the front, any older entry with the
// same id removed, truncated to Limit. The input slice is never modified.
func Upsert(list []protocol.AlarmEvent, ev protocol.AlarmEvent) []protocol.AlarmEvent {
	out := make([]protocol.AlarmEvent, 0, min(len(list)+1, Limit))
	out = append(out, ev)
	for _, existing := range list {
		if len(out) == Limit {
			break
		}
		if existing.ID == ev.ID {
			continue
		}
		out = append(out, existing)
	}
	return out
}

// Merge folds events (ordered oldest to newest) into list one Upsert at a time.
func Merge(list []protocol.AlarmEvent, events ...protocol.AlarmEvent) []protocol.AlarmEvent {
	for _, ev := range events {
		list = Upsert(list, ev)
	}
	return list
}

// IDs returns the event ids in list order.
func IDs(list []protocol.AlarmEvent) []int64 {
	ids := make([]int64, len(list))
	for i, ev := range list {
		ids[i] = ev.ID
	}
	return ids
}
