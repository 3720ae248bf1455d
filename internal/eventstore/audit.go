package eventstore

import "time"

// =============================================================================
// AUDIT TRAIL
// =============================================================================

// AuditTrail records resource accesses as events on the wrapped store, one
// stream per resource id.
type AuditTrail struct {
	store *Store
}

// NewAuditTrail wraps a store.
func NewAuditTrail(store *Store) *AuditTrail {
	return &AuditTrail{store: store}
}

// LogAccess appends an access record. Reads become MEMORY_READ events,
// everything else MEMORY_WRITE. Extra metadata keys are carried through.
func (a *AuditTrail) LogAccess(resourceID, actor, action, result string, metadata map[string]any) *Event {
	md := map[string]any{
		"action": action,
		"result": result,
	}
	for k, v := range metadata {
		md[k] = v
	}

	eventType := EventMemoryWrite
	if action == "read" {
		eventType = EventMemoryRead
	}
	return a.store.Append(eventType, resourceID, map[string]any{
		"action": action,
		"result": result,
	}, actor, md)
}

// AccessHistory returns a resource's access events windowed by time. Zero
// times disable the corresponding bound.
func (a *AuditTrail) AccessHistory(resourceID string, start, end time.Time) []*Event {
	var out []*Event
	for _, e := range a.store.Stream(resourceID) {
		if !start.IsZero() && e.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && e.Timestamp.After(end) {
			continue
		}
		out = append(out, e)
	}
	return out
}
