package eventstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventType classifies an event in the append-only log.
type EventType string

const (
	EventMemoryWrite  EventType = "memory_write"
	EventMemoryRead   EventType = "memory_read"
	EventMemoryUpdate EventType = "memory_update"
	EventMemoryDelete EventType = "memory_delete"
	EventCacheHit     EventType = "cache_hit"
	EventCacheMiss    EventType = "cache_miss"
	EventCacheEvict   EventType = "cache_evict"
)

// Event is an immutable record in the store. Events are never mutated in
// place except by the retention anonymiser, which rewrites actor and PII
// fields with their hashes.
type Event struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        EventType      `json:"type"`
	AggregateID string         `json:"aggregate_id"`
	Data        map[string]any `json:"data"`
	Actor       string         `json:"actor"`
	Metadata    map[string]any `json:"metadata"`
}

// AggregateState is the materialised view of one aggregate, produced by
// folding its event stream.
type AggregateState struct {
	AggregateID string    `json:"aggregate_id"`
	Current     any       `json:"current"`
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// piiFields are the data keys rewritten by anonymisation.
var piiFields = []string{"name", "email", "phone", "address", "ssn"}

// HashIdentifier returns a stable 16-hex-character digest of a value. Used
// to anonymise actors and PII fields while keeping them correlatable.
func HashIdentifier(value any) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%v", value)))
	return hex.EncodeToString(sum[:])[:16]
}

// Anonymise rewrites the event's actor and any PII fields in its data with
// their hashed forms and marks the event anonymised.
func (e *Event) Anonymise() {
	e.Actor = HashIdentifier(e.Actor)
	for _, field := range piiFields {
		if v, ok := e.Data[field]; ok {
			e.Data[field] = HashIdentifier(v)
		}
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata["anonymized"] = true
}

// applyTo folds the event into a state value and returns the new value.
// Write replaces, Update merges maps shallowly, Delete clears; any other
// type replaces only when the data carries a value key.
func (e *Event) applyTo(current any) any {
	switch e.Type {
	case EventMemoryWrite:
		return e.Data["value"]
	case EventMemoryUpdate:
		cur, curIsMap := current.(map[string]any)
		upd, updIsMap := e.Data["value"].(map[string]any)
		if curIsMap && updIsMap {
			merged := make(map[string]any, len(cur)+len(upd))
			for k, v := range cur {
				merged[k] = v
			}
			for k, v := range upd {
				merged[k] = v
			}
			return merged
		}
		return e.Data["value"]
	case EventMemoryDelete:
		return nil
	default:
		if v, ok := e.Data["value"]; ok {
			return v
		}
		return current
	}
}
