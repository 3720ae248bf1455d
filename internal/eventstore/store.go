package eventstore

import (
	"strconv"
	"sync"
	"time"

	"agentmesh/internal/logging"

	"go.uber.org/zap"
)

// =============================================================================
// EVENT STORE
// =============================================================================
//
// Append-only, in-process. Events live in a global list and in a per-aggregate
// stream; order within a stream is append order. Every 100 appends to one
// aggregate the store materialises a snapshot used as the replay start point.

// SnapshotInterval is the per-aggregate append count between snapshots.
const SnapshotInterval = 100

// Subscriber receives events for one aggregate as they are appended.
// Subscribers run concurrently; panics are swallowed.
type Subscriber func(event *Event)

// Store is the event log.
type Store struct {
	mu      sync.RWMutex
	events  []*Event
	streams map[string][]*Event

	// snapshots holds the latest snapshot per aggregate; Version is the
	// number of stream events it covers.
	snapshots map[string]*AggregateState

	subscribers map[string][]Subscriber

	// lastMicros keeps evt-<micros> ids and timestamps strictly
	// increasing under rapid appends.
	lastMicros int64

	log *zap.Logger
}

// NewStore creates an empty event store.
func NewStore() *Store {
	return &Store{
		streams:     make(map[string][]*Event),
		snapshots:   make(map[string]*AggregateState),
		subscribers: make(map[string][]Subscriber),
		log:         logging.Get(logging.CategoryEvents),
	}
}

// Append records an event, assigning its id and timestamp, and fans it out
// to the aggregate's subscribers. Returns the stored event.
func (s *Store) Append(eventType EventType, aggregateID string, data map[string]any, actor string, metadata map[string]any) *Event {
	event := &Event{
		Type:        eventType,
		AggregateID: aggregateID,
		Data:        data,
		Actor:       actor,
		Metadata:    metadata,
	}
	if event.Data == nil {
		event.Data = make(map[string]any)
	}
	if event.Metadata == nil {
		event.Metadata = make(map[string]any)
	}

	s.mu.Lock()
	// The timestamp is taken under the lock and shares the monotonic bump,
	// so stream order, id order and timestamp order always agree. StateAt
	// depends on that when it stops at the first later event.
	micros := time.Now().UnixMicro()
	if micros <= s.lastMicros {
		micros = s.lastMicros + 1
	}
	s.lastMicros = micros
	event.ID = "evt-" + strconv.FormatInt(micros, 10)
	event.Timestamp = time.UnixMicro(micros).UTC()

	s.events = append(s.events, event)
	s.streams[aggregateID] = append(s.streams[aggregateID], event)
	streamLen := len(s.streams[aggregateID])

	if streamLen%SnapshotInterval == 0 {
		state := s.foldLocked(aggregateID, nil)
		s.snapshots[aggregateID] = state
		s.log.Debug("snapshot taken",
			zap.String("aggregate", aggregateID), zap.Int("version", state.Version))
	}

	subs := make([]Subscriber, len(s.subscribers[aggregateID]))
	copy(subs, s.subscribers[aggregateID])
	s.mu.Unlock()

	for _, sub := range subs {
		go func(sub Subscriber) {
			defer func() { _ = recover() }()
			sub(event)
		}(sub)
	}
	return event
}

// Subscribe registers a fan-out target for one aggregate's events.
func (s *Store) Subscribe(aggregateID string, sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[aggregateID] = append(s.subscribers[aggregateID], sub)
}

// Replay folds the aggregate's stream into its current state, starting from
// the latest snapshot when one exists.
func (s *Store) Replay(aggregateID string) *AggregateState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.foldLocked(aggregateID, nil)
}

// StateAt folds every event with timestamp at or before t. Snapshots are
// bypassed so the fold sees the historical stream exactly.
func (s *Store) StateAt(aggregateID string, t time.Time) *AggregateState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := &AggregateState{AggregateID: aggregateID}
	for _, e := range s.streams[aggregateID] {
		if e.Timestamp.After(t) {
			break
		}
		state.Current = e.applyTo(state.Current)
		state.Version++
		state.UpdatedAt = e.Timestamp
	}
	return state
}

// foldLocked replays from the latest snapshot. Caller holds at least a read
// lock. The cutoff parameter is unused by current callers but kept for the
// fold shape shared with StateAt.
func (s *Store) foldLocked(aggregateID string, _ *time.Time) *AggregateState {
	stream := s.streams[aggregateID]
	state := &AggregateState{AggregateID: aggregateID}

	start := 0
	if snap, ok := s.snapshots[aggregateID]; ok && snap.Version <= len(stream) {
		state.Current = snap.Current
		state.Version = snap.Version
		state.UpdatedAt = snap.UpdatedAt
		start = snap.Version
	}
	for _, e := range stream[start:] {
		state.Current = e.applyTo(state.Current)
		state.Version++
		state.UpdatedAt = e.Timestamp
	}
	return state
}

// Stream returns a copy of one aggregate's event slice in append order.
func (s *Store) Stream(aggregateID string) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.streams[aggregateID]
	out := make([]*Event, len(stream))
	copy(out, stream)
	return out
}

// All returns a copy of the global event list in append order.
func (s *Store) All() []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventsByType returns up to limit events of one type, newest last. A limit
// of zero or less means no limit.
func (s *Store) EventsByType(eventType EventType, limit int) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// EventsByActor returns an actor's events within an optional time window.
// Zero times disable the corresponding bound.
func (s *Store) EventsByActor(actor string, start, end time.Time) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events {
		if e.Actor != actor {
			continue
		}
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

// Prune removes every event matching the predicate from the global list
// and its stream. Returns the number removed. Erasure uses this; retention
// has its own sweep.
func (s *Store) Prune(match func(*Event) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[*Event]bool)
	for _, e := range s.events {
		if match(e) {
			drop[e] = true
		}
	}
	s.removeLocked(drop)
	return len(drop)
}

// Count returns the global event count.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// removeLocked deletes the marked events from the global list and the
// per-aggregate streams. Caller holds the write lock.
func (s *Store) removeLocked(drop map[*Event]bool) {
	if len(drop) == 0 {
		return
	}
	kept := s.events[:0]
	for _, e := range s.events {
		if !drop[e] {
			kept = append(kept, e)
		}
	}
	s.events = kept

	for agg, stream := range s.streams {
		keptStream := stream[:0]
		for _, e := range stream {
			if !drop[e] {
				keptStream = append(keptStream, e)
			}
		}
		if len(keptStream) == 0 {
			delete(s.streams, agg)
		} else {
			s.streams[agg] = keptStream
		}
		// A shrunken stream can invalidate the snapshot fold point.
		if snap, ok := s.snapshots[agg]; ok && snap.Version > len(s.streams[agg]) {
			delete(s.snapshots, agg)
		}
	}
}
