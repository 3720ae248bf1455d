package eventstore

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeEvent(value any) map[string]any {
	return map[string]any{"value": value}
}

func TestSequentialTimeTravel(t *testing.T) {
	s := NewStore()

	e1 := s.Append(EventMemoryWrite, "doc", writeEvent("v1"), "tester", nil)
	e2 := s.Append(EventMemoryWrite, "doc", writeEvent("v2"), "tester", nil)
	s.Append(EventMemoryWrite, "doc", writeEvent("v3"), "tester", nil)

	if got := s.StateAt("doc", e1.Timestamp); got.Current != "v1" {
		t.Errorf("state at t1 = %v, want v1", got.Current)
	}
	if got := s.StateAt("doc", e2.Timestamp); got.Current != "v2" {
		t.Errorf("state at t2 = %v, want v2", got.Current)
	}

	replayed := s.Replay("doc")
	if replayed.Current != "v3" {
		t.Errorf("replay current = %v, want v3", replayed.Current)
	}
	if replayed.Version != 3 {
		t.Errorf("replay version = %d, want 3", replayed.Version)
	}
}

func TestReplayMatchesStateAtLastTimestamp(t *testing.T) {
	s := NewStore()

	var last *Event
	for i := 0; i < 7; i++ {
		last = s.Append(EventMemoryWrite, "agg", writeEvent(i), "tester", nil)
	}

	replay := s.Replay("agg")
	atLast := s.StateAt("agg", last.Timestamp)
	if diff := cmp.Diff(replay, atLast); diff != "" {
		t.Errorf("replay vs stateAt(last) mismatch (-replay +stateAt):\n%s", diff)
	}
}

func TestStateAtBetweenEventsReportsVersion(t *testing.T) {
	s := NewStore()

	var events []*Event
	for i := 0; i < 4; i++ {
		events = append(events, s.Append(EventMemoryWrite, "agg", writeEvent(i), "tester", nil))
		time.Sleep(2 * time.Millisecond)
	}

	for k := 1; k < len(events); k++ {
		between := events[k-1].Timestamp.Add(time.Millisecond)
		if between.After(events[k].Timestamp) {
			between = events[k-1].Timestamp
		}
		state := s.StateAt("agg", between)
		if state.Version != k {
			t.Errorf("version at t between e%d and e%d = %d, want %d", k, k+1, state.Version, k)
		}
	}
}

func TestUpdateMergesMaps(t *testing.T) {
	s := NewStore()

	s.Append(EventMemoryWrite, "profile", writeEvent(map[string]any{"a": 1, "b": 2}), "tester", nil)
	s.Append(EventMemoryUpdate, "profile", writeEvent(map[string]any{"b": 3, "c": 4}), "tester", nil)

	state := s.Replay("profile")
	got, ok := state.Current.(map[string]any)
	if !ok {
		t.Fatalf("merged state is %T, want map", state.Current)
	}
	want := map[string]any{"a": 1, "b": 3, "c": 4}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merge mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateReplacesNonMap(t *testing.T) {
	s := NewStore()

	s.Append(EventMemoryWrite, "scalar", writeEvent("old"), "tester", nil)
	s.Append(EventMemoryUpdate, "scalar", writeEvent("new"), "tester", nil)

	if state := s.Replay("scalar"); state.Current != "new" {
		t.Errorf("current = %v, want new", state.Current)
	}
}

func TestDeleteClearsValue(t *testing.T) {
	s := NewStore()

	s.Append(EventMemoryWrite, "doomed", writeEvent("x"), "tester", nil)
	s.Append(EventMemoryDelete, "doomed", nil, "tester", nil)

	state := s.Replay("doomed")
	if state.Current != nil {
		t.Errorf("current after delete = %v, want nil", state.Current)
	}
	if state.Version != 2 {
		t.Errorf("version = %d, want 2", state.Version)
	}
}

func TestEventIDsUnique(t *testing.T) {
	s := NewStore()

	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		e := s.Append(EventMemoryWrite, "burst", writeEvent(i), "tester", nil)
		if seen[e.ID] {
			t.Fatalf("duplicate event id %s at append %d", e.ID, i)
		}
		seen[e.ID] = true
	}
}

func TestConcurrentAppendTimestampsMonotonic(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Append(EventMemoryWrite, "shared", writeEvent(i), "tester", nil)
			}
		}()
	}
	wg.Wait()

	stream := s.Stream("shared")
	if len(stream) != 800 {
		t.Fatalf("stream length = %d, want 800", len(stream))
	}
	for i := 1; i < len(stream); i++ {
		if !stream[i].Timestamp.After(stream[i-1].Timestamp) {
			t.Fatalf("timestamps out of order at %d: %v then %v",
				i, stream[i-1].Timestamp, stream[i].Timestamp)
		}
		if stream[i].ID <= stream[i-1].ID {
			t.Fatalf("ids out of order at %d: %s then %s", i, stream[i-1].ID, stream[i].ID)
		}
	}

	// StateAt at the last event's timestamp must fold the whole stream.
	last := stream[len(stream)-1].Timestamp
	if state := s.StateAt("shared", last); state.Version != 800 {
		t.Errorf("version at final timestamp = %d, want 800", state.Version)
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	s := NewStore()
	original := s.Append(EventMemoryWrite, "doc",
		map[string]any{"value": "payload", "count": 3.0},
		"analyst-7",
		map[string]any{"data_type": "research_data", "contains_pii": false})

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.ID != original.ID || decoded.Type != original.Type ||
		decoded.AggregateID != original.AggregateID || decoded.Actor != original.Actor {
		t.Errorf("identity fields changed: %+v vs %+v", decoded, original)
	}
	if !decoded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("timestamp changed: %v vs %v", decoded.Timestamp, original.Timestamp)
	}
	if diff := cmp.Diff(original.Data, decoded.Data); diff != "" {
		t.Errorf("data mismatch (-orig +decoded):\n%s", diff)
	}
	if diff := cmp.Diff(original.Metadata, decoded.Metadata); diff != "" {
		t.Errorf("metadata mismatch (-orig +decoded):\n%s", diff)
	}
}

func TestSnapshotTakenEveryHundredEvents(t *testing.T) {
	s := NewStore()

	for i := 0; i < SnapshotInterval; i++ {
		s.Append(EventMemoryWrite, "big", writeEvent(i), "tester", nil)
	}

	s.mu.RLock()
	snap := s.snapshots["big"]
	s.mu.RUnlock()
	if snap == nil {
		t.Fatal("no snapshot after 100 appends")
	}
	if snap.Version != SnapshotInterval {
		t.Errorf("snapshot version = %d, want %d", snap.Version, SnapshotInterval)
	}

	// Replay from the snapshot must agree with the raw fold.
	s.Append(EventMemoryWrite, "big", writeEvent("tail"), "tester", nil)
	state := s.Replay("big")
	if state.Current != "tail" || state.Version != SnapshotInterval+1 {
		t.Errorf("post-snapshot replay = {%v, %d}, want {tail, %d}",
			state.Current, state.Version, SnapshotInterval+1)
	}
}

func TestSnapshotNotMutatedByLaterUpdates(t *testing.T) {
	s := NewStore()

	for i := 0; i < SnapshotInterval-1; i++ {
		s.Append(EventMemoryWrite, "m", writeEvent(i), "tester", nil)
	}
	s.Append(EventMemoryWrite, "m", writeEvent(map[string]any{"k": "snap"}), "tester", nil)
	s.Append(EventMemoryUpdate, "m", writeEvent(map[string]any{"k": "after"}), "tester", nil)

	first := s.Replay("m")
	second := s.Replay("m")
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeated replay diverged (-first +second):\n%s", diff)
	}
}

func TestSubscribeFanOut(t *testing.T) {
	s := NewStore()

	got := make(chan string, 1)
	s.Subscribe("watched", func(e *Event) { got <- e.ID })
	e := s.Append(EventMemoryWrite, "watched", writeEvent("v"), "tester", nil)

	select {
	case id := <-got:
		if id != e.ID {
			t.Errorf("subscriber saw %s, want %s", id, e.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not invoked")
	}
}

func TestEventsByTypeAndActor(t *testing.T) {
	s := NewStore()

	s.Append(EventMemoryWrite, "a", writeEvent(1), "alice", nil)
	s.Append(EventMemoryRead, "a", nil, "bob", nil)
	s.Append(EventMemoryWrite, "b", writeEvent(2), "alice", nil)

	if got := s.EventsByType(EventMemoryWrite, 0); len(got) != 2 {
		t.Errorf("writes = %d, want 2", len(got))
	}
	if got := s.EventsByType(EventMemoryWrite, 1); len(got) != 1 {
		t.Errorf("limited writes = %d, want 1", len(got))
	}
	if got := s.EventsByActor("alice", time.Time{}, time.Time{}); len(got) != 2 {
		t.Errorf("alice events = %d, want 2", len(got))
	}
}

func TestHashIdentifierDeterministic(t *testing.T) {
	h1 := HashIdentifier("user-42")
	h2 := HashIdentifier("user-42")
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s vs %s", h1, h2)
	}
	if len(h1) != 16 {
		t.Errorf("hash length = %d, want 16", len(h1))
	}
	for _, c := range h1 {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Errorf("non-hex character %q in hash %s", c, h1)
		}
	}
	if HashIdentifier("user-42") == HashIdentifier("user-43") {
		t.Error("distinct inputs collided")
	}
}

func TestAnonymiseRewritesPIIFields(t *testing.T) {
	e := &Event{
		Actor: "alice@example.com",
		Data: map[string]any{
			"name":  "Alice",
			"email": "alice@example.com",
			"topic": "quarterly report",
		},
		Metadata: map[string]any{},
	}
	e.Anonymise()

	if e.Actor == "alice@example.com" || len(e.Actor) != 16 {
		t.Errorf("actor not hashed: %s", e.Actor)
	}
	if e.Data["name"] == "Alice" {
		t.Error("name not hashed")
	}
	if e.Data["name"] != HashIdentifier("Alice") {
		t.Errorf("name hash = %v, want %s", e.Data["name"], HashIdentifier("Alice"))
	}
	if e.Data["topic"] != "quarterly report" {
		t.Error("non-PII field was rewritten")
	}
	if e.Metadata["anonymized"] != true {
		t.Error("anonymized marker missing")
	}
}

func TestAuditTrail(t *testing.T) {
	s := NewStore()
	audit := NewAuditTrail(s)

	read := audit.LogAccess("res-1", "alice", "read", "success", nil)
	if read.Type != EventMemoryRead {
		t.Errorf("read access type = %s, want %s", read.Type, EventMemoryRead)
	}
	write := audit.LogAccess("res-1", "alice", "write", "success", map[string]any{"size": 10})
	if write.Type != EventMemoryWrite {
		t.Errorf("write access type = %s, want %s", write.Type, EventMemoryWrite)
	}
	if write.Metadata["size"] != 10 {
		t.Error("extra metadata dropped")
	}

	history := audit.AccessHistory("res-1", time.Time{}, time.Time{})
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2", len(history))
	}

	windowed := audit.AccessHistory("res-1", write.Timestamp, time.Time{})
	if len(windowed) != 1 {
		t.Errorf("windowed history = %d entries, want 1", len(windowed))
	}
}

func TestRetentionSweepBoundary(t *testing.T) {
	s := NewStore()
	rm := NewRetentionManager(s)

	old := s.Append(EventMemoryWrite, "logs", writeEvent("stale"), "system",
		map[string]any{"data_type": "system_logs"})
	fresh := s.Append(EventMemoryWrite, "logs", writeEvent("fresh"), "system",
		map[string]any{"data_type": "system_logs"})

	// Exactly at the 90-day boundary for the old event; the fresh event is
	// one second younger than the cutoff.
	now := old.Timestamp.Add(90 * 24 * time.Hour)
	fresh.Timestamp = now.Add(time.Second - 90*24*time.Hour)

	result := rm.Sweep(now)
	if result.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", result.Deleted)
	}
	events := s.All()
	if len(events) != 1 || events[0].Data["value"] != "fresh" {
		t.Fatalf("survivors = %v, want only fresh", events)
	}
}

func TestRetentionSweepAnonymisesPII(t *testing.T) {
	s := NewStore()
	rm := NewRetentionManager(s)

	e := s.Append(EventMemoryWrite, "people",
		map[string]any{"value": "rec", "email": "bob@example.com"}, "bob",
		map[string]any{"data_type": "gdpr_personal_data", "contains_pii": true})

	result := rm.Sweep(e.Timestamp.Add(366 * 24 * time.Hour))
	if result.Anonymized != 1 {
		t.Errorf("anonymized = %d, want 1", result.Anonymized)
	}
	if result.Deleted != 0 {
		t.Errorf("deleted = %d, want 0", result.Deleted)
	}
	if s.Count() != 1 {
		t.Fatalf("event count = %d, want 1 (anonymised in place)", s.Count())
	}
	kept := s.All()[0]
	if kept.Data["email"] == "bob@example.com" {
		t.Error("PII survived anonymisation")
	}
	if kept.Actor == "bob" {
		t.Error("actor survived anonymisation")
	}
}

func TestRetentionClassPeriods(t *testing.T) {
	rm := NewRetentionManager(NewStore())
	cases := []struct {
		dataType string
		want     int
	}{
		{"gdpr_personal_data", 365},
		{"system_logs", 90},
		{"research_data", 1825},
		{"unknown_class", 90},
		{"", 90},
	}
	for _, tc := range cases {
		if got := rm.RetentionDays(tc.dataType); got != tc.want {
			t.Errorf("RetentionDays(%q) = %d, want %d", tc.dataType, got, tc.want)
		}
	}
}

func TestResearchDataSurvivesLongSweep(t *testing.T) {
	s := NewStore()
	rm := NewRetentionManager(s)

	e := s.Append(EventMemoryWrite, "research", writeEvent("finding"), "lab",
		map[string]any{"data_type": "research_data"})

	if res := rm.Sweep(e.Timestamp.Add(400 * 24 * time.Hour)); res.Deleted != 0 {
		t.Errorf("research data deleted at 400 days, retention is 1825")
	}
}

func TestStreamIsolatedCopy(t *testing.T) {
	s := NewStore()
	for i := 0; i < 3; i++ {
		s.Append(EventMemoryWrite, "iso", writeEvent(i), "tester", nil)
	}
	stream := s.Stream("iso")
	stream[0] = &Event{ID: "fake"}
	if s.Stream("iso")[0].ID == "fake" {
		t.Error("Stream returned aliased slice")
	}
}
