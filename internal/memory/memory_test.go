package memory

import (
	"fmt"
	"math"
	"testing"
	"time"

	"agentmesh/internal/eventstore"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	e := HashEmbedder{}

	v1 := e.Embed("research notes")
	v2 := e.Embed("research notes")
	if len(v1) != Dimensions {
		t.Fatalf("vector length = %d, want %d", len(v1), Dimensions)
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("embedding not deterministic at dim %d: %f vs %f", i, v1[i], v2[i])
		}
		if v1[i] < 0 || v1[i] > 1 {
			t.Errorf("dim %d = %f, want within [0,1]", i, v1[i])
		}
	}

	// MD5 fills 4 dims; the rest is zero padding.
	for i := 4; i < Dimensions; i++ {
		if v1[i] != 0 {
			t.Errorf("padding dim %d = %f, want 0", i, v1[i])
		}
	}

	if fmt.Sprint(e.Embed("a")) == fmt.Sprint(e.Embed("b")) {
		t.Error("distinct values embedded identically")
	}
}

func TestCosineSimilarityRange(t *testing.T) {
	a := []float64{1, 0, 0}
	b := []float64{0, 1, 0}
	neg := []float64{-1, 0, 0}

	if got := CosineSimilarity(a, a); math.Abs(got-1) > 1e-9 {
		t.Errorf("cos(a,a) = %f, want 1", got)
	}
	if got := CosineSimilarity(a, b); got != 0 {
		t.Errorf("cos(orthogonal) = %f, want 0", got)
	}
	if got := CosineSimilarity(a, neg); math.Abs(got+1) > 1e-9 {
		t.Errorf("cos(anti-parallel) = %f, want -1", got)
	}
	if got := CosineSimilarity(a, []float64{0, 0, 0}); got != 0 {
		t.Errorf("cos with zero vector = %f, want 0", got)
	}
	if got := CosineSimilarity(a, []float64{1, 2}); got != 0 {
		t.Errorf("cos with length mismatch = %f, want 0", got)
	}
}

func TestShortTermLRUEviction(t *testing.T) {
	s := NewShortTerm(3)

	for i := 0; i < 3; i++ {
		s.Put(&Record{Key: fmt.Sprintf("k%d", i)})
	}
	s.Get("k0") // refresh k0; k1 becomes the LRU victim
	s.Put(&Record{Key: "k3"})

	if _, ok := s.Get("k1"); ok {
		t.Error("LRU victim k1 still present")
	}
	for _, key := range []string{"k0", "k2", "k3"} {
		if _, ok := s.Get(key); !ok {
			t.Errorf("%s evicted unexpectedly", key)
		}
	}
	if s.Len() != 3 {
		t.Errorf("len = %d, want 3", s.Len())
	}
}

func TestShortTermSearchSubstring(t *testing.T) {
	s := NewShortTerm(10)
	s.Put(&Record{Key: "report_q1"})
	s.Put(&Record{Key: "report_q2"})
	s.Put(&Record{Key: "invoice_q1"})

	if got := s.Search("report", 0); len(got) != 2 {
		t.Errorf("search(report) = %d records, want 2", len(got))
	}
	if got := s.Search("report", 1); len(got) != 1 {
		t.Errorf("limited search = %d records, want 1", len(got))
	}
}

func TestLongTermSearchRanking(t *testing.T) {
	l := NewLongTerm()

	l.Store(&Record{Key: "exact"}, []float64{1, 0, 0})
	l.Store(&Record{Key: "close"}, []float64{0.9, 0.1, 0})
	l.Store(&Record{Key: "far"}, []float64{0, 0, 1})

	matches := l.Search([]float64{1, 0, 0}, 2)
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].Record.Key != "exact" {
		t.Errorf("best match = %s, want exact", matches[0].Record.Key)
	}
	if matches[1].Record.Key != "close" {
		t.Errorf("second match = %s, want close", matches[1].Record.Key)
	}
	if matches[0].Similarity < matches[1].Similarity {
		t.Error("matches not sorted by similarity")
	}
}

func TestRememberThenRecall(t *testing.T) {
	m := NewManager(eventstore.NewStore(), DefaultConfig())

	event := m.Remember("meeting_notes", "discussed roadmap", nil, "alice")
	if event.Type != eventstore.EventMemoryWrite {
		t.Errorf("event type = %s, want %s", event.Type, eventstore.EventMemoryWrite)
	}

	results := m.Recall("meeting", "alice", nil)
	if len(results) == 0 {
		t.Fatal("recall found nothing")
	}
	if results[0].Key != "meeting_notes" || results[0].Value != "discussed roadmap" {
		t.Errorf("recall top = %+v", results[0])
	}
}

func TestRecallCachesResults(t *testing.T) {
	m := NewManager(eventstore.NewStore(), DefaultConfig())
	m.Remember("topic_a", "v", nil, "alice")

	first := m.Recall("topic", "alice", nil)
	second := m.Recall("topic", "alice", nil)
	if len(first) != len(second) {
		t.Errorf("cached recall differs: %d vs %d", len(first), len(second))
	}
	if !m.Cache().Contains("topic") {
		t.Error("recall result not cached under query key")
	}
}

func TestRecallSkipsSharedWhenDisabled(t *testing.T) {
	m := NewManager(eventstore.NewStore(), DefaultConfig())
	m.Share("shared_fact", "cluster value", nil)

	with := m.Recall("shared", "alice", nil)
	if len(with) != 1 {
		t.Fatalf("recall with shared = %d results, want 1", len(with))
	}
	without := m.Recall("shared_fact_other", "alice", map[string]any{"include_shared": false})
	if len(without) != 0 {
		t.Errorf("recall without shared = %d results, want 0", len(without))
	}
}

func TestStoreLongTermOptOut(t *testing.T) {
	m := NewManager(eventstore.NewStore(), DefaultConfig())

	m.Remember("ephemeral", "v", map[string]any{"store_long_term": false}, "alice")
	if _, ok := m.long.Get("ephemeral"); ok {
		t.Error("opt-out value stored in long-term tier")
	}
	m.Remember("durable", "v", nil, "alice")
	if _, ok := m.long.Get("durable"); !ok {
		t.Error("default value missing from long-term tier")
	}
}

func TestTimeTravel(t *testing.T) {
	m := NewManager(eventstore.NewStore(), DefaultConfig())

	m.Remember("doc", "v1", nil, "alice")
	mid := time.Now().UTC()
	time.Sleep(2 * time.Millisecond)
	m.Remember("doc", "v2", nil, "alice")

	if got := m.TimeTravel("doc", mid); got != "v1" {
		t.Errorf("time travel to mid = %v, want v1", got)
	}
	if got := m.TimeTravel("doc", time.Now().UTC()); got != "v2" {
		t.Errorf("time travel to now = %v, want v2", got)
	}
}

func TestForgetRemovesEverywhere(t *testing.T) {
	m := NewManager(eventstore.NewStore(), DefaultConfig())

	m.Remember("secret", "v", nil, "alice")
	m.Share("secret", "v", nil)
	event := m.Forget("secret", "alice")

	if event.Type != eventstore.EventMemoryDelete {
		t.Errorf("event type = %s, want %s", event.Type, eventstore.EventMemoryDelete)
	}
	if _, ok := m.short.Get("secret"); ok {
		t.Error("short-term entry survived forget")
	}
	if _, ok := m.long.Get("secret"); ok {
		t.Error("long-term entry survived forget")
	}
	if _, ok := m.shared.Get("secret"); ok {
		t.Error("shared entry survived forget")
	}
	if m.cache.Contains("secret") {
		t.Error("cache entry survived forget")
	}
	if got := m.TimeTravel("secret", time.Now().UTC()); got != nil {
		t.Errorf("value after forget = %v, want nil", got)
	}
}

func TestEraseUserClearsTiers(t *testing.T) {
	m := NewManager(eventstore.NewStore(), DefaultConfig())

	meta := map[string]any{"user_id": "u1"}
	m.Remember("u1_notes", "private", meta, "u1")
	m.Share("u1_shared", "private", meta)
	m.Remember("other", "public", map[string]any{"user_id": "u2"}, "u2")

	removed := m.EraseUser("u1")
	if removed < 2 {
		t.Errorf("removed = %d, want >= 2", removed)
	}
	if _, ok := m.short.Get("u1_notes"); ok {
		t.Error("u1 short-term entry survived erasure")
	}
	if _, ok := m.long.Get("u1_notes"); ok {
		t.Error("u1 long-term entry survived erasure")
	}
	if _, ok := m.shared.Get("u1_shared"); ok {
		t.Error("u1 shared entry survived erasure")
	}
	if _, ok := m.short.Get("other"); !ok {
		t.Error("u2 entry erased with u1's data")
	}
}

func TestManagerStats(t *testing.T) {
	m := NewManager(eventstore.NewStore(), DefaultConfig())

	m.Remember("a", 1, nil, "alice")
	m.Remember("b", 2, nil, "alice")
	m.Share("c", 3, nil)

	stats := m.Stats()
	if stats.ShortTermSize != 2 {
		t.Errorf("short-term size = %d, want 2", stats.ShortTermSize)
	}
	if stats.LongTermSize != 2 {
		t.Errorf("long-term size = %d, want 2", stats.LongTermSize)
	}
	if stats.SharedSize != 1 {
		t.Errorf("shared size = %d, want 1", stats.SharedSize)
	}
	if stats.EventCount < 2 {
		t.Errorf("event count = %d, want >= 2", stats.EventCount)
	}
}
