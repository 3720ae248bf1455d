package memory

import (
	"container/list"
	"sort"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// MEMORY TIERS
// =============================================================================

// Record is the stored unit across tiers. Metadata travels with the value
// so consent scans can find a user's entries.
type Record struct {
	Key      string         `json:"key"`
	Value    any            `json:"value"`
	Metadata map[string]any `json:"metadata,omitempty"`
	StoredAt time.Time      `json:"stored_at"`
}

// userID extracts the owning user from a record's metadata.
func (r *Record) userID() string {
	if r == nil || r.Metadata == nil {
		return ""
	}
	id, _ := r.Metadata["user_id"].(string)
	return id
}

// DefaultShortTermCapacity bounds the short-term tier.
const DefaultShortTermCapacity = 1000

// -----------------------------------------------------------------------------
// Short-Term (LRU)
// -----------------------------------------------------------------------------

// ShortTerm is a bounded LRU of recent records.
type ShortTerm struct {
	mu       sync.Mutex
	capacity int
	order    *list.List               // front = most recent
	index    map[string]*list.Element // key -> element holding *Record
}

// NewShortTerm creates a short-term tier. Non-positive capacity uses the
// default.
func NewShortTerm(capacity int) *ShortTerm {
	if capacity <= 0 {
		capacity = DefaultShortTermCapacity
	}
	return &ShortTerm{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Put stores a record, evicting the least recently used entry when full.
func (s *ShortTerm) Put(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.index[rec.Key]; ok {
		el.Value = rec
		s.order.MoveToFront(el)
		return
	}
	if s.order.Len() >= s.capacity {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.index, oldest.Value.(*Record).Key)
		}
	}
	s.index[rec.Key] = s.order.PushFront(rec)
}

// Get returns a record and marks it recently used.
func (s *ShortTerm) Get(key string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[key]
	if !ok {
		return nil, false
	}
	s.order.MoveToFront(el)
	return el.Value.(*Record), true
}

// Delete removes a key. Unknown keys are ignored.
func (s *ShortTerm) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.index[key]; ok {
		s.order.Remove(el)
		delete(s.index, key)
	}
}

// Search returns records whose key contains the query substring, most
// recent first, up to limit.
func (s *ShortTerm) Search(query string, limit int) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for el := s.order.Front(); el != nil && (limit <= 0 || len(out) < limit); el = el.Next() {
		rec := el.Value.(*Record)
		if strings.Contains(rec.Key, query) {
			out = append(out, rec)
		}
	}
	return out
}

// Records returns a snapshot of all entries.
func (s *ShortTerm) Records() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Record))
	}
	return out
}

// Len returns the entry count.
func (s *ShortTerm) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// -----------------------------------------------------------------------------
// Long-Term (Vector)
// -----------------------------------------------------------------------------

// VectorMatch is one long-term search result.
type VectorMatch struct {
	Record     *Record
	Similarity float64
}

// LongTerm stores records with embedding vectors and serves top-k cosine
// similarity search.
type LongTerm struct {
	mu      sync.RWMutex
	records map[string]*Record
	vectors map[string][]float64
}

// NewLongTerm creates an empty vector tier.
func NewLongTerm() *LongTerm {
	return &LongTerm{
		records: make(map[string]*Record),
		vectors: make(map[string][]float64),
	}
}

// Store inserts or replaces a record with its embedding.
func (l *LongTerm) Store(rec *Record, vector []float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.Key] = rec
	l.vectors[rec.Key] = vector
}

// Get returns a record by key.
func (l *LongTerm) Get(key string) (*Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[key]
	return rec, ok
}

// Delete removes a record and its vector.
func (l *LongTerm) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, key)
	delete(l.vectors, key)
}

// Search returns the k records most similar to the query vector, best
// first. Ties break by key for stable ordering.
func (l *LongTerm) Search(query []float64, k int) []VectorMatch {
	l.mu.RLock()
	defer l.mu.RUnlock()

	matches := make([]VectorMatch, 0, len(l.records))
	for key, rec := range l.records {
		matches = append(matches, VectorMatch{
			Record:     rec,
			Similarity: CosineSimilarity(query, l.vectors[key]),
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Record.Key < matches[j].Record.Key
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// Records returns a snapshot of all entries.
func (l *LongTerm) Records() []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec)
	}
	return out
}

// Len returns the entry count.
func (l *LongTerm) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// -----------------------------------------------------------------------------
// Shared
// -----------------------------------------------------------------------------

// Shared is the cluster-visible keyed tier.
type Shared struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewShared creates an empty shared tier.
func NewShared() *Shared {
	return &Shared{records: make(map[string]*Record)}
}

// Put stores a record.
func (s *Shared) Put(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = rec
}

// Get returns a record by key.
func (s *Shared) Get(key string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok
}

// Delete removes a key.
func (s *Shared) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
}

// Search returns records whose key contains the query substring.
func (s *Shared) Search(query string) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for key, rec := range s.records {
		if strings.Contains(key, query) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Records returns a snapshot of all entries.
func (s *Shared) Records() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// Len returns the entry count.
func (s *Shared) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
