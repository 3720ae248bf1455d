package memory

import (
	"time"

	"agentmesh/internal/cache"
	"agentmesh/internal/eventstore"
	"agentmesh/internal/logging"

	"go.uber.org/zap"
)

// =============================================================================
// MEMORY MANAGER
// =============================================================================
//
// Composes the tiers over the event store and the predictive cache. Writes
// append events first so every memory is replayable; reads go cache, then
// short-term, then the vector tier, then shared.

// recallLimit is the combined result budget for one recall.
const recallLimit = 10

// Config tunes the manager.
type Config struct {
	ShortTermCapacity int
	CacheCapacity     int
	Embedder          Embedder
}

// DefaultConfig returns production capacities with the hash embedder.
func DefaultConfig() Config {
	return Config{
		ShortTermCapacity: DefaultShortTermCapacity,
		CacheCapacity:     cache.DefaultCapacity,
		Embedder:          HashEmbedder{},
	}
}

// Manager is the tiered memory facade.
type Manager struct {
	store    *eventstore.Store
	audit    *eventstore.AuditTrail
	cache    *cache.Cache
	short    *ShortTerm
	long     *LongTerm
	shared   *Shared
	embedder Embedder
	log      *zap.Logger
}

// NewManager builds a manager over an event store. Cache activity is
// recorded as events against the "cache" aggregate.
func NewManager(store *eventstore.Store, cfg Config) *Manager {
	if cfg.Embedder == nil {
		cfg.Embedder = HashEmbedder{}
	}
	m := &Manager{
		store:    store,
		audit:    eventstore.NewAuditTrail(store),
		short:    NewShortTerm(cfg.ShortTermCapacity),
		long:     NewLongTerm(),
		shared:   NewShared(),
		embedder: cfg.Embedder,
		log:      logging.Get(logging.CategoryMemory),
	}
	m.cache = cache.New(
		cache.WithCapacity(cfg.CacheCapacity),
		cache.WithFetch(m.fetchFromStorage),
		cache.WithEventFunc(m.onCacheEvent),
	)
	return m
}

// Store exposes the event store for time travel and consent scans.
func (m *Manager) Store() *eventstore.Store { return m.store }

// Audit exposes the audit trail.
func (m *Manager) Audit() *eventstore.AuditTrail { return m.audit }

// Cache exposes the predictive cache.
func (m *Manager) Cache() *cache.Cache { return m.cache }

// Remember stores a value in the cache and short-term tier, appends a
// write event, and unless metadata disables it also embeds the value into
// the long-term vector tier. Returns the appended event.
func (m *Manager) Remember(key string, value any, metadata map[string]any, actor string) *eventstore.Event {
	rec := &Record{
		Key:      key,
		Value:    value,
		Metadata: metadata,
		StoredAt: time.Now().UTC(),
	}

	event := m.store.Append(eventstore.EventMemoryWrite, key,
		map[string]any{"value": value}, actor, metadata)

	m.cache.Set(key, rec)
	m.short.Put(rec)

	if longTerm, ok := metadata["store_long_term"].(bool); !ok || longTerm {
		m.long.Store(rec, m.embedder.Embed(value))
	}
	return event
}

// Share stores a record in the cluster-visible shared tier.
func (m *Manager) Share(key string, value any, metadata map[string]any) {
	m.shared.Put(&Record{
		Key:      key,
		Value:    value,
		Metadata: metadata,
		StoredAt: time.Now().UTC(),
	})
}

// Recall searches the tiers for a query. The lookup is audited; results
// are cached under the query key for repeat calls. Context key
// include_shared (default true) controls the shared tier.
func (m *Manager) Recall(query, actor string, ctx map[string]any) []*Record {
	queryKey := "query_" + query
	m.audit.LogAccess(queryKey, actor, "read", "pending", nil)

	if cached, ok := m.cache.Get(query); ok {
		if results, ok := cached.([]*Record); ok {
			m.audit.LogAccess(queryKey, actor, "read", "success",
				map[string]any{"result_count": len(results), "source": "cache"})
			return results
		}
	}

	results := m.short.Search(query, recallLimit)
	if len(results) < recallLimit {
		for _, match := range m.long.Search(m.embedder.Embed(query), recallLimit-len(results)) {
			results = append(results, match.Record)
		}
	}

	includeShared := true
	if v, ok := ctx["include_shared"].(bool); ok {
		includeShared = v
	}
	if includeShared {
		results = append(results, m.shared.Search(query)...)
	}

	results = dedupeByKey(results)
	m.cache.Set(query, results)
	m.audit.LogAccess(queryKey, actor, "read", "success",
		map[string]any{"result_count": len(results)})
	return results
}

// Forget appends a delete event and removes the key from every tier.
func (m *Manager) Forget(key, actor string) *eventstore.Event {
	event := m.store.Append(eventstore.EventMemoryDelete, key, nil, actor, nil)
	m.cache.Delete(key)
	m.short.Delete(key)
	m.long.Delete(key)
	m.shared.Delete(key)
	return event
}

// TimeTravel returns the key's value as of time t, reconstructed from its
// event stream.
func (m *Manager) TimeTravel(key string, t time.Time) any {
	return m.store.StateAt(key, t).Current
}

// EraseUser removes every tier and cache entry whose metadata names the
// user. Returns the number of entries removed. Event-log erasure is the
// consent gate's job.
func (m *Manager) EraseUser(userID string) int {
	removed := 0
	for _, rec := range m.short.Records() {
		if rec.userID() == userID {
			m.short.Delete(rec.Key)
			removed++
		}
	}
	for _, rec := range m.long.Records() {
		if rec.userID() == userID {
			m.long.Delete(rec.Key)
			removed++
		}
	}
	for _, rec := range m.shared.Records() {
		if rec.userID() == userID {
			m.shared.Delete(rec.Key)
			removed++
		}
	}
	for _, key := range m.cache.Keys() {
		value, ok := m.cache.Peek(key)
		if !ok {
			continue
		}
		if rec, ok := value.(*Record); ok && rec.userID() == userID {
			m.cache.Delete(key)
			removed++
		}
	}
	m.log.Info("user data erased from tiers",
		zap.String("user_id", userID), zap.Int("removed", removed))
	return removed
}

// ManagerStats summarises tier sizes and cache behaviour.
type ManagerStats struct {
	EventCount    int              `json:"event_count"`
	ShortTermSize int              `json:"short_term_size"`
	LongTermSize  int              `json:"long_term_size"`
	SharedSize    int              `json:"shared_size"`
	Cache         cache.CacheStats `json:"cache"`
}

// Stats returns a point-in-time view.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		EventCount:    m.store.Count(),
		ShortTermSize: m.short.Len(),
		LongTermSize:  m.long.Len(),
		SharedSize:    m.shared.Len(),
		Cache:         m.cache.Stats(),
	}
}

// fetchFromStorage backs cache prefetch with the long-term tier.
func (m *Manager) fetchFromStorage(key string) any {
	if rec, ok := m.long.Get(key); ok {
		return rec
	}
	return nil
}

func (m *Manager) onCacheEvent(kind, key string) {
	var eventType eventstore.EventType
	switch kind {
	case cache.EventHit:
		eventType = eventstore.EventCacheHit
	case cache.EventMiss:
		eventType = eventstore.EventCacheMiss
	case cache.EventEvict:
		eventType = eventstore.EventCacheEvict
	default:
		return
	}
	m.store.Append(eventType, "cache", map[string]any{"key": key}, "system", nil)
}

func dedupeByKey(records []*Record) []*Record {
	seen := make(map[string]bool, len(records))
	out := records[:0]
	for _, rec := range records {
		if seen[rec.Key] {
			continue
		}
		seen[rec.Key] = true
		out = append(out, rec)
	}
	return out
}
