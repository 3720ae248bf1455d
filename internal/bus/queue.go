package bus

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"agentmesh/internal/logging"

	"go.uber.org/zap"
)

// =============================================================================
// PRIORITY TOPIC QUEUE
// =============================================================================
//
// Queue provides topic-scoped priority queues with pub/sub fan-out. Within a
// topic, dequeue order is (-priority, timestamp); ties on equal priority are
// FIFO by enqueue order. Topics are created lazily on first publish or
// subscribe. Expired messages are routed to the dead-letter sink at dequeue
// and by a periodic sweep.

// Handler consumes a published message. Handler errors and panics are
// swallowed; they never reach the publisher.
type Handler func(msg *Message)

// QueueConfig tunes the background loops.
type QueueConfig struct {
	DeadLetterDrainInterval time.Duration // how long the DLQ drainer blocks per cycle
	ExpiredSweepInterval    time.Duration // cadence of the expired-message sweep
}

// DefaultQueueConfig returns the production intervals.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		DeadLetterDrainInterval: 60 * time.Second,
		ExpiredSweepInterval:    300 * time.Second,
	}
}

// item orders messages in the per-topic heap. seq breaks exact timestamp
// ties so ordering stays stable under rapid publishes.
type item struct {
	msg *Message
	seq uint64
}

type messageHeap []item

func (h messageHeap) Len() int { return len(h) }
func (h messageHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	if !h[i].msg.Timestamp.Equal(h[j].msg.Timestamp) {
		return h[i].msg.Timestamp.Before(h[j].msg.Timestamp)
	}
	return h[i].seq < h[j].seq
}
func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *messageHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// topicQueue is one topic's heap plus its subscriber list. Each topic locks
// independently; there is no global publish lock.
type topicQueue struct {
	mu     sync.Mutex
	heap   messageHeap
	notify chan struct{}

	subMu sync.RWMutex
	subs  []subscription
}

type subscription struct {
	id      uint64
	handler Handler
}

func newTopicQueue() *topicQueue {
	return &topicQueue{notify: make(chan struct{}, 1)}
}

func (t *topicQueue) push(msg *Message, seq uint64) {
	t.mu.Lock()
	heap.Push(&t.heap, item{msg: msg, seq: seq})
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *topicQueue) pop() (*Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.heap) == 0 {
		return nil, false
	}
	it := heap.Pop(&t.heap).(item)
	return it.msg, true
}

// drain removes every queued message. Used by the sweep and purge.
func (t *topicQueue) drain() []item {
	t.mu.Lock()
	defer t.mu.Unlock()
	items := make([]item, len(t.heap))
	copy(items, t.heap)
	t.heap = t.heap[:0]
	return items
}

func (t *topicQueue) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.heap)
}

// Queue is the set of topics plus the dead-letter sink.
type Queue struct {
	mu     sync.RWMutex
	topics map[string]*topicQueue

	deadLetters *topicQueue

	seq   uint64
	subID uint64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	config QueueConfig
	log    *zap.Logger
}

// NewQueue creates a queue with default loop intervals. Call Start to run
// the dead-letter drainer and the expired-message sweeper.
func NewQueue() *Queue {
	return NewQueueWithConfig(DefaultQueueConfig())
}

// NewQueueWithConfig creates a queue with explicit loop intervals. Tests use
// short intervals.
func NewQueueWithConfig(cfg QueueConfig) *Queue {
	if cfg.DeadLetterDrainInterval <= 0 {
		cfg.DeadLetterDrainInterval = 60 * time.Second
	}
	if cfg.ExpiredSweepInterval <= 0 {
		cfg.ExpiredSweepInterval = 300 * time.Second
	}
	return &Queue{
		topics:      make(map[string]*topicQueue),
		deadLetters: newTopicQueue(),
		stopCh:      make(chan struct{}),
		config:      cfg,
		log:         logging.Get(logging.CategoryBus),
	}
}

// Start launches the background loops.
func (q *Queue) Start() {
	if !q.running.CompareAndSwap(false, true) {
		return
	}
	q.stopCh = make(chan struct{})
	q.wg.Add(2)
	go q.drainDeadLetters()
	go q.sweepExpired()
}

// Stop cancels the background loops and waits for them to exit.
func (q *Queue) Stop() {
	if !q.running.CompareAndSwap(true, false) {
		return
	}
	close(q.stopCh)
	q.wg.Wait()
}

func (q *Queue) topic(name string) *topicQueue {
	q.mu.RLock()
	t, ok := q.topics[name]
	q.mu.RUnlock()
	if ok {
		return t
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok = q.topics[name]; ok {
		return t
	}
	t = newTopicQueue()
	q.topics[name] = t
	return t
}

// Publish appends a message to the topic queue and fans it out to the
// topic's subscribers. Returns the message id.
func (q *Queue) Publish(payload map[string]any, topic string, priority Priority) string {
	msg := NewMessage(topic, payload, priority)
	q.PublishMessage(msg)
	return msg.ID
}

// PublishWithTTL publishes a message that expires ttlSeconds after its
// timestamp. ttlSeconds of zero expires immediately on dequeue.
func (q *Queue) PublishWithTTL(payload map[string]any, topic string, priority Priority, ttlSeconds int) string {
	msg := NewMessage(topic, payload, priority)
	msg.TTLSeconds = ttlSeconds
	msg.HasTTL = true
	q.PublishMessage(msg)
	return msg.ID
}

// PublishMessage enqueues a caller-built message. The message keeps its id,
// timestamp and retry budget; requeue paths rely on this.
func (q *Queue) PublishMessage(msg *Message) {
	t := q.topic(msg.Topic)
	t.push(msg, atomic.AddUint64(&q.seq, 1))
	q.notifySubscribers(t, msg)
}

// Requeue puts a dequeued message back on its topic heap without re-firing
// the subscriber fan-out; subscribers already saw the original publish. The
// message keeps its id, timestamp and priority, and blocked Consume calls
// still wake.
func (q *Queue) Requeue(msg *Message) {
	t := q.topic(msg.Topic)
	t.push(msg, atomic.AddUint64(&q.seq, 1))
}

func (q *Queue) notifySubscribers(t *topicQueue, msg *Message) {
	t.subMu.RLock()
	subs := make([]subscription, len(t.subs))
	copy(subs, t.subs)
	t.subMu.RUnlock()

	for _, s := range subs {
		go func(s subscription) {
			defer func() {
				if r := recover(); r != nil {
					q.log.Warn("subscriber panic swallowed",
						zap.String("topic", msg.Topic), zap.Any("panic", r))
				}
			}()
			s.handler(msg)
		}(s)
	}
}

// Subscribe registers a callback for a topic and returns a subscription id
// for Unsubscribe.
func (q *Queue) Subscribe(topic string, handler Handler) uint64 {
	t := q.topic(topic)
	id := atomic.AddUint64(&q.subID, 1)
	t.subMu.Lock()
	t.subs = append(t.subs, subscription{id: id, handler: handler})
	t.subMu.Unlock()
	return id
}

// Unsubscribe removes a subscription by id. Unknown ids are ignored.
func (q *Queue) Unsubscribe(topic string, id uint64) {
	q.mu.RLock()
	t, ok := q.topics[topic]
	q.mu.RUnlock()
	if !ok {
		return
	}
	t.subMu.Lock()
	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			break
		}
	}
	t.subMu.Unlock()
}

// Consume dequeues the highest-priority message from a topic, blocking up to
// timeout. A zero timeout polls once. Returns nil when the topic is empty at
// deadline or when the dequeued message had expired (the expired message is
// routed to the dead-letter sink).
func (q *Queue) Consume(topic string, timeout time.Duration) *Message {
	q.mu.RLock()
	t, ok := q.topics[topic]
	q.mu.RUnlock()
	if !ok {
		if timeout <= 0 {
			return nil
		}
		t = q.topic(topic)
	}

	deadline := time.Now().Add(timeout)
	for {
		if msg, ok := t.pop(); ok {
			if msg.Expired(time.Now()) {
				q.sendToDeadLetters(msg)
				return nil
			}
			return msg
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-t.notify:
			timer.Stop()
		case <-timer.C:
			return nil
		}
	}
}

// Reject handles a message a consumer could not process. With requeue set
// and retries remaining, the message is republished with its retry count
// incremented and its priority lowered one step (LOW floor); the original id
// and timestamp are preserved. Otherwise the message goes to the dead-letter
// sink.
func (q *Queue) Reject(msg *Message, requeue bool) {
	if requeue && msg.RetryCount < msg.MaxRetries {
		msg.RetryCount++
		msg.Priority = msg.Priority.StepDown()
		q.PublishMessage(msg)
		return
	}
	q.sendToDeadLetters(msg)
}

func (q *Queue) sendToDeadLetters(msg *Message) {
	q.deadLetters.push(msg, atomic.AddUint64(&q.seq, 1))
}

// DeadLetterCount returns the current dead-letter backlog.
func (q *Queue) DeadLetterCount() int {
	return q.deadLetters.size()
}

// PurgeTopic drops every queued message on a topic. Subscribers stay
// registered.
func (q *Queue) PurgeTopic(topic string) {
	q.mu.RLock()
	t, ok := q.topics[topic]
	q.mu.RUnlock()
	if ok {
		t.drain()
	}
}

// TopicStats describes one topic.
type TopicStats struct {
	QueueSize   int `json:"queue_size"`
	Subscribers int `json:"subscribers"`
}

// Stats describes the whole queue.
type Stats struct {
	TotalTopics      int                   `json:"total_topics"`
	TotalSubscribers int                   `json:"total_subscribers"`
	DeadLetters      int                   `json:"dead_letters"`
	Topics           map[string]TopicStats `json:"topics"`
}

// QueueStats reports sizes and subscriber counts for every topic.
func (q *Queue) QueueStats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := Stats{
		Topics:      make(map[string]TopicStats, len(q.topics)),
		DeadLetters: q.deadLetters.size(),
		TotalTopics: len(q.topics),
	}
	for name, t := range q.topics {
		t.subMu.RLock()
		subs := len(t.subs)
		t.subMu.RUnlock()
		stats.Topics[name] = TopicStats{QueueSize: t.size(), Subscribers: subs}
		stats.TotalSubscribers += subs
	}
	return stats
}

// TopicBacklog returns the queued-message count for one topic, zero when the
// topic does not exist yet.
func (q *Queue) TopicBacklog(topic string) int {
	q.mu.RLock()
	t, ok := q.topics[topic]
	q.mu.RUnlock()
	if !ok {
		return 0
	}
	return t.size()
}

// -----------------------------------------------------------------------------
// Background Loops
// -----------------------------------------------------------------------------

// drainDeadLetters logs dead letters as they arrive. The sink keeps the last
// word on messages the system gave up on; logging here is the audit hook.
func (q *Queue) drainDeadLetters() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.deadLetters.notify:
			for {
				msg, ok := q.deadLetters.pop()
				if !ok {
					break
				}
				q.log.Debug("dead letter",
					zap.String("id", msg.ID),
					zap.String("topic", msg.Topic),
					zap.Int("retries", msg.RetryCount))
			}
		case <-time.After(q.config.DeadLetterDrainInterval):
		}
	}
}

// sweepExpired drains each topic on a timer, routes expired messages to the
// dead-letter sink and re-adds the rest with their original ordering keys.
func (q *Queue) sweepExpired() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.config.ExpiredSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.sweepOnce()
		}
	}
}

func (q *Queue) sweepOnce() {
	q.mu.RLock()
	topics := make([]*topicQueue, 0, len(q.topics))
	for _, t := range q.topics {
		topics = append(topics, t)
	}
	q.mu.RUnlock()

	now := time.Now()
	for _, t := range topics {
		for _, it := range t.drain() {
			if it.msg.Expired(now) {
				q.sendToDeadLetters(it.msg)
				continue
			}
			t.push(it.msg, it.seq)
		}
	}
}
