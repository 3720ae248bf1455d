package bus

import (
	"fmt"
	"sync"
	"time"

	"agentmesh/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// MESSAGE BUS (REQUEST / RESPONSE)
// =============================================================================

const (
	requestTopicPrefix = "request."
	responseTopic      = "responses"
)

// RequestHandler services one request topic. The returned map is sent back
// to the requester; a non-nil error is converted into an error response.
type RequestHandler func(payload map[string]any) (map[string]any, error)

// MessageBus layers request/response semantics over the priority queue.
// Responses travel on a shared "responses" topic keyed by request id.
type MessageBus struct {
	queue *Queue

	mu      sync.Mutex
	pending map[string]chan map[string]any

	log *zap.Logger
}

// NewMessageBus wraps a queue and subscribes to the response topic.
func NewMessageBus(queue *Queue) *MessageBus {
	b := &MessageBus{
		queue:   queue,
		pending: make(map[string]chan map[string]any),
		log:     logging.Get(logging.CategoryBus),
	}
	queue.Subscribe(responseTopic, b.onResponse)
	return b
}

// Queue exposes the underlying priority queue for plain pub/sub.
func (b *MessageBus) Queue() *Queue { return b.queue }

// Request publishes a payload on request.<topic> at high priority and blocks
// until a response arrives or the timeout elapses. Returns nil on timeout;
// the pending entry is cleaned up either way.
func (b *MessageBus) Request(topic string, payload map[string]any, timeout time.Duration) map[string]any {
	requestID := uuid.NewString()
	ch := make(chan map[string]any, 1)

	b.mu.Lock()
	b.pending[requestID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
	}()

	b.queue.Publish(map[string]any{
		"request_id": requestID,
		"data":       payload,
	}, requestTopicPrefix+topic, PriorityHigh)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp
	case <-timer.C:
		b.log.Debug("request timed out",
			zap.String("topic", topic), zap.String("request_id", requestID))
		return nil
	}
}

// Respond publishes a response for a request id.
func (b *MessageBus) Respond(requestID string, response map[string]any) {
	b.queue.Publish(map[string]any{
		"request_id": requestID,
		"response":   response,
	}, responseTopic, PriorityHigh)
}

// HandleRequest registers a handler for a request topic. The handler runs in
// the subscriber goroutine; its result (or error) is sent back automatically.
func (b *MessageBus) HandleRequest(topic string, handler RequestHandler) {
	b.queue.Subscribe(requestTopicPrefix+topic, func(msg *Message) {
		requestID, _ := msg.Payload["request_id"].(string)
		if requestID == "" {
			return
		}
		data, _ := msg.Payload["data"].(map[string]any)

		resp, err := func() (resp map[string]any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			return handler(data)
		}()
		if err != nil {
			resp = map[string]any{"error": err.Error(), "success": false}
		}
		b.Respond(requestID, resp)
	})
}

// PendingRequests reports the in-flight request count. Used by stats and by
// tests asserting timeout cleanup.
func (b *MessageBus) PendingRequests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *MessageBus) onResponse(msg *Message) {
	requestID, _ := msg.Payload["request_id"].(string)
	if requestID == "" {
		return
	}
	response, _ := msg.Payload["response"].(map[string]any)

	b.mu.Lock()
	ch, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if ok {
		ch <- response
	}
}
