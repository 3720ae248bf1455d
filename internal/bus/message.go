package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// MESSAGE TYPES
// =============================================================================

// Priority defines message scheduling priority. Values are spaced so wire
// payloads from older producers (1..10) map onto the same scale.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 8
	PriorityCritical Priority = 10
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// StepDown returns the next lower priority level. LOW is the floor.
func (p Priority) StepDown() Priority {
	switch p {
	case PriorityCritical:
		return PriorityHigh
	case PriorityHigh:
		return PriorityNormal
	case PriorityNormal:
		return PriorityLow
	default:
		return PriorityLow
	}
}

// DefaultMaxRetries is applied when a message is published without an
// explicit retry budget.
const DefaultMaxRetries = 3

// Message is the unit of routing on the queue. Payload is an opaque
// key/value record; consumers decode the shapes they understand.
type Message struct {
	ID            string         `json:"id"`
	Topic         string         `json:"topic"`
	SourceAgentID string         `json:"source_agent_id,omitempty"`
	TargetAgentID string         `json:"target_agent_id,omitempty"`
	MessageType   string         `json:"message_type,omitempty"`
	Payload       map[string]any `json:"payload"`
	Timestamp     time.Time      `json:"timestamp"`
	Priority      Priority       `json:"priority"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	TTLSeconds    int            `json:"ttl_seconds,omitempty"` // 0 with HasTTL means expired on dequeue
	HasTTL        bool           `json:"has_ttl,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// NewMessage builds a message with a fresh id and timestamp.
func NewMessage(topic string, payload map[string]any, priority Priority) *Message {
	return &Message{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
		Priority:   priority,
		MaxRetries: DefaultMaxRetries,
	}
}

// Expired reports whether the message TTL has elapsed at time now.
func (m *Message) Expired(now time.Time) bool {
	if !m.HasTTL {
		return false
	}
	return now.Sub(m.Timestamp) >= time.Duration(m.TTLSeconds)*time.Second
}

// MarshalJSONString serializes the message for dead-letter inspection.
func (m *Message) MarshalJSONString() string {
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
