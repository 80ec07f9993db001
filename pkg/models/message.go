package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Default time-to-live per message kind
const (
	HeartbeatTTL  = 60 * time.Second
	TaskTTL       = 300 * time.Second
	ResultTTL     = 600 * time.Second
	DefaultTTL    = 120 * time.Second
	DefaultMaxTry = 3
)

// Envelope is the unit of communication between agents and the coordinator
type Envelope struct {
	ID                 string        `json:"id"`
	Sender             string        `json:"sender"`
	Recipient          string        `json:"recipient"`
	Kind               MessageKind   `json:"kind"`
	Priority           Priority      `json:"priority"`
	CreatedAt          time.Time     `json:"created_at"`
	CorrelationID      string        `json:"correlation_id,omitempty"`
	Subject            string        `json:"subject,omitempty"`
	Payload            any           `json:"payload,omitempty"`
	TTL                time.Duration `json:"ttl,omitempty"`
	RetryCount         int           `json:"retry_count"`
	MaxRetries         int           `json:"max_retries"`
	TargetCapabilities []string      `json:"target_capabilities,omitempty"`
	RequiresAck        bool          `json:"requires_ack,omitempty"`
}

// TTLFor returns the default time-to-live for a message kind
func TTLFor(kind MessageKind) time.Duration {
	switch kind {
	case KindHeartbeat:
		return HeartbeatTTL
	case KindTaskAssignment, KindRequest:
		return TaskTTL
	case KindTaskResult:
		return ResultTTL
	default:
		return DefaultTTL
	}
}

// NewDirect creates an envelope addressed to a single agent
func NewDirect(sender, recipient string, kind MessageKind, payload any, priority Priority) Envelope {
	return Envelope{
		ID:         uuid.New().String(),
		Sender:     sender,
		Recipient:  recipient,
		Kind:       kind,
		Priority:   priority,
		CreatedAt:  time.Now(),
		Payload:    payload,
		TTL:        TTLFor(kind),
		MaxRetries: DefaultMaxTry,
	}
}

// NewBroadcast creates an envelope for every agent, or only for agents
// holding one of the target capabilities when any are given
func NewBroadcast(sender, subject string, payload any, targetCapabilities ...string) Envelope {
	env := NewDirect(sender, BroadcastRecipient, KindBroadcast, payload, PriorityNormal)
	env.Subject = subject
	if len(targetCapabilities) > 0 {
		env.TargetCapabilities = append([]string(nil), targetCapabilities...)
	}
	return env
}

// IsBroadcast reports whether the envelope is addressed to many agents
func (e Envelope) IsBroadcast() bool {
	return e.Recipient == BroadcastRecipient
}

// IsExpired checks if the envelope has outlived its TTL
func (e Envelope) IsExpired() bool {
	return e.IsExpiredAt(time.Now())
}

// IsExpiredAt checks expiry against an explicit clock reading
func (e Envelope) IsExpiredAt(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > e.TTL
}

// CanRetry reports whether the envelope may be re-sent
func (e Envelope) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// Reply creates a response routed back to the sender, correlated with e
func (e Envelope) Reply(kind MessageKind, payload any) Envelope {
	reply := NewDirect(e.Recipient, e.Sender, kind, payload, e.Priority)
	reply.CorrelationID = e.Correlation()
	reply.Subject = e.Subject
	return reply
}

// Acknowledgment creates the ack for e
func (e Envelope) Acknowledgment() Envelope {
	ack := e.Reply(KindAck, AckPayload{Acknowledged: e.ID})
	ack.Priority = PriorityHigh
	return ack
}

// Correlation is the id shared by every envelope of a conversation: the
// correlation id when set, otherwise the envelope's own id
func (e Envelope) Correlation() string {
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	return e.ID
}

// WithCorrelationID sets the correlation ID
func (e Envelope) WithCorrelationID(id string) Envelope {
	e.CorrelationID = id
	return e
}

// WithTTL overrides the time-to-live
func (e Envelope) WithTTL(ttl time.Duration) Envelope {
	e.TTL = ttl
	return e
}

// WithAck asks the recipient to acknowledge the envelope
func (e Envelope) WithAck() Envelope {
	e.RequiresAck = true
	return e
}

// Validate checks if the envelope has all required fields
func (e Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "envelope ID is required"}
	}
	if e.Sender == "" {
		return &ValidationError{Field: "sender", Message: "envelope sender is required"}
	}
	if e.Recipient == "" {
		return &ValidationError{Field: "recipient", Message: "envelope recipient is required"}
	}
	if e.Kind == "" {
		return &ValidationError{Field: "kind", Message: "envelope kind is required"}
	}
	if e.CreatedAt.IsZero() {
		return &ValidationError{Field: "created_at", Message: "envelope timestamp is required"}
	}
	return nil
}

// ToJSON serializes the envelope to JSON bytes
func (e Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EnvelopeFromJSON deserializes an envelope. The payload comes back as
// generic JSON values.
func EnvelopeFromJSON(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}

// ValidationError represents a validation failure on a single field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}

// Payloads carried by envelopes

// AssignmentPayload hands a task to an agent
type AssignmentPayload struct {
	Task Task `json:"task"`
}

// StatusPayload reports a task status change from an agent
type StatusPayload struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
}

// AckPayload confirms receipt of an envelope. TaskID is set when the
// acknowledged envelope created a task.
type AckPayload struct {
	Acknowledged string `json:"acknowledged"`
	TaskID       string `json:"task_id,omitempty"`
}

// ResultPayload carries a finished task's result
type ResultPayload struct {
	Result TaskResult `json:"result"`
}

// RejectionPayload is sent when an agent refuses an assignment
type RejectionPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// CancelPayload asks an agent to abort a task
type CancelPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// HeartbeatPayload carries an agent's periodic metrics snapshot
type HeartbeatPayload struct {
	AgentID string        `json:"agent_id"`
	Status  AgentStatus   `json:"status"`
	Metrics HealthMetrics `json:"metrics"`
}

// DecodePayload extracts a typed payload. In-process envelopes carry the
// value itself; envelopes that crossed a JSON boundary carry generic maps
// and are re-decoded.
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	switch p := env.Payload.(type) {
	case T:
		return p, nil
	case *T:
		if p != nil {
			return *p, nil
		}
		return out, &ValidationError{Field: "payload", Message: "payload is nil"}
	case nil:
		return out, &ValidationError{Field: "payload", Message: "payload is nil"}
	}
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		return out, fmt.Errorf("re-encode %s payload: %w", env.Kind, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return out, nil
}
