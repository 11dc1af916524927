package types

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of protocol message carried by an envelope.
type MessageType string

// Session lifecycle messages.
const (
	TypeSessionCreated      MessageType = "SESSION_CREATED"
	TypeSessionEnded        MessageType = "SESSION_ENDED"
	TypeConnectionAck       MessageType = "CONNECTION_ACK"
	TypeConnectionHeartbeat MessageType = "CONNECTION_HEARTBEAT"
)

// Execution lifecycle messages.
const (
	TypeAgentExecutionStarted  MessageType = "AGENT_EXECUTION_STARTED"
	TypeAgentTextChunk         MessageType = "AGENT_TEXT_CHUNK"
	TypeAgentToolCall          MessageType = "AGENT_TOOL_CALL"
	TypeAgentError             MessageType = "AGENT_ERROR"
	TypeAgentExecutionComplete MessageType = "AGENT_EXECUTION_COMPLETE"
)

// Human-in-the-loop messages.
const (
	TypeHITLRequestCreated     MessageType = "HITL_REQUEST_CREATED"
	TypeHITLResolutionPending  MessageType = "HITL_RESOLUTION_PENDING"
	TypeHITLResolved           MessageType = "HITL_RESOLVED"
	TypeHITLExpired            MessageType = "HITL_EXPIRED"
)

// Stream control messages.
const (
	TypeStreamPause  MessageType = "STREAM_PAUSE"
	TypeStreamResume MessageType = "STREAM_RESUME"
)

// Error family messages. A rejected action is always reported through one of
// these, never as an unstructured fault.
const (
	TypeValidationError   MessageType = "VALIDATION_ERROR"
	TypePermissionDenied  MessageType = "PERMISSION_DENIED"
	TypeRateLimitExceeded MessageType = "RATE_LIMIT_EXCEEDED"
	TypeSessionExpired    MessageType = "SESSION_EXPIRED"
	TypeSubscriptionError MessageType = "SUBSCRIPTION_ERROR"
)

// Priority orders outbound delivery within a session queue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to its numeric order. Higher values are delivered first.
// An unknown or empty priority is treated as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// SecurityLevel is the coarse access-control axis carried on sessions and
// messages. Levels are totally ordered: public < authenticated < tenant < private.
type SecurityLevel string

const (
	LevelPublic        SecurityLevel = "public"
	LevelAuthenticated SecurityLevel = "authenticated"
	LevelTenant        SecurityLevel = "tenant"
	LevelPrivate       SecurityLevel = "private"
)

// Rank maps a security level to its numeric order for comparisons.
func (l SecurityLevel) Rank() int {
	switch l {
	case LevelPrivate:
		return 3
	case LevelTenant:
		return 2
	case LevelAuthenticated:
		return 1
	default:
		return 0
	}
}

// Covers reports whether a session at level l may act on a resource that
// requires level required.
func (l SecurityLevel) Covers(required SecurityLevel) bool {
	return l.Rank() >= required.Rank()
}

// Permission is the fine-grained access-control axis.
type Permission string

const (
	PermissionRead    Permission = "read"
	PermissionWrite   Permission = "write"
	PermissionExecute Permission = "execute"
	PermissionAdmin   Permission = "admin"
)

// Message is the wire-level protocol envelope. Every event exchanged over the
// real-time channel is one of these; the payload shape is determined by Type
// (see payload.go). Field names and optionality follow the wire contract and
// must not change.
type Message struct {
	Type           MessageType     `json:"type"`
	SessionID      string          `json:"session_id"`
	RequestID      string          `json:"request_id"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	UserID         string          `json:"user_id,omitempty"`
	OrganizationID string          `json:"organization_id,omitempty"`
	SecurityLevel  SecurityLevel   `json:"security_level,omitempty"`
	Permissions    []Permission    `json:"permissions,omitempty"`
	Priority       Priority        `json:"priority,omitempty"`
	RetryCount     int             `json:"retry_count,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	Compression    string          `json:"compression,omitempty"`
	Encryption     string          `json:"encryption,omitempty"`
}

// NewMessage creates an envelope of the given type with a fresh request ID and
// the current timestamp. The payload is marshaled immediately so that a
// malformed payload fails at construction, not at delivery.
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	msg := &Message{
		Type:      msgType,
		RequestID: NewRequestID(),
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, NewError(ErrCodeValidation, "marshal payload").WithCause(err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// MustMessage is NewMessage for payloads that are known to marshal.
// It panics on marshal failure and is intended for internal event construction.
func MustMessage(msgType MessageType, payload any) *Message {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// WithPriority returns the message with its delivery priority set.
func (m *Message) WithPriority(p Priority) *Message {
	m.Priority = p
	return m
}

// WithCorrelation returns the message with its correlation ID set.
func (m *Message) WithCorrelation(id string) *Message {
	m.CorrelationID = id
	return m
}

// Expired reports whether the envelope carries an expiry that has passed.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Encode serializes the envelope to its JSON wire form.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a wire-form envelope and validates the required fields.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, NewError(ErrCodeValidation, "malformed message envelope").WithCause(err)
	}
	if msg.Type == "" {
		return nil, NewError(ErrCodeValidation, "message type is required")
	}
	if msg.Timestamp.IsZero() {
		return nil, NewError(ErrCodeValidation, "message timestamp is required")
	}
	return &msg, nil
}
