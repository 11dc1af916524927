package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload structs form a tagged union over MessageType: each message type maps
// to exactly one concrete payload shape, validated at the boundary by
// DecodePayload. Dynamic map payloads are never passed through.

// SessionPayload accompanies SESSION_CREATED, SESSION_ENDED, CONNECTION_ACK
// and SESSION_EXPIRED messages.
type SessionPayload struct {
	SessionID string        `json:"session_id"`
	UserID    string        `json:"user_id,omitempty"`
	TenantID  string        `json:"tenant_id,omitempty"`
	Level     SecurityLevel `json:"security_level,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
}

// HeartbeatPayload accompanies CONNECTION_HEARTBEAT messages.
type HeartbeatPayload struct {
	SessionID string    `json:"session_id"`
	SentAt    time.Time `json:"sent_at"`
}

// ExecutionStartedPayload accompanies AGENT_EXECUTION_STARTED.
type ExecutionStartedPayload struct {
	ExecutionID string `json:"execution_id"`
	TenantID    string `json:"tenant_id"`
	ResourceID  string `json:"resource_id"`
	Kind        string `json:"kind"`
}

// TextChunkPayload accompanies AGENT_TEXT_CHUNK. Sequence is strictly
// increasing per execution so consumers can detect gaps and reorder.
type TextChunkPayload struct {
	ExecutionID string `json:"execution_id"`
	Sequence    int64  `json:"sequence"`
	Text        string `json:"text"`
	IsFinal     bool   `json:"is_final,omitempty"`
}

// ToolCallPayload accompanies AGENT_TOOL_CALL.
type ToolCallPayload struct {
	ExecutionID string          `json:"execution_id"`
	ToolName    string          `json:"tool_name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

// ExecutionErrorPayload accompanies AGENT_ERROR.
type ExecutionErrorPayload struct {
	ExecutionID string    `json:"execution_id"`
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Retryable   bool      `json:"retryable,omitempty"`
	RetryCount  int       `json:"retry_count,omitempty"`
}

// ExecutionCompletePayload accompanies AGENT_EXECUTION_COMPLETE.
type ExecutionCompletePayload struct {
	ExecutionID string `json:"execution_id"`
	State       string `json:"state"`
	ChunkCount  int64  `json:"chunk_count,omitempty"`
}

// HITLRequestPayload accompanies HITL_REQUEST_CREATED and
// HITL_RESOLUTION_PENDING.
type HITLRequestPayload struct {
	HITLRequestID string     `json:"hitl_request_id"`
	ExecutionID   string     `json:"execution_id"`
	TenantID      string     `json:"tenant_id"`
	RequestType   string     `json:"request_type"`
	DecisionType  string     `json:"decision_type"`
	Title         string     `json:"title,omitempty"`
	Description   string     `json:"description,omitempty"`
	AssigneeUsers []string   `json:"assignee_users,omitempty"`
	AssigneeRoles []string   `json:"assignee_roles,omitempty"`
	Level         int        `json:"escalation_level"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// HITLResolvedPayload accompanies HITL_RESOLVED and HITL_EXPIRED.
type HITLResolvedPayload struct {
	HITLRequestID string `json:"hitl_request_id"`
	ExecutionID   string `json:"execution_id"`
	Outcome       string `json:"outcome"`
	ResolvedBy    string `json:"resolved_by,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Continue      bool   `json:"execution_should_continue"`
}

// StreamControlPayload accompanies STREAM_PAUSE and STREAM_RESUME.
type StreamControlPayload struct {
	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
}

// ErrorPayload accompanies the error message family. RequiredLevel/ActualLevel
// are set for PERMISSION_DENIED, RetryAfter for RATE_LIMIT_EXCEEDED.
type ErrorPayload struct {
	Code          ErrorCode     `json:"code"`
	Message       string        `json:"message"`
	RequiredLevel SecurityLevel `json:"required_level,omitempty"`
	ActualLevel   SecurityLevel `json:"actual_level,omitempty"`
	RetryAfterMS  int64         `json:"retry_after_ms,omitempty"`
	Dropped       int           `json:"dropped,omitempty"`
}

// DecodePayload unmarshals the envelope's payload into the concrete struct
// registered for its message type. Unknown message types and malformed
// payloads are rejected with a validation error before any state mutation.
func DecodePayload(m *Message) (any, error) {
	var target any
	switch m.Type {
	case TypeSessionCreated, TypeSessionEnded, TypeConnectionAck, TypeSessionExpired:
		target = &SessionPayload{}
	case TypeConnectionHeartbeat:
		target = &HeartbeatPayload{}
	case TypeAgentExecutionStarted:
		target = &ExecutionStartedPayload{}
	case TypeAgentTextChunk:
		target = &TextChunkPayload{}
	case TypeAgentToolCall:
		target = &ToolCallPayload{}
	case TypeAgentError:
		target = &ExecutionErrorPayload{}
	case TypeAgentExecutionComplete:
		target = &ExecutionCompletePayload{}
	case TypeHITLRequestCreated, TypeHITLResolutionPending:
		target = &HITLRequestPayload{}
	case TypeHITLResolved, TypeHITLExpired:
		target = &HITLResolvedPayload{}
	case TypeStreamPause, TypeStreamResume:
		target = &StreamControlPayload{}
	case TypeValidationError, TypePermissionDenied, TypeRateLimitExceeded, TypeSubscriptionError:
		target = &ErrorPayload{}
	default:
		return nil, NewError(ErrCodeValidation, fmt.Sprintf("unknown message type: %s", m.Type))
	}
	if len(m.Payload) == 0 {
		return target, nil
	}
	if err := json.Unmarshal(m.Payload, target); err != nil {
		return nil, NewError(ErrCodeValidation, fmt.Sprintf("malformed %s payload", m.Type)).WithCause(err)
	}
	return target, nil
}
