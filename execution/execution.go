// Copyright (c) AgentGate Authors.
// Licensed under the MIT License.

package execution

import "time"

// State is the business lifecycle state of an execution.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StatePaused    State = "PAUSED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// StreamState tracks transport framing independently of the business state.
type StreamState string

const (
	StreamIdle      StreamState = "IDLE"
	StreamStreaming StreamState = "STREAMING"
	StreamPaused    StreamState = "PAUSED"
	StreamCompleted StreamState = "COMPLETED"
	StreamError     StreamState = "ERROR"
)

// Kind identifies the invoked resource class.
type Kind string

const (
	KindAgent           Kind = "agent"
	KindTool            Kind = "tool"
	KindWorkflow        Kind = "workflow"
	KindKnowledgeSearch Kind = "knowledge-search"
)

// Execution is the full tracked state of one resource invocation.
// It is owned by the Tracker; callers only ever see snapshot copies.
type Execution struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenant_id"`
	SessionID     string      `json:"session_id,omitempty"`
	ResourceID    string      `json:"resource_id"`
	Kind          Kind        `json:"kind"`
	State         State       `json:"state"`
	StreamState   StreamState `json:"stream_state"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	ParentID      string      `json:"parent_execution_id,omitempty"`
	HITLRequestID string      `json:"hitl_request_id,omitempty"`
	Sequence      int64       `json:"sequence"`
	RetryCount    int         `json:"retry_count"`
	NextRetryAt   *time.Time  `json:"next_retry_at,omitempty"`
	Error         string      `json:"error,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
}

// Clone returns a deep copy snapshot.
func (e *Execution) Clone() *Execution {
	cp := *e
	if e.NextRetryAt != nil {
		t := *e.NextRetryAt
		cp.NextRetryAt = &t
	}
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
