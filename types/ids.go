package types

import "github.com/google/uuid"

// ID prefixes identify the entity kind at a glance in logs and wire traces.
const (
	sessionIDPrefix   = "sess_"
	executionIDPrefix = "exec_"
	hitlIDPrefix      = "hitl_"
	requestIDPrefix   = "msg_"
)

// NewSessionID returns a unique session identifier.
func NewSessionID() string {
	return sessionIDPrefix + uuid.NewString()
}

// NewExecutionID returns a unique execution identifier.
func NewExecutionID() string {
	return executionIDPrefix + uuid.NewString()
}

// NewHITLRequestID returns a unique human-in-the-loop request identifier.
func NewHITLRequestID() string {
	return hitlIDPrefix + uuid.NewString()
}

// NewRequestID returns a unique protocol message identifier. Consumers
// deduplicate at-least-once delivery by this value.
func NewRequestID() string {
	return requestIDPrefix + uuid.NewString()
}
