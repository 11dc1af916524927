// Copyright (c) AgentGate Authors.
// Licensed under the MIT License.

// Package execution tracks agent, tool, workflow and knowledge-search
// invocations through their lifecycle and streams progress events to
// subscribed sessions.
//
// Each execution is owned by a single goroutine; all state transitions
// are serialized through its mailbox, so concurrent chunk, pause and
// resolution events can never interleave into an inconsistent state.
// The stream sub-state tracks transport framing independently of the
// business state: a paused stream does not imply a paused execution
// unless the pause originates from a pending human decision.
package execution
