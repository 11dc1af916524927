// Copyright (c) AgentGate Authors.
// Licensed under the MIT License.

// Package notify delivers per-assignee events over offline channels.
//
// The decision coordinator treats notification as a best-effort side
// channel: a failed delivery never blocks or rolls back a state
// transition. AsyncNotifier decouples callers from slow sinks with a
// bounded worker pool; when the queue is full the event is dropped and
// counted rather than backing up the caller.
package notify
