// Copyright (c) AgentGate Authors.
// Licensed under the MIT License.

// Package dispatch routes outbound protocol messages to the sessions selected
// by a targeting rule (tenant, user, room, or all) and delivers them in
// priority order over per-session bounded queues.
//
// Delivery is at-least-once per session; consumers deduplicate by the
// envelope's request_id. Within one session, messages of equal priority are
// delivered in publish order (FIFO tie-break); across sessions no global
// ordering is guaranteed. When a session's queue is full the lowest-priority
// queued message is dropped first and a SUBSCRIPTION_ERROR notice is recorded,
// never silently.
package dispatch
