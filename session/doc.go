// Copyright (c) AgentGate Authors.
// Licensed under the MIT License.

// Package session tracks connected real-time sessions: their identity, tenant,
// security level, permission set, rate-limit counters, and expiry.
//
// The Registry is a shared, concurrency-safe service accessed by many
// execution and request owners concurrently. Synchronization is per-session:
// the registry map is guarded by a single RWMutex only for insert/remove and
// lookup, while counters and activity timestamps are guarded by each entry's
// own mutex so heavy fan-out never serializes on a global lock.
//
// Rate limiting uses fixed windows recomputed from stored timestamps: the
// per-minute message counter resets when the minute window rolls over, the
// per-hour execution counter likewise. Concurrent streams are a plain
// capacity counter with explicit acquire/release.
package session
