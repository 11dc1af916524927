package hitl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type schedFixture struct {
	coord *Coordinator
	sched *Scheduler
	now   time.Time
	mu    sync.Mutex
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	f := &schedFixture{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	}
	f.coord = NewCoordinator(NewMemoryStore(), nil, nil, DefaultConfig(), nil, nil)
	f.coord.SetClock(clock)
	f.sched = NewScheduler(f.coord, time.Second, nil)
	f.sched.clock = clock
	t.Cleanup(func() { _ = f.coord.Close() })
	return f
}

func (f *schedFixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// A due escalation takes precedence over the absolute deadline, so a
// request walks its whole chain when each sweep finds a level due.
func TestScheduler_EscalationChainThenExpiry(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	spec := Spec{
		Type:          RequestTypeApproval,
		Decision:      DecisionSingleApprover,
		RequesterID:   "user-1",
		AssigneeUsers: []string{"oncall-1"},
		Timeout:       10 * time.Minute,
		Fallback:      FallbackHalt,
		Chain: []EscalationStep{
			{Level: 1, AssigneeUsers: []string{"lead-1"}, Timeout: 5 * time.Minute},
			{Level: 2, AssigneeUsers: []string{"director-1"}, Timeout: 5 * time.Minute},
		},
	}
	req, err := f.coord.Create(ctx, "org-1", "exec-1", spec)
	require.NoError(t, err)

	// nothing due yet
	f.sched.sweep(ctx)
	snap, _ := f.coord.Get(ctx, req.ID, "org-1")
	assert.Equal(t, StatusPending, snap.Status)

	// first level times out
	f.advance(6 * time.Minute)
	f.sched.sweep(ctx)
	snap, _ = f.coord.Get(ctx, req.ID, "org-1")
	assert.Equal(t, StatusEscalated, snap.Status)
	assert.Equal(t, 1, snap.Level)
	assert.Equal(t, []string{"lead-1"}, snap.AssigneeUsers)

	// absolute deadline has now passed, but a chain level remains:
	// the request escalates again instead of expiring
	f.advance(6 * time.Minute)
	f.sched.sweep(ctx)
	snap, _ = f.coord.Get(ctx, req.ID, "org-1")
	assert.Equal(t, StatusEscalated, snap.Status)
	assert.Equal(t, 2, snap.Level)
	assert.Equal(t, []string{"director-1"}, snap.AssigneeUsers)

	// chain exhausted, final level timeout elapses, request expires
	f.advance(6 * time.Minute)
	f.sched.sweep(ctx)
	snap, _ = f.coord.Get(ctx, req.ID, "org-1")
	assert.Equal(t, StatusExpired, snap.Status)
	require.NotNil(t, snap.Resolution)
	assert.False(t, snap.Resolution.ShouldContinue)
}

func TestScheduler_ExpiresChainlessRequests(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	spec := Spec{
		Type:          RequestTypeApproval,
		Decision:      DecisionSingleApprover,
		RequesterID:   "user-1",
		AssigneeUsers: []string{"oncall-1"},
		Timeout:       time.Hour,
		Fallback:      FallbackContinue,
	}
	req, err := f.coord.Create(ctx, "org-1", "", spec)
	require.NoError(t, err)

	f.advance(59 * time.Minute)
	f.sched.sweep(ctx)
	snap, _ := f.coord.Get(ctx, req.ID, "org-1")
	assert.Equal(t, StatusPending, snap.Status)

	f.advance(2 * time.Minute)
	f.sched.sweep(ctx)
	snap, _ = f.coord.Get(ctx, req.ID, "org-1")
	assert.Equal(t, StatusExpired, snap.Status)
	assert.True(t, snap.Resolution.ShouldContinue)
}

// Deadlines derive from stored timestamps, so a sweep that happens long
// after the fact still lands every overdue transition.
func TestScheduler_RecomputesDeadlinesFromTimestamps(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	spec := Spec{
		Type:          RequestTypeApproval,
		Decision:      DecisionSingleApprover,
		RequesterID:   "user-1",
		AssigneeUsers: []string{"oncall-1"},
		Timeout:       10 * time.Minute,
		Fallback:      FallbackHalt,
		Chain: []EscalationStep{
			{Level: 1, AssigneeUsers: []string{"lead-1"}, Timeout: 5 * time.Minute},
		},
	}
	req, err := f.coord.Create(ctx, "org-1", "", spec)
	require.NoError(t, err)

	// a long gap with no sweeps at all
	f.advance(3 * time.Hour)

	f.sched.sweep(ctx)
	snap, _ := f.coord.Get(ctx, req.ID, "org-1")
	assert.Equal(t, StatusEscalated, snap.Status)

	f.advance(6 * time.Minute)
	f.sched.sweep(ctx)
	snap, _ = f.coord.Get(ctx, req.ID, "org-1")
	assert.Equal(t, StatusExpired, snap.Status)
}

// Stored requests that predate chain-timeout validation may carry a
// zero-timeout step that never becomes due for escalation. The absolute
// deadline must still take them down.
func TestScheduler_AbsoluteDeadlineBeatsStuckChain(t *testing.T) {
	f := newSchedFixture(t)

	req := &Request{
		ID:        "hitl_legacy",
		TenantID:  "org-1",
		Status:    StatusPending,
		CreatedAt: f.now,
		ExpiresAt: f.now.Add(time.Second),
		Chain: []EscalationStep{
			{Level: 1, AssigneeUsers: []string{"lead-1"}},
		},
	}

	later := f.now.Add(48 * time.Hour)
	assert.False(t, f.sched.escalationDue(req, later))
	assert.True(t, f.sched.expiryDue(req, later))
}

func TestScheduler_IgnoresSettledRequests(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	spec := Spec{
		Type:          RequestTypeApproval,
		Decision:      DecisionSingleApprover,
		RequesterID:   "user-1",
		AssigneeUsers: []string{"oncall-1"},
		Timeout:       time.Minute,
		Fallback:      FallbackHalt,
	}
	req, err := f.coord.Create(ctx, "org-1", "", spec)
	require.NoError(t, err)
	_, err = f.coord.Resolve(ctx, req.ID, "org-1", "oncall-1", OutcomeApproved, "")
	require.NoError(t, err)

	f.advance(time.Hour)
	f.sched.sweep(ctx)

	snap, _ := f.coord.Get(ctx, req.ID, "org-1")
	assert.Equal(t, StatusResolved, snap.Status)
	assert.Equal(t, OutcomeApproved, snap.Resolution.Outcome)
}
