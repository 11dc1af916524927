package hitl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentgate/dispatch"
	"github.com/BaSui01/agentgate/types"
)

// --- test doubles (function callback pattern) ---

type testPublisher struct {
	mu        sync.Mutex
	published []*types.Message
	targets   []dispatch.Targeting
	publishFn func(ctx context.Context, msg *types.Message, target dispatch.Targeting) error
}

func (p *testPublisher) Publish(ctx context.Context, msg *types.Message, target dispatch.Targeting) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, msg)
	p.targets = append(p.targets, target)
	if p.publishFn != nil {
		return p.publishFn(ctx, msg, target)
	}
	return nil
}

func (p *testPublisher) messages() []*types.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*types.Message(nil), p.published...)
}

type testNotifier struct {
	mu     sync.Mutex
	events []string
	users  []string
}

func (n *testNotifier) Notify(ctx context.Context, userID, event string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
	n.events = append(n.events, event)
	return nil
}

type testResolver struct {
	mu          sync.Mutex
	resolutions []Resolution
	executions  []string
}

func (r *testResolver) OnHITLResolved(ctx context.Context, executionID, requestID string, res Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions = append(r.executions, executionID)
	r.resolutions = append(r.resolutions, res)
}

func (r *testResolver) last() (Resolution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.resolutions) == 0 {
		return Resolution{}, false
	}
	return r.resolutions[len(r.resolutions)-1], true
}

type coordFixture struct {
	coord    *Coordinator
	store    *MemoryStore
	pub      *testPublisher
	notif    *testNotifier
	resolver *testResolver
	now      time.Time
	mu       sync.Mutex
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	f := &coordFixture{
		store:    NewMemoryStore(),
		pub:      &testPublisher{},
		notif:    &testNotifier{},
		resolver: &testResolver{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.coord = NewCoordinator(f.store, f.pub, f.notif, DefaultConfig(), nil, nil)
	f.coord.SetResolver(f.resolver)
	f.coord.SetClock(func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	})
	t.Cleanup(func() { _ = f.coord.Close() })
	return f
}

func (f *coordFixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func approvalSpec() Spec {
	return Spec{
		Type:          RequestTypeApproval,
		Decision:      DecisionSingleApprover,
		RequesterID:   "user-requester",
		Title:         "delete production table",
		AssigneeUsers: []string{"user-admin"},
		Fallback:      FallbackHalt,
	}
}

func majoritySpec(users ...string) Spec {
	return Spec{
		Type:          RequestTypeDecision,
		Decision:      DecisionMajorityVote,
		RequesterID:   "user-requester",
		AssigneeUsers: users,
		Fallback:      FallbackHalt,
	}
}

// --- Create ---

func TestCoordinator_Create(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	t.Run("creates pending request with defaults", func(t *testing.T) {
		req, err := f.coord.Create(ctx, "org-1", "exec-1", approvalSpec())
		require.NoError(t, err)
		assert.Equal(t, StatusPending, req.Status)
		assert.Equal(t, 1, req.RequiredVotes)
		assert.Equal(t, "org-1", req.TenantID)
		assert.Equal(t, f.now.Add(24*time.Hour), req.ExpiresAt)
		require.Len(t, req.Audit, 1)
		assert.Equal(t, "created", req.Audit[0].Action)
	})

	t.Run("broadcasts creation to tenant and notifies assignees", func(t *testing.T) {
		msgs := f.pub.messages()
		require.NotEmpty(t, msgs)
		assert.Equal(t, types.TypeHITLRequestCreated, msgs[0].Type)
		assert.Equal(t, types.PriorityHigh, msgs[0].Priority)
		assert.Contains(t, f.notif.users, "user-admin")
	})

	t.Run("second open request for same execution is rejected", func(t *testing.T) {
		_, err := f.coord.Create(ctx, "org-1", "exec-1", approvalSpec())
		require.Error(t, err)
		assert.Equal(t, types.ErrCodeValidation, types.GetErrorCode(err))
	})

	t.Run("vote-based decision requires two assignees", func(t *testing.T) {
		spec := majoritySpec("only-one")
		_, err := f.coord.Create(ctx, "org-1", "", spec)
		require.Error(t, err)
	})

	t.Run("chain step without positive timeout is rejected", func(t *testing.T) {
		spec := approvalSpec()
		spec.Chain = []EscalationStep{
			{Level: 1, AssigneeUsers: []string{"lead-1"}},
		}
		_, err := f.coord.Create(ctx, "org-1", "", spec)
		require.Error(t, err)
		assert.Equal(t, types.ErrCodeValidation, types.GetErrorCode(err))
	})

	t.Run("chain step without assignees is rejected", func(t *testing.T) {
		spec := approvalSpec()
		spec.Chain = []EscalationStep{
			{Level: 1, Timeout: 5 * time.Minute},
		}
		_, err := f.coord.Create(ctx, "org-1", "", spec)
		require.Error(t, err)
		assert.Equal(t, types.ErrCodeValidation, types.GetErrorCode(err))
	})

	t.Run("required votes fixed to assignee count for vote-based decisions", func(t *testing.T) {
		req, err := f.coord.Create(ctx, "org-1", "", majoritySpec("u1", "u2", "u3"))
		require.NoError(t, err)
		assert.Equal(t, 3, req.RequiredVotes)
	})
}

// --- single approver flow (approve then resume) ---

func TestCoordinator_SingleApproverFlow(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	req, err := f.coord.Create(ctx, "org-1", "exec-1", approvalSpec())
	require.NoError(t, err)

	assigned, err := f.coord.Assign(ctx, req.ID, "org-1", "user-admin")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, assigned.Status)
	assert.Equal(t, "user-admin", assigned.AssigneeID)

	// repeated assignment is a no-op
	again, err := f.coord.Assign(ctx, req.ID, "org-1", "user-admin")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, again.Status)

	resolved, err := f.coord.RecordVote(ctx, req.ID, "org-1", "user-admin", VoteApprove, "looks safe")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, OutcomeApproved, resolved.Resolution.Outcome)
	assert.True(t, resolved.Resolution.ShouldContinue)

	res, ok := f.resolver.last()
	require.True(t, ok)
	assert.True(t, res.ShouldContinue)
	assert.Equal(t, []string{"exec-1"}, f.resolver.executions)
}

// --- majority flow resolves at guaranteed majority ---

func TestCoordinator_MajorityResolvesEarly(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	req, err := f.coord.Create(ctx, "org-1", "exec-2", majoritySpec("u1", "u2", "u3"))
	require.NoError(t, err)

	after1, err := f.coord.RecordVote(ctx, req.ID, "org-1", "u1", VoteApprove, "")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, after1.Status)

	after2, err := f.coord.RecordVote(ctx, req.ID, "org-1", "u2", VoteApprove, "")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, after2.Status)
	assert.Equal(t, OutcomeApproved, after2.Resolution.Outcome)

	// late third vote can no longer change the outcome
	_, err = f.coord.RecordVote(ctx, req.ID, "org-1", "u3", VoteReject, "too late")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInvalidTransition, types.GetErrorCode(err))
}

func TestCoordinator_VoteRules(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	req, err := f.coord.Create(ctx, "org-1", "", majoritySpec("u1", "u2", "u3"))
	require.NoError(t, err)

	t.Run("non-assignee cannot vote", func(t *testing.T) {
		_, err := f.coord.RecordVote(ctx, req.ID, "org-1", "intruder", VoteApprove, "")
		require.Error(t, err)
		assert.Equal(t, types.ErrCodePermissionDenied, types.GetErrorCode(err))
	})

	t.Run("revote overwrites instead of duplicating", func(t *testing.T) {
		_, err := f.coord.RecordVote(ctx, req.ID, "org-1", "u1", VoteReject, "")
		require.NoError(t, err)
		snap, err := f.coord.RecordVote(ctx, req.ID, "org-1", "u1", VoteApprove, "changed my mind")
		require.NoError(t, err)
		require.Len(t, snap.Votes, 1)
		assert.Equal(t, VoteApprove, snap.Votes["u1"].Choice)
	})

	t.Run("wrong tenant cannot see the request", func(t *testing.T) {
		_, err := f.coord.RecordVote(ctx, req.ID, "org-2", "u2", VoteApprove, "")
		assert.ErrorIs(t, err, ErrRequestNotFound)
	})
}

func TestCoordinator_UnanimousShortCircuit(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	spec := majoritySpec("u1", "u2", "u3")
	spec.Decision = DecisionUnanimous

	t.Run("single rejection decides immediately", func(t *testing.T) {
		req, err := f.coord.Create(ctx, "org-1", "", spec)
		require.NoError(t, err)
		snap, err := f.coord.RecordVote(ctx, req.ID, "org-1", "u2", VoteReject, "nope")
		require.NoError(t, err)
		assert.Equal(t, StatusResolved, snap.Status)
		assert.Equal(t, OutcomeRejected, snap.Resolution.Outcome)
	})

	t.Run("abstention makes unanimity unreachable", func(t *testing.T) {
		req, err := f.coord.Create(ctx, "org-1", "", spec)
		require.NoError(t, err)
		snap, err := f.coord.RecordVote(ctx, req.ID, "org-1", "u1", VoteAbstain, "")
		require.NoError(t, err)
		assert.Equal(t, StatusResolved, snap.Status)
		assert.Equal(t, OutcomeRejected, snap.Resolution.Outcome)
	})
}

// --- delegation ---

func TestCoordinator_Delegate(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	req, err := f.coord.Create(ctx, "org-1", "", majoritySpec("u1", "u2", "u3"))
	require.NoError(t, err)

	snap, err := f.coord.Delegate(ctx, req.ID, "org-1", "u1", "u9")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, snap.Status)
	assert.Contains(t, snap.AssigneeUsers, "u9")
	assert.NotContains(t, snap.AssigneeUsers, "u1")
	require.Len(t, snap.Delegations, 1)
	assert.Equal(t, "u1", snap.Delegations[0].FromID)

	// delegate target inherits voting rights, original loses them
	_, err = f.coord.RecordVote(ctx, req.ID, "org-1", "u9", VoteApprove, "")
	require.NoError(t, err)
	_, err = f.coord.RecordVote(ctx, req.ID, "org-1", "u1", VoteApprove, "")
	require.Error(t, err)

	t.Run("non-assignee cannot delegate away", func(t *testing.T) {
		_, err := f.coord.Delegate(ctx, req.ID, "org-1", "stranger", "u5")
		require.Error(t, err)
	})
}

// --- terminal immutability and idempotence ---

func TestCoordinator_TerminalStates(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	req, err := f.coord.Create(ctx, "org-1", "", approvalSpec())
	require.NoError(t, err)

	first, err := f.coord.Resolve(ctx, req.ID, "org-1", "user-admin", OutcomeRejected, "risky")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, first.Status)
	assert.False(t, first.Resolution.ShouldContinue)

	t.Run("repeated resolve is a no-op", func(t *testing.T) {
		second, err := f.coord.Resolve(ctx, req.ID, "org-1", "someone-else", OutcomeApproved, "flip")
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, second.Resolution.Outcome)
		assert.Equal(t, first.ResolvedAt, second.ResolvedAt)
	})

	t.Run("resolved request rejects cancel", func(t *testing.T) {
		_, err := f.coord.Cancel(ctx, req.ID, "org-1", "admin", "cleanup")
		require.Error(t, err)
		assert.Equal(t, types.ErrCodeInvalidTransition, types.GetErrorCode(err))
	})

	t.Run("resolved request rejects escalation", func(t *testing.T) {
		_, err := f.coord.Escalate(ctx, req.ID, "org-1")
		require.Error(t, err)
	})
}

// Settled requests must not keep their owner goroutine alive. Reads and
// idempotence checks fall back to the store once the final state lands.
func TestCoordinator_ReleasesOwnerAfterSettlement(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	req, err := f.coord.Create(ctx, "org-1", "", approvalSpec())
	require.NoError(t, err)

	_, err = f.coord.Resolve(ctx, req.ID, "org-1", "user-admin", OutcomeApproved, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.coord.mu.Lock()
		defer f.coord.mu.Unlock()
		_, live := f.coord.owners[req.ID]
		return !live
	}, time.Second, 10*time.Millisecond, "owner must be released once the final state persists")

	snap, err := f.coord.Get(ctx, req.ID, "org-1")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, snap.Status)

	t.Run("idempotent resolve survives the release", func(t *testing.T) {
		again, err := f.coord.Resolve(ctx, req.ID, "org-1", "someone-else", OutcomeRejected, "flip")
		require.NoError(t, err)
		assert.Equal(t, OutcomeApproved, again.Resolution.Outcome)
	})

	t.Run("conflicting cancel survives the release", func(t *testing.T) {
		_, err := f.coord.Cancel(ctx, req.ID, "org-1", "admin", "cleanup")
		require.Error(t, err)
		assert.Equal(t, types.ErrCodeInvalidTransition, types.GetErrorCode(err))
	})

	t.Run("tenant isolation survives the release", func(t *testing.T) {
		_, err := f.coord.Get(ctx, req.ID, "org-2")
		assert.ErrorIs(t, err, ErrRequestNotFound)
	})
}

// --- escalation ---

func TestCoordinator_Escalate(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	spec := majoritySpec("u1", "u2", "u3")
	spec.Chain = []EscalationStep{
		{Level: 1, AssigneeUsers: []string{"lead-1", "lead-2", "lead-3"}, Timeout: time.Hour},
	}
	req, err := f.coord.Create(ctx, "org-1", "", spec)
	require.NoError(t, err)

	snap, err := f.coord.Escalate(ctx, req.ID, "org-1")
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, snap.Status)
	assert.Equal(t, 1, snap.Level)
	assert.Equal(t, []string{"lead-1", "lead-2", "lead-3"}, snap.AssigneeUsers)
	assert.Empty(t, snap.AssigneeID)
	require.NotNil(t, snap.EscalatedAt)
	// quorum stays fixed at creation
	assert.Equal(t, 3, snap.RequiredVotes)

	t.Run("escalated request rejects votes until reassigned", func(t *testing.T) {
		_, err := f.coord.RecordVote(ctx, req.ID, "org-1", "lead-1", VoteApprove, "")
		require.Error(t, err)
		assert.Equal(t, types.ErrCodeInvalidTransition, types.GetErrorCode(err))
	})

	t.Run("new assignee can vote after taking the request", func(t *testing.T) {
		_, err := f.coord.Assign(ctx, req.ID, "org-1", "lead-1")
		require.NoError(t, err)
		_, err = f.coord.RecordVote(ctx, req.ID, "org-1", "lead-1", VoteApprove, "")
		require.NoError(t, err)
	})

	t.Run("exhausted chain expires with fallback", func(t *testing.T) {
		spec := approvalSpec()
		spec.Fallback = FallbackContinue
		req, err := f.coord.Create(ctx, "org-1", "exec-esc", spec)
		require.NoError(t, err)

		snap, err := f.coord.Escalate(ctx, req.ID, "org-1")
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, snap.Status)
		require.NotNil(t, snap.Resolution)
		assert.Equal(t, FallbackContinue, snap.Resolution.Fallback)
		assert.True(t, snap.Resolution.ShouldContinue)
	})
}

// --- expiry ---

func TestCoordinator_Expire(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	spec := approvalSpec()
	spec.Fallback = FallbackHalt
	req, err := f.coord.Create(ctx, "org-1", "exec-exp", spec)
	require.NoError(t, err)

	f.advance(25 * time.Hour)
	snap, err := f.coord.Expire(ctx, req.ID, "org-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, snap.Status)
	assert.False(t, snap.Resolution.ShouldContinue)

	// expiry broadcast uses the dedicated message type
	msgs := f.pub.messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, types.TypeHITLExpired, last.Type)

	// repeated expiry is a no-op
	_, err = f.coord.Expire(ctx, req.ID, "org-1")
	require.NoError(t, err)
}

// --- cancellation ---

func TestCoordinator_Cancel(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	t.Run("user cancel notifies execution", func(t *testing.T) {
		req, err := f.coord.Create(ctx, "org-1", "exec-c1", approvalSpec())
		require.NoError(t, err)
		snap, err := f.coord.Cancel(ctx, req.ID, "org-1", "user-requester", "no longer needed")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, snap.Status)
		res, ok := f.resolver.last()
		require.True(t, ok)
		assert.False(t, res.ShouldContinue)
	})

	t.Run("execution-initiated cancel skips the resolver callback", func(t *testing.T) {
		req, err := f.coord.Create(ctx, "org-1", "exec-c2", approvalSpec())
		require.NoError(t, err)
		before := len(f.resolver.executions)
		require.NoError(t, f.coord.CancelByExecution(ctx, "exec-c2", "org-1", "execution cancelled"))
		assert.Len(t, f.resolver.executions, before)

		snap, err := f.coord.Get(ctx, req.ID, "org-1")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, snap.Status)
	})

	t.Run("settled execution can open a new request", func(t *testing.T) {
		_, err := f.coord.Create(ctx, "org-1", "exec-c2", approvalSpec())
		require.NoError(t, err)
	})
}

// --- audit trail ---

func TestCoordinator_AuditOrdering(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	req, err := f.coord.Create(ctx, "org-1", "", approvalSpec())
	require.NoError(t, err)
	f.advance(time.Minute)
	_, err = f.coord.Assign(ctx, req.ID, "org-1", "user-admin")
	require.NoError(t, err)
	f.advance(time.Minute)
	snap, err := f.coord.RecordVote(ctx, req.ID, "org-1", "user-admin", VoteApprove, "")
	require.NoError(t, err)

	actions := make([]string, 0, len(snap.Audit))
	for _, e := range snap.Audit {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"created", "assigned", "vote_cast", "RESOLVED"}, actions)
	for i := 1; i < len(snap.Audit); i++ {
		assert.False(t, snap.Audit[i].Timestamp.Before(snap.Audit[i-1].Timestamp))
	}
}

// --- write-ahead persistence ---

func TestCoordinator_PersistsDespiteStoreFailures(t *testing.T) {
	pub := &testPublisher{}
	store := &flakyStore{inner: NewMemoryStore(), failures: 2}
	coord := NewCoordinator(store, pub, nil, Config{
		DefaultTimeout: time.Hour,
		PersistRetries: 3,
		PersistBackoff: time.Millisecond,
	}, nil, nil)
	defer coord.Close()

	ctx := context.Background()
	req, err := coord.Create(ctx, "org-1", "", approvalSpec())
	require.NoError(t, err)

	// the in-memory decision is immediately visible even while the
	// store is still failing
	snap, err := coord.Resolve(ctx, req.ID, "org-1", "user-admin", OutcomeApproved, "")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, snap.Status)

	require.NoError(t, coord.Close())
	persisted, err := store.inner.Load(ctx, req.ID, "org-1")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, persisted.Status)
}

type flakyStore struct {
	inner    *MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Save(ctx context.Context, req *Request) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return context.DeadlineExceeded
	}
	s.mu.Unlock()
	return s.inner.Save(ctx, req)
}

func (s *flakyStore) Load(ctx context.Context, requestID, tenantID string) (*Request, error) {
	return s.inner.Load(ctx, requestID, tenantID)
}

func (s *flakyStore) List(ctx context.Context, filter ListFilter) ([]*Request, error) {
	return s.inner.List(ctx, filter)
}

func (s *flakyStore) Close() error { return s.inner.Close() }

// --- lookups ---

func TestCoordinator_GetAndList(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	req, err := f.coord.Create(ctx, "org-1", "", approvalSpec())
	require.NoError(t, err)

	t.Run("get returns a snapshot copy", func(t *testing.T) {
		snap, err := f.coord.Get(ctx, req.ID, "org-1")
		require.NoError(t, err)
		snap.Status = StatusCancelled // mutating the copy must not leak back
		again, err := f.coord.Get(ctx, req.ID, "org-1")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, again.Status)
	})

	t.Run("unknown request", func(t *testing.T) {
		_, err := f.coord.Get(ctx, "hitl_missing", "org-1")
		assert.ErrorIs(t, err, ErrRequestNotFound)
	})

	t.Run("open requests snapshot excludes settled ones", func(t *testing.T) {
		open := f.coord.OpenRequests()
		require.Len(t, open, 1)
		_, err := f.coord.Resolve(ctx, req.ID, "org-1", "user-admin", OutcomeApproved, "")
		require.NoError(t, err)
		assert.Empty(t, f.coord.OpenRequests())
	})
}
