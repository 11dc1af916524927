package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/session"
	"github.com/BaSui01/agentgate/types"
)

// --- test doubles ---

// fakeDirectory serves a fixed session set and per-session throttle results.
type fakeDirectory struct {
	mu        sync.Mutex
	sessions  []session.Session
	rooms     map[string][]string
	throttled map[string]error
}

func (d *fakeDirectory) add(sess session.Session, rooms ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = append(d.sessions, sess)
	if len(rooms) > 0 {
		if d.rooms == nil {
			d.rooms = make(map[string][]string)
		}
		d.rooms[sess.ID] = rooms
	}
}

func (d *fakeDirectory) filter(keep func(session.Session) bool) []session.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []session.Session
	for _, s := range d.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func (d *fakeDirectory) SessionsByTenant(tenantID string) []session.Session {
	return d.filter(func(s session.Session) bool { return s.TenantID == tenantID })
}

func (d *fakeDirectory) SessionsByUser(userID string) []session.Session {
	return d.filter(func(s session.Session) bool { return s.UserID == userID })
}

func (d *fakeDirectory) SessionsInRoom(room string) []session.Session {
	return d.filter(func(s session.Session) bool {
		for _, r := range d.rooms[s.ID] {
			if r == room {
				return true
			}
		}
		return false
	})
}

func (d *fakeDirectory) ActiveSessions() []session.Session {
	return d.filter(func(session.Session) bool { return true })
}

func (d *fakeDirectory) RateLimit(sessionID string, _ session.RateCategory) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.throttled == nil {
		return nil
	}
	return d.throttled[sessionID]
}

// gateSink records deliveries. With a gate attached, every Send blocks after
// recording until a token is released, which keeps the writer busy so queued
// messages pile up deterministically.
type gateSink struct {
	mu     sync.Mutex
	got    []*types.Message
	gate   chan struct{}
	closed bool
}

func (s *gateSink) Send(ctx context.Context, msg *types.Message) error {
	s.mu.Lock()
	s.got = append(s.got, msg)
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *gateSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *gateSink) messages() []*types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Message, len(s.got))
	copy(out, s.got)
	return out
}

func (s *gateSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *gateSink) waitFor(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.messages()) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected %d deliveries, got %d", n, len(s.messages()))
}

func testSession(id, userID, tenantID string) session.Session {
	return session.Session{
		ID:       id,
		UserID:   userID,
		TenantID: tenantID,
	}
}

func chunk(text string) *types.Message {
	return types.MustMessage(types.TypeAgentTextChunk, &types.TextChunkPayload{
		ExecutionID: "exec-1",
		Text:        text,
		Sequence:    1,
	})
}

// --- targeting ---

func TestDispatcher_TargetResolution(t *testing.T) {
	dir := &fakeDirectory{}
	dir.add(testSession("s1", "alice", "acme"), "ops")
	dir.add(testSession("s2", "alice", "acme"))
	dir.add(testSession("s3", "bob", "acme"), "ops")
	dir.add(testSession("s4", "carol", "globex"))

	d := NewDispatcher(dir, DefaultConfig(), zap.NewNop(), nil)
	defer d.Close()

	sinks := map[string]*gateSink{}
	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		sinks[id] = &gateSink{}
		d.Subscribe(id, sinks[id])
	}

	cases := []struct {
		name   string
		target Targeting
		want   map[string]int
	}{
		{"tenant", ToTenant("acme"), map[string]int{"s1": 1, "s2": 1, "s3": 1}},
		{"user", ToUser("alice"), map[string]int{"s1": 1, "s2": 1}},
		{"room", ToRoom("ops"), map[string]int{"s1": 1, "s3": 1}},
		{"all", ToAll(), map[string]int{"s1": 1, "s2": 1, "s3": 1, "s4": 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := map[string]int{}
			for id, sink := range sinks {
				before[id] = len(sink.messages())
			}
			require.NoError(t, d.Publish(context.Background(), chunk(tc.name), tc.target))
			for id, n := range tc.want {
				sinks[id].waitFor(t, before[id]+n)
			}
			// Untargeted sessions stay untouched.
			time.Sleep(20 * time.Millisecond)
			for id, sink := range sinks {
				want := before[id] + tc.want[id]
				assert.Len(t, sink.messages(), want, "session %s", id)
			}
		})
	}
}

func TestDispatcher_TargetFilter(t *testing.T) {
	dir := &fakeDirectory{}
	dir.add(testSession("s1", "alice", "acme"))
	dir.add(testSession("s2", "bob", "acme"))

	d := NewDispatcher(dir, DefaultConfig(), zap.NewNop(), nil)
	defer d.Close()

	s1, s2 := &gateSink{}, &gateSink{}
	d.Subscribe("s1", s1)
	d.Subscribe("s2", s2)

	target := ToTenant("acme")
	target.Filter = func(s session.Session) bool { return s.UserID == "bob" }
	require.NoError(t, d.Publish(context.Background(), chunk("filtered"), target))

	s2.waitFor(t, 1)
	assert.Empty(t, s1.messages())
}

func TestDispatcher_EnvelopeCopyPerRecipient(t *testing.T) {
	dir := &fakeDirectory{}
	dir.add(testSession("s1", "alice", "acme"))
	dir.add(testSession("s2", "bob", "acme"))

	d := NewDispatcher(dir, DefaultConfig(), zap.NewNop(), nil)
	defer d.Close()

	s1, s2 := &gateSink{}, &gateSink{}
	d.Subscribe("s1", s1)
	d.Subscribe("s2", s2)

	require.NoError(t, d.Publish(context.Background(), chunk("shared"), ToTenant("acme")))
	s1.waitFor(t, 1)
	s2.waitFor(t, 1)

	assert.Equal(t, "s1", s1.messages()[0].SessionID)
	assert.Equal(t, "s2", s2.messages()[0].SessionID)
	assert.False(t, s1.messages()[0].Timestamp.IsZero())
}

func TestDispatcher_NilMessageRejected(t *testing.T) {
	d := NewDispatcher(&fakeDirectory{}, DefaultConfig(), zap.NewNop(), nil)
	defer d.Close()

	err := d.Publish(context.Background(), nil, ToAll())
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeValidation, types.GetErrorCode(err))
}

// --- throttling ---

func TestDispatcher_ThrottledRecipientsSkipped(t *testing.T) {
	dir := &fakeDirectory{
		throttled: map[string]error{
			"s1": &types.RateLimitExceeded{SessionID: "s1", Category: "messages", Limit: 1, RetryAfter: time.Second},
		},
	}
	dir.add(testSession("s1", "alice", "acme"))
	dir.add(testSession("s2", "bob", "acme"))

	d := NewDispatcher(dir, DefaultConfig(), zap.NewNop(), nil)
	defer d.Close()

	s1, s2 := &gateSink{}, &gateSink{}
	d.Subscribe("s1", s1)
	d.Subscribe("s2", s2)

	require.NoError(t, d.Publish(context.Background(), chunk("limited"), ToTenant("acme")))
	s2.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s1.messages())
}

// --- priority queue ---

// floodFixture subscribes one session whose sink blocks on a gate, publishes a
// first message to occupy the writer, then returns with the queue guaranteed
// empty and the writer parked in Send.
func floodFixture(t *testing.T, queueSize int) (*Dispatcher, *gateSink, chan struct{}) {
	t.Helper()
	dir := &fakeDirectory{}
	dir.add(testSession("s1", "alice", "acme"))

	cfg := DefaultConfig()
	cfg.QueueSize = queueSize
	d := NewDispatcher(dir, cfg, zap.NewNop(), nil)
	t.Cleanup(d.Close)

	gate := make(chan struct{}, 64)
	sink := &gateSink{gate: gate}
	d.Subscribe("s1", sink)

	require.NoError(t, d.Publish(context.Background(), chunk("occupier"), ToTenant("acme")))
	sink.waitFor(t, 1)
	return d, sink, gate
}

func publish(t *testing.T, d *Dispatcher, text string, p types.Priority) {
	t.Helper()
	require.NoError(t, d.Publish(context.Background(), chunk(text).WithPriority(p), ToTenant("acme")))
}

func textOf(t *testing.T, msg *types.Message) string {
	t.Helper()
	payload, err := types.DecodePayload(msg)
	require.NoError(t, err)
	return payload.(*types.TextChunkPayload).Text
}

func TestDispatcher_PriorityOrdering(t *testing.T) {
	d, sink, gate := floodFixture(t, 16)

	publish(t, d, "low-1", types.PriorityLow)
	publish(t, d, "normal-1", types.PriorityNormal)
	publish(t, d, "low-2", types.PriorityLow)
	publish(t, d, "critical-1", types.PriorityCritical)
	publish(t, d, "high-1", types.PriorityHigh)
	publish(t, d, "normal-2", types.PriorityNormal)

	for i := 0; i < 7; i++ {
		gate <- struct{}{}
	}
	sink.waitFor(t, 7)

	var got []string
	for _, msg := range sink.messages()[1:] {
		got = append(got, textOf(t, msg))
	}
	// Highest priority first, FIFO inside each priority band.
	assert.Equal(t, []string{"critical-1", "high-1", "normal-1", "normal-2", "low-1", "low-2"}, got)
}

func TestDispatcher_OverflowEvictsLowestAndNotifies(t *testing.T) {
	d, sink, gate := floodFixture(t, 2)

	publish(t, d, "low-1", types.PriorityLow)
	publish(t, d, "low-2", types.PriorityLow)
	// Queue is full: the high-priority message must evict the newest low one.
	publish(t, d, "high-1", types.PriorityHigh)

	for i := 0; i < 8; i++ {
		gate <- struct{}{}
	}
	sink.waitFor(t, 4)

	msgs := sink.messages()
	require.Len(t, msgs, 4)

	// The drop notice jumps the queue ahead of regular traffic.
	notice := msgs[1]
	require.Equal(t, types.TypeSubscriptionError, notice.Type)
	payload, err := types.DecodePayload(notice)
	require.NoError(t, err)
	assert.Equal(t, 1, payload.(*types.ErrorPayload).Dropped)

	assert.Equal(t, "high-1", textOf(t, msgs[2]))
	assert.Equal(t, "low-1", textOf(t, msgs[3]))
}

func TestDispatcher_OverflowDropsIncomingLowest(t *testing.T) {
	d, sink, gate := floodFixture(t, 2)

	publish(t, d, "high-1", types.PriorityHigh)
	publish(t, d, "high-2", types.PriorityHigh)
	// Queue full of higher-priority traffic: the incoming low message is the
	// one dropped.
	publish(t, d, "low-1", types.PriorityLow)

	for i := 0; i < 8; i++ {
		gate <- struct{}{}
	}
	sink.waitFor(t, 4)

	msgs := sink.messages()
	require.Len(t, msgs, 4)
	require.Equal(t, types.TypeSubscriptionError, msgs[1].Type)
	assert.Equal(t, "high-1", textOf(t, msgs[2]))
	assert.Equal(t, "high-2", textOf(t, msgs[3]))
}

// --- lifecycle ---

func TestDispatcher_UnsubscribeClosesSink(t *testing.T) {
	dir := &fakeDirectory{}
	dir.add(testSession("s1", "alice", "acme"))

	d := NewDispatcher(dir, DefaultConfig(), zap.NewNop(), nil)
	defer d.Close()

	sink := &gateSink{}
	d.Subscribe("s1", sink)
	require.True(t, d.Subscribed("s1"))

	d.Unsubscribe("s1")
	assert.False(t, d.Subscribed("s1"))
	require.Eventually(t, sink.isClosed, 2*time.Second, 5*time.Millisecond)

	// Publishing after teardown is a silent no-op for that session.
	require.NoError(t, d.Publish(context.Background(), chunk("late"), ToTenant("acme")))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sink.messages(), 0)

	// Unknown teardown stays idempotent.
	d.Unsubscribe("s1")
}

func TestDispatcher_ResubscribeReplacesSink(t *testing.T) {
	dir := &fakeDirectory{}
	dir.add(testSession("s1", "alice", "acme"))

	d := NewDispatcher(dir, DefaultConfig(), zap.NewNop(), nil)
	defer d.Close()

	first := &gateSink{}
	second := &gateSink{}
	d.Subscribe("s1", first)
	d.Subscribe("s1", second)

	require.Eventually(t, first.isClosed, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.Publish(context.Background(), chunk("fresh"), ToTenant("acme")))
	second.waitFor(t, 1)
	assert.Empty(t, first.messages())
}

func TestDispatcher_CloseDrainsQueuedMessages(t *testing.T) {
	dir := &fakeDirectory{}
	dir.add(testSession("s1", "alice", "acme"))

	d := NewDispatcher(dir, DefaultConfig(), zap.NewNop(), nil)

	sink := &gateSink{}
	d.Subscribe("s1", sink)

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Publish(context.Background(), chunk(fmt.Sprintf("m%d", i)), ToTenant("acme")))
	}
	d.Close()

	assert.Len(t, sink.messages(), 5)
	assert.True(t, sink.isClosed())
}
