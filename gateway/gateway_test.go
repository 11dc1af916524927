// 版权所有 2026 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/dispatch"
	"github.com/BaSui01/agentgate/hitl"
	"github.com/BaSui01/agentgate/session"
	"github.com/BaSui01/agentgate/types"
)

// --- 测试替身 ---

type voteCall struct {
	requestID string
	tenantID  string
	userID    string
	choice    hitl.VoteChoice
	reason    string
}

type stubDecisions struct {
	mu      sync.Mutex
	votes   []voteCall
	cancels []string
	voteErr error
}

func (s *stubDecisions) RecordVote(_ context.Context, requestID, tenantID, userID string, choice hitl.VoteChoice, reason string) (*hitl.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.voteErr != nil {
		return nil, s.voteErr
	}
	s.votes = append(s.votes, voteCall{requestID, tenantID, userID, choice, reason})
	return &hitl.Request{ID: requestID}, nil
}

func (s *stubDecisions) Cancel(_ context.Context, requestID, tenantID, actorID, reason string) (*hitl.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, requestID)
	return &hitl.Request{ID: requestID}, nil
}

func (s *stubDecisions) lastVote() (voteCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.votes) == 0 {
		return voteCall{}, false
	}
	return s.votes[len(s.votes)-1], true
}

type stubStreams struct {
	mu      sync.Mutex
	paused  []string
	resumed []string
	err     error
}

func (s *stubStreams) PauseStream(_ context.Context, executionID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.paused = append(s.paused, executionID)
	return nil
}

func (s *stubStreams) ResumeStream(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.resumed = append(s.resumed, executionID)
	return nil
}

// --- 测试夹具 ---

type gatewayFixture struct {
	gw         *Gateway
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	decisions  *stubDecisions
	streams    *stubStreams
	srv        *httptest.Server
}

func newGatewayFixture(t *testing.T, limits session.Limits) *gatewayFixture {
	t.Helper()
	registry := session.NewRegistry(zap.NewNop(), session.WithDefaultLimits(limits))
	dispatcher := dispatch.NewDispatcher(registry, dispatch.DefaultConfig(), zap.NewNop(), nil)
	t.Cleanup(dispatcher.Close)

	decisions := &stubDecisions{}
	streams := &stubStreams{}
	cfg := DefaultConfig()
	cfg.Auth = AuthConfig{Secret: "test-secret"}
	cfg.InsecureSkipVerify = true
	gw := New(registry, dispatcher, decisions, streams, cfg, zap.NewNop(), nil)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return &gatewayFixture{
		gw:         gw,
		registry:   registry,
		dispatcher: dispatcher,
		decisions:  decisions,
		streams:    streams,
		srv:        srv,
	}
}

func (f *gatewayFixture) token(t *testing.T, claims Claims) string {
	t.Helper()
	token, err := f.gw.Authenticator().IssueToken(claims, time.Minute)
	require.NoError(t, err)
	return token
}

func defaultClaims() Claims {
	return Claims{
		UserID:      "user-1",
		TenantID:    "tenant-a",
		Level:       types.LevelTenant,
		Permissions: []string{string(types.PermissionRead), string(types.PermissionWrite), string(types.PermissionExecute)},
	}
}

func wsURL(srv *httptest.Server, token string) string {
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	return url
}

func dial(t *testing.T, f *gatewayFixture, claims Claims) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(f.srv, f.token(t, claims)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *types.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	msg, err := types.DecodeMessage(data)
	require.NoError(t, err)
	return msg
}

func sendMessage(t *testing.T, conn *websocket.Conn, msg *types.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

// greetAndSession 消费握手回执并返回服务端分配的会话 ID。
func greetAndSession(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	created := readMessage(t, conn)
	require.Equal(t, types.TypeSessionCreated, created.Type)
	payload, err := types.DecodePayload(created)
	require.NoError(t, err)
	sessionID := payload.(*types.SessionPayload).SessionID
	require.NotEmpty(t, sessionID)

	ack := readMessage(t, conn)
	require.Equal(t, types.TypeConnectionAck, ack.Type)
	return sessionID
}

// --- 测试 ---

func TestGateway_HandshakeRegistersSession(t *testing.T) {
	f := newGatewayFixture(t, session.DefaultLimits())
	conn := dial(t, f, defaultClaims())

	sessionID := greetAndSession(t, conn)

	sess, err := f.registry.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, "tenant-a", sess.TenantID)
	assert.Equal(t, types.LevelTenant, sess.Level)
	assert.True(t, f.dispatcher.Subscribed(sessionID))
}

func TestGateway_RejectsMissingToken(t *testing.T) {
	f := newGatewayFixture(t, session.DefaultLimits())

	resp, err := http.Get(f.srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_RejectsForgedToken(t *testing.T) {
	f := newGatewayFixture(t, session.DefaultLimits())

	forger := NewAuthenticator(AuthConfig{Secret: "wrong-secret"})
	token, err := forger.IssueToken(defaultClaims(), time.Minute)
	require.NoError(t, err)

	resp, err := http.Get(f.srv.URL + "?token=" + token)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_HeartbeatRefreshesSession(t *testing.T) {
	f := newGatewayFixture(t, session.DefaultLimits())
	conn := dial(t, f, defaultClaims())
	sessionID := greetAndSession(t, conn)

	hb := types.MustMessage(types.TypeConnectionHeartbeat, &types.HeartbeatPayload{
		SessionID: sessionID,
		SentAt:    time.Now(),
	})
	sendMessage(t, conn, hb)

	ack := readMessage(t, conn)
	assert.Equal(t, types.TypeConnectionAck, ack.Type)
	assert.Equal(t, hb.RequestID, ack.CorrelationID)
}

func TestGateway_InboundVoteReachesCoordinator(t *testing.T) {
	f := newGatewayFixture(t, session.DefaultLimits())
	conn := dial(t, f, defaultClaims())
	greetAndSession(t, conn)

	sendMessage(t, conn, types.MustMessage(types.TypeHITLResolved, &types.HITLResolvedPayload{
		HITLRequestID: "req-1",
		Outcome:       "approved",
		Reason:        "looks safe",
	}))

	require.Eventually(t, func() bool {
		_, ok := f.decisions.lastVote()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	vote, _ := f.decisions.lastVote()
	assert.Equal(t, "req-1", vote.requestID)
	assert.Equal(t, "tenant-a", vote.tenantID)
	assert.Equal(t, "user-1", vote.userID)
	assert.Equal(t, hitl.VoteApprove, vote.choice)
	assert.Equal(t, "looks safe", vote.reason)
}

func TestGateway_InboundRejectVote(t *testing.T) {
	f := newGatewayFixture(t, session.DefaultLimits())
	conn := dial(t, f, defaultClaims())
	greetAndSession(t, conn)

	sendMessage(t, conn, types.MustMessage(types.TypeHITLResolved, &types.HITLResolvedPayload{
		HITLRequestID: "req-2",
		Outcome:       "reject",
	}))

	require.Eventually(t, func() bool {
		vote, ok := f.decisions.lastVote()
		return ok && vote.choice == hitl.VoteReject
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_VoteFailureReturnsErrorMessage(t *testing.T) {
	f := newGatewayFixture(t, session.DefaultLimits())
	f.decisions.voteErr = types.NewError(types.ErrCodeInvalidTransition, "request already settled")
	conn := dial(t, f, defaultClaims())
	greetAndSession(t, conn)

	sendMessage(t, conn, types.MustMessage(types.TypeHITLResolved, &types.HITLResolvedPayload{
		HITLRequestID: "req-3",
		Outcome:       "approved",
	}))

	reply := readMessage(t, conn)
	require.Equal(t, types.TypeValidationError, reply.Type)
	payload, err := types.DecodePayload(reply)
	require.NoError(t, err)
	assert.Equal(t, types.ErrCodeInvalidTransition, payload.(*types.ErrorPayload).Code)
}

func TestGateway_UnknownOutcomeRejected(t *testing.T) {
	f := newGatewayFixture(t, session.DefaultLimits())
	conn := dial(t, f, defaultClaims())
	greetAndSession(t, conn)

	sendMessage(t, conn, types.MustMessage(types.TypeHITLResolved, &types.HITLResolvedPayload{
		HITLRequestID: "req-4",
		Outcome:       "maybe",
	}))

	reply := readMessage(t, conn)
	assert.Equal(t, types.TypeValidationError, reply.Type)
	_, ok := f.decisions.lastVote()
	assert.False(t, ok)
}

func TestGateway_StreamControlReachesTracker(t *testing.T) {
	f := newGatewayFixture(t, session.DefaultLimits())
	conn := dial(t, f, defaultClaims())
	greetAndSession(t, conn)

	sendMessage(t, conn, types.MustMessage(types.TypeStreamPause, &types.StreamControlPayload{
		ExecutionID: "exec-1",
		Reason:      "user paused",
	}))
	sendMessage(t, conn, types.MustMessage(types.TypeStreamResume, &types.StreamControlPayload{
		ExecutionID: "exec-1",
	}))

	require.Eventually(t, func() bool {
		f.streams.mu.Lock()
		defer f.streams.mu.Unlock()
		return len(f.streams.paused) == 1 && len(f.streams.resumed) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_StreamControlRequiresExecutePermission(t *testing.T) {
	f := newGatewayFixture(t, session.DefaultLimits())
	claims := defaultClaims()
	claims.Permissions = []string{string(types.PermissionRead)}
	conn := dial(t, f, claims)
	greetAndSession(t, conn)

	sendMessage(t, conn, types.MustMessage(types.TypeStreamPause, &types.StreamControlPayload{
		ExecutionID: "exec-1",
	}))

	reply := readMessage(t, conn)
	require.Equal(t, types.TypePermissionDenied, reply.Type)
	payload, err := types.DecodePayload(reply)
	require.NoError(t, err)
	assert.Equal(t, types.ErrCodePermissionDenied, payload.(*types.ErrorPayload).Code)
	f.streams.mu.Lock()
	defer f.streams.mu.Unlock()
	assert.Empty(t, f.streams.paused)
}

func TestGateway_RateLimitedCommandsGetTypedError(t *testing.T) {
	limits := session.DefaultLimits()
	limits.MessagesPerMinute = 1
	f := newGatewayFixture(t, limits)
	conn := dial(t, f, defaultClaims())
	greetAndSession(t, conn)

	vote := func(id string) {
		sendMessage(t, conn, types.MustMessage(types.TypeHITLResolved, &types.HITLResolvedPayload{
			HITLRequestID: id,
			Outcome:       "approved",
		}))
	}
	vote("req-a")
	vote("req-b")

	reply := readMessage(t, conn)
	require.Equal(t, types.TypeRateLimitExceeded, reply.Type)
	payload, err := types.DecodePayload(reply)
	require.NoError(t, err)
	errPayload := payload.(*types.ErrorPayload)
	assert.Equal(t, types.ErrCodeRateLimitExceeded, errPayload.Code)
	assert.Greater(t, errPayload.RetryAfterMS, int64(0))

	// 被限流的命令不会触达核心
	f.decisions.mu.Lock()
	defer f.decisions.mu.Unlock()
	assert.Len(t, f.decisions.votes, 1)
}

func TestGateway_UnsupportedTypeRejected(t *testing.T) {
	f := newGatewayFixture(t, session.DefaultLimits())
	conn := dial(t, f, defaultClaims())
	greetAndSession(t, conn)

	sendMessage(t, conn, types.MustMessage(types.TypeAgentTextChunk, &types.TextChunkPayload{
		ExecutionID: "exec-1",
		Text:        "clients do not stream",
		Sequence:    1,
	}))

	reply := readMessage(t, conn)
	assert.Equal(t, types.TypeValidationError, reply.Type)
}

func TestGateway_DisconnectExpiresSession(t *testing.T) {
	f := newGatewayFixture(t, session.DefaultLimits())
	conn := dial(t, f, defaultClaims())
	sessionID := greetAndSession(t, conn)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		_, err := f.registry.Get(sessionID)
		return err != nil && !f.dispatcher.Subscribed(sessionID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_OutboundDeliveryThroughDispatcher(t *testing.T) {
	f := newGatewayFixture(t, session.DefaultLimits())
	conn := dial(t, f, defaultClaims())
	greetAndSession(t, conn)

	msg := types.MustMessage(types.TypeAgentTextChunk, &types.TextChunkPayload{
		ExecutionID: "exec-1",
		Text:        "hello",
		Sequence:    1,
	}).WithPriority(types.PriorityNormal)
	require.NoError(t, f.dispatcher.Publish(context.Background(), msg, dispatch.ToTenant("tenant-a")))

	got := readMessage(t, conn)
	require.Equal(t, types.TypeAgentTextChunk, got.Type)
	payload, err := types.DecodePayload(got)
	require.NoError(t, err)
	assert.Equal(t, "hello", payload.(*types.TextChunkPayload).Text)
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Secret: "s3cret", Issuer: "agentgate", Audience: "clients"})

	token, err := auth.IssueToken(defaultClaims(), time.Minute)
	require.NoError(t, err)

	claims, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "tenant-a", claims.TenantID)
	assert.Equal(t, types.LevelTenant, claims.Level)
	assert.Contains(t, claims.Permissions, string(types.PermissionWrite))
}

func TestAuthenticator_RejectsExpiredToken(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Secret: "s3cret"})

	token, err := auth.IssueToken(defaultClaims(), -time.Minute)
	require.NoError(t, err)

	_, err = auth.Authenticate(token)
	assert.Error(t, err)
}
