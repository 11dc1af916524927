// 版权所有 2026 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/dispatch"
	"github.com/BaSui01/agentgate/hitl"
	"github.com/BaSui01/agentgate/internal/metrics"
	"github.com/BaSui01/agentgate/session"
	"github.com/BaSui01/agentgate/types"
)

// Decisions 是网关依赖的协调器切面。*hitl.Coordinator 天然满足。
type Decisions interface {
	RecordVote(ctx context.Context, requestID, tenantID, userID string, choice hitl.VoteChoice, reason string) (*hitl.Request, error)
	Cancel(ctx context.Context, requestID, tenantID, actorID, reason string) (*hitl.Request, error)
}

// Streams 是网关依赖的执行跟踪器切面。*execution.Tracker 天然满足。
type Streams interface {
	PauseStream(ctx context.Context, executionID, reason string) error
	ResumeStream(ctx context.Context, executionID string) error
}

// Config 是网关配置。
type Config struct {
	Auth       AuthConfig    `yaml:"auth" json:"auth"`
	SessionTTL time.Duration `yaml:"session_ttl" json:"session_ttl"`
	// InsecureSkipVerify 允许任意 Origin，仅用于开发环境。
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// DefaultConfig 返回默认网关配置。
func DefaultConfig() Config {
	return Config{SessionTTL: 30 * time.Minute}
}

// Gateway 是 WebSocket 接入层，实现 http.Handler。
type Gateway struct {
	auth       *Authenticator
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	decisions  Decisions
	streams    Streams
	cfg        Config
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// New 创建网关。logger 与 collector 可为 nil。
func New(registry *session.Registry, dispatcher *dispatch.Dispatcher, decisions Decisions, streams Streams, cfg Config, logger *zap.Logger, collector *metrics.Collector) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	g := &Gateway{
		auth:       NewAuthenticator(cfg.Auth),
		registry:   registry,
		dispatcher: dispatcher,
		decisions:  decisions,
		streams:    streams,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "gateway")),
		metrics:    collector,
	}
	// 会话过期（含扫除）时同步摘除投递通道；主动断开的会话
	// 也走这条路径，按是否超过 ExpiresAt 区分统计口径
	registry.OnExpire(func(sess session.Session) {
		dispatcher.Unsubscribe(sess.ID)
		if g.metrics != nil {
			g.metrics.SessionClosed(sess.TenantID, time.Now().After(sess.ExpiresAt))
		}
	})
	return g
}

// Authenticator 暴露内部认证器，供后台签发令牌。
func (g *Gateway) Authenticator() *Authenticator { return g.auth }

// ServeHTTP 完成握手、登记会话并进入读循环。
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := g.auth.Authenticate(bearerToken(r))
	if err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	wc := NewConn(conn, g.logger)

	now := time.Now()
	sess := session.Session{
		ID:          types.NewSessionID(),
		UserID:      claims.UserID,
		TenantID:    claims.TenantID,
		Level:       claims.Level,
		Permissions: toPermissions(claims.Permissions),
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.cfg.SessionTTL),
	}
	if err := g.registry.Register(sess); err != nil {
		g.logger.Warn("session registration failed", zap.Error(err))
		_ = wc.Close()
		return
	}
	g.dispatcher.Subscribe(sess.ID, wc)
	if g.metrics != nil {
		g.metrics.SessionOpened(sess.TenantID)
	}
	g.logger.Info("session connected",
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID),
		zap.String("tenant_id", sess.TenantID))

	ctx := r.Context()
	g.greet(ctx, wc, sess)
	g.readLoop(ctx, wc, sess)

	// 连接断开：会话过期，OnExpire 回调负责摘除订阅
	g.registry.Expire(sess.ID)
	_ = wc.Close()
	g.logger.Info("session disconnected", zap.String("session_id", sess.ID))
}

// greet 回发 SESSION_CREATED 与 CONNECTION_ACK。
func (g *Gateway) greet(ctx context.Context, wc *Conn, sess session.Session) {
	expires := sess.ExpiresAt
	created := types.MustMessage(types.TypeSessionCreated, &types.SessionPayload{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		TenantID:  sess.TenantID,
		Level:     sess.Level,
		ExpiresAt: &expires,
	}).WithPriority(types.PriorityHigh)
	created.SessionID = sess.ID
	ack := types.MustMessage(types.TypeConnectionAck, &types.SessionPayload{SessionID: sess.ID})
	ack.SessionID = sess.ID
	for _, msg := range []*types.Message{created, ack} {
		if err := wc.Send(ctx, msg); err != nil {
			g.logger.Warn("greeting send failed", zap.String("session_id", sess.ID), zap.Error(err))
			return
		}
	}
}

// readLoop 处理入站协议消息，直到连接关闭或 ctx 取消。
func (g *Gateway) readLoop(ctx context.Context, wc *Conn, sess session.Session) {
	for {
		msg, err := wc.Read(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				g.logger.Debug("read loop ended",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
			return
		}
		g.handle(ctx, wc, sess, msg)
	}
}

// handle 把一条入站消息映射为核心操作。鉴权或限流失败时回发
// 对应错误族的协议消息。
func (g *Gateway) handle(ctx context.Context, wc *Conn, sess session.Session, msg *types.Message) {
	// 心跳只刷新活跃时间，不占用消息配额
	if msg.Type == types.TypeConnectionHeartbeat {
		if err := g.registry.Touch(sess.ID); err != nil {
			g.reject(ctx, wc, sess, err)
			return
		}
		ack := types.MustMessage(types.TypeConnectionAck, &types.SessionPayload{SessionID: sess.ID})
		ack.SessionID = sess.ID
		ack.CorrelationID = msg.RequestID
		_ = wc.Send(ctx, ack)
		return
	}

	if err := g.registry.RateLimit(sess.ID, session.CategoryMessages); err != nil {
		g.reject(ctx, wc, sess, err)
		return
	}

	switch msg.Type {
	case types.TypeHITLResolved:
		g.handleVote(ctx, wc, sess, msg)
	case types.TypeStreamPause, types.TypeStreamResume:
		g.handleStreamControl(ctx, wc, sess, msg)
	case types.TypeSessionEnded:
		_ = wc.Close()
	default:
		g.reject(ctx, wc, sess, types.NewError(types.ErrCodeValidation,
			"unsupported inbound message type: "+string(msg.Type)))
	}
}

// handleVote 将入站 HITL_RESOLVED 映射为一张选票。
func (g *Gateway) handleVote(ctx context.Context, wc *Conn, sess session.Session, msg *types.Message) {
	if err := g.registry.Authorize(sess.ID, types.LevelAuthenticated, types.PermissionWrite); err != nil {
		g.reject(ctx, wc, sess, err)
		return
	}
	payload, err := types.DecodePayload(msg)
	if err != nil {
		g.reject(ctx, wc, sess, err)
		return
	}
	res := payload.(*types.HITLResolvedPayload)

	var choice hitl.VoteChoice
	switch res.Outcome {
	case "cancelled":
		if _, err := g.decisions.Cancel(ctx, res.HITLRequestID, sess.TenantID, sess.UserID, res.Reason); err != nil {
			g.reject(ctx, wc, sess, err)
		}
		return
	case string(hitl.OutcomeApproved), string(hitl.VoteApprove):
		choice = hitl.VoteApprove
	case string(hitl.OutcomeRejected), string(hitl.VoteReject):
		choice = hitl.VoteReject
	case string(hitl.VoteAbstain):
		choice = hitl.VoteAbstain
	default:
		g.reject(ctx, wc, sess, types.NewError(types.ErrCodeValidation,
			"unknown vote outcome: "+res.Outcome))
		return
	}
	if _, err := g.decisions.RecordVote(ctx, res.HITLRequestID, sess.TenantID, sess.UserID, choice, res.Reason); err != nil {
		g.reject(ctx, wc, sess, err)
		return
	}
}

// handleStreamControl 将入站流控消息转交执行跟踪器。
func (g *Gateway) handleStreamControl(ctx context.Context, wc *Conn, sess session.Session, msg *types.Message) {
	if err := g.registry.Authorize(sess.ID, types.LevelAuthenticated, types.PermissionExecute); err != nil {
		g.reject(ctx, wc, sess, err)
		return
	}
	payload, err := types.DecodePayload(msg)
	if err != nil {
		g.reject(ctx, wc, sess, err)
		return
	}
	ctrl := payload.(*types.StreamControlPayload)
	if msg.Type == types.TypeStreamPause {
		err = g.streams.PauseStream(ctx, ctrl.ExecutionID, ctrl.Reason)
	} else {
		err = g.streams.ResumeStream(ctx, ctrl.ExecutionID)
	}
	if err != nil {
		g.reject(ctx, wc, sess, err)
	}
}

// reject 把一次被拒操作转换成对应错误族的协议消息回发。
func (g *Gateway) reject(ctx context.Context, wc *Conn, sess session.Session, err error) {
	payload := &types.ErrorPayload{
		Code:    types.GetErrorCode(err),
		Message: err.Error(),
	}
	var pd *types.PermissionDenied
	if errors.As(err, &pd) {
		payload.RequiredLevel = pd.Required
		payload.ActualLevel = pd.Actual
	}
	var rl *types.RateLimitExceeded
	if errors.As(err, &rl) {
		payload.RetryAfterMS = rl.RetryAfter.Milliseconds()
	}
	msg := types.MustMessage(types.ErrorMessageType(err), payload)
	msg.SessionID = sess.ID
	if sendErr := wc.Send(ctx, msg); sendErr != nil {
		g.logger.Debug("error reply send failed",
			zap.String("session_id", sess.ID), zap.Error(sendErr))
	}
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func toPermissions(perms []string) []types.Permission {
	out := make([]types.Permission, 0, len(perms))
	for _, p := range perms {
		out = append(out, types.Permission(p))
	}
	return out
}
