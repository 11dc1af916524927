package hitl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/dispatch"
	"github.com/BaSui01/agentgate/internal/metrics"
	"github.com/BaSui01/agentgate/types"
)

// Publisher 把决策事件广播给订阅会话。*dispatch.Dispatcher 天然满足。
type Publisher interface {
	Publish(ctx context.Context, msg *types.Message, target dispatch.Targeting) error
}

// Notifier 把事件逐个推送给受理人（站内信、邮件等离线通道）。
type Notifier interface {
	Notify(ctx context.Context, userID, event string, payload any) error
}

// Resolver 在请求进入终止状态时回调执行侧，决定恢复还是失败。
type Resolver interface {
	OnHITLResolved(ctx context.Context, executionID, requestID string, res Resolution)
}

// Config 是协调器的配置项。
type Config struct {
	// DefaultTimeout 是未显式指定超时的请求的绝对存活时长。
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`
	// PersistRetries 是异步持久化的最大重试次数。
	PersistRetries int `yaml:"persist_retries" json:"persist_retries"`
	// PersistBackoff 是持久化重试的基础退避时长，按次数线性放大。
	PersistBackoff time.Duration `yaml:"persist_backoff" json:"persist_backoff"`
}

// DefaultConfig 返回默认协调器配置。
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 24 * time.Hour,
		PersistRetries: 3,
		PersistBackoff: 200 * time.Millisecond,
	}
}

// errOwnerReleased 表示属主已随请求终止而退出，调用方应回落到存储。
var errOwnerReleased = errors.New("hitl request owner released")

// owner 是单个请求的属主。请求的全部状态变更都经由 cmds 串行执行，
// 不同请求之间互不阻塞，同一请求天然无数据竞争。
// 请求进入终止状态并落盘后属主被释放，goroutine 随之退出。
type owner struct {
	req  *Request
	cmds chan func(*Request)
	done chan struct{}
	quit chan struct{}
	stop sync.Once
}

func newOwner(req *Request) *owner {
	o := &owner{
		req:  req,
		cmds: make(chan func(*Request), 16),
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}
	go o.run()
	return o
}

// release 通知属主退出。已入队的命令仍会执行完毕。
func (o *owner) release() {
	o.stop.Do(func() { close(o.quit) })
}

func (o *owner) run() {
	defer close(o.done)
	for {
		select {
		case fn := <-o.cmds:
			fn(o.req)
		case <-o.quit:
			for {
				select {
				case fn := <-o.cmds:
					fn(o.req)
				default:
					return
				}
			}
		}
	}
}

// Coordinator 管理人工决策请求的全生命周期：创建、受理、委派、
// 投票、升级、到期与取消。
//
// 状态变更先在内存中生效并广播，随后异步写入存储；存储失败只会
// 重试告警，永远不会回滚已经对外公布的决定。
type Coordinator struct {
	store     RequestStore
	publisher Publisher
	notifier  Notifier
	resolver  Resolver
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer
	clock     func() time.Time

	mu              sync.Mutex // 保护下面两张索引表
	owners          map[string]*owner
	openByExecution map[string]string

	persist chan struct{} // 关闭中标记：关闭后拒绝新的状态变更
	wg      sync.WaitGroup

	persistMu sync.Mutex
	persisted map[string]int64 // 请求 ID -> 已成功落盘的最高修订号
}

// NewCoordinator 创建协调器。logger 与 collector 可为 nil。
func NewCoordinator(store RequestStore, pub Publisher, notif Notifier, cfg Config, logger *zap.Logger, collector *metrics.Collector) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 24 * time.Hour
	}
	if cfg.PersistRetries <= 0 {
		cfg.PersistRetries = 3
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = 200 * time.Millisecond
	}
	c := &Coordinator{
		store:           store,
		publisher:       pub,
		notifier:        notif,
		cfg:             cfg,
		logger:          logger.With(zap.String("component", "hitl")),
		metrics:         collector,
		tracer:          otel.Tracer("agentgate/hitl"),
		clock:           time.Now,
		owners:          make(map[string]*owner),
		openByExecution: make(map[string]string),
		persist:         make(chan struct{}),
		persisted:       make(map[string]int64),
	}
	return c
}

// SetResolver 绑定执行侧回调。执行跟踪器依赖协调器创建请求，
// 协调器又要在解决时回调执行侧，通过后置注入打破初始化环。
func (c *Coordinator) SetResolver(r Resolver) { c.resolver = r }

// SetClock 覆盖时钟，仅用于测试。
func (c *Coordinator) SetClock(now func() time.Time) { c.clock = now }

// Create 创建一个新的决策请求并广播 HITL_REQUEST_CREATED。
// 同一执行同一时刻最多允许一个未决请求。
func (c *Coordinator) Create(ctx context.Context, tenantID, executionID string, spec Spec) (*Request, error) {
	ctx, span := c.tracer.Start(ctx, "hitl.Create",
		trace.WithAttributes(attribute.String("tenant_id", tenantID), attribute.String("execution_id", executionID)))
	defer span.End()

	if tenantID == "" {
		return nil, types.NewError(types.ErrCodeValidation, "tenant id is required")
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}

	now := c.clock()
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	required := 1
	if spec.Decision != DecisionSingleApprover {
		required = len(spec.AssigneeUsers)
	}
	fallback := spec.Fallback
	if fallback == "" {
		fallback = FallbackHalt
	}

	req := &Request{
		ID:            types.NewHITLRequestID(),
		TenantID:      tenantID,
		ExecutionID:   executionID,
		Type:          spec.Type,
		Status:        StatusPending,
		Decision:      spec.Decision,
		RequesterID:   spec.RequesterID,
		AssigneeUsers: append([]string(nil), spec.AssigneeUsers...),
		AssigneeRoles: append([]string(nil), spec.AssigneeRoles...),
		RequiredVotes: required,
		Chain:         append([]EscalationStep(nil), spec.Chain...),
		Fallback:      fallback,
		Title:         spec.Title,
		Description:   spec.Description,
		Revision:      1,
		CreatedAt:     now,
		ExpiresAt:     now.Add(timeout),
		Votes:         make(map[string]Vote),
	}
	req.appendAudit("created", spec.RequesterID, map[string]any{
		"decision_type":  string(spec.Decision),
		"required_votes": required,
	}, now)

	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		return nil, ErrStoreClosed
	}
	if executionID != "" {
		if open, ok := c.openByExecution[executionID]; ok {
			c.mu.Unlock()
			return nil, types.NewError(types.ErrCodeValidation,
				fmt.Sprintf("execution %s already has open request %s", executionID, open))
		}
		c.openByExecution[executionID] = req.ID
	}
	c.owners[req.ID] = newOwner(req)
	c.mu.Unlock()

	snapshot := req.Clone()
	c.persistAsync(snapshot)
	c.publishRequest(ctx, snapshot, types.TypeHITLRequestCreated)
	c.notifyAssignees(ctx, snapshot, "hitl.request.created")
	if c.metrics != nil {
		c.metrics.HITLRequest(string(req.Type), "pending")
	}
	c.logger.Info("hitl request created",
		zap.String("request_id", req.ID),
		zap.String("execution_id", executionID),
		zap.String("decision_type", string(spec.Decision)),
		zap.Int("required_votes", required))
	return snapshot, nil
}

// Assign 将请求交由一位受理人处理，状态迁移至 IN_PROGRESS。
// 对已处于 IN_PROGRESS 的重复受理是幂等的无操作。
func (c *Coordinator) Assign(ctx context.Context, requestID, tenantID, userID string) (*Request, error) {
	return c.update(ctx, requestID, tenantID, func(r *Request) error {
		if r.Status == StatusInProgress {
			return nil
		}
		if r.Status != StatusPending && r.Status != StatusEscalated {
			return invalidTransition(r, StatusInProgress)
		}
		now := c.clock()
		r.Status = StatusInProgress
		r.AssigneeID = userID
		r.AssignedAt = &now
		r.appendAudit("assigned", userID, nil, now)
		if c.metrics != nil {
			c.metrics.HITLRequest(string(r.Type), "in_progress")
		}
		return nil
	})
}

// Delegate 把请求从一位受理人转手给另一位，状态保持不变。
func (c *Coordinator) Delegate(ctx context.Context, requestID, tenantID, fromID, toID string) (*Request, error) {
	if toID == "" {
		return nil, types.NewError(types.ErrCodeValidation, "delegation target is required")
	}
	return c.update(ctx, requestID, tenantID, func(r *Request) error {
		if r.Status.Terminal() {
			return invalidTransition(r, r.Status)
		}
		found := false
		for i, u := range r.AssigneeUsers {
			if u == fromID {
				r.AssigneeUsers[i] = toID
				found = true
			}
		}
		if r.AssigneeID == fromID {
			r.AssigneeID = toID
			found = true
		}
		if !found {
			return types.NewError(types.ErrCodeValidation,
				fmt.Sprintf("user %s is not an assignee of request %s", fromID, r.ID))
		}
		now := c.clock()
		r.Delegations = append(r.Delegations, Delegation{FromID: fromID, ToID: toID, At: now})
		r.appendAudit("delegated", fromID, map[string]any{"to": toID}, now)
		return nil
	})
}

// RecordVote 记录一张选票并立即重算共识。
// 仅 PENDING 与 IN_PROGRESS 状态可投票；同一用户重复投票覆盖旧票。
func (c *Coordinator) RecordVote(ctx context.Context, requestID, tenantID string, userID string, choice VoteChoice, reason string) (*Request, error) {
	ctx, span := c.tracer.Start(ctx, "hitl.RecordVote",
		trace.WithAttributes(attribute.String("request_id", requestID), attribute.String("choice", string(choice))))
	defer span.End()

	switch choice {
	case VoteApprove, VoteReject, VoteAbstain:
	default:
		return nil, types.NewError(types.ErrCodeValidation, "unknown vote choice")
	}
	return c.update(ctx, requestID, tenantID, func(r *Request) error {
		if r.Status != StatusPending && r.Status != StatusInProgress {
			return invalidTransition(r, r.Status)
		}
		if !eligible(r, userID) {
			return types.NewError(types.ErrCodePermissionDenied,
				fmt.Sprintf("user %s is not eligible to vote on request %s", userID, r.ID))
		}
		now := c.clock()
		r.Votes[userID] = Vote{
			RequestID: r.ID,
			UserID:    userID,
			Choice:    choice,
			Reason:    reason,
			CastAt:    now,
		}
		r.appendAudit("vote_cast", userID, map[string]any{"choice": string(choice)}, now)
		if c.metrics != nil {
			c.metrics.VoteCast(string(choice))
		}

		verdict := Evaluate(r.Decision, r.RequiredVotes, r.EligibleVoters(), r.VoteSnapshot())
		if verdict.Decided {
			c.settle(ctx, r, StatusResolved, Resolution{
				Outcome:        verdict.Outcome,
				ResolvedBy:     userID,
				Reason:         verdict.Reason,
				ShouldContinue: verdict.Outcome == OutcomeApproved,
			})
		}
		return nil
	})
}

// Resolve 由单个操作者直接解决请求。
// 对已 RESOLVED 的请求是幂等的无操作；EXPIRED 与 CANCELLED 拒绝变更。
func (c *Coordinator) Resolve(ctx context.Context, requestID, tenantID, userID string, outcome Outcome, reason string) (*Request, error) {
	ctx, span := c.tracer.Start(ctx, "hitl.Resolve",
		trace.WithAttributes(attribute.String("request_id", requestID), attribute.String("outcome", string(outcome))))
	defer span.End()

	if outcome != OutcomeApproved && outcome != OutcomeRejected {
		return nil, types.NewError(types.ErrCodeValidation, "unknown outcome")
	}
	return c.update(ctx, requestID, tenantID, func(r *Request) error {
		if r.Status == StatusResolved {
			return nil
		}
		if r.Status.Terminal() {
			return invalidTransition(r, StatusResolved)
		}
		c.settle(ctx, r, StatusResolved, Resolution{
			Outcome:        outcome,
			ResolvedBy:     userID,
			Reason:         reason,
			ShouldContinue: outcome == OutcomeApproved,
		})
		return nil
	})
}

// Escalate 将请求推进到升级链的下一级：换届受理人集合并清空当前
// 受理人，状态迁移至 ESCALATED。链已耗尽时请求按回退动作到期。
// RequiredVotes 在创建时固定，升级不会重新计算。
func (c *Coordinator) Escalate(ctx context.Context, requestID, tenantID string) (*Request, error) {
	ctx, span := c.tracer.Start(ctx, "hitl.Escalate",
		trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()

	return c.update(ctx, requestID, tenantID, func(r *Request) error {
		if r.Status.Terminal() {
			return invalidTransition(r, StatusEscalated)
		}
		if r.Level >= len(r.Chain) {
			c.expireLocked(ctx, r, "escalation chain exhausted")
			return nil
		}
		step := r.Chain[r.Level]
		now := c.clock()
		r.Level++
		r.Status = StatusEscalated
		r.AssigneeID = ""
		r.AssignedAt = nil
		r.EscalatedAt = &now
		if len(step.AssigneeUsers) > 0 {
			r.AssigneeUsers = append([]string(nil), step.AssigneeUsers...)
		}
		if len(step.AssigneeRoles) > 0 {
			r.AssigneeRoles = append([]string(nil), step.AssigneeRoles...)
		}
		r.appendAudit("escalated", "", map[string]any{"level": r.Level}, now)
		if c.metrics != nil {
			c.metrics.Escalated()
			c.metrics.HITLRequest(string(r.Type), "escalated")
		}
		snapshot := r.Clone()
		c.publishRequest(ctx, snapshot, types.TypeHITLResolutionPending)
		c.notifyAssignees(ctx, snapshot, "hitl.request.escalated")
		c.logger.Info("hitl request escalated",
			zap.String("request_id", r.ID), zap.Int("level", r.Level))
		return nil
	})
}

// Expire 将请求标记为到期并按回退动作通知执行侧。
func (c *Coordinator) Expire(ctx context.Context, requestID, tenantID string) (*Request, error) {
	return c.update(ctx, requestID, tenantID, func(r *Request) error {
		if r.Status == StatusExpired {
			return nil
		}
		if r.Status.Terminal() {
			return invalidTransition(r, StatusExpired)
		}
		c.expireLocked(ctx, r, "request timed out")
		return nil
	})
}

// Cancel 取消请求，通常由请求方或管理员发起。
func (c *Coordinator) Cancel(ctx context.Context, requestID, tenantID, actorID, reason string) (*Request, error) {
	return c.update(ctx, requestID, tenantID, func(r *Request) error {
		if r.Status == StatusCancelled {
			return nil
		}
		if r.Status.Terminal() {
			return invalidTransition(r, StatusCancelled)
		}
		now := c.clock()
		r.appendAudit("cancelled", actorID, map[string]any{"reason": reason}, now)
		c.settle(ctx, r, StatusCancelled, Resolution{
			Outcome:        OutcomeRejected,
			ResolvedBy:     actorID,
			Reason:         reason,
			ShouldContinue: false,
		})
		return nil
	})
}

// CancelByExecution 在执行自身被取消时关闭其未决请求。
// 终止通知不回调执行侧，避免取消链路上的回环。
func (c *Coordinator) CancelByExecution(ctx context.Context, executionID, tenantID, reason string) error {
	c.mu.Lock()
	requestID, ok := c.openByExecution[executionID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := c.update(ctx, requestID, tenantID, func(r *Request) error {
		if r.Status.Terminal() {
			return nil
		}
		now := c.clock()
		r.appendAudit("cancelled", "", map[string]any{"reason": reason}, now)
		c.settleQuiet(ctx, r, StatusCancelled, Resolution{
			Outcome:        OutcomeRejected,
			Reason:         reason,
			ShouldContinue: false,
		})
		return nil
	})
	return err
}

// Get 返回请求的只读快照。活跃请求从属主读取，历史请求回落到存储。
func (c *Coordinator) Get(ctx context.Context, requestID, tenantID string) (*Request, error) {
	c.mu.Lock()
	o, ok := c.owners[requestID]
	c.mu.Unlock()
	if !ok {
		return c.store.Load(ctx, requestID, tenantID)
	}
	var snapshot *Request
	err := c.dispatchCmd(ctx, o, func(r *Request) error {
		if tenantID != "" && r.TenantID != tenantID {
			return ErrRequestNotFound
		}
		snapshot = r.Clone()
		return nil
	})
	if errors.Is(err, errOwnerReleased) {
		return c.store.Load(ctx, requestID, tenantID)
	}
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// List 按条件查询请求历史。
func (c *Coordinator) List(ctx context.Context, filter ListFilter) ([]*Request, error) {
	return c.store.List(ctx, filter)
}

// OpenRequests 返回所有未终止请求的快照，供到期调度器巡检。
func (c *Coordinator) OpenRequests() []*Request {
	c.mu.Lock()
	owners := make([]*owner, 0, len(c.owners))
	for _, o := range c.owners {
		owners = append(owners, o)
	}
	c.mu.Unlock()

	var out []*Request
	for _, o := range owners {
		_ = c.dispatchCmd(context.Background(), o, func(r *Request) error {
			if !r.Status.Terminal() {
				out = append(out, r.Clone())
			}
			return nil
		})
	}
	return out
}

// Close 停止协调器并等待在途的持久化落盘。
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		return nil
	}
	close(c.persist)
	owners := c.owners
	c.owners = make(map[string]*owner)
	c.openByExecution = make(map[string]string)
	c.mu.Unlock()

	for _, o := range owners {
		o.release()
		<-o.done
	}
	c.wg.Wait()
	return nil
}

// -----------------------------------------------------------------------------
// 内部实现
// -----------------------------------------------------------------------------

func (c *Coordinator) closed() bool {
	select {
	case <-c.persist:
		return true
	default:
		return false
	}
}

// update 把一次状态变更投递给请求属主执行，成功后异步持久化。
func (c *Coordinator) update(ctx context.Context, requestID, tenantID string, fn func(*Request) error) (*Request, error) {
	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		return nil, ErrStoreClosed
	}
	o, ok := c.owners[requestID]
	c.mu.Unlock()
	if !ok {
		return c.settledUpdate(ctx, requestID, tenantID, fn)
	}

	var snapshot *Request
	err := c.dispatchCmd(ctx, o, func(r *Request) error {
		if tenantID != "" && r.TenantID != tenantID {
			return ErrRequestNotFound
		}
		if err := fn(r); err != nil {
			return err
		}
		r.Revision++
		snapshot = r.Clone()
		return nil
	})
	if errors.Is(err, errOwnerReleased) {
		return c.settledUpdate(ctx, requestID, tenantID, fn)
	}
	if err != nil {
		return nil, err
	}
	c.persistAsync(snapshot)
	return snapshot, nil
}

// settledUpdate 处理属主已释放的请求。终止状态不可变，fn 只可能
// 走幂等无操作或冲突分支，绝不会产生新的状态变更。
func (c *Coordinator) settledUpdate(ctx context.Context, requestID, tenantID string, fn func(*Request) error) (*Request, error) {
	r, err := c.store.Load(ctx, requestID, tenantID)
	if err != nil {
		return nil, err
	}
	if !r.Status.Terminal() {
		if c.closed() {
			return nil, ErrStoreClosed
		}
		return nil, ErrRequestNotFound
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Coordinator) dispatchCmd(ctx context.Context, o *owner, fn func(*Request) error) error {
	errc := make(chan error, 1)
	cmd := func(r *Request) { errc <- fn(r) }
	select {
	case o.cmds <- cmd:
	case <-o.done:
		return errOwnerReleased
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-o.done:
		// 退出前的收尾排空可能已执行过该命令。
		select {
		case err := <-errc:
			return err
		default:
			return errOwnerReleased
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle 将请求迁移到终止状态：广播、回调执行侧、释放执行索引。
// 仅在属主 goroutine 内调用。
func (c *Coordinator) settle(ctx context.Context, r *Request, status Status, res Resolution) {
	c.finalize(ctx, r, status, res, true)
}

// settleQuiet 与 settle 相同但不回调执行侧。
func (c *Coordinator) settleQuiet(ctx context.Context, r *Request, status Status, res Resolution) {
	c.finalize(ctx, r, status, res, false)
}

func (c *Coordinator) finalize(ctx context.Context, r *Request, status Status, res Resolution, notifyResolver bool) {
	now := c.clock()
	r.Status = status
	r.ResolvedAt = &now
	r.Resolution = &res
	r.appendAudit(string(status), res.ResolvedBy, map[string]any{"outcome": string(res.Outcome)}, now)

	c.mu.Lock()
	if r.ExecutionID != "" && c.openByExecution[r.ExecutionID] == r.ID {
		delete(c.openByExecution, r.ExecutionID)
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.HITLRequest(string(r.Type), string(status))
		c.metrics.HITLResolved(string(res.Outcome), now.Sub(r.CreatedAt))
	}

	msgType := types.TypeHITLResolved
	if status == StatusExpired {
		msgType = types.TypeHITLExpired
	}
	c.publishResolution(ctx, r, msgType, res)

	if notifyResolver && c.resolver != nil && r.ExecutionID != "" {
		c.resolver.OnHITLResolved(ctx, r.ExecutionID, r.ID, res)
	}
	c.logger.Info("hitl request settled",
		zap.String("request_id", r.ID),
		zap.String("status", string(status)),
		zap.String("outcome", string(res.Outcome)))
}

// expireLocked 在属主 goroutine 内把请求按回退动作标记为到期。
func (c *Coordinator) expireLocked(ctx context.Context, r *Request, reason string) {
	res := Resolution{
		Outcome:        OutcomeRejected,
		Reason:         reason,
		Fallback:       r.Fallback,
		ShouldContinue: r.Fallback == FallbackContinue,
	}
	c.finalize(ctx, r, StatusExpired, res, true)
}

func (c *Coordinator) persistAsync(snapshot *Request) {
	if snapshot == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		var err error
		for attempt := 0; attempt <= c.cfg.PersistRetries; attempt++ {
			if attempt > 0 {
				time.Sleep(c.cfg.PersistBackoff * time.Duration(attempt))
			}
			// 更高修订已落盘时放弃过期快照，避免旧状态覆盖新状态。
			c.persistMu.Lock()
			stale := c.persisted[snapshot.ID] >= snapshot.Revision
			c.persistMu.Unlock()
			if stale {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = c.store.Save(ctx, snapshot)
			cancel()
			if err == nil {
				c.persistMu.Lock()
				if c.persisted[snapshot.ID] < snapshot.Revision {
					c.persisted[snapshot.ID] = snapshot.Revision
				}
				c.persistMu.Unlock()
				// 终止状态落盘后释放属主，后续读写回落到存储。
				if snapshot.Status.Terminal() {
					c.releaseOwner(snapshot.ID)
				}
				return
			}
		}
		c.logger.Error("hitl request persist failed",
			zap.String("request_id", snapshot.ID),
			zap.String("status", string(snapshot.Status)),
			zap.Error(err))
	}()
}

// releaseOwner 摘除并停止请求属主。终止落盘失败时属主被保留，
// 终止状态仍可从内存读到。
func (c *Coordinator) releaseOwner(requestID string) {
	c.mu.Lock()
	o, ok := c.owners[requestID]
	if ok {
		delete(c.owners, requestID)
	}
	c.mu.Unlock()
	if ok {
		o.release()
	}
}

func (c *Coordinator) publishRequest(ctx context.Context, r *Request, msgType types.MessageType) {
	if c.publisher == nil {
		return
	}
	var expires *time.Time
	if !r.ExpiresAt.IsZero() {
		t := r.ExpiresAt
		expires = &t
	}
	msg := types.MustMessage(msgType, &types.HITLRequestPayload{
		HITLRequestID: r.ID,
		ExecutionID:   r.ExecutionID,
		TenantID:      r.TenantID,
		RequestType:   string(r.Type),
		DecisionType:  string(r.Decision),
		Title:         r.Title,
		Description:   r.Description,
		AssigneeUsers: r.AssigneeUsers,
		AssigneeRoles: r.AssigneeRoles,
		Level:         r.Level,
		ExpiresAt:     expires,
	}).WithPriority(types.PriorityHigh)
	msg.RequestID = r.ID
	if err := c.publisher.Publish(ctx, msg, dispatch.ToTenant(r.TenantID)); err != nil {
		c.logger.Warn("hitl event publish failed",
			zap.String("request_id", r.ID), zap.String("type", string(msgType)), zap.Error(err))
	}
}

func (c *Coordinator) publishResolution(ctx context.Context, r *Request, msgType types.MessageType, res Resolution) {
	if c.publisher == nil {
		return
	}
	msg := types.MustMessage(msgType, &types.HITLResolvedPayload{
		HITLRequestID: r.ID,
		ExecutionID:   r.ExecutionID,
		Outcome:       string(res.Outcome),
		ResolvedBy:    res.ResolvedBy,
		Reason:        res.Reason,
		Continue:      res.ShouldContinue,
	}).WithPriority(types.PriorityHigh)
	msg.RequestID = r.ID
	if err := c.publisher.Publish(ctx, msg, dispatch.ToTenant(r.TenantID)); err != nil {
		c.logger.Warn("hitl event publish failed",
			zap.String("request_id", r.ID), zap.String("type", string(msgType)), zap.Error(err))
	}
}

func (c *Coordinator) notifyAssignees(ctx context.Context, r *Request, event string) {
	if c.notifier == nil {
		return
	}
	for _, userID := range r.AssigneeUsers {
		if err := c.notifier.Notify(ctx, userID, event, r); err != nil {
			c.logger.Warn("assignee notification failed",
				zap.String("request_id", r.ID), zap.String("user_id", userID), zap.Error(err))
		}
	}
}

func eligible(r *Request, userID string) bool {
	for _, u := range r.AssigneeUsers {
		if u == userID {
			return true
		}
	}
	return r.AssigneeID == userID
}

func invalidTransition(r *Request, target Status) error {
	return types.NewError(types.ErrCodeInvalidTransition,
		fmt.Sprintf("request %s cannot move from %s to %s", r.ID, r.Status, target))
}
