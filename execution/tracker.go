// Copyright (c) AgentGate Authors.
// Licensed under the MIT License.

package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/dispatch"
	"github.com/BaSui01/agentgate/hitl"
	"github.com/BaSui01/agentgate/internal/metrics"
	"github.com/BaSui01/agentgate/types"
)

// ErrExecutionNotFound is returned for lookups of unknown executions.
var ErrExecutionNotFound = errors.New("execution not found")

// Publisher broadcasts execution events to subscribed sessions.
type Publisher interface {
	Publish(ctx context.Context, msg *types.Message, target dispatch.Targeting) error
}

// Decisions is the slice of the HITL coordinator the tracker depends on.
// *hitl.Coordinator satisfies it.
type Decisions interface {
	Create(ctx context.Context, tenantID, executionID string, spec hitl.Spec) (*hitl.Request, error)
	CancelByExecution(ctx context.Context, executionID, tenantID, reason string) error
}

// Config controls retry behavior for transient provider failures.
type Config struct {
	// MaxRetries is the number of transient failures tolerated before
	// an execution fails permanently.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// RetryBackoff is the base delay before the first retry; it doubles
	// on every subsequent attempt up to RetryMaxBackoff.
	RetryBackoff    time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff" json:"retry_max_backoff"`
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		RetryBackoff:    time.Second,
		RetryMaxBackoff: time.Minute,
	}
}

// owner serializes all transitions of one execution through its mailbox.
type owner struct {
	exec *Execution
	cmds chan func(*Execution)
	done chan struct{}
}

func newOwner(exec *Execution) *owner {
	o := &owner{
		exec: exec,
		cmds: make(chan func(*Execution), 16),
		done: make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *owner) run() {
	defer close(o.done)
	for fn := range o.cmds {
		fn(o.exec)
	}
}

// Tracker drives execution state machines and streams progress to
// subscribed sessions. It implements hitl.Resolver.
type Tracker struct {
	publisher Publisher
	decisions Decisions
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Collector
	clock     func() time.Time

	mu     sync.Mutex
	owners map[string]*owner
	closed bool
}

// NewTracker creates a tracker. logger and collector may be nil.
func NewTracker(pub Publisher, decisions Decisions, cfg Config, logger *zap.Logger, collector *metrics.Collector) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.RetryMaxBackoff <= 0 {
		cfg.RetryMaxBackoff = time.Minute
	}
	return &Tracker{
		publisher: pub,
		decisions: decisions,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "execution")),
		metrics:   collector,
		clock:     time.Now,
		owners:    make(map[string]*owner),
	}
}

// SetClock overrides the clock, for tests only.
func (t *Tracker) SetClock(now func() time.Time) { t.clock = now }

// StartOptions carries the optional identity fields of a new execution.
type StartOptions struct {
	SessionID     string
	CorrelationID string
	ParentID      string
}

// Enqueue admits a new execution in PENDING. Work that is still queued
// upstream lives here until Begin moves it to RUNNING.
func (t *Tracker) Enqueue(ctx context.Context, tenantID, resourceID string, kind Kind, opts StartOptions) (*Execution, error) {
	if tenantID == "" {
		return nil, types.NewError(types.ErrCodeValidation, "tenant id is required")
	}
	if resourceID == "" {
		return nil, types.NewError(types.ErrCodeValidation, "resource id is required")
	}
	switch kind {
	case KindAgent, KindTool, KindWorkflow, KindKnowledgeSearch:
	default:
		return nil, types.NewError(types.ErrCodeValidation, "unknown resource kind")
	}

	now := t.clock()
	exec := &Execution{
		ID:            types.NewExecutionID(),
		TenantID:      tenantID,
		SessionID:     opts.SessionID,
		ResourceID:    resourceID,
		Kind:          kind,
		State:         StatePending,
		StreamState:   StreamIdle,
		CorrelationID: opts.CorrelationID,
		ParentID:      opts.ParentID,
		StartedAt:     now,
		UpdatedAt:     now,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("execution tracker is closed")
	}
	t.owners[exec.ID] = newOwner(exec)
	t.mu.Unlock()

	t.logger.Info("execution enqueued",
		zap.String("execution_id", exec.ID),
		zap.String("resource_id", resourceID),
		zap.String("kind", string(kind)))
	return exec.Clone(), nil
}

// Begin moves a PENDING execution to RUNNING and broadcasts
// AGENT_EXECUTION_STARTED to the tenant.
func (t *Tracker) Begin(ctx context.Context, executionID string) (*Execution, error) {
	snap, err := t.update(ctx, executionID, func(e *Execution) error {
		if e.State != StatePending {
			return invalidTransition(e, "begin")
		}
		now := t.clock()
		e.State = StateRunning
		e.StartedAt = now
		e.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.publish(ctx, snap, types.MustMessage(types.TypeAgentExecutionStarted, &types.ExecutionStartedPayload{
		ExecutionID: snap.ID,
		TenantID:    snap.TenantID,
		ResourceID:  snap.ResourceID,
		Kind:        string(snap.Kind),
	}).WithPriority(types.PriorityHigh))
	t.logger.Info("execution started", zap.String("execution_id", snap.ID))
	return snap, nil
}

// Start is the one-call path for work that is already running when it
// is first reported: Enqueue followed by Begin.
func (t *Tracker) Start(ctx context.Context, tenantID, resourceID string, kind Kind, opts StartOptions) (*Execution, error) {
	exec, err := t.Enqueue(ctx, tenantID, resourceID, kind, opts)
	if err != nil {
		return nil, err
	}
	return t.Begin(ctx, exec.ID)
}

// Chunk appends a streamed text chunk. The sequence number is strictly
// increasing per execution; the first chunk moves the stream to STREAMING.
func (t *Tracker) Chunk(ctx context.Context, executionID, text string, isFinal bool) (int64, error) {
	var seq int64
	snap, err := t.update(ctx, executionID, func(e *Execution) error {
		if e.State != StateRunning {
			return invalidTransition(e, "chunk")
		}
		if e.StreamState == StreamIdle || e.StreamState == StreamPaused {
			e.StreamState = StreamStreaming
		}
		e.Sequence++
		seq = e.Sequence
		return nil
	})
	if err != nil {
		return 0, err
	}
	t.publish(ctx, snap, types.MustMessage(types.TypeAgentTextChunk, &types.TextChunkPayload{
		ExecutionID: executionID,
		Sequence:    seq,
		Text:        text,
		IsFinal:     isFinal,
	}))
	if t.metrics != nil {
		t.metrics.ChunkStreamed()
	}
	return seq, nil
}

// ToolCall broadcasts a tool invocation performed by the execution.
func (t *Tracker) ToolCall(ctx context.Context, executionID, toolName string, args json.RawMessage) error {
	snap, err := t.update(ctx, executionID, func(e *Execution) error {
		if e.State != StateRunning {
			return invalidTransition(e, "tool_call")
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.publish(ctx, snap, types.MustMessage(types.TypeAgentToolCall, &types.ToolCallPayload{
		ExecutionID: executionID,
		ToolName:    toolName,
		Arguments:   args,
	}))
	return nil
}

// Complete finishes the execution successfully. Completing an already
// completed execution is a no-op.
func (t *Tracker) Complete(ctx context.Context, executionID string) (*Execution, error) {
	var already bool
	snap, err := t.update(ctx, executionID, func(e *Execution) error {
		if e.State == StateCompleted {
			already = true
			return nil
		}
		if e.State != StateRunning {
			return invalidTransition(e, "complete")
		}
		t.finish(e, StateCompleted, StreamCompleted, "")
		return nil
	})
	if err != nil || already {
		return snap, err
	}
	t.publish(ctx, snap, types.MustMessage(types.TypeAgentExecutionComplete, &types.ExecutionCompletePayload{
		ExecutionID: executionID,
		State:       string(StateCompleted),
		ChunkCount:  snap.Sequence,
	}).WithPriority(types.PriorityHigh))
	t.record(snap, "completed")
	return snap, nil
}

// Fail reports a provider failure. Transient failures below the retry
// budget schedule a backoff retry; anything else is fatal.
func (t *Tracker) Fail(ctx context.Context, executionID, message string, transient bool) (*Execution, error) {
	var retrying, already bool
	snap, err := t.update(ctx, executionID, func(e *Execution) error {
		if e.State == StateFailed {
			already = true
			return nil
		}
		if e.State != StateRunning && e.State != StatePaused {
			return invalidTransition(e, "fail")
		}
		if transient && e.RetryCount < t.cfg.MaxRetries {
			e.RetryCount++
			next := t.clock().Add(t.backoff(e.RetryCount))
			e.NextRetryAt = &next
			e.Error = message
			e.UpdatedAt = t.clock()
			retrying = true
			return nil
		}
		t.finish(e, StateFailed, StreamError, message)
		return nil
	})
	if err != nil || already {
		return snap, err
	}
	t.publish(ctx, snap, types.MustMessage(types.TypeAgentError, &types.ExecutionErrorPayload{
		ExecutionID: executionID,
		Code:        types.ErrCodeProviderFailure,
		Message:     message,
		Retryable:   retrying,
		RetryCount:  snap.RetryCount,
	}).WithPriority(types.PriorityHigh))
	if retrying {
		t.logger.Warn("execution retry scheduled",
			zap.String("execution_id", executionID),
			zap.Int("retry_count", snap.RetryCount),
			zap.Timep("next_retry_at", snap.NextRetryAt))
	} else {
		t.record(snap, "failed")
	}
	return snap, nil
}

// Resume clears a pending retry and puts the execution back to work.
// Used by the caller once next-retry-at has passed.
func (t *Tracker) Resume(ctx context.Context, executionID string) (*Execution, error) {
	return t.update(ctx, executionID, func(e *Execution) error {
		switch e.State {
		case StateRunning:
			e.NextRetryAt = nil
			e.UpdatedAt = t.clock()
			return nil
		case StatePaused:
			return types.NewError(types.ErrCodeInvalidTransition,
				"paused executions resume through their decision resolution")
		default:
			return invalidTransition(e, "resume")
		}
	})
}

// Cancel aborts the execution and withdraws any open decision request.
func (t *Tracker) Cancel(ctx context.Context, executionID, reason string) (*Execution, error) {
	var already bool
	snap, err := t.update(ctx, executionID, func(e *Execution) error {
		if e.State == StateCancelled {
			already = true
			return nil
		}
		if e.State.Terminal() {
			return invalidTransition(e, "cancel")
		}
		t.finish(e, StateCancelled, StreamCompleted, reason)
		return nil
	})
	if err != nil || already {
		return snap, err
	}
	if t.decisions != nil {
		if err := t.decisions.CancelByExecution(ctx, executionID, snap.TenantID, "execution cancelled"); err != nil {
			t.logger.Warn("open decision request cancellation failed",
				zap.String("execution_id", executionID), zap.Error(err))
		}
	}
	t.publish(ctx, snap, types.MustMessage(types.TypeAgentExecutionComplete, &types.ExecutionCompletePayload{
		ExecutionID: executionID,
		State:       string(StateCancelled),
		ChunkCount:  snap.Sequence,
	}).WithPriority(types.PriorityHigh))
	t.record(snap, "cancelled")
	return snap, nil
}

// PauseStream pauses transport framing without touching the business
// state. Client-driven flow control lands here.
func (t *Tracker) PauseStream(ctx context.Context, executionID, reason string) error {
	snap, err := t.update(ctx, executionID, func(e *Execution) error {
		if e.State.Terminal() {
			return invalidTransition(e, "stream_pause")
		}
		e.StreamState = StreamPaused
		e.UpdatedAt = t.clock()
		return nil
	})
	if err != nil {
		return err
	}
	t.publish(ctx, snap, types.MustMessage(types.TypeStreamPause, &types.StreamControlPayload{
		ExecutionID: executionID,
		Reason:      reason,
	}))
	return nil
}

// ResumeStream resumes transport framing after a client-driven pause.
func (t *Tracker) ResumeStream(ctx context.Context, executionID string) error {
	snap, err := t.update(ctx, executionID, func(e *Execution) error {
		if e.State.Terminal() {
			return invalidTransition(e, "stream_resume")
		}
		if e.State == StatePaused {
			return types.NewError(types.ErrCodeInvalidTransition,
				"stream is paused by a pending human decision")
		}
		e.StreamState = StreamStreaming
		e.UpdatedAt = t.clock()
		return nil
	})
	if err != nil {
		return err
	}
	t.publish(ctx, snap, types.MustMessage(types.TypeStreamResume, &types.StreamControlPayload{
		ExecutionID: executionID,
	}))
	return nil
}

// RequestHumanDecision blocks the execution on a human decision: the
// execution and its stream both move to PAUSED, then the request is
// handed to the coordinator.
func (t *Tracker) RequestHumanDecision(ctx context.Context, executionID string, spec hitl.Spec) (string, error) {
	if t.decisions == nil {
		return "", types.NewError(types.ErrCodeInternal, "no decision coordinator configured")
	}
	snap, err := t.update(ctx, executionID, func(e *Execution) error {
		if e.State != StateRunning {
			return invalidTransition(e, "request_human_decision")
		}
		e.State = StatePaused
		e.StreamState = StreamPaused
		e.UpdatedAt = t.clock()
		return nil
	})
	if err != nil {
		return "", err
	}

	req, err := t.decisions.Create(ctx, snap.TenantID, executionID, spec)
	if err != nil {
		// the pause never reached clients, walking it back is safe
		_, _ = t.update(ctx, executionID, func(e *Execution) error {
			if e.State == StatePaused {
				e.State = StateRunning
				e.StreamState = StreamStreaming
				e.UpdatedAt = t.clock()
			}
			return nil
		})
		return "", err
	}

	snap, _ = t.update(ctx, executionID, func(e *Execution) error {
		e.HITLRequestID = req.ID
		return nil
	})
	t.publish(ctx, snap, types.MustMessage(types.TypeStreamPause, &types.StreamControlPayload{
		ExecutionID: executionID,
		Reason:      "awaiting human decision",
	}).WithPriority(types.PriorityHigh))
	t.logger.Info("execution paused for human decision",
		zap.String("execution_id", executionID),
		zap.String("request_id", req.ID))
	return req.ID, nil
}

// OnHITLResolved implements hitl.Resolver: the resolution either resumes
// the paused execution or fails it.
func (t *Tracker) OnHITLResolved(ctx context.Context, executionID, requestID string, res hitl.Resolution) {
	var resumed bool
	snap, err := t.update(ctx, executionID, func(e *Execution) error {
		if e.State != StatePaused {
			return invalidTransition(e, "on_hitl_resolved")
		}
		e.HITLRequestID = ""
		e.UpdatedAt = t.clock()
		if res.ShouldContinue {
			e.State = StateRunning
			e.StreamState = StreamStreaming
			resumed = true
			return nil
		}
		t.finish(e, StateFailed, StreamError, "human decision: "+res.Reason)
		return nil
	})
	if err != nil {
		t.logger.Warn("decision resolution ignored",
			zap.String("execution_id", executionID),
			zap.String("request_id", requestID),
			zap.Error(err))
		return
	}
	if resumed {
		t.publish(ctx, snap, types.MustMessage(types.TypeStreamResume, &types.StreamControlPayload{
			ExecutionID: executionID,
			Reason:      string(res.Outcome),
		}).WithPriority(types.PriorityHigh))
	} else {
		t.publish(ctx, snap, types.MustMessage(types.TypeAgentError, &types.ExecutionErrorPayload{
			ExecutionID: executionID,
			Code:        types.ErrCodePermissionDenied,
			Message:     "human decision rejected continuation: " + res.Reason,
		}).WithPriority(types.PriorityHigh))
		t.record(snap, "failed")
	}
	t.logger.Info("decision resolution applied",
		zap.String("execution_id", executionID),
		zap.String("request_id", requestID),
		zap.Bool("resumed", resumed))
}

// Get returns a snapshot of the execution.
func (t *Tracker) Get(ctx context.Context, executionID string) (*Execution, error) {
	t.mu.Lock()
	o, ok := t.owners[executionID]
	t.mu.Unlock()
	if !ok {
		return nil, ErrExecutionNotFound
	}
	var snap *Execution
	err := t.send(ctx, o, func(e *Execution) error {
		snap = e.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Active returns snapshots of all non-terminal executions.
func (t *Tracker) Active() []*Execution {
	t.mu.Lock()
	owners := make([]*owner, 0, len(t.owners))
	for _, o := range t.owners {
		owners = append(owners, o)
	}
	t.mu.Unlock()

	var out []*Execution
	for _, o := range owners {
		_ = t.send(context.Background(), o, func(e *Execution) error {
			if !e.State.Terminal() {
				out = append(out, e.Clone())
			}
			return nil
		})
	}
	return out
}

// Close stops all execution owners.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	owners := t.owners
	t.owners = make(map[string]*owner)
	t.mu.Unlock()

	for _, o := range owners {
		close(o.cmds)
		<-o.done
	}
	return nil
}

func (t *Tracker) update(ctx context.Context, executionID string, fn func(*Execution) error) (*Execution, error) {
	t.mu.Lock()
	o, ok := t.owners[executionID]
	t.mu.Unlock()
	if !ok {
		return nil, ErrExecutionNotFound
	}
	var snap *Execution
	err := t.send(ctx, o, func(e *Execution) error {
		if err := fn(e); err != nil {
			return err
		}
		snap = e.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (t *Tracker) send(ctx context.Context, o *owner, fn func(*Execution) error) error {
	errc := make(chan error, 1)
	cmd := func(e *Execution) { errc <- fn(e) }
	select {
	case o.cmds <- cmd:
	case <-o.done:
		return ErrExecutionNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) finish(e *Execution, state State, stream StreamState, errMsg string) {
	now := t.clock()
	e.State = state
	e.StreamState = stream
	e.Error = errMsg
	e.NextRetryAt = nil
	e.UpdatedAt = now
	e.FinishedAt = &now
}

func (t *Tracker) backoff(retryCount int) time.Duration {
	d := t.cfg.RetryBackoff
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= t.cfg.RetryMaxBackoff {
			return t.cfg.RetryMaxBackoff
		}
	}
	if d > t.cfg.RetryMaxBackoff {
		d = t.cfg.RetryMaxBackoff
	}
	return d
}

func (t *Tracker) record(e *Execution, status string) {
	if t.metrics == nil {
		return
	}
	end := e.UpdatedAt
	if e.FinishedAt != nil {
		end = *e.FinishedAt
	}
	t.metrics.RecordExecution(e.TenantID, status, end.Sub(e.StartedAt))
}

func (t *Tracker) publish(ctx context.Context, e *Execution, msg *types.Message) {
	if t.publisher == nil {
		return
	}
	msg.CorrelationID = e.CorrelationID
	if err := t.publisher.Publish(ctx, msg, dispatch.ToTenant(e.TenantID)); err != nil {
		t.logger.Warn("execution event publish failed",
			zap.String("execution_id", e.ID),
			zap.String("type", string(msg.Type)),
			zap.Error(err))
	}
}

func invalidTransition(e *Execution, op string) error {
	return types.NewError(types.ErrCodeInvalidTransition,
		fmt.Sprintf("execution %s in state %s rejects %s", e.ID, e.State, op))
}
