// Copyright (c) AgentGate Authors.
// Licensed under the MIT License.

package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrNotifierClosed = errors.New("notifier is closed")

// AsyncConfig configures the async delivery pool.
type AsyncConfig struct {
	Workers     int           `yaml:"workers" json:"workers"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size"`
	SendTimeout time.Duration `yaml:"send_timeout" json:"send_timeout"`
}

// DefaultAsyncConfig returns sensible defaults.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		Workers:     4,
		QueueSize:   256,
		SendTimeout: 10 * time.Second,
	}
}

type envelope struct {
	userID  string
	event   string
	payload any
}

// AsyncNotifier wraps a sink Notifier with a fixed worker pool. Notify
// enqueues and returns immediately; a full queue drops the event.
type AsyncNotifier struct {
	sink   Notifier
	cfg    AsyncConfig
	logger *zap.Logger

	queue  chan envelope
	wg     sync.WaitGroup
	closed atomic.Bool

	// counters
	submitted atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewAsyncNotifier starts the worker pool around sink.
func NewAsyncNotifier(sink Notifier, cfg AsyncConfig, logger *zap.Logger) *AsyncNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	n := &AsyncNotifier{
		sink:   sink,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "notify")),
		queue:  make(chan envelope, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

// Notify implements Notifier. The context only gates the enqueue; actual
// delivery runs under the pool's own send timeout.
func (n *AsyncNotifier) Notify(ctx context.Context, userID, event string, payload any) error {
	if n.closed.Load() {
		return ErrNotifierClosed
	}
	n.submitted.Add(1)
	select {
	case n.queue <- envelope{userID: userID, event: event, payload: payload}:
		return nil
	case <-ctx.Done():
		n.dropped.Add(1)
		return ctx.Err()
	default:
		n.dropped.Add(1)
		n.logger.Warn("notification dropped, queue full",
			zap.String("user_id", userID), zap.String("event", event))
		return nil
	}
}

func (n *AsyncNotifier) worker() {
	defer n.wg.Done()
	for env := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.SendTimeout)
		err := n.sink.Notify(ctx, env.userID, env.event, env.payload)
		cancel()
		if err != nil {
			n.failed.Add(1)
			n.logger.Warn("notification delivery failed",
				zap.String("user_id", env.userID),
				zap.String("event", env.event),
				zap.Error(err))
			continue
		}
		n.delivered.Add(1)
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

// Stats returns delivery counters.
func (n *AsyncNotifier) Stats() Stats {
	return Stats{
		Submitted: n.submitted.Load(),
		Delivered: n.delivered.Load(),
		Dropped:   n.dropped.Load(),
		Failed:    n.failed.Load(),
	}
}

// Close drains the queue and stops the workers.
func (n *AsyncNotifier) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(n.queue)
	n.wg.Wait()
	return nil
}
