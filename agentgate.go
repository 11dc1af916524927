// Package agentgate provides a top-level convenience entry point for embedding
// the platform core in another process with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/agentgate"
//
//	p, err := agentgate.New(agentgate.WithAuthSecret("secret"))
//	http.Handle("/ws", p.Gateway)
//	go p.Run(ctx)
//
// This wires the session registry, the message dispatcher, the HITL
// coordinator, the execution tracker, and the WebSocket gateway with default
// configuration. Use cmd/agentgate for the full server with configuration
// files, hot reload, and the admin API.
package agentgate

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentgate/dispatch"
	"github.com/BaSui01/agentgate/execution"
	"github.com/BaSui01/agentgate/gateway"
	"github.com/BaSui01/agentgate/hitl"
	"github.com/BaSui01/agentgate/internal/metrics"
	"github.com/BaSui01/agentgate/notify"
	"github.com/BaSui01/agentgate/session"
)

// Platform bundles the wired core components. Fields are exported so callers
// can reach each component directly.
type Platform struct {
	Registry    *session.Registry
	Dispatcher  *dispatch.Dispatcher
	Coordinator *hitl.Coordinator
	Scheduler   *hitl.Scheduler
	Tracker     *execution.Tracker
	Gateway     *gateway.Gateway

	notifier *notify.AsyncNotifier
	logger   *zap.Logger
}

type options struct {
	logger     *zap.Logger
	store      hitl.RequestStore
	sink       notify.Notifier
	gateway    gateway.Config
	hitl       hitl.Config
	collector  *metrics.Collector
	sweepEvery time.Duration
}

// Option configures the platform created by [New].
type Option func(*options)

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithAuthSecret sets the HS256 secret used to verify handshake tokens.
func WithAuthSecret(secret string) Option {
	return func(o *options) { o.gateway.Auth.Secret = secret }
}

// WithSessionTTL sets the absolute session lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *options) { o.gateway.SessionTTL = ttl }
}

// WithStore sets the decision request store. Defaults to in-memory.
func WithStore(store hitl.RequestStore) Option {
	return func(o *options) { o.store = store }
}

// WithNotifier sets the offline notification sink. Defaults to log output.
func WithNotifier(sink notify.Notifier) Option {
	return func(o *options) { o.sink = sink }
}

// WithDecisionTimeout sets the default lifetime of decision requests.
func WithDecisionTimeout(d time.Duration) Option {
	return func(o *options) { o.hitl.DefaultTimeout = d }
}

// WithMetrics sets the Prometheus collector shared by all components.
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *options) { o.collector = collector }
}

// New wires the platform core with default configuration. At minimum an auth
// secret must be provided via [WithAuthSecret].
func New(opts ...Option) (*Platform, error) {
	o := options{
		logger:     zap.NewNop(),
		gateway:    gateway.DefaultConfig(),
		hitl:       hitl.DefaultConfig(),
		sweepEvery: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.gateway.Auth.Secret == "" {
		return nil, errors.New("agentgate: auth secret is required")
	}
	if o.store == nil {
		o.store = hitl.NewMemoryStore()
	}
	if o.sink == nil {
		o.sink = notify.NewLogNotifier(o.logger)
	}

	registry := session.NewRegistry(o.logger)
	dispatcher := dispatch.NewDispatcher(registry, dispatch.DefaultConfig(), o.logger, o.collector)
	notifier := notify.NewAsyncNotifier(o.sink, notify.DefaultAsyncConfig(), o.logger)
	coordinator := hitl.NewCoordinator(o.store, dispatcher, notifier, o.hitl, o.logger, o.collector)
	tracker := execution.NewTracker(dispatcher, coordinator, execution.DefaultConfig(), o.logger, o.collector)
	coordinator.SetResolver(tracker)
	gw := gateway.New(registry, dispatcher, coordinator, tracker, o.gateway, o.logger, o.collector)

	return &Platform{
		Registry:    registry,
		Dispatcher:  dispatcher,
		Coordinator: coordinator,
		Scheduler:   hitl.NewScheduler(coordinator, o.sweepEvery, o.logger),
		Tracker:     tracker,
		Gateway:     gw,
		notifier:    notifier,
		logger:      o.logger,
	}, nil
}

// Run drives the background loops (session sweeper and decision scheduler)
// until ctx is cancelled.
func (p *Platform) Run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.Scheduler.Run(ctx)
		return nil
	})
	g.Go(func() error {
		p.Registry.Run(ctx)
		return nil
	})
	_ = g.Wait()
}

// Close shuts down the components in dependency order and drains queues.
func (p *Platform) Close() error {
	errs := []error{
		p.Tracker.Close(),
		p.Coordinator.Close(),
	}
	p.Dispatcher.Close()
	errs = append(errs, p.notifier.Close())
	return errors.Join(errs...)
}
