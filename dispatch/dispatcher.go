package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/internal/metrics"
	"github.com/BaSui01/agentgate/session"
	"github.com/BaSui01/agentgate/types"
)

// TargetType selects the addressing mode used to resolve recipient sessions.
type TargetType string

const (
	TargetTenant TargetType = "tenant"
	TargetUser   TargetType = "user"
	TargetRoom   TargetType = "room"
	TargetAll    TargetType = "all"
)

// Targeting describes which sessions a published message is delivered to.
// Filter, when set, further restricts the resolved set.
type Targeting struct {
	Type     TargetType
	TargetID string
	Filter   func(session.Session) bool
}

// ToTenant targets every session scoped to the tenant.
func ToTenant(tenantID string) Targeting {
	return Targeting{Type: TargetTenant, TargetID: tenantID}
}

// ToUser targets every session owned by the user.
func ToUser(userID string) Targeting {
	return Targeting{Type: TargetUser, TargetID: userID}
}

// ToRoom targets every session joined to the room.
func ToRoom(room string) Targeting {
	return Targeting{Type: TargetRoom, TargetID: room}
}

// ToAll targets every registered session.
func ToAll() Targeting {
	return Targeting{Type: TargetAll}
}

// Sink delivers messages to one session's transport (WebSocket, test buffer).
// Implementations must tolerate concurrent Close and Send.
type Sink interface {
	Send(ctx context.Context, msg *types.Message) error
	Close() error
}

// Directory resolves targeting rules to sessions and applies per-session rate
// limits. *session.Registry satisfies it.
type Directory interface {
	SessionsByTenant(tenantID string) []session.Session
	SessionsByUser(userID string) []session.Session
	SessionsInRoom(room string) []session.Session
	ActiveSessions() []session.Session
	RateLimit(sessionID string, category session.RateCategory) error
}

// Config bounds the per-session outbound queues.
type Config struct {
	// QueueSize is the maximum number of queued messages per session.
	QueueSize int `yaml:"queue_size" json:"queue_size"`
	// SendTimeout bounds a single transport send.
	SendTimeout time.Duration `yaml:"send_timeout" json:"send_timeout"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:   256,
		SendTimeout: 5 * time.Second,
	}
}

// Dispatcher fans out protocol messages to subscribed session sinks.
// It is a shared, concurrency-safe service; synchronization is per
// subscription so fan-out never funnels through a single lock.
type Dispatcher struct {
	dir     Directory
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector

	mu   sync.RWMutex
	subs map[string]*subscription
	wg   sync.WaitGroup
}

// NewDispatcher creates a dispatcher resolving targets through dir.
// The metrics collector may be nil.
func NewDispatcher(dir Directory, cfg Config, logger *zap.Logger, collector *metrics.Collector) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	return &Dispatcher{
		dir:     dir,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "dispatcher")),
		metrics: collector,
		subs:    make(map[string]*subscription),
	}
}

// Subscribe attaches a sink for the session and starts its writer. A second
// subscription for the same session replaces the first.
func (d *Dispatcher) Subscribe(sessionID string, sink Sink) {
	sub := newSubscription(sessionID, sink, d.cfg, d.logger, d.metrics)
	d.mu.Lock()
	old := d.subs[sessionID]
	d.subs[sessionID] = sub
	d.mu.Unlock()
	if old != nil {
		old.close()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sub.run()
	}()
}

// Unsubscribe detaches the session's sink and drops queued messages.
// Unknown sessions are a no-op so expiry teardown is at-least-once safe.
func (d *Dispatcher) Unsubscribe(sessionID string) {
	d.mu.Lock()
	sub := d.subs[sessionID]
	delete(d.subs, sessionID)
	d.mu.Unlock()
	if sub != nil {
		sub.close()
	}
}

// Subscribed reports whether the session currently has a sink attached.
func (d *Dispatcher) Subscribed(sessionID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.subs[sessionID]
	return ok
}

// Publish resolves the targeting rule, applies each recipient session's
// message rate limit, and enqueues the message on every allowed session's
// queue. Throttled sessions are skipped and counted, never delivered to.
func (d *Dispatcher) Publish(ctx context.Context, msg *types.Message, target Targeting) error {
	if msg == nil {
		return types.NewError(types.ErrCodeValidation, "nil message")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	recipients := d.resolve(target)
	if d.metrics != nil {
		d.metrics.MessagePublished(string(msg.Type), string(msg.Priority))
	}

	for _, sess := range recipients {
		if target.Filter != nil && !target.Filter(sess) {
			continue
		}
		if err := d.dir.RateLimit(sess.ID, session.CategoryMessages); err != nil {
			d.logger.Debug("recipient throttled",
				zap.String("session_id", sess.ID),
				zap.String("type", string(msg.Type)),
			)
			if d.metrics != nil {
				d.metrics.RateLimitHit(string(session.CategoryMessages))
			}
			continue
		}
		d.mu.RLock()
		sub := d.subs[sess.ID]
		d.mu.RUnlock()
		if sub == nil {
			continue
		}
		// Each recipient receives its own envelope copy with the session set.
		delivery := *msg
		delivery.SessionID = sess.ID
		sub.enqueue(&delivery)
	}
	return nil
}

// Close tears down every subscription and waits for writers to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	subs := d.subs
	d.subs = make(map[string]*subscription)
	d.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	d.wg.Wait()
}

func (d *Dispatcher) resolve(target Targeting) []session.Session {
	switch target.Type {
	case TargetTenant:
		return d.dir.SessionsByTenant(target.TargetID)
	case TargetUser:
		return d.dir.SessionsByUser(target.TargetID)
	case TargetRoom:
		return d.dir.SessionsInRoom(target.TargetID)
	case TargetAll:
		return d.dir.ActiveSessions()
	default:
		return nil
	}
}
