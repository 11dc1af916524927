package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/types"
)

// ExpiryHandler is invoked after a session is removed from the registry, with
// the removed session as a value copy. The dispatcher registers one to tear
// down the session's subscription.
type ExpiryHandler func(sess Session)

// entry pairs a session with its live counters behind a per-session mutex.
type entry struct {
	mu           sync.Mutex
	sess         Session
	usage        usage
	lastActivity time.Time
	rooms        map[string]struct{}
}

// Registry tracks connected sessions. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	byTenant map[string]map[string]struct{}
	byUser   map[string]map[string]struct{}
	byRoom   map[string]map[string]struct{}
	onExpire []ExpiryHandler

	defaults Limits
	sweep    time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultLimits overrides the limits applied to sessions registered
// without explicit ones.
func WithDefaultLimits(l Limits) Option {
	return func(r *Registry) { r.defaults = l }
}

// WithSweepInterval sets how often Run scans for expired sessions.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweep = d }
}

// WithClock overrides the time source. Tests use this to drive window
// rollovers and expiry deterministically.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a session registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		sessions: make(map[string]*entry),
		byTenant: make(map[string]map[string]struct{}),
		byUser:   make(map[string]map[string]struct{}),
		byRoom:   make(map[string]map[string]struct{}),
		defaults: DefaultLimits(),
		sweep:    10 * time.Second,
		logger:   logger.With(zap.String("component", "session_registry")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDefaultLimits replaces the limits applied to future registrations.
// Sessions already registered keep the limits they were admitted with.
func (r *Registry) SetDefaultLimits(l Limits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = l
}

// OnExpire registers a handler invoked whenever a session is removed, whether
// by explicit Expire or by the background sweeper.
func (r *Registry) OnExpire(h ExpiryHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = append(r.onExpire, h)
}

// Register adds a session to the registry. The session must carry an ID, a
// tenant, and an expiry after its creation time.
func (r *Registry) Register(sess Session) error {
	if sess.ID == "" {
		return types.NewError(types.ErrCodeValidation, "session id is required")
	}
	if sess.TenantID == "" {
		return types.NewError(types.ErrCodeValidation, "session tenant is required")
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = r.now()
	}
	if !sess.ExpiresAt.After(sess.CreatedAt) {
		return types.NewError(types.ErrCodeValidation, "session expiry must be after creation")
	}
	if sess.Level == "" {
		sess.Level = types.LevelAuthenticated
	}
	if sess.Limits == (Limits{}) {
		sess.Limits = r.defaults
	}

	now := r.now()
	e := &entry{
		sess:         sess,
		lastActivity: now,
		rooms:        make(map[string]struct{}),
		usage:        usage{minuteStart: now, hourStart: now},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[sess.ID]; exists {
		return types.NewError(types.ErrCodeValidation, "session already registered")
	}
	r.sessions[sess.ID] = e
	indexAdd(r.byTenant, sess.TenantID, sess.ID)
	if sess.UserID != "" {
		indexAdd(r.byUser, sess.UserID, sess.ID)
	}
	r.logger.Info("session registered",
		zap.String("session_id", sess.ID),
		zap.String("tenant_id", sess.TenantID),
		zap.String("user_id", sess.UserID),
		zap.String("level", string(sess.Level)),
	)
	return nil
}

// Get returns a copy of the session record.
func (r *Registry) Get(sessionID string) (Session, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess, nil
}

// Touch refreshes the session's last-activity timestamp and rolls the
// per-minute counter window forward if it has elapsed.
func (r *Registry) Touch(sessionID string) error {
	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	now := r.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivity = now
	if now.Sub(e.usage.minuteStart) >= time.Minute {
		e.usage.minuteStart = now
		e.usage.minuteCount = 0
	}
	return nil
}

// LastActivity returns the session's last-activity timestamp.
func (r *Registry) LastActivity(sessionID string) (time.Time, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return time.Time{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActivity, nil
}

// Authorize checks that the session is current, meets the required security
// level, and holds the required permission. A denial is returned as a typed
// *types.PermissionDenied value, never as a panic or untyped error, and the
// check itself mutates no state.
func (r *Registry) Authorize(sessionID string, required types.SecurityLevel, perm types.Permission) error {
	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.now().After(e.sess.ExpiresAt) {
		return types.NewError(types.ErrCodeSessionExpired, "session has expired")
	}
	if !e.sess.Level.Covers(required) {
		return &types.PermissionDenied{
			SessionID: sessionID,
			Required:  required,
			Actual:    e.sess.Level,
		}
	}
	if perm != "" && !e.sess.HasPermission(perm) {
		return &types.PermissionDenied{
			SessionID: sessionID,
			Required:  required,
			Actual:    e.sess.Level,
			Missing:   perm,
		}
	}
	return nil
}

// RateLimit consumes one unit from the session's counter for the category.
// On success the counter is incremented; when the limit is hit the typed
// *types.RateLimitExceeded carries the time until the window rolls over.
func (r *Registry) RateLimit(sessionID string, category RateCategory) error {
	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	now := r.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	switch category {
	case CategoryMessages:
		if now.Sub(e.usage.minuteStart) >= time.Minute {
			e.usage.minuteStart = now
			e.usage.minuteCount = 0
		}
		limit := e.sess.Limits.MessagesPerMinute
		if e.usage.minuteCount >= limit {
			return &types.RateLimitExceeded{
				SessionID:  sessionID,
				Category:   string(category),
				Limit:      limit,
				RetryAfter: e.usage.minuteStart.Add(time.Minute).Sub(now),
			}
		}
		e.usage.minuteCount++
	case CategoryExecutions:
		if now.Sub(e.usage.hourStart) >= time.Hour {
			e.usage.hourStart = now
			e.usage.hourCount = 0
		}
		limit := e.sess.Limits.ExecutionsPerHour
		if e.usage.hourCount >= limit {
			return &types.RateLimitExceeded{
				SessionID:  sessionID,
				Category:   string(category),
				Limit:      limit,
				RetryAfter: e.usage.hourStart.Add(time.Hour).Sub(now),
			}
		}
		e.usage.hourCount++
	case CategoryStreams:
		limit := e.sess.Limits.MaxConcurrentStreams
		if e.usage.activeStreams >= limit {
			return &types.RateLimitExceeded{
				SessionID: sessionID,
				Category:  string(category),
				Limit:     limit,
			}
		}
		e.usage.activeStreams++
	default:
		return types.NewError(types.ErrCodeValidation, "unknown rate category")
	}
	return nil
}

// ReleaseStream returns one unit of stream capacity acquired through
// RateLimit(CategoryStreams).
func (r *Registry) ReleaseStream(sessionID string) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.usage.activeStreams > 0 {
		e.usage.activeStreams--
	}
}

// JoinRoom adds the session to a room targeting group.
func (r *Registry) JoinRoom(sessionID, room string) error {
	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rooms[room] = struct{}{}
	e.mu.Unlock()

	r.mu.Lock()
	indexAdd(r.byRoom, room, sessionID)
	r.mu.Unlock()
	return nil
}

// LeaveRoom removes the session from a room targeting group.
func (r *Registry) LeaveRoom(sessionID, room string) error {
	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.rooms, room)
	e.mu.Unlock()

	r.mu.Lock()
	indexRemove(r.byRoom, room, sessionID)
	r.mu.Unlock()
	return nil
}

// Expire removes the session and fires the expiry handlers. Expiring an
// unknown session is a no-op so at-least-once teardown is safe.
func (r *Registry) Expire(sessionID string) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	indexRemove(r.byTenant, e.sess.TenantID, sessionID)
	indexRemove(r.byUser, e.sess.UserID, sessionID)
	for room := range e.rooms {
		indexRemove(r.byRoom, room, sessionID)
	}
	handlers := make([]ExpiryHandler, len(r.onExpire))
	copy(handlers, r.onExpire)
	r.mu.Unlock()

	r.logger.Info("session expired", zap.String("session_id", sessionID))
	for _, h := range handlers {
		h(e.sess)
	}
}

// SessionsByTenant returns copies of all sessions scoped to the tenant.
func (r *Registry) SessionsByTenant(tenantID string) []Session {
	return r.collect(func() map[string]struct{} { return r.byTenant[tenantID] })
}

// SessionsByUser returns copies of all sessions owned by the user.
func (r *Registry) SessionsByUser(userID string) []Session {
	return r.collect(func() map[string]struct{} { return r.byUser[userID] })
}

// SessionsInRoom returns copies of all sessions joined to the room.
func (r *Registry) SessionsInRoom(room string) []Session {
	return r.collect(func() map[string]struct{} { return r.byRoom[room] })
}

// ActiveSessions returns copies of every registered session.
func (r *Registry) ActiveSessions() []Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	return snapshot(entries)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Run sweeps for expired sessions until the context is canceled. Deadlines are
// recomputed from each session's stored ExpiresAt on every pass.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepExpired()
		}
	}
}

func (r *Registry) sweepExpired() {
	now := r.now()
	r.mu.RLock()
	var stale []string
	for id, e := range r.sessions {
		e.mu.Lock()
		if now.After(e.sess.ExpiresAt) {
			stale = append(stale, id)
		}
		e.mu.Unlock()
	}
	r.mu.RUnlock()
	for _, id := range stale {
		r.Expire(id)
	}
}

func (r *Registry) lookup(sessionID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, types.NewError(types.ErrCodeNotFound, "session not found")
	}
	return e, nil
}

func (r *Registry) collect(ids func() map[string]struct{}) []Session {
	r.mu.RLock()
	set := ids()
	entries := make([]*entry, 0, len(set))
	for id := range set {
		if e, ok := r.sessions[id]; ok {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()
	return snapshot(entries)
}

func snapshot(entries []*entry) []Session {
	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.sess)
		e.mu.Unlock()
	}
	return out
}

func indexAdd(index map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func indexRemove(index map[string]map[string]struct{}, key, id string) {
	if set, ok := index[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}
