package session

import (
	"time"

	"github.com/BaSui01/agentgate/types"
)

// RateCategory selects which counter a rate-limit check applies to.
type RateCategory string

const (
	CategoryMessages   RateCategory = "messages"
	CategoryExecutions RateCategory = "executions"
	CategoryStreams    RateCategory = "streams"
)

// Limits caps a session's activity. Zero values fall back to defaults at
// registration time.
type Limits struct {
	MessagesPerMinute    int `yaml:"messages_per_minute" json:"messages_per_minute"`
	ExecutionsPerHour    int `yaml:"executions_per_hour" json:"executions_per_hour"`
	MaxConcurrentStreams int `yaml:"max_concurrent_streams" json:"max_concurrent_streams"`
}

// DefaultLimits returns the limits applied when a session registers without
// explicit ones.
func DefaultLimits() Limits {
	return Limits{
		MessagesPerMinute:    120,
		ExecutionsPerHour:    60,
		MaxConcurrentStreams: 8,
	}
}

// Session is the identity and access-control record of one connected client.
// The registry owns the mutable counters; callers treat a Session as a value.
type Session struct {
	ID          string              `json:"id"`
	UserID      string              `json:"user_id"`
	TenantID    string              `json:"tenant_id"`
	Level       types.SecurityLevel `json:"security_level"`
	Permissions []types.Permission  `json:"permissions"`
	CreatedAt   time.Time           `json:"created_at"`
	ExpiresAt   time.Time           `json:"expires_at"`
	Limits      Limits              `json:"limits"`
}

// HasPermission reports whether the session carries the given permission.
// Admin implies every other permission.
func (s *Session) HasPermission(p types.Permission) bool {
	for _, have := range s.Permissions {
		if have == p || have == types.PermissionAdmin {
			return true
		}
	}
	return false
}

// usage holds the live counters for one session. Windows are derived from the
// stored start timestamps, never from accumulated wall-clock deltas.
type usage struct {
	minuteStart   time.Time
	minuteCount   int
	hourStart     time.Time
	hourCount     int
	activeStreams int
}
