package hitl

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Store 协作者的公共错误。
var (
	ErrRequestNotFound = errors.New("hitl request not found")
	ErrStoreClosed     = errors.New("hitl store is closed")
)

// ListFilter 是 List 查询的条件。零值字段不参与过滤。
type ListFilter struct {
	TenantID    string
	ExecutionID string
	Status      Status
	Limit       int
}

// RequestStore 是持久化协作者接口。协调器将其视为最终一致、
// 幂等写的外部依赖：写入失败只重试，绝不回滚已广播的决定。
type RequestStore interface {
	Save(ctx context.Context, req *Request) error
	Load(ctx context.Context, requestID, tenantID string) (*Request, error)
	List(ctx context.Context, filter ListFilter) ([]*Request, error)
	Close() error
}

// MemoryStore 是进程内的 RequestStore 实现，用于开发与测试。
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
	closed   bool
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

// Save 以写覆盖的方式持久化请求快照，天然幂等。
func (s *MemoryStore) Save(ctx context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

// Load 按 ID 与租户读取请求。租户不匹配视为不存在，保证租户隔离。
func (s *MemoryStore) Load(ctx context.Context, requestID, tenantID string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	req, ok := s.requests[requestID]
	if !ok || (tenantID != "" && req.TenantID != tenantID) {
		return nil, ErrRequestNotFound
	}
	return req.Clone(), nil
}

// List 按过滤条件查询请求，按创建时间排序。
func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*Request
	for _, req := range s.requests {
		if !filter.matches(req) {
			continue
		}
		out = append(out, req.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close 关闭存储。
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (f ListFilter) matches(req *Request) bool {
	if f.TenantID != "" && req.TenantID != f.TenantID {
		return false
	}
	if f.ExecutionID != "" && req.ExecutionID != f.ExecutionID {
		return false
	}
	if f.Status != "" && req.Status != f.Status {
		return false
	}
	return true
}
