package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

// RedisStore 是基于 Redis 的 RequestStore 实现，适用于多实例部署。
// 请求本体以 JSON 存储，租户与全局各维护一个按创建时间排序的索引。
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore 创建 Redis 存储并验证连通性。
func NewRedisStore(client *redis.Client, keyPrefix string) (*RedisStore, error) {
	if keyPrefix == "" {
		keyPrefix = "agentgate:hitl:"
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

func (s *RedisStore) dataKey(requestID string) string {
	return s.keyPrefix + "data:" + requestID
}

func (s *RedisStore) tenantKey(tenantID string) string {
	return s.keyPrefix + "tenant:" + tenantID
}

func (s *RedisStore) allKey() string {
	return s.keyPrefix + "all"
}

// Save 以写覆盖持久化请求快照并更新索引。
func (s *RedisStore) Save(ctx context.Context, req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	score := float64(req.CreatedAt.UnixNano())

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.dataKey(req.ID), data, 0)
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: req.ID})
	pipe.ZAdd(ctx, s.tenantKey(req.TenantID), redis.Z{Score: score, Member: req.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Load 按 ID 与租户读取请求。租户不匹配视为不存在。
func (s *RedisStore) Load(ctx context.Context, requestID, tenantID string) (*Request, error) {
	data, err := s.client.Get(ctx, s.dataKey(requestID)).Bytes()
	if err == redis.Nil {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request: %w", err)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	if tenantID != "" && req.TenantID != tenantID {
		return nil, ErrRequestNotFound
	}
	return &req, nil
}

// List 按过滤条件查询请求，结果按创建时间排序。
// 指定租户时走租户索引，否则走全局索引；状态与执行过滤在内存完成。
func (s *RedisStore) List(ctx context.Context, filter ListFilter) ([]*Request, error) {
	key := s.allKey()
	if filter.TenantID != "" {
		key = s.tenantKey(filter.TenantID)
	}
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	var out []*Request
	for _, id := range ids {
		req, err := s.Load(ctx, id, "")
		if err == ErrRequestNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !filter.matches(req) {
			continue
		}
		out = append(out, req)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Close 关闭底层连接。
func (s *RedisStore) Close() error {
	return s.client.Close()
}
