package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// requestRecord 是请求在关系库中的行投影。完整状态以 JSON 快照存储，
// 常用查询维度提升为带索引的列。
type requestRecord struct {
	ID          string    `gorm:"primaryKey;size:64"`
	TenantID    string    `gorm:"index;size:64"`
	ExecutionID string    `gorm:"index;size:64"`
	Status      string    `gorm:"index;size:16"`
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
	Snapshot    []byte `gorm:"type:blob"`
}

func (requestRecord) TableName() string { return "hitl_requests" }

// GormStore 是基于 GORM 的 RequestStore 实现，适用于单实例部署
// 与审计留档场景。
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建关系库存储并自动迁移表结构。
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&requestRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Save 以 upsert 的方式持久化请求快照。
func (s *GormStore) Save(ctx context.Context, req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	rec := requestRecord{
		ID:          req.ID,
		TenantID:    req.TenantID,
		ExecutionID: req.ExecutionID,
		Status:      string(req.Status),
		CreatedAt:   req.CreatedAt,
		Snapshot:    data,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at", "snapshot"}),
	}).Create(&rec).Error
}

// Load 按 ID 与租户读取请求。租户不匹配视为不存在。
func (s *GormStore) Load(ctx context.Context, requestID, tenantID string) (*Request, error) {
	var rec requestRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request: %w", err)
	}
	if tenantID != "" && rec.TenantID != tenantID {
		return nil, ErrRequestNotFound
	}
	var req Request
	if err := json.Unmarshal(rec.Snapshot, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	return &req, nil
}

// List 按过滤条件查询请求，结果按创建时间排序。
func (s *GormStore) List(ctx context.Context, filter ListFilter) ([]*Request, error) {
	q := s.db.WithContext(ctx).Model(&requestRecord{}).Order("created_at asc")
	if filter.TenantID != "" {
		q = q.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.ExecutionID != "" {
		q = q.Where("execution_id = ?", filter.ExecutionID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var recs []requestRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	out := make([]*Request, 0, len(recs))
	for _, rec := range recs {
		var req Request
		if err := json.Unmarshal(rec.Snapshot, &req); err != nil {
			return nil, fmt.Errorf("failed to unmarshal request %s: %w", rec.ID, err)
		}
		out = append(out, &req)
	}
	return out, nil
}

// Close 关闭底层连接。
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
