package hitl

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler 周期性巡检未决请求，驱动升级与到期。
//
// 所有截止时间都从请求上存储的时间戳重新推导，进程重启后无需
// 恢复任何内存定时器。升级优先于绝对到期：只要升级链尚未耗尽，
// 到点的请求先走升级；链耗尽后的请求才按回退动作到期。
type Scheduler struct {
	coord    *Coordinator
	interval time.Duration
	logger   *zap.Logger
	clock    func() time.Time
}

// NewScheduler 创建调度器。interval 为零时默认 5 秒。
func NewScheduler(coord *Coordinator, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		coord:    coord,
		interval: interval,
		logger:   logger.With(zap.String("component", "hitl_scheduler")),
		clock:    time.Now,
	}
}

// Run 阻塞运行巡检循环，直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep 对每个未决请求做一次到期判定。
func (s *Scheduler) sweep(ctx context.Context) {
	now := s.clock()
	for _, req := range s.coord.OpenRequests() {
		switch {
		case s.escalationDue(req, now):
			if _, err := s.coord.Escalate(ctx, req.ID, req.TenantID); err != nil {
				s.logger.Warn("escalation failed",
					zap.String("request_id", req.ID), zap.Error(err))
			}
		case s.expiryDue(req, now):
			if _, err := s.coord.Expire(ctx, req.ID, req.TenantID); err != nil {
				s.logger.Warn("expiry failed",
					zap.String("request_id", req.ID), zap.Error(err))
			}
		}
	}
}

// escalationDue 判定当前级别的等待时长是否已走完且还有下一级可升。
func (s *Scheduler) escalationDue(req *Request, now time.Time) bool {
	if req.Level >= len(req.Chain) {
		return false
	}
	step := req.Chain[req.Level]
	if step.Timeout <= 0 {
		return false
	}
	return !now.Before(levelStart(req).Add(step.Timeout))
}

// expiryDue 判定请求是否应当到期：绝对存活期已过，或升级链耗尽后
// 最后一级的等待时长也已走完。
func (s *Scheduler) expiryDue(req *Request, now time.Time) bool {
	// 绝对存活期是硬上限，即使升级链尚未走完也到期，
	// 坏的链数据不能让请求永远悬置。
	if !req.ExpiresAt.IsZero() && !now.Before(req.ExpiresAt) {
		return true
	}
	if req.Level < len(req.Chain) {
		return false
	}
	if req.Level > 0 {
		last := req.Chain[req.Level-1]
		if last.Timeout > 0 && !now.Before(levelStart(req).Add(last.Timeout)) {
			return true
		}
	}
	return false
}

// levelStart 取当前级别的起算时间：最近一次升级、受理或创建。
func levelStart(req *Request) time.Time {
	if req.EscalatedAt != nil {
		return *req.EscalatedAt
	}
	if req.AssignedAt != nil {
		return *req.AssignedAt
	}
	return req.CreatedAt
}
