package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/agentgate/config"
	"github.com/BaSui01/agentgate/dispatch"
	"github.com/BaSui01/agentgate/execution"
	"github.com/BaSui01/agentgate/gateway"
	"github.com/BaSui01/agentgate/hitl"
	"github.com/BaSui01/agentgate/internal/database"
	"github.com/BaSui01/agentgate/internal/metrics"
	"github.com/BaSui01/agentgate/internal/redisconn"
	"github.com/BaSui01/agentgate/internal/server"
	"github.com/BaSui01/agentgate/internal/telemetry"
	"github.com/BaSui01/agentgate/notify"
	"github.com/BaSui01/agentgate/session"

	"github.com/glebarez/sqlite"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 AgentGate 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	// 服务器管理器
	httpManager *server.Manager

	// 核心组件
	registry    *session.Registry
	dispatcher  *dispatch.Dispatcher
	store       hitl.RequestStore
	notifier    *notify.AsyncNotifier
	coordinator *hitl.Coordinator
	scheduler   *hitl.Scheduler
	tracker     *execution.Tracker
	gateway     *gateway.Gateway
	admin       *adminHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 热更新管理器
	hotReloadManager *config.HotReloadManager

	// OTel providers（可为 nil）
	otelProviders *telemetry.Providers

	// 外部连接
	redisManager *redisconn.Manager
	dbPool       *database.PoolManager

	// 后台 goroutine 生命周期管理
	backgroundCancel  context.CancelFunc
	rateLimiterCancel context.CancelFunc
	startedAt         time.Time

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:           cfg,
		configPath:    configPath,
		logger:        logger,
		otelProviders: otelProviders,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	s.startedAt = time.Now()

	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector(s.cfg.Metrics.Namespace, s.logger)

	// 2. 初始化核心组件（会话注册表、分发器、HITL 协调器、执行追踪器、网关）
	if err := s.initComponents(); err != nil {
		return fmt.Errorf("failed to init components: %w", err)
	}

	// 3. 初始化热更新管理器
	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("addr", s.cfg.Server.Addr),
		zap.String("hitl_store", s.cfg.HITL.Store),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initComponents 按依赖顺序组装核心组件
func (s *Server) initComponents() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.backgroundCancel = cancel

	// 会话注册表 + 后台过期清理
	s.registry = session.NewRegistry(s.logger,
		session.WithDefaultLimits(session.Limits{
			MessagesPerMinute:    s.cfg.Session.MessagesPerMinute,
			ExecutionsPerHour:    s.cfg.Session.ExecutionsPerHour,
			MaxConcurrentStreams: s.cfg.Session.MaxConcurrentStreams,
		}),
		session.WithSweepInterval(s.cfg.Session.SweepInterval),
	)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registry.Run(ctx)
	}()

	// 消息分发器
	s.dispatcher = dispatch.NewDispatcher(s.registry, dispatch.Config{
		QueueSize:   s.cfg.Dispatch.QueueSize,
		SendTimeout: s.cfg.Dispatch.SendTimeout,
	}, s.logger, s.metricsCollector)

	// HITL 请求存储
	store, err := s.openStore()
	if err != nil {
		return fmt.Errorf("failed to open hitl store: %w", err)
	}
	s.store = store

	// 离线通知（异步 worker 池包装日志通道）
	s.notifier = notify.NewAsyncNotifier(notify.NewLogNotifier(s.logger), notify.AsyncConfig{
		Workers:     s.cfg.Notify.Workers,
		QueueSize:   s.cfg.Notify.QueueSize,
		SendTimeout: s.cfg.Notify.SendTimeout,
	}, s.logger)

	// HITL 协调器 + 到期调度器
	s.coordinator = hitl.NewCoordinator(s.store, s.dispatcher, s.notifier, hitl.Config{
		DefaultTimeout: s.cfg.HITL.DefaultTimeout,
		PersistRetries: s.cfg.HITL.PersistRetries,
		PersistBackoff: s.cfg.HITL.PersistBackoff,
	}, s.logger, s.metricsCollector)

	s.scheduler = hitl.NewScheduler(s.coordinator, s.cfg.HITL.SweepInterval, s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.scheduler.Run(ctx)
	}()

	// 执行追踪器；决议结果经 SetResolver 回流到执行侧
	s.tracker = execution.NewTracker(s.dispatcher, s.coordinator, execution.Config{
		MaxRetries:      s.cfg.Execution.MaxRetries,
		RetryBackoff:    s.cfg.Execution.RetryBackoff,
		RetryMaxBackoff: s.cfg.Execution.RetryMaxBackoff,
	}, s.logger, s.metricsCollector)
	s.coordinator.SetResolver(s.tracker)

	// WebSocket 网关
	s.gateway = gateway.New(s.registry, s.dispatcher, s.coordinator, s.tracker, gateway.Config{
		Auth: gateway.AuthConfig{
			Secret:   s.cfg.Gateway.AuthSecret,
			Issuer:   s.cfg.Gateway.AuthIssuer,
			Audience: s.cfg.Gateway.AuthAudience,
		},
		SessionTTL:         s.cfg.Gateway.SessionTTL,
		InsecureSkipVerify: s.cfg.Gateway.InsecureSkipVerify,
	}, s.logger, s.metricsCollector)

	// 管理 API
	s.admin = newAdminHandler(s.coordinator, s.logger)

	s.logger.Info("Components initialized")
	return nil
}

// openStore 按配置选择 HITL 请求存储后端
func (s *Server) openStore() (hitl.RequestStore, error) {
	switch s.cfg.HITL.Store {
	case "", "memory":
		return hitl.NewMemoryStore(), nil

	case "redis":
		manager, err := redisconn.NewManager(redisconn.Config{
			Addr:                s.cfg.Redis.Addr,
			Password:            s.cfg.Redis.Password,
			DB:                  s.cfg.Redis.DB,
			PoolSize:            s.cfg.Redis.PoolSize,
			MinIdleConns:        s.cfg.Redis.MinIdleConns,
			HealthCheckInterval: 30 * time.Second,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.redisManager = manager
		return hitl.NewRedisStore(manager.Client(), s.cfg.Redis.KeyPrefix)

	case "database":
		var dialector gorm.Dialector
		switch s.cfg.Database.Driver {
		case "postgres":
			dialector = postgres.Open(s.cfg.Database.DSN())
		case "sqlite":
			dialector = sqlite.Open(s.cfg.Database.DSN())
		default:
			return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, sqlite)", s.cfg.Database.Driver)
		}
		db, err := gorm.Open(dialector, &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		pool, err := database.NewPoolManager(db, database.PoolConfig{
			MaxOpenConns:        s.cfg.Database.MaxOpenConns,
			MaxIdleConns:        s.cfg.Database.MaxIdleConns,
			ConnMaxLifetime:     s.cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime:     10 * time.Minute,
			HealthCheckInterval: 30 * time.Second,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.dbPool = pool
		s.logger.Info("Database connected", zap.String("driver", s.cfg.Database.Driver))
		return hitl.NewGormStore(pool.DB())

	default:
		return nil, fmt.Errorf("unknown hitl store: %s", s.cfg.HITL.Store)
	}
}

// initHotReloadManager 初始化热更新管理器
func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}

	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	// 注册配置变更回调
	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	// 注册配置重载回调：把可热更的会话限额下发给注册表。
	// 已注册的会话保留接入时的限额，新会话按新限额接入。
	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.cfg = newConfig
		s.registry.SetDefaultLimits(session.Limits{
			MessagesPerMinute:    newConfig.Session.MessagesPerMinute,
			ExecutionsPerHour:    newConfig.Session.ExecutionsPerHour,
			MaxConcurrentStreams: newConfig.Session.MaxConcurrentStreams,
		})
		s.logger.Info("Configuration reloaded")
	})

	// 启动热更新管理器
	ctx := context.Background()
	if err := s.hotReloadManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// WebSocket 网关
	// ========================================
	mux.Handle("/ws", s.gateway)

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.handleVersion)

	// ========================================
	// Prometheus 指标
	// ========================================
	metricsPath := s.cfg.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	mux.Handle(metricsPath, promhttp.Handler())

	// ========================================
	// HITL 管理 API（Bearer + admin 权限保护，见 AdminAuth）
	// ========================================
	s.admin.Register(mux)

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/ws", "/health", "/healthz", "/ready", "/readyz", "/version", metricsPath}
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
		MetricsMiddleware(s.metricsCollector),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
		s.rateLimiterCancel = rateLimiterCancel
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger))
	}
	middlewares = append(middlewares, AdminAuth(s.gateway.Authenticator(), skipAuthPaths, s.logger))
	handler := Chain(mux, middlewares...)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:              s.cfg.Server.Addr,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:    s.cfg.Server.MaxHeaderBytes,
		ShutdownTimeout:   s.cfg.Server.ShutdownTimeout,
		CertFile:          s.cfg.Server.CertFile,
		KeyFile:           s.cfg.Server.KeyFile,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.String("addr", s.httpManager.Addr()))
	return nil
}

// =============================================================================
// 🏥 健康检查 Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         Version,
		"uptime":          time.Since(s.startedAt).String(),
		"active_sessions": s.registry.Len(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.httpManager == nil || !s.httpManager.IsRunning() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务。
// 顺序：先停入口（HTTP/网关），再停调度与注册表，最后排空各组件队列。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 0. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 停止热更新管理器
	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 HTTP 服务器（不再接受新连接）
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 停止后台 goroutine（调度器、注册表清理）
	if s.backgroundCancel != nil {
		s.backgroundCancel()
	}

	// 4. 排空执行追踪器与协调器
	if s.tracker != nil {
		if err := s.tracker.Close(); err != nil {
			s.logger.Error("Tracker shutdown error", zap.Error(err))
		}
	}
	if s.coordinator != nil {
		if err := s.coordinator.Close(); err != nil {
			s.logger.Error("Coordinator shutdown error", zap.Error(err))
		}
	}

	// 5. 关闭分发器（排空各会话队列）与通知 worker 池
	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			s.logger.Error("Notifier shutdown error", zap.Error(err))
		}
	}

	// 6. 释放外部连接
	if s.redisManager != nil {
		if err := s.redisManager.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("Database close error", zap.Error(err))
		}
	}

	// 7. 关闭 OTel providers
	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	// 8. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
