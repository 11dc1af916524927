// =============================================================================
// 📦 AgentGate 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Gateway:   DefaultGatewayConfig(),
		Session:   DefaultSessionConfig(),
		HITL:      DefaultHITLConfig(),
		Execution: DefaultExecutionConfig(),
		Dispatch:  DefaultDispatchConfig(),
		Notify:    DefaultNotifyConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              ":8080",
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ShutdownTimeout:   30 * time.Second,
		RateLimitRPS:      100,
		RateLimitBurst:    200,
	}
}

// DefaultGatewayConfig 返回默认网关配置
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		SessionTTL: 30 * time.Minute,
	}
}

// DefaultSessionConfig 返回默认会话配置
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MessagesPerMinute:    120,
		ExecutionsPerHour:    100,
		MaxConcurrentStreams: 5,
		SweepInterval:        30 * time.Second,
	}
}

// DefaultHITLConfig 返回默认人工决策配置
func DefaultHITLConfig() HITLConfig {
	return HITLConfig{
		DefaultTimeout: 24 * time.Hour,
		PersistRetries: 3,
		PersistBackoff: 200 * time.Millisecond,
		SweepInterval:  5 * time.Second,
		Store:          "memory",
	}
}

// DefaultExecutionConfig 返回默认执行跟踪配置
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		MaxRetries:      3,
		RetryBackoff:    time.Second,
		RetryMaxBackoff: time.Minute,
	}
}

// DefaultDispatchConfig 返回默认消息分发配置
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		QueueSize:   256,
		SendTimeout: 5 * time.Second,
	}
}

// DefaultNotifyConfig 返回默认通知投递配置
func DefaultNotifyConfig() NotifyConfig {
	return NotifyConfig{
		Workers:     4,
		QueueSize:   256,
		SendTimeout: 10 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "agentgate:hitl:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Name:            "agentgate.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentgate",
		SampleRate:   1.0,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "agentgate",
		Path:      "/metrics",
	}
}
