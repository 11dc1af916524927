// Copyright (c) AgentGate Authors.
// Licensed under the MIT License.

/*
Package main 提供 AgentGate 服务端程序入口。

# 概述

cmd/agentgate 是 AgentGate 平台的可执行入口，对外暴露 WebSocket 网关
（/ws）、HITL 决策管理 API、健康检查与 Prometheus 指标。程序支持 YAML
配置文件加载、结构化日志（zap）、OpenTelemetry 链路追踪以及配置热重载。

# 核心类型

  - Server           — 主服务器，组装会话注册表、分发器、HITL 协调器、
    执行追踪器与 WebSocket 网关，并管理优雅关闭
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - adminHandler      — HITL 管理 API（list/create/assign/escalate/cancel）
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、token（签发开发令牌）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    OTelTracing、MetricsMiddleware、RateLimiter（基于 IP）、
    AdminAuth（Bearer 令牌 + admin 权限）
  - HITL 存储后端：memory / redis / database（postgres、sqlite）按配置选择
  - 配置热重载：HotReloadManager 监听文件变更，会话限额动态下发
  - 优雅关闭：信号监听 → 停热更新 → 关 HTTP → 停调度 → 排空队列 → Wait
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
