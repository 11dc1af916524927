// Copyright (c) AgentGate Authors.
// Licensed under the MIT License.

/*
Package types 提供 AgentGate 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 session、execution、hitl、
dispatch、gateway 等上层模块提供统一的类型契约。实时协议的消息信封、
逐消息类型的载荷结构、安全级别与权限枚举、结构化错误体系均定义于此，
以避免循环依赖。

# 核心类型

  - Message            — 协议消息信封（type、session_id、request_id、payload 等）
  - MessageType        — 消息类型枚举（会话、执行、HITL、流控、错误五个族）
  - Priority           — 投递优先级（low / normal / high / critical）
  - SecurityLevel      — 会话安全级别（public / authenticated / tenant / private）
  - Permission         — 细粒度权限（read / write / execute / admin）
  - Error / ErrorCode  — 结构化错误体系，含 HTTP 状态码与 Retryable 标记
  - PermissionDenied   — 鉴权失败的类型化错误，携带所需与实际级别
  - RateLimitExceeded  — 限流错误，携带 retry-after

# 载荷约定

每个 MessageType 对应一个具体的载荷结构（标签联合），在边界处通过
DecodePayload 校验解码，禁止透传未经校验的动态载荷。
*/
package types
