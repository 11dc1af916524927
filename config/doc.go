// Package config 提供 AgentGate 的配置管理功能。
//
// 包含配置加载、校验、热重载与变更历史管理。
// 支持从 YAML 文件与环境变量加载配置（优先级:
// 默认值 → 文件 → 环境变量），并按字段白名单提供
// 运行时热重载能力。
package config
