// 版权所有 2026 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
HTTP、会话、消息分发、执行与人工决策五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时，按 method/path/status 分组，
    状态码归类为 2xx/3xx/4xx/5xx。
  - 会话指标：活跃会话 Gauge、过期计数、限流触发计数，
    按 tenant/category 分组。
  - 消息分发指标：发布总数（按类型与优先级）、背压丢弃计数、
    投递耗时 Histogram。
  - 执行指标：执行总数与耗时（按 tenant/status 分组）、
    流式文本块计数。
  - 人工决策指标：请求状态计数、决策耗时、投票计数、升级计数。
*/
package metrics
