// 版权所有 2026 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 redisconn 提供 Redis 连接生命周期管理，服务于 HITL 请求的
Redis 存储后端。

# 概述

本包封装 go-redis 客户端的建连、连接池配置与后台健康检查。
Manager 在创建时验证可达性，失败立即返回错误；运行期定时 Ping
探活并输出连接池统计。存储层通过 Client() 取底层客户端。

# 核心类型

  - Manager：连接管理器，提供 Client()、Ping()、Stats()、Close()。
  - Config：连接配置，包含地址、密码、连接池大小与健康检查间隔。

# 主要能力

  - 连接池管理：通过 PoolSize 与 MinIdleConns 控制连接复用。
  - 健康检查：后台定时 Ping 检测，异常时通过 zap 日志告警。
  - 优雅关闭：Close 方法安全释放底层 Redis 连接。
*/
package redisconn
