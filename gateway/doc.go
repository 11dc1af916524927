// 版权所有 2026 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 gateway 提供平台的 WebSocket 接入层。

# 概述

客户端携带 JWT 建立 WebSocket 连接；握手成功后网关在会话注册表中
登记会话、把连接作为投递通道挂到分发器上，并回发 SESSION_CREATED
与 CONNECTION_ACK。此后连接承担双向职责：

  - 出站：分发器按目标（租户/用户/房间/全体）把事件推给连接；
    WebSocket 不支持并发写，写操作经互斥锁串行化。
  - 入站：客户端协议消息映射为核心操作——心跳刷新会话活跃时间，
    HITL_RESOLVED 映射为投票，STREAM_PAUSE / STREAM_RESUME 映射为
    流控，SESSION_ENDED 主动断开。

每条入站消息都先经过会话鉴权与限流；被拒绝的操作以对应错误族的
协议消息回发，绝不裸断连接。
*/
package gateway
