// 版权所有 2026 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/types"
)

// Conn 将 WebSocket 连接适配为分发器的投递通道。
// WebSocket 不支持并发写，写操作经互斥锁串行化。
type Conn struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex // 保护写操作
	closed bool
}

// NewConn 从已建立的 WebSocket 连接创建适配器。
func NewConn(conn *websocket.Conn, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		conn:   conn,
		logger: logger.With(zap.String("component", "gateway_conn")),
	}
}

// Send 将协议消息编码为 JSON 并写入连接。实现 dispatch.Sink。
func (c *Conn) Send(ctx context.Context, msg *types.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection closed")
	}
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Read 从连接读取一条协议消息。
func (c *Conn) Read(ctx context.Context) (*types.Message, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	msg, err := types.DecodeMessage(data)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Close 关闭连接。实现 dispatch.Sink。
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}
