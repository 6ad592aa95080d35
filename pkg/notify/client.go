package notify

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokmz/pulse/pkg/auth"
)

// Client 单条已认证连接
//
// 由接受它的 Manager 独占持有，socket 关闭或被强制终止时销毁，
// 不跨进程共享。三种关闭路径（对端关闭、心跳驱逐、优雅下线）
// 全部汇入 teardown，重复关闭是空操作。
type Client struct {
	Identity string
	Role     string

	conn    *websocket.Conn
	manager *Manager

	// 出站队列
	send chan []byte

	// 生命周期状态
	connectedAt  time.Time
	isAlive      atomic.Bool
	lastActivity atomic.Int64 // UnixNano
	messageCount atomic.Int64

	// Token 过期预警（mu 保护 tokenExpiry 与 warnTimer）
	mu          sync.Mutex
	tokenExpiry time.Time
	warnTimer   *time.Timer

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
}

// newClient 创建客户端
func newClient(conn *websocket.Conn, sess *auth.Session, manager *Manager) *Client {
	ctx, cancel := context.WithCancel(manager.ctx)

	c := &Client{
		Identity:    sess.Identity,
		Role:        sess.Role,
		conn:        conn,
		manager:     manager,
		send:        make(chan []byte, manager.config.SendQueueSize),
		connectedAt: time.Now(),
		tokenExpiry: sess.ExpiresAt,
		ctx:         ctx,
		cancel:      cancel,
	}

	c.isAlive.Store(true)
	c.touch()

	return c
}

// run 运行读写协程，任一退出即整体关闭
func (c *Client) run() {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.readPump()
	}()

	go func() {
		defer wg.Done()
		c.writePump()
	}()

	wg.Wait()
	c.teardown()
}

// readPump 读取并分发入站消息
func (c *Client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(c.manager.config.MaxMessageSize)
	// Pong 只证明对端存活，不算业务活跃：空闲清扫依据的是
	// 消息活动，活着但长期沉默的连接仍会被回收
	c.conn.SetPongHandler(func(string) error {
		c.isAlive.Store(true)
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.manager.counters.errors.Add(1)
					c.manager.metrics.IncrementErrors()
				}
				return
			}
			c.handleInbound(data)
		}
	}
}

// handleInbound 处理单帧入站消息
//
// 所有入站帧先过限流；超限时通知客户端并丢弃帧，不关闭连接。
// 解析失败与未知类型同样只记录并丢弃。
func (c *Client) handleInbound(data []byte) {
	if !c.manager.limiter.Allow(c.Identity) {
		c.manager.counters.rateLimited.Add(1)
		c.manager.metrics.IncrementRateLimited()
		c.Send(&Outbound{
			Type:     OutboundRateLimited,
			Message:  "message rate limit exceeded, message dropped",
			Priority: PriorityHigh,
		})
		return
	}

	c.touch()

	msg, err := decodeInbound(data)
	if err != nil {
		c.manager.counters.malformed.Add(1)
		c.manager.metrics.IncrementMalformed()
		c.manager.log.Warn("malformed inbound message dropped",
			zap.String("identity", c.Identity))
		return
	}

	c.messageCount.Add(1)
	c.manager.counters.messagesIn.Add(1)
	c.manager.metrics.IncrementMessagesIn()
	c.manager.events.Publish(Event{
		Type:     EventMessageReceived,
		Identity: c.Identity,
		Role:     c.Role,
		Data:     msg,
		Time:     time.Now(),
	})

	switch m := msg.(type) {
	case PingInbound:
		c.Send(&Outbound{
			Type:    OutboundPong,
			Message: "pong",
			Data:    map[string]any{"server_time": time.Now().UTC().Format(time.RFC3339Nano)},
		})

	case TokenRefreshInbound:
		c.handleTokenRefresh(m.Token)

	case UnknownInbound:
		c.manager.counters.malformed.Add(1)
		c.manager.metrics.IncrementMalformed()
		c.manager.log.Warn("unknown inbound message type ignored",
			zap.String("identity", c.Identity),
			zap.String("type", m.Type))
	}
}

// handleTokenRefresh 处理 Token 刷新请求
//
// 验证失败只通知客户端，不关闭连接；连接会在旧 Token 预警后
// 由客户端自行决定去留。
func (c *Client) handleTokenRefresh(token string) {
	sess, err := c.manager.verifier.Verify(token)
	if err != nil || sess.Identity != c.Identity {
		c.manager.log.Warn("token refresh rejected",
			zap.String("identity", c.Identity),
			zap.Error(err))
		c.Send(&Outbound{
			Type:     OutboundError,
			Message:  "token refresh failed: token invalid or identity mismatch",
			Priority: PriorityHigh,
		})
		return
	}

	c.mu.Lock()
	c.tokenExpiry = sess.ExpiresAt
	c.mu.Unlock()
	c.scheduleWarn(sess.ExpiresAt)

	c.Send(&Outbound{
		Type:    OutboundTokenRefreshed,
		Message: "token refreshed",
		Data:    map[string]any{"expires_at": sess.ExpiresAt.UTC().Format(time.RFC3339)},
	})
}

// scheduleWarn 调度（或重新调度）过期预警的一次性定时器
func (c *Client) scheduleWarn(expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.warnTimer != nil {
		c.warnTimer.Stop()
		c.warnTimer = nil
	}
	if expiry.IsZero() {
		return
	}

	delay := time.Until(expiry) - c.manager.config.WarnLead
	if delay < 0 {
		delay = 0
	}

	c.warnTimer = time.AfterFunc(delay, func() {
		if c.closed.Load() {
			return
		}
		c.Send(&Outbound{
			Type:     OutboundTokenExpiring,
			Message:  "authentication token expires soon, refresh to stay connected",
			Data:     map[string]any{"expires_at": expiry.UTC().Format(time.RFC3339)},
			Priority: PriorityHigh,
		})
	})
}

// writePump 顺序写出出站消息
//
// send 从不关闭（避免与 Send 的入队竞争），退出统一走 ctx 取消。
func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.manager.counters.errors.Add(1)
				c.manager.metrics.IncrementErrors()
				return
			}
		}
	}
}

// Send 发送出站消息（非阻塞，尽力而为）
//
// 填充缺省的 ID/时间戳后入队；连接已关闭或队列满时返回 false。
func (c *Client) Send(msg *Outbound) bool {
	if c.closed.Load() {
		return false
	}

	msg.fillDefaults()
	data, err := json.Marshal(msg)
	if err != nil {
		c.manager.log.Error("failed to marshal outbound message",
			zap.String("identity", c.Identity), zap.Error(err))
		return false
	}

	select {
	case c.send <- data:
		c.manager.counters.messagesOut.Add(1)
		c.manager.metrics.IncrementMessagesOut()
		return true
	default:
		c.manager.counters.dropped.Add(1)
		c.manager.metrics.IncrementDropped()
		return false
	}
}

// ping 发送协议层心跳探测
//
// WriteControl 可与 writePump 并发调用。
func (c *Client) ping() {
	deadline := time.Now().Add(c.manager.config.WriteWait)
	_ = c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// closeGraceful 发送关闭帧后等待对端确认
//
// 对端不确认时由 WriteWait 后的兜底终止回收，避免连接悬挂。
func (c *Client) closeGraceful(code int, reason string) {
	if c.closed.Load() {
		return
	}

	deadline := time.Now().Add(c.manager.config.WriteWait)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)

	time.AfterFunc(c.manager.config.WriteWait, func() {
		if !c.closed.Load() {
			c.terminate()
		}
	})
}

// terminate 强制终止（不做关闭握手）
func (c *Client) terminate() {
	c.conn.Close()
	c.teardown()
}

// teardown 统一回收路径（幂等）
func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()

		c.mu.Lock()
		if c.warnTimer != nil {
			c.warnTimer.Stop()
			c.warnTimer = nil
		}
		c.mu.Unlock()

		// 仅当注册表仍指向本连接时移除（可能已被新连接替换）
		if c.manager.registry.Drop(c) {
			c.manager.metrics.DecrementConnections()
			c.manager.metrics.SetConnectionCount(c.manager.registry.Count())
		}

		c.conn.Close()

		c.manager.events.Publish(Event{
			Type:     EventDisconnected,
			Identity: c.Identity,
			Role:     c.Role,
			Time:     time.Now(),
		})
	})
}

// touch 刷新最后活跃时间
func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// idleFor 距最后活跃的时长
func (c *Client) idleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

// MessageCount 已处理的入站消息数
func (c *Client) MessageCount() int64 {
	return c.messageCount.Load()
}

// ConnectedAt 连接建立时间
func (c *Client) ConnectedAt() time.Time {
	return c.connectedAt
}

// TokenExpiry 当前 Token 过期时间
func (c *Client) TokenExpiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenExpiry
}

// IsClosed 连接是否已关闭
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}
