package notify

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokmz/pulse/pkg/auth"
	"github.com/tokmz/pulse/pkg/logger"
)

// TokenVerifier 握手与刷新时的 Token 验证
type TokenVerifier interface {
	Verify(token string) (*auth.Session, error)
}

// Notifier 推送接口
//
// REST 层在启动时注入该接口调用，返回值仅表示本进程内的
// 尽力投递结果，不代表客户端已收到。
type Notifier interface {
	SendToUser(identity string, msg *Outbound) bool
	BroadcastToRole(role string, msg *Outbound) int
	BroadcastToAll(msg *Outbound) int
}

// UserInfo 已连接用户信息（管理端点用）
type UserInfo struct {
	Identity     string    `json:"identity"`
	Role         string    `json:"role"`
	ConnectedAt  time.Time `json:"connectedAt"`
	MessageCount int64     `json:"messageCount"`
}

// Manager 连接管理器
//
// 持有升级握手、认证、连接生命周期（心跳、过期预警、消息分发）
// 与推送 API。每个进程一个实例，实例间不共享连接状态。
type Manager struct {
	config   *Config
	registry *Registry
	limiter  *RateLimiter
	events   *EventBus
	verifier TokenVerifier
	upgrader *websocket.Upgrader
	log      logger.Logger
	metrics  Metrics
	counters counters

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
	closed    atomic.Bool
}

// NewManager 创建连接管理器
func NewManager(verifier TokenVerifier, log logger.Logger, opts ...Option) (*Manager, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Metrics == nil {
		config.Metrics = NoopMetrics{}
	}
	if log == nil {
		log = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:    config,
		registry:  NewRegistry(),
		limiter:   NewRateLimiter(config.RateLimitWindow, config.RateLimitMax),
		events:    NewEventBus(),
		verifier:  verifier,
		upgrader:  newUpgrader(config.UpgraderConfig),
		log:       log,
		metrics:   config.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}, nil
}

// Run 启动心跳、空闲清扫与限流清理协程
func (m *Manager) Run() {
	m.wg.Add(3)

	go func() {
		defer m.wg.Done()
		m.heartbeatLoop()
	}()
	go func() {
		defer m.wg.Done()
		m.idleLoop()
	}()
	go func() {
		defer m.wg.Done()
		m.limiter.RunCleanup()
	}()
}

// VerifyClient 握手前验证
//
// 依次检查 Token（401）、限流（429）、连接上限（503），
// 全部通过才返回会话，调用方此后才完成协议升级。
func (m *Manager) VerifyClient(r *http.Request) (*auth.Session, error) {
	token := r.URL.Query().Get("token")

	sess, err := m.verifier.Verify(token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenMissing):
			return nil, Reject(http.StatusUnauthorized, "missing token")
		case errors.Is(err, auth.ErrTokenExpired):
			return nil, Reject(http.StatusUnauthorized, "token expired")
		default:
			return nil, Reject(http.StatusUnauthorized, "token invalid")
		}
	}

	if !m.limiter.Allow(sess.Identity) {
		return nil, Reject(http.StatusTooManyRequests, "rate limit exceeded")
	}

	if m.registry.Count() >= m.config.MaxConnections {
		return nil, Reject(http.StatusServiceUnavailable, "connection limit reached")
	}

	return sess, nil
}

// HandleUpgrade 处理 WebSocket 升级
//
// 同一身份在本进程内的旧连接被新连接替换（后写者胜，不合并）。
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) error {
	if m.closed.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return ErrManagerClosed
	}

	sess, err := m.VerifyClient(r)
	if err != nil {
		var reject *RejectError
		if errors.As(err, &reject) {
			m.counters.rejections.Add(1)
			m.metrics.IncrementRejections(reject.Code)
			http.Error(w, reject.Reason, reject.Code)
		}
		return err
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已写入失败响应
		m.counters.errors.Add(1)
		m.metrics.IncrementErrors()
		return err
	}

	client := newClient(conn, sess, m)

	if prev := m.registry.Put(client); prev != nil {
		m.log.Info("connection superseded",
			zap.String("identity", prev.Identity))
		prev.closeGraceful(websocket.CloseNormalClosure, "superseded by new connection")
	}

	m.counters.total.Add(1)
	m.metrics.IncrementConnections()
	m.metrics.SetConnectionCount(m.registry.Count())

	client.Send(&Outbound{
		Type:    OutboundWelcome,
		Message: "connected",
		Data:    map[string]any{"identity": sess.Identity, "role": sess.Role},
	})
	client.scheduleWarn(sess.ExpiresAt)

	m.events.Publish(Event{
		Type:     EventConnected,
		Identity: sess.Identity,
		Role:     sess.Role,
		Time:     time.Now(),
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		client.run()
	}()

	m.log.Info("client connected",
		zap.String("identity", sess.Identity),
		zap.String("role", sess.Role),
		zap.Int("connections", m.registry.Count()))

	return nil
}

// SendToUser 向指定身份投递消息
//
// 返回 false 当且仅当本进程内不存在该身份的活跃连接
// （或入队失败）。不排队、不重试。
func (m *Manager) SendToUser(identity string, msg *Outbound) bool {
	client, ok := m.registry.Get(identity)
	if !ok || client.IsClosed() {
		return false
	}
	return client.Send(msg)
}

// BroadcastToRole 向指定角色的所有连接投递，返回成功数
//
// 单个连接投递失败不影响其余投递。
func (m *Manager) BroadcastToRole(role string, msg *Outbound) int {
	msg.fillDefaults()
	count := 0
	m.registry.Range(func(c *Client) bool {
		if c.Role == role && c.Send(msg) {
			count++
		}
		return true
	})
	return count
}

// BroadcastToAll 向所有连接投递，返回成功数
func (m *Manager) BroadcastToAll(msg *Outbound) int {
	msg.fillDefaults()
	count := 0
	m.registry.Range(func(c *Client) bool {
		if c.Send(msg) {
			count++
		}
		return true
	})
	return count
}

// heartbeatLoop 心跳探测与死连接驱逐
//
// 每个周期：isAlive 为 false 的连接被强制终止（对端已消失，
// 没有关闭握手的意义）；其余置 isAlive=false 并发送探测。
// Pong 处理器负责恢复 isAlive，因此两个周期无响应即被驱逐。
func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.registry.Range(func(c *Client) bool {
				if c.IsClosed() {
					return true
				}
				if !c.isAlive.Load() {
					m.log.Warn("evicting dead connection",
						zap.String("identity", c.Identity),
						zap.Duration("idle", c.idleFor()))
					m.counters.evictions.Add(1)
					m.metrics.IncrementEvictions()
					m.events.Publish(Event{
						Type:     EventEvicted,
						Identity: c.Identity,
						Role:     c.Role,
						Time:     time.Now(),
					})
					c.terminate()
					return true
				}
				c.isAlive.Store(false)
				c.ping()
				return true
			})
		}
	}
}

// idleLoop 空闲连接清扫
//
// 与心跳独立：心跳回收对端消失的死连接，空闲清扫以优雅关闭
// 回收活着但长期沉默的连接，约束资源占用。
func (m *Manager) idleLoop() {
	interval := m.config.IdleSweepInterval
	if interval <= 0 {
		interval = m.config.IdleTimeout / 4
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.registry.Range(func(c *Client) bool {
				if !c.IsClosed() && c.idleFor() > m.config.IdleTimeout {
					m.log.Info("closing idle connection",
						zap.String("identity", c.Identity),
						zap.Duration("idle", c.idleFor()))
					c.closeGraceful(websocket.CloseNormalClosure, "idle timeout")
				}
				return true
			})
		}
	}
}

// Shutdown 优雅关闭
//
// 广播下线通告后逐一优雅关闭；在 ctx 截止前等待全部连接关闭，
// 到期仍未关闭的强制终止。返回时所有连接均已回收。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}

	m.log.Info("shutting down", zap.Int("connections", m.registry.Count()))

	m.BroadcastToAll(&Outbound{
		Type:     OutboundShutdown,
		Message:  "server shutting down",
		Priority: PriorityUrgent,
	})

	m.registry.Range(func(c *Client) bool {
		c.closeGraceful(websocket.CloseGoingAway, "server shutting down")
		return true
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

drain:
	for m.registry.Count() > 0 {
		select {
		case <-ctx.Done():
			break drain
		case <-ticker.C:
		}
	}

	// 排空超时后强制终止残余连接
	for _, c := range m.registry.Snapshot() {
		m.log.Warn("force terminating connection after drain timeout",
			zap.String("identity", c.Identity))
		c.terminate()
	}

	m.cancel()
	m.limiter.Stop()
	m.wg.Wait()
	m.events.Close()

	m.log.Info("shutdown complete")
	return nil
}

// Subscribe 订阅生命周期事件
func (m *Manager) Subscribe(eventType EventType, handler EventHandler) {
	m.events.Subscribe(eventType, handler)
}

// Counters 计数器快照
func (m *Manager) Counters() Counters {
	return m.counters.snapshot(m.registry.Count())
}

// Users 已连接用户列表
func (m *Manager) Users() []UserInfo {
	users := make([]UserInfo, 0, m.registry.Count())
	m.registry.Range(func(c *Client) bool {
		users = append(users, UserInfo{
			Identity:     c.Identity,
			Role:         c.Role,
			ConnectedAt:  c.ConnectedAt(),
			MessageCount: c.MessageCount(),
		})
		return true
	})
	return users
}

// ConnectionCount 当前连接数
func (m *Manager) ConnectionCount() int {
	return m.registry.Count()
}

// Uptime 运行时长
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.startedAt)
}
