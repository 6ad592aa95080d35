package notify

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Config 连接管理配置
type Config struct {
	// 连接配置
	MaxConnections int           // 单进程连接上限
	MaxMessageSize int64         // 最大入站消息大小
	WriteWait      time.Duration // 单次写超时
	SendQueueSize  int           // 出站队列大小

	// 心跳与驱逐
	HeartbeatInterval time.Duration // 心跳间隔（两次未响应即驱逐）
	IdleTimeout       time.Duration // 空闲驱逐阈值
	IdleSweepInterval time.Duration // 空闲清扫间隔（默认 IdleTimeout/4）

	// Token 过期预警
	WarnLead time.Duration // 过期前多久发出预警

	// 限流
	RateLimitWindow time.Duration // 固定窗口长度
	RateLimitMax    int           // 窗口内最大操作数

	// Upgrader 配置
	UpgraderConfig UpgraderConfig

	// 监控
	Metrics Metrics
}

// UpgraderConfig Upgrader 配置
type UpgraderConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(*http.Request) bool // nil 则允许所有来源（非浏览器客户端）
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:    10000,
		MaxMessageSize:    64 * 1024,
		WriteWait:         10 * time.Second,
		SendQueueSize:     256,
		HeartbeatInterval: 30 * time.Second,
		IdleTimeout:       10 * time.Minute,
		WarnLead:          5 * time.Minute,
		RateLimitWindow:   time.Minute,
		RateLimitMax:      100,
		UpgraderConfig: UpgraderConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: MaxConnections must be positive, got %d", ErrInvalidConfig, c.MaxConnections)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: MaxMessageSize must be positive, got %d", ErrInvalidConfig, c.MaxMessageSize)
	}
	if c.WriteWait <= 0 {
		return fmt.Errorf("%w: WriteWait must be positive, got %v", ErrInvalidConfig, c.WriteWait)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("%w: SendQueueSize must be positive, got %d", ErrInvalidConfig, c.SendQueueSize)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: HeartbeatInterval must be positive, got %v", ErrInvalidConfig, c.HeartbeatInterval)
	}
	if c.IdleTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: IdleTimeout (%v) must be greater than HeartbeatInterval (%v)",
			ErrInvalidConfig, c.IdleTimeout, c.HeartbeatInterval)
	}
	if c.WarnLead <= 0 {
		return fmt.Errorf("%w: WarnLead must be positive, got %v", ErrInvalidConfig, c.WarnLead)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("%w: RateLimitWindow must be positive, got %v", ErrInvalidConfig, c.RateLimitWindow)
	}
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("%w: RateLimitMax must be positive, got %d", ErrInvalidConfig, c.RateLimitMax)
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// WithMaxConnections 设置连接上限
func WithMaxConnections(max int) Option {
	return func(c *Config) {
		c.MaxConnections = max
	}
}

// WithHeartbeatInterval 设置心跳间隔
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
	}
}

// WithIdleTimeout 设置空闲驱逐阈值
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.IdleTimeout = timeout
	}
}

// WithIdleSweepInterval 设置空闲清扫间隔
func WithIdleSweepInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.IdleSweepInterval = interval
	}
}

// WithWarnLead 设置 Token 过期预警提前量
func WithWarnLead(lead time.Duration) Option {
	return func(c *Config) {
		c.WarnLead = lead
	}
}

// WithRateLimit 设置限流窗口与上限
func WithRateLimit(window time.Duration, max int) Option {
	return func(c *Config) {
		c.RateLimitWindow = window
		c.RateLimitMax = max
	}
}

// WithMessageSizeLimit 设置消息大小限制
func WithMessageSizeLimit(size int64) Option {
	return func(c *Config) {
		c.MaxMessageSize = size
	}
}

// WithSendQueueSize 设置出站队列大小
func WithSendQueueSize(size int) Option {
	return func(c *Config) {
		c.SendQueueSize = size
	}
}

// WithCheckOrigin 设置 Origin 检查函数
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(c *Config) {
		c.UpgraderConfig.CheckOrigin = fn
	}
}

// WithMetrics 设置监控
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// newUpgrader 创建 websocket 升级器
func newUpgrader(config UpgraderConfig) *websocket.Upgrader {
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		// 通知客户端多为非浏览器进程，默认放行所有来源
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
		CheckOrigin:     checkOrigin,
	}
}
