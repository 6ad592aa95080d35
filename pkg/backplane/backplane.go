// Package backplane fans notification delivery out across worker processes.
//
// Each worker holds only its own connections; without a backplane a
// SendToUser for an identity attached to another worker silently no-ops.
// The backplane publishes every send/broadcast as an envelope on a shared
// Redis pub/sub channel; every worker subscribes and applies envelopes from
// other workers to its local connection manager. Delivery stays best effort.
package backplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tokmz/pulse/pkg/logger"
	"github.com/tokmz/pulse/pkg/notify"
)

// 投递范围
const (
	ScopeUser = "user"
	ScopeRole = "role"
	ScopeAll  = "all"
)

// 错误定义
var (
	ErrInvalidEnvelope = errors.New("backplane: invalid envelope")
)

// Envelope 跨进程投递信封
type Envelope struct {
	Origin  string           `json:"origin"`           // 发布方标识（避免自投递）
	Scope   string           `json:"scope"`            // user/role/all
	Target  string           `json:"target,omitempty"` // 身份或角色
	Message *notify.Outbound `json:"message"`
}

// Config 背板配置
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Origin   string // 本进程标识（如 worker id）
}

// Backplane Redis pub/sub 背板
type Backplane struct {
	client  redis.UniversalClient
	channel string
	origin  string
	local   notify.Notifier
	log     logger.Logger
}

// New 创建背板
func New(cfg *Config, local notify.Notifier, log logger.Logger) *Backplane {
	if log == nil {
		log = logger.Nop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	return &Backplane{
		client:  client,
		channel: cfg.Channel,
		origin:  cfg.Origin,
		local:   local,
		log:     log,
	}
}

// Run 订阅频道并投递到本地，阻塞直到 ctx 取消
func (b *Backplane) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// 确认订阅建立，失败时尽早暴露
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("backplane: subscribe failed: %w", err)
	}

	b.log.Info("backplane subscribed", zap.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := b.apply([]byte(msg.Payload)); err != nil {
				b.log.Warn("backplane envelope dropped", zap.Error(err))
			}
		}
	}
}

// apply 将信封投递到本地连接管理器
func (b *Backplane) apply(payload []byte) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	if env.Message == nil {
		return ErrInvalidEnvelope
	}
	// 发布方已本地投递过，跳过自己的信封
	if env.Origin == b.origin {
		return nil
	}

	switch env.Scope {
	case ScopeUser:
		b.local.SendToUser(env.Target, env.Message)
	case ScopeRole:
		b.local.BroadcastToRole(env.Target, env.Message)
	case ScopeAll:
		b.local.BroadcastToAll(env.Message)
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidEnvelope, env.Scope)
	}
	return nil
}

// Publish 发布信封
func (b *Backplane) Publish(ctx context.Context, env *Envelope) error {
	env.Origin = b.origin
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("backplane: marshal envelope: %w", err)
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Close 关闭 Redis 连接
func (b *Backplane) Close() error {
	return b.client.Close()
}
