package notify

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority 消息优先级
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// OutboundType 出站消息类型（闭合集合，新增类型需在此登记）
type OutboundType string

const (
	// OutboundWelcome 连接建立后的欢迎消息
	OutboundWelcome OutboundType = "welcome"
	// OutboundNotification 业务通知
	OutboundNotification OutboundType = "notification"
	// OutboundPong 对入站 ping 的应答
	OutboundPong OutboundType = "pong"
	// OutboundRateLimited 限流提示
	OutboundRateLimited OutboundType = "rate_limited"
	// OutboundTokenExpiring Token 即将过期预警
	OutboundTokenExpiring OutboundType = "token_expiring"
	// OutboundTokenRefreshed Token 刷新成功确认
	OutboundTokenRefreshed OutboundType = "token_refreshed"
	// OutboundError 不关闭连接的错误通知
	OutboundError OutboundType = "error"
	// OutboundShutdown 服务端关闭通告
	OutboundShutdown OutboundType = "shutdown"
)

// Outbound 出站消息
//
// ID 与 Timestamp 为空时由发送方填充，填充是幂等的：
// 已有值不会被覆盖。
type Outbound struct {
	Type      OutboundType   `json:"type"`
	ID        string         `json:"id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"` // RFC3339
	Title     string         `json:"title,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Priority  Priority       `json:"priority,omitempty"`
}

// fillDefaults 填充 ID 与时间戳（幂等）
func (m *Outbound) fillDefaults() {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp == "" {
		m.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
}

// NewNotification 创建业务通知
func NewNotification(title, message string, data map[string]any, priority Priority) *Outbound {
	if priority == "" {
		priority = PriorityNormal
	}
	return &Outbound{
		Type:     OutboundNotification,
		Title:    title,
		Message:  message,
		Data:     data,
		Priority: priority,
	}
}

// Inbound 入站消息（闭合联合类型）
//
// 分发点对所有实现做穷尽匹配，新增消息种类需要新增实现并补充分发分支。
type Inbound interface {
	inbound()
}

// PingInbound 客户端心跳探测
type PingInbound struct{}

// TokenRefreshInbound 客户端请求刷新 Token
type TokenRefreshInbound struct {
	Token string
}

// UnknownInbound 无法识别的消息类型（记录后丢弃）
type UnknownInbound struct {
	Type string
}

func (PingInbound) inbound()         {}
func (TokenRefreshInbound) inbound() {}
func (UnknownInbound) inbound()      {}

// inboundEnvelope 入站消息信封
type inboundEnvelope struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

// decodeInbound 解析入站帧
//
// JSON 解析失败返回 ErrMalformedMessage；未知的 type 返回 UnknownInbound，
// 两者都不应导致连接关闭。
func decodeInbound(data []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrMalformedMessage
	}

	switch env.Type {
	case "ping":
		return PingInbound{}, nil
	case "token_refresh":
		return TokenRefreshInbound{Token: env.Token}, nil
	default:
		return UnknownInbound{Type: env.Type}, nil
	}
}
