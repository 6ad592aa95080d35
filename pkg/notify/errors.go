package notify

import (
	"errors"
	"fmt"
)

// 错误定义
var (
	// 连接相关错误
	ErrTooManyConnections = errors.New("notify: too many connections")
	ErrConnectionClosed   = errors.New("notify: connection closed")
	ErrIdentityNotFound   = errors.New("notify: identity not found")

	// 消息相关错误
	ErrMalformedMessage = errors.New("notify: malformed message")
	ErrSendQueueFull    = errors.New("notify: send queue full")

	// 配置相关错误
	ErrInvalidConfig = errors.New("notify: invalid config")

	// 生命周期错误
	ErrManagerClosed = errors.New("notify: manager closed")
)

// RejectError 握手阶段的拒绝
//
// 握手失败以 HTTP 状态码返回给客户端：401 未认证、429 限流、503 过载。
type RejectError struct {
	Code   int    // HTTP 状态码
	Reason string // 拒绝原因
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("notify: handshake rejected (%d): %s", e.Code, e.Reason)
}

// Reject 创建握手拒绝错误
func Reject(code int, reason string) *RejectError {
	return &RejectError{Code: code, Reason: reason}
}
