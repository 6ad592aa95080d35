package backplane

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/pulse/pkg/logger"
	"github.com/tokmz/pulse/pkg/notify"
)

// publishTimeout 单次发布超时
const publishTimeout = 5 * time.Second

// publisher Fanout 需要的发布能力（便于测试替换）
type publisher interface {
	Publish(ctx context.Context, env *Envelope) error
}

// Fanout 跨进程感知的 Notifier
//
// 先本地投递，再把同一消息发布到背板由其他 worker 补投。
// 返回值仍仅反映本地投递结果：跨进程投递是异步且尽力而为的。
type Fanout struct {
	local notify.Notifier
	bp    publisher
	log   logger.Logger
}

// NewFanout 创建跨进程 Notifier
func NewFanout(local notify.Notifier, bp *Backplane) *Fanout {
	return &Fanout{local: local, bp: bp, log: bp.log}
}

// SendToUser 本地投递并广播信封
func (f *Fanout) SendToUser(identity string, msg *notify.Outbound) bool {
	delivered := f.local.SendToUser(identity, msg)
	f.publish(&Envelope{Scope: ScopeUser, Target: identity, Message: msg})
	return delivered
}

// BroadcastToRole 本地投递并广播信封
func (f *Fanout) BroadcastToRole(role string, msg *notify.Outbound) int {
	count := f.local.BroadcastToRole(role, msg)
	f.publish(&Envelope{Scope: ScopeRole, Target: role, Message: msg})
	return count
}

// BroadcastToAll 本地投递并广播信封
func (f *Fanout) BroadcastToAll(msg *notify.Outbound) int {
	count := f.local.BroadcastToAll(msg)
	f.publish(&Envelope{Scope: ScopeAll, Message: msg})
	return count
}

// publish 发布失败只记录，不影响本地投递结果
func (f *Fanout) publish(env *Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := f.bp.Publish(ctx, env); err != nil {
		f.log.Warn("backplane publish failed", zap.Error(err))
	}
}
