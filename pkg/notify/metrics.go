package notify

import "sync/atomic"

// Metrics 外部监控接口
//
// 由运维侧实现（如 Prometheus），Manager 在相应事件发生时调用。
type Metrics interface {
	IncrementConnections()
	DecrementConnections()
	SetConnectionCount(count int)

	IncrementMessagesIn()
	IncrementMessagesOut()
	IncrementDropped()
	IncrementRateLimited()
	IncrementMalformed()
	IncrementErrors()
	IncrementEvictions()
	IncrementRejections(code int)
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (NoopMetrics) IncrementConnections()        {}
func (NoopMetrics) DecrementConnections()        {}
func (NoopMetrics) SetConnectionCount(count int) {}
func (NoopMetrics) IncrementMessagesIn()         {}
func (NoopMetrics) IncrementMessagesOut()        {}
func (NoopMetrics) IncrementDropped()            {}
func (NoopMetrics) IncrementRateLimited()        {}
func (NoopMetrics) IncrementMalformed()          {}
func (NoopMetrics) IncrementErrors()             {}
func (NoopMetrics) IncrementEvictions()          {}
func (NoopMetrics) IncrementRejections(code int) {}

// Counters 内部计数器快照
//
// HealthMonitor 与管理端点按采样间隔读取，字段为累计值
// （Active 除外）。
type Counters struct {
	Active      int   `json:"active_connections"`
	Total       int64 `json:"total_connections"`
	MessagesIn  int64 `json:"messages_in"`
	MessagesOut int64 `json:"messages_out"`
	Dropped     int64 `json:"dropped"`
	RateLimited int64 `json:"rate_limited"`
	Malformed   int64 `json:"malformed"`
	Errors      int64 `json:"errors"`
	Evictions   int64 `json:"evictions"`
	Rejections  int64 `json:"rejections"`
}

// counters 内部原子计数器
type counters struct {
	total       atomic.Int64
	messagesIn  atomic.Int64
	messagesOut atomic.Int64
	dropped     atomic.Int64
	rateLimited atomic.Int64
	malformed   atomic.Int64
	errors      atomic.Int64
	evictions   atomic.Int64
	rejections  atomic.Int64
}

// snapshot 导出快照
func (c *counters) snapshot(active int) Counters {
	return Counters{
		Active:      active,
		Total:       c.total.Load(),
		MessagesIn:  c.messagesIn.Load(),
		MessagesOut: c.messagesOut.Load(),
		Dropped:     c.dropped.Load(),
		RateLimited: c.rateLimited.Load(),
		Malformed:   c.malformed.Load(),
		Errors:      c.errors.Load(),
		Evictions:   c.evictions.Load(),
		Rejections:  c.rejections.Load(),
	}
}
