package health

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/pulse/pkg/logger"
	"github.com/tokmz/pulse/pkg/notify"
)

// Status 健康状态
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// severity 状态严重度排序
func (s Status) severity() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

// CounterSource 计数器来源（由 notify.Manager 实现）
type CounterSource interface {
	Counters() notify.Counters
}

// Thresholds 告警阈值
type Thresholds struct {
	MaxConnections int     // 连接数阈值（超过 → warning）
	MaxErrorRate   float64 // 错误率阈值 errors/total ops（超过 → critical）
	MaxMemoryRatio float64 // 堆内存占比阈值 Alloc/Sys（超过 → warning）
}

// Config 监控配置
type Config struct {
	SampleInterval time.Duration // 采样间隔（默认 5s）
	CheckInterval  time.Duration // 健康检查间隔（默认 30s）
	Retention      time.Duration // 时间序列保留时长（默认 1h）
	Thresholds     Thresholds
}

// setDefaults 设置默认值
func (c *Config) setDefaults() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 5 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.Thresholds.MaxConnections <= 0 {
		c.Thresholds.MaxConnections = 8000
	}
	if c.Thresholds.MaxErrorRate <= 0 {
		c.Thresholds.MaxErrorRate = 0.05
	}
	if c.Thresholds.MaxMemoryRatio <= 0 {
		c.Thresholds.MaxMemoryRatio = 0.9
	}
}

// Point 时间序列采样点
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Alert 阈值告警
type Alert struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Level     Status    `json:"level"`
	Time      time.Time `json:"time"`
}

// AlertFunc 告警订阅回调
type AlertFunc func(Alert)

// Report 健康报告（管理端点用）
type Report struct {
	Status            Status  `json:"status"`
	UptimeSeconds     float64 `json:"uptime"`
	Connections       int     `json:"connections"`
	MessagesPerSecond float64 `json:"messagesPerSecond"`
	MemoryAllocBytes  uint64  `json:"memoryAllocBytes"`
	MemorySysBytes    uint64  `json:"memorySysBytes"`
	MemoryRatio       float64 `json:"memoryRatio"`
}

// Monitor 健康监控器
//
// 按固定间隔采样连接管理器的计数器，维护至多一小时的按指标
// 时间序列；独立的检查间隔评估阈值并推送告警。消费方通过
// OnAlert 订阅而非轮询。
type Monitor struct {
	src CounterSource
	cfg *Config
	log logger.Logger

	mu     sync.RWMutex
	series map[string][]Point
	alerts []AlertFunc

	status    atomic.Value // Status
	startedAt time.Time
}

// NewMonitor 创建监控器
func NewMonitor(src CounterSource, log logger.Logger, cfg *Config) *Monitor {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.setDefaults()
	if log == nil {
		log = logger.Nop()
	}

	m := &Monitor{
		src:       src,
		cfg:       cfg,
		log:       log,
		series:    make(map[string][]Point),
		startedAt: time.Now(),
	}
	m.status.Store(StatusHealthy)
	return m
}

// Run 运行采样与健康检查循环，阻塞直到 ctx 取消
func (m *Monitor) Run(ctx context.Context) {
	sampleTicker := time.NewTicker(m.cfg.SampleInterval)
	checkTicker := time.NewTicker(m.cfg.CheckInterval)
	defer sampleTicker.Stop()
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sampleTicker.C:
			m.sample()
		case <-checkTicker.C:
			m.check()
		}
	}
}

// OnAlert 订阅告警
func (m *Monitor) OnAlert(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, fn)
}

// sample 采样一轮计数器并裁剪过期数据
func (m *Monitor) sample() {
	snap := m.src.Counters()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("active_connections", now, float64(snap.Active))
	m.record("total_connections", now, float64(snap.Total))
	m.record("messages_in", now, float64(snap.MessagesIn))
	m.record("messages_out", now, float64(snap.MessagesOut))
	m.record("errors", now, float64(snap.Errors))
	m.record("memory_alloc", now, float64(mem.Alloc))

	cutoff := now.Add(-m.cfg.Retention)
	for name, points := range m.series {
		idx := 0
		for idx < len(points) && points[idx].Time.Before(cutoff) {
			idx++
		}
		if idx > 0 {
			m.series[name] = append([]Point(nil), points[idx:]...)
		}
	}
}

// record 追加采样点（调用方持锁）
func (m *Monitor) record(name string, t time.Time, v float64) {
	m.series[name] = append(m.series[name], Point{Time: t, Value: v})
}

// MessagesPerSecond 基于尾部一秒窗口的消息速率
//
// 窗口内不足两个采样点时回退到最近两个点。
func (m *Monitor) MessagesPerSecond() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	in := m.series["messages_in"]
	out := m.series["messages_out"]
	total := make([]Point, 0, len(in))
	for i := range in {
		v := in[i].Value
		if i < len(out) {
			v += out[i].Value
		}
		total = append(total, Point{Time: in[i].Time, Value: v})
	}
	if len(total) < 2 {
		return 0
	}

	cutoff := time.Now().Add(-time.Second)
	windowed := total
	for i := range total {
		if !total[i].Time.Before(cutoff) {
			windowed = total[i:]
			break
		}
	}
	if len(windowed) < 2 {
		windowed = total[len(total)-2:]
	}

	first, last := windowed[0], windowed[len(windowed)-1]
	dt := last.Time.Sub(first.Time).Seconds()
	if dt <= 0 {
		return 0
	}
	return (last.Value - first.Value) / dt
}

// check 评估阈值，更新状态并推送告警
//
// 严重度取触发阈值中的最高级：错误率越限为 critical，连接数与
// 内存越限为 warning；同时触发两项及以上升级为 critical。
func (m *Monitor) check() {
	snap := m.src.Counters()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	now := time.Now()
	var triggered []Alert

	if snap.Active > m.cfg.Thresholds.MaxConnections {
		triggered = append(triggered, Alert{
			Metric:    "active_connections",
			Value:     float64(snap.Active),
			Threshold: float64(m.cfg.Thresholds.MaxConnections),
			Level:     StatusWarning,
			Time:      now,
		})
	}

	totalOps := snap.MessagesIn + snap.MessagesOut + snap.Total
	if totalOps > 0 {
		errRate := float64(snap.Errors) / float64(totalOps)
		if errRate > m.cfg.Thresholds.MaxErrorRate {
			triggered = append(triggered, Alert{
				Metric:    "error_rate",
				Value:     errRate,
				Threshold: m.cfg.Thresholds.MaxErrorRate,
				Level:     StatusCritical,
				Time:      now,
			})
		}
	}

	if mem.Sys > 0 {
		ratio := float64(mem.Alloc) / float64(mem.Sys)
		if ratio > m.cfg.Thresholds.MaxMemoryRatio {
			triggered = append(triggered, Alert{
				Metric:    "memory_ratio",
				Value:     ratio,
				Threshold: m.cfg.Thresholds.MaxMemoryRatio,
				Level:     StatusWarning,
				Time:      now,
			})
		}
	}

	status := StatusHealthy
	for _, a := range triggered {
		if a.Level.severity() > status.severity() {
			status = a.Level
		}
	}
	if len(triggered) >= 2 {
		status = StatusCritical
	}
	m.status.Store(status)

	if len(triggered) == 0 {
		return
	}

	m.mu.RLock()
	fns := append([]AlertFunc(nil), m.alerts...)
	m.mu.RUnlock()

	for _, a := range triggered {
		m.log.Warn("health threshold exceeded",
			zap.String("metric", a.Metric),
			zap.Float64("value", a.Value),
			zap.Float64("threshold", a.Threshold),
			zap.String("level", string(a.Level)))
		for _, fn := range fns {
			fn(a)
		}
	}
}

// Status 当前整体状态
func (m *Monitor) Status() Status {
	return m.status.Load().(Status)
}

// Uptime 运行时长
func (m *Monitor) Uptime() time.Duration {
	return time.Since(m.startedAt)
}

// Series 指标时间序列快照
func (m *Monitor) Series(name string) []Point {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Point(nil), m.series[name]...)
}

// Report 当前健康报告
func (m *Monitor) Report() Report {
	snap := m.src.Counters()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	ratio := 0.0
	if mem.Sys > 0 {
		ratio = float64(mem.Alloc) / float64(mem.Sys)
	}

	return Report{
		Status:            m.Status(),
		UptimeSeconds:     m.Uptime().Seconds(),
		Connections:       snap.Active,
		MessagesPerSecond: m.MessagesPerSecond(),
		MemoryAllocBytes:  mem.Alloc,
		MemorySysBytes:    mem.Sys,
		MemoryRatio:       ratio,
	}
}
