// Package cluster supervises a fleet of worker processes.
//
// Each worker is an independent instance of the pulse binary running its own
// connection manager; workers do not share connection state. The supervisor
// spawns them, restarts crashes, polls their admin health endpoints for
// aggregation, and coordinates graceful shutdown with timeout-and-kill
// escalation.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/pulse/pkg/logger"
)

// WorkerState worker 生命周期状态
//
// 状态机：running → crashed → restarting → running；
// 排空期间 running → stopping → stopped。
type WorkerState string

const (
	StateRunning    WorkerState = "running"
	StateCrashed    WorkerState = "crashed"
	StateRestarting WorkerState = "restarting"
	StateStopping   WorkerState = "stopping"
	StateStopped    WorkerState = "stopped"
)

// WorkerRecord worker 记录
type WorkerRecord struct {
	ID          int         `json:"id"`
	PID         int         `json:"pid"`
	State       WorkerState `json:"state"`
	Connections int         `json:"connections"` // worker 自报
	Status      string      `json:"status"`      // healthy/warning/critical
	StartedAt   time.Time   `json:"startedAt"`
	LastCheck   time.Time   `json:"lastCheck"`
	Restarts    int         `json:"restarts"`
}

// Metrics 集群聚合指标
type Metrics struct {
	TotalWorkers     int     `json:"totalWorkers"`
	HealthyWorkers   int     `json:"healthyWorkers"`
	HealthyRatio     float64 `json:"healthyRatio"`
	TotalConnections int     `json:"totalConnections"`
	Verdict          string  `json:"verdict"` // healthy/warning/critical
}

// Config 集群配置
type Config struct {
	Workers        int           // worker 进程数
	BaseServerPort int           // worker 监听端口起始值（worker i 使用 base+i-1）
	BaseAdminPort  int           // worker 管理端口起始值
	CheckInterval  time.Duration // 健康探测间隔
	StopTimeout    time.Duration // 单 worker 停止超时（之后 SIGKILL）
}

// worker 运行中的 worker
type worker struct {
	record WorkerRecord
	cmd    *exec.Cmd
	done   chan struct{} // 进程退出后关闭
}

// Supervisor 进程监督器
type Supervisor struct {
	cfg *Config
	log logger.Logger

	// 可注入（测试替换真实进程与探测地址）
	command   func(id int) *exec.Cmd
	adminAddr func(id int) string

	httpc *http.Client

	mu      sync.Mutex
	workers map[int]*worker

	draining atomic.Bool
	wg       sync.WaitGroup
}

// NewSupervisor 创建监督器
func NewSupervisor(cfg *Config, log logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Nop()
	}

	s := &Supervisor{
		cfg:     cfg,
		log:     log,
		workers: make(map[int]*worker),
		httpc:   &http.Client{Timeout: 3 * time.Second},
	}
	s.command = s.defaultCommand
	s.adminAddr = func(id int) string {
		return fmt.Sprintf("http://127.0.0.1:%d", cfg.BaseAdminPort+id-1)
	}
	return s
}

// defaultCommand 以 worker 模式重新启动自身
func (s *Supervisor) defaultCommand(id int) *exec.Cmd {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}

	// 透传原始参数（如 -config），端口等差异项走环境变量覆盖
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(),
		"PULSE_CLUSTER_WORKERS=0",
		fmt.Sprintf("PULSE_WORKER_ID=%d", id),
		fmt.Sprintf("PULSE_SERVER_PORT=%d", s.cfg.BaseServerPort+id-1),
		fmt.Sprintf("PULSE_ADMIN_PORT=%d", s.cfg.BaseAdminPort+id-1),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// Run 启动全部 worker 并阻塞直到 ctx 取消，随后执行优雅关闭
func (s *Supervisor) Run(ctx context.Context) error {
	for id := 1; id <= s.cfg.Workers; id++ {
		if err := s.spawn(id, 0); err != nil {
			return fmt.Errorf("cluster: spawn worker %d: %w", id, err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.healthLoop(ctx)
	}()

	<-ctx.Done()
	return s.shutdown()
}

// spawn 启动一个 worker 并挂上退出监控
func (s *Supervisor) spawn(id, restarts int) error {
	cmd := s.command(id)
	if err := cmd.Start(); err != nil {
		return err
	}

	w := &worker{
		cmd:  cmd,
		done: make(chan struct{}),
		record: WorkerRecord{
			ID:        id,
			PID:       cmd.Process.Pid,
			State:     StateRunning,
			Status:    "healthy",
			StartedAt: time.Now(),
			Restarts:  restarts,
		},
	}

	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()

	s.log.Info("worker started",
		zap.Int("worker_id", id),
		zap.Int("pid", w.record.PID),
		zap.Int("restarts", restarts))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor(id, w)
	}()

	return nil
}

// monitor 等待进程退出并执行重启状态机
//
// 崩溃重启不带退避：这是参照实现的刻意默认，状态机使其可测。
func (s *Supervisor) monitor(id int, w *worker) {
	err := w.cmd.Wait()
	close(w.done)

	if s.draining.Load() {
		s.setState(id, StateStopped)
		return
	}

	s.setState(id, StateCrashed)
	s.log.Error("worker crashed",
		zap.Int("worker_id", id),
		zap.Int("pid", w.record.PID),
		zap.Error(err))

	s.setState(id, StateRestarting)
	if err := s.spawn(id, w.record.Restarts+1); err != nil {
		s.log.Error("worker respawn failed",
			zap.Int("worker_id", id), zap.Error(err))
	}
}

// setState 更新 worker 状态
func (s *Supervisor) setState(id int, state WorkerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[id]; ok {
		w.record.State = state
	}
}

// healthLoop 轮询 worker 管理端点更新记录
func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.workerIDs() {
				s.checkWorker(ctx, id)
			}
		}
	}
}

// workerIDs 当前 worker ID 快照
func (s *Supervisor) workerIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	return ids
}

// checkWorker 探测单个 worker 的健康端点
func (s *Supervisor) checkWorker(ctx context.Context, id int) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.adminAddr(id)+"/health", nil)
	if err != nil {
		return
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		s.updateHealth(id, "critical", -1)
		return
	}
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		s.updateHealth(id, "critical", -1)
		return
	}

	s.updateHealth(id, body.Status, body.Connections)
}

// updateHealth 回填探测结果（connections<0 表示探测失败，保留旧值）
func (s *Supervisor) updateHealth(id int, status string, connections int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return
	}
	w.record.Status = status
	w.record.LastCheck = time.Now()
	if connections >= 0 {
		w.record.Connections = connections
	}
}

// Workers worker 记录快照
func (s *Supervisor) Workers() []WorkerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]WorkerRecord, 0, len(s.workers))
	for _, w := range s.workers {
		records = append(records, w.record)
	}
	return records
}

// Aggregate 聚合指标与集群裁决
//
// 裁决按健康占比：≥0.8 healthy，≥0.5 warning，否则 critical。
// 崩溃 worker 的连接不计入（不迁移）。
func (s *Supervisor) Aggregate() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Metrics{}
	for _, w := range s.workers {
		m.TotalWorkers++
		if w.record.State == StateRunning {
			m.TotalConnections += w.record.Connections
			if w.record.Status == "healthy" {
				m.HealthyWorkers++
			}
		}
	}

	if m.TotalWorkers > 0 {
		m.HealthyRatio = float64(m.HealthyWorkers) / float64(m.TotalWorkers)
	}
	switch {
	case m.HealthyRatio >= 0.8:
		m.Verdict = "healthy"
	case m.HealthyRatio >= 0.5:
		m.Verdict = "warning"
	default:
		m.Verdict = "critical"
	}
	return m
}

// shutdown 优雅关闭全部 worker
//
// 向每个 worker 发送 SIGTERM，在 StopTimeout 内等待退出，
// 超时升级为 SIGKILL。所有 worker 处置完毕后才返回。
func (s *Supervisor) shutdown() error {
	s.draining.Store(true)
	s.log.Info("cluster shutting down", zap.Int("workers", len(s.workerIDs())))

	var wg sync.WaitGroup
	for _, id := range s.workerIDs() {
		s.mu.Lock()
		w, ok := s.workers[id]
		s.mu.Unlock()
		if !ok || w.record.State == StateStopped {
			continue
		}

		wg.Add(1)
		go func(id int, w *worker) {
			defer wg.Done()
			s.setState(id, StateStopping)

			if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				// 进程可能已经退出
				return
			}

			select {
			case <-w.done:
			case <-time.After(s.cfg.StopTimeout):
				s.log.Warn("worker did not stop in time, killing",
					zap.Int("worker_id", id),
					zap.Int("pid", w.record.PID))
				_ = w.cmd.Process.Kill()
				<-w.done
			}
		}(id, w)
	}
	wg.Wait()

	s.wg.Wait()
	s.log.Info("cluster shutdown complete")
	return nil
}
