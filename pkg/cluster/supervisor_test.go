package cluster

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/pulse/pkg/logger"
)

func newTestSupervisor(workers int) *Supervisor {
	return NewSupervisor(&Config{
		Workers:        workers,
		BaseServerPort: 18080,
		BaseAdminPort:  19090,
		CheckInterval:  time.Hour, // 测试中手工触发探测
		StopTimeout:    2 * time.Second,
	}, logger.Nop())
}

func TestSupervisorRunAndShutdown(t *testing.T) {
	s := newTestSupervisor(2)
	s.command = func(id int) *exec.Cmd {
		return exec.Command("sleep", "60")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		records := s.Workers()
		if len(records) != 2 {
			return false
		}
		for _, r := range records {
			if r.State != StateRunning || r.PID <= 0 {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not shut down")
	}

	for _, r := range s.Workers() {
		assert.Equal(t, StateStopped, r.State)
	}
}

func TestSupervisorRestartsCrashedWorker(t *testing.T) {
	s := newTestSupervisor(1)

	// 第一次启动立即退出（模拟崩溃），重启后长驻
	var launches atomic.Int32
	s.command = func(id int) *exec.Cmd {
		if launches.Add(1) == 1 {
			return exec.Command("sh", "-c", "exit 1")
		}
		return exec.Command("sleep", "60")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		records := s.Workers()
		return len(records) == 1 &&
			records[0].State == StateRunning &&
			records[0].Restarts == 1
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSupervisorKillsStubbornWorker(t *testing.T) {
	s := newTestSupervisor(1)
	s.cfg.StopTimeout = 200 * time.Millisecond
	s.command = func(id int) *exec.Cmd {
		// 忽略 SIGTERM，只能被 SIGKILL 收割
		return exec.Command("sh", "-c", `trap '' TERM; sleep 60`)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		records := s.Workers()
		return len(records) == 1 && records[0].State == StateRunning
	}, 3*time.Second, 20*time.Millisecond)

	// trap 需要 shell 先跑起来才会生效
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not escalate to SIGKILL")
	}
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestCheckWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		fmt.Fprint(w, `{"status":"warning","connections":7}`)
	}))
	defer srv.Close()

	s := newTestSupervisor(1)
	s.adminAddr = func(id int) string { return srv.URL }
	s.workers[1] = &worker{record: WorkerRecord{ID: 1, State: StateRunning}}

	s.checkWorker(context.Background(), 1)

	records := s.Workers()
	require.Len(t, records, 1)
	assert.Equal(t, "warning", records[0].Status)
	assert.Equal(t, 7, records[0].Connections)
	assert.False(t, records[0].LastCheck.IsZero())
}

func TestCheckWorker_Unreachable(t *testing.T) {
	s := newTestSupervisor(1)
	s.adminAddr = func(id int) string { return "http://127.0.0.1:1" }
	s.workers[1] = &worker{record: WorkerRecord{ID: 1, State: StateRunning, Connections: 5}}

	s.checkWorker(context.Background(), 1)

	records := s.Workers()
	assert.Equal(t, "critical", records[0].Status)
	// 探测失败保留旧的连接数
	assert.Equal(t, 5, records[0].Connections)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name        string
		healthy     int
		unhealthy   int
		crashed     int
		wantVerdict string
	}{
		{"all healthy", 5, 0, 0, "healthy"},
		{"ratio at 0.8", 4, 1, 0, "healthy"},
		{"ratio at 0.6", 3, 2, 0, "warning"},
		{"ratio at 0.5", 2, 1, 1, "warning"},
		{"below 0.5", 1, 2, 2, "critical"},
		{"all down", 0, 0, 3, "critical"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSupervisor(0)
			id := 0
			add := func(state WorkerState, status string, conns int) {
				id++
				s.workers[id] = &worker{record: WorkerRecord{
					ID: id, State: state, Status: status, Connections: conns,
				}}
			}
			for i := 0; i < tt.healthy; i++ {
				add(StateRunning, "healthy", 10)
			}
			for i := 0; i < tt.unhealthy; i++ {
				add(StateRunning, "critical", 10)
			}
			for i := 0; i < tt.crashed; i++ {
				add(StateCrashed, "critical", 10)
			}

			m := s.Aggregate()
			assert.Equal(t, tt.wantVerdict, m.Verdict)
			assert.Equal(t, tt.healthy+tt.unhealthy+tt.crashed, m.TotalWorkers)
			// 崩溃 worker 的连接不计入
			assert.Equal(t, (tt.healthy+tt.unhealthy)*10, m.TotalConnections)
		})
	}
}

func TestAggregate_Empty(t *testing.T) {
	s := newTestSupervisor(0)
	m := s.Aggregate()
	assert.Zero(t, m.TotalWorkers)
	assert.Equal(t, "critical", m.Verdict)
}
