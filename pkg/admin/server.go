package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tokmz/pulse/pkg/health"
	"github.com/tokmz/pulse/pkg/logger"
	"github.com/tokmz/pulse/pkg/middleware"
	"github.com/tokmz/pulse/pkg/notify"
)

// Server 只读管理端点
//
// 暴露健康状态、指标快照（JSON 与 Prometheus 文本）与在线用户
// 列表，不提供任何变更操作。
type Server struct {
	mgr  *notify.Manager
	mon  *health.Monitor
	prom *PromMetrics
	log  logger.Logger

	engine *gin.Engine
	srv    *http.Server
}

// NewServer 创建管理服务
//
// prom 可为 nil，此时 /metrics/prometheus 返回 404。
func NewServer(mgr *notify.Manager, mon *health.Monitor, prom *PromMetrics, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	// 采集器按采样间隔轮询 /health 与 /metrics，逐条记录只会刷屏
	engine.Use(middleware.AccessLog(log, "/health", "/metrics", "/metrics/prometheus"))

	s := &Server{
		mgr:    mgr,
		mon:    mon,
		prom:   prom,
		log:    log,
		engine: engine,
	}

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", s.handleMetrics)
	engine.GET("/users", s.handleUsers)
	if prom != nil {
		engine.GET("/metrics/prometheus", gin.WrapH(
			promhttp.HandlerFor(prom.Registry(), promhttp.HandlerOpts{})))
	}

	return s
}

// Handler 路由处理器（测试用）
func (s *Server) Handler() http.Handler {
	return s.engine
}

// handleHealth 健康状态
func (s *Server) handleHealth(c *gin.Context) {
	report := s.mon.Report()

	status := http.StatusOK
	if report.Status == health.StatusCritical {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":      report.Status,
		"uptime":      report.UptimeSeconds,
		"connections": report.Connections,
		"memory": gin.H{
			"allocBytes": report.MemoryAllocBytes,
			"sysBytes":   report.MemorySysBytes,
			"ratio":      report.MemoryRatio,
		},
	})
}

// handleMetrics 计数器快照
func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"counters":          s.mgr.Counters(),
		"messagesPerSecond": s.mon.MessagesPerSecond(),
		"uptime":            s.mgr.Uptime().Seconds(),
	})
}

// handleUsers 在线用户列表
func (s *Server) handleUsers(c *gin.Context) {
	c.JSON(http.StatusOK, s.mgr.Users())
}

// Run 启动管理服务，阻塞直到 ctx 取消
func (s *Server) Run(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.log.Info("admin server started", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
