// pulse 实时通知服务入口
//
// 单进程模式（cluster.workers=0）直接运行连接管理器；
// 集群模式由本进程作为监督器，按配置拉起若干 worker 子进程，
// worker 即本二进制以 PULSE_CLUSTER_WORKERS=0 重新启动。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokmz/pulse/pkg/admin"
	"github.com/tokmz/pulse/pkg/auth"
	"github.com/tokmz/pulse/pkg/backplane"
	"github.com/tokmz/pulse/pkg/cluster"
	"github.com/tokmz/pulse/pkg/config"
	"github.com/tokmz/pulse/pkg/health"
	"github.com/tokmz/pulse/pkg/logger"
	"github.com/tokmz/pulse/pkg/middleware"
	"github.com/tokmz/pulse/pkg/notify"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := buildLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		w, err := config.Watch(configPath,
			func(next *config.Config) {
				// 热加载仅调整日志级别，其余配置在重启后生效
				log.SetLevel(logger.ParseLevel(next.Log.Level))
				log.Info("config reloaded", zap.String("log_level", next.Log.Level))
			},
			func(err error) {
				log.Warn("config reload failed", zap.Error(err))
			})
		if err != nil {
			log.Warn("config watch unavailable", zap.Error(err))
		} else {
			defer w.Close()
		}
	}

	if cfg.Cluster.Workers > 0 {
		err = runSupervisor(ctx, cfg, log)
	} else {
		err = runWorker(ctx, cfg, log)
	}
	if err != nil {
		log.Error("exit with error", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

// buildLogger 按配置构建日志
func buildLogger(cfg *config.LogConfig) (logger.Logger, error) {
	lc := &logger.Config{
		Level:   logger.ParseLevel(cfg.Level),
		Format:  logger.Format(cfg.Format),
		Console: true,
	}
	if cfg.File != "" {
		lc.Rotate = &logger.RotateConfig{Filename: cfg.File}
	}
	return logger.New(lc)
}

// runSupervisor 集群模式：拉起并监督 worker 进程
func runSupervisor(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	sup := cluster.NewSupervisor(&cluster.Config{
		Workers:        cfg.Cluster.Workers,
		BaseServerPort: cfg.Server.Port,
		BaseAdminPort:  cfg.Cluster.BaseAdminPort,
		CheckInterval:  cfg.Cluster.CheckInterval,
		StopTimeout:    cfg.Cluster.StopTimeout,
	}, log.With(zap.String("role", "supervisor")))

	return sup.Run(ctx)
}

// runWorker 单进程模式：连接管理器 + 健康监控 + 管理端点
func runWorker(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	if id := os.Getenv("PULSE_WORKER_ID"); id != "" {
		log = log.With(zap.String("worker_id", id))
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	prom := admin.NewPromMetrics()

	mgr, err := notify.NewManager(verifier, log,
		notify.WithMaxConnections(cfg.Notify.MaxConnections),
		notify.WithHeartbeatInterval(cfg.Notify.HeartbeatInterval),
		notify.WithIdleTimeout(cfg.Notify.IdleTimeout),
		notify.WithWarnLead(cfg.Auth.WarnLead),
		notify.WithRateLimit(cfg.Notify.RateLimitWindow, cfg.Notify.RateLimitMax),
		notify.WithMessageSizeLimit(cfg.Notify.MaxMessageSize),
		notify.WithSendQueueSize(cfg.Notify.SendQueueSize),
		notify.WithMetrics(prom),
	)
	if err != nil {
		return err
	}
	mgr.Run()

	mon := health.NewMonitor(mgr, log, &health.Config{
		SampleInterval: cfg.Health.SampleInterval,
		CheckInterval:  cfg.Health.CheckInterval,
		Thresholds: health.Thresholds{
			MaxConnections: cfg.Health.MaxConnections,
			MaxErrorRate:   cfg.Health.MaxErrorRate,
			MaxMemoryRatio: cfg.Health.MaxMemoryRatio,
		},
	})
	mon.OnAlert(func(a health.Alert) {
		log.Warn("health alert",
			zap.String("metric", a.Metric),
			zap.Float64("value", a.Value),
			zap.Float64("threshold", a.Threshold),
			zap.String("level", string(a.Level)))
	})

	g, gctx := errgroup.WithContext(ctx)

	var bp *backplane.Backplane
	if cfg.Backplane.Enabled {
		bp = backplane.New(&backplane.Config{
			Addr:     cfg.Backplane.RedisAddr,
			Password: cfg.Backplane.Password,
			DB:       cfg.Backplane.DB,
			Channel:  cfg.Backplane.Channel,
			Origin:   backplaneOrigin(),
		}, mgr, log)
		g.Go(func() error { return bp.Run(gctx) })
	}

	g.Go(func() error {
		mon.Run(gctx)
		return nil
	})

	// WebSocket 升级端点
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.AccessLog(log))
	router.GET("/ws", func(c *gin.Context) {
		if err := mgr.HandleUpgrade(c.Writer, c.Request); err != nil {
			log.Debug("upgrade rejected", zap.Error(err))
		}
	})

	wsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}
	g.Go(func() error {
		log.Info("server listening", zap.String("addr", wsServer.Addr))
		if err := wsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// 管理端点
	adminSrv := admin.NewServer(mgr, mon, prom, log)
	adminAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Admin.Port)
	g.Go(func() error {
		return adminSrv.Run(gctx, adminAddr)
	})

	// 关闭顺序：先停新连接，再排空存量连接
	g.Go(func() error {
		<-gctx.Done()

		closeCtx, cancel := context.WithTimeout(context.Background(),
			cfg.Notify.DrainTimeout+5*time.Second)
		defer cancel()
		if err := wsServer.Shutdown(closeCtx); err != nil {
			log.Warn("server shutdown", zap.Error(err))
		}

		drainCtx, cancelDrain := context.WithTimeout(context.Background(),
			cfg.Notify.DrainTimeout)
		defer cancelDrain()
		if err := mgr.Shutdown(drainCtx); err != nil {
			log.Warn("manager shutdown", zap.Error(err))
		}

		if bp != nil {
			bp.Close()
		}
		return nil
	})

	log.Info("pulse started",
		zap.Int("port", cfg.Server.Port),
		zap.Int("admin_port", cfg.Admin.Port),
		zap.Bool("backplane", cfg.Backplane.Enabled))

	return g.Wait()
}

// backplaneOrigin 本进程在发布信封上的标识
func backplaneOrigin() string {
	host, err := os.Hostname()
	if err != nil {
		host = "pulse"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
