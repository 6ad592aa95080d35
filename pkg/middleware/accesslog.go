// Package middleware gin 中间件
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tokmz/pulse/pkg/logger"
)

// AccessLogConfig 访问日志配置
type AccessLogConfig struct {
	// Logger 日志实例（必填）
	Logger logger.Logger

	// ExcludePaths 排除的路径（不记录日志，如高频健康探测）
	ExcludePaths []string
}

// AccessLog 创建访问日志中间件
//
// 记录请求方法、路径、客户端 IP、状态码与耗时。
func AccessLog(log logger.Logger, excludePaths ...string) gin.HandlerFunc {
	return AccessLogWithConfig(&AccessLogConfig{
		Logger:       log,
		ExcludePaths: excludePaths,
	})
}

// AccessLogWithConfig 按配置创建访问日志中间件
func AccessLogWithConfig(cfg *AccessLogConfig) gin.HandlerFunc {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	skip := make(map[string]bool, len(cfg.ExcludePaths))
	for _, path := range cfg.ExcludePaths {
		skip[path] = true
	}

	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		// 不记录查询串：认证 Token 经查询参数传递
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}

		status := c.Writer.Status()
		switch {
		case status >= 500:
			log.Error("request completed", fields...)
		case status >= 400:
			log.Warn("request completed", fields...)
		default:
			log.Info("request completed", fields...)
		}
	}
}
