package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 错误定义
var (
	ErrConfigReadFailed = errors.New("config: read failed")
	ErrConfigInvalid    = errors.New("config: invalid value")
)

// Config 服务配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Health    HealthConfig    `mapstructure:"health"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Backplane BackplaneConfig `mapstructure:"backplane"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig 监听配置
type ServerConfig struct {
	Host string `mapstructure:"host"` // 监听地址
	Port int    `mapstructure:"port"` // WebSocket 升级端点端口
}

// AdminConfig 管理端点配置
type AdminConfig struct {
	Port int `mapstructure:"port"` // 管理/指标端口
}

// AuthConfig 认证配置
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"` // JWT 签名密钥
	WarnLead  time.Duration `mapstructure:"warn_lead"`  // Token 过期预警提前量
}

// NotifyConfig 连接管理配置
type NotifyConfig struct {
	MaxConnections    int           `mapstructure:"max_connections"`    // 单进程连接上限
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"` // 心跳间隔
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`       // 空闲驱逐阈值
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`      // 优雅关闭排空超时
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`  // 限流窗口
	RateLimitMax      int           `mapstructure:"rate_limit_max"`     // 窗口内最大消息数
	MaxMessageSize    int64         `mapstructure:"max_message_size"`   // 最大消息大小
	SendQueueSize     int           `mapstructure:"send_queue_size"`    // 发送队列大小
}

// HealthConfig 健康监控配置
type HealthConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"` // 采样间隔
	CheckInterval  time.Duration `mapstructure:"check_interval"`  // 健康检查间隔
	MaxConnections int           `mapstructure:"max_connections"` // 连接数告警阈值
	MaxErrorRate   float64       `mapstructure:"max_error_rate"`  // 错误率告警阈值
	MaxMemoryRatio float64       `mapstructure:"max_memory_ratio"`// 内存占用告警阈值
}

// ClusterConfig 集群配置
type ClusterConfig struct {
	Workers       int           `mapstructure:"workers"`        // worker 进程数（0 为单进程模式）
	BaseAdminPort int           `mapstructure:"base_admin_port"`// worker 管理端口起始值
	CheckInterval time.Duration `mapstructure:"check_interval"` // worker 健康探测间隔
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`   // 单 worker 停止超时（之后 SIGKILL）
}

// BackplaneConfig 跨进程投递配置
type BackplaneConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	RedisAddr string `mapstructure:"redis_addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Channel   string `mapstructure:"channel"` // pub/sub 频道
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug/info/warn/error
	Format string `mapstructure:"format"` // json/console
	File   string `mapstructure:"file"`   // 轮转日志文件（空则仅控制台）
}

// Load 加载配置
//
// path 为可选的 YAML 配置文件路径（空则仅使用默认值与环境变量）。
// 环境变量前缀 PULSE_，层级分隔符 "."→"_"，
// 例如 notify.max_connections → PULSE_NOTIFY_MAX_CONNECTIONS。
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigReadFailed, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigReadFailed, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("admin.port", 9090)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.warn_lead", 5*time.Minute)

	v.SetDefault("notify.max_connections", 10000)
	v.SetDefault("notify.heartbeat_interval", 30*time.Second)
	v.SetDefault("notify.idle_timeout", 10*time.Minute)
	v.SetDefault("notify.drain_timeout", 10*time.Second)
	v.SetDefault("notify.rate_limit_window", time.Minute)
	v.SetDefault("notify.rate_limit_max", 100)
	v.SetDefault("notify.max_message_size", 64*1024)
	v.SetDefault("notify.send_queue_size", 256)

	v.SetDefault("health.sample_interval", 5*time.Second)
	v.SetDefault("health.check_interval", 30*time.Second)
	v.SetDefault("health.max_connections", 8000)
	v.SetDefault("health.max_error_rate", 0.05)
	v.SetDefault("health.max_memory_ratio", 0.9)

	v.SetDefault("cluster.workers", 0)
	v.SetDefault("cluster.base_admin_port", 9091)
	v.SetDefault("cluster.check_interval", 10*time.Second)
	v.SetDefault("cluster.stop_timeout", 15*time.Second)

	v.SetDefault("backplane.enabled", false)
	v.SetDefault("backplane.redis_addr", "127.0.0.1:6379")
	v.SetDefault("backplane.db", 0)
	v.SetDefault("backplane.channel", "pulse:notify")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d", ErrConfigInvalid, c.Server.Port)
	}
	if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("%w: admin.port %d", ErrConfigInvalid, c.Admin.Port)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("%w: auth.jwt_secret is required", ErrConfigInvalid)
	}
	if c.Auth.WarnLead <= 0 {
		return fmt.Errorf("%w: auth.warn_lead must be positive, got %v", ErrConfigInvalid, c.Auth.WarnLead)
	}
	if c.Notify.MaxConnections <= 0 {
		return fmt.Errorf("%w: notify.max_connections must be positive, got %d", ErrConfigInvalid, c.Notify.MaxConnections)
	}
	if c.Notify.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: notify.heartbeat_interval must be positive, got %v", ErrConfigInvalid, c.Notify.HeartbeatInterval)
	}
	if c.Notify.IdleTimeout <= c.Notify.HeartbeatInterval {
		return fmt.Errorf("%w: notify.idle_timeout (%v) must be greater than heartbeat_interval (%v)",
			ErrConfigInvalid, c.Notify.IdleTimeout, c.Notify.HeartbeatInterval)
	}
	if c.Notify.DrainTimeout <= 0 {
		return fmt.Errorf("%w: notify.drain_timeout must be positive, got %v", ErrConfigInvalid, c.Notify.DrainTimeout)
	}
	if c.Notify.RateLimitWindow <= 0 {
		return fmt.Errorf("%w: notify.rate_limit_window must be positive, got %v", ErrConfigInvalid, c.Notify.RateLimitWindow)
	}
	if c.Notify.RateLimitMax <= 0 {
		return fmt.Errorf("%w: notify.rate_limit_max must be positive, got %d", ErrConfigInvalid, c.Notify.RateLimitMax)
	}
	if c.Health.MaxErrorRate <= 0 || c.Health.MaxErrorRate > 1 {
		return fmt.Errorf("%w: health.max_error_rate must be in (0,1], got %v", ErrConfigInvalid, c.Health.MaxErrorRate)
	}
	if c.Health.MaxMemoryRatio <= 0 || c.Health.MaxMemoryRatio > 1 {
		return fmt.Errorf("%w: health.max_memory_ratio must be in (0,1], got %v", ErrConfigInvalid, c.Health.MaxMemoryRatio)
	}
	if c.Cluster.Workers < 0 {
		return fmt.Errorf("%w: cluster.workers must be non-negative, got %d", ErrConfigInvalid, c.Cluster.Workers)
	}
	if c.Cluster.Workers > 0 && c.Cluster.StopTimeout <= 0 {
		return fmt.Errorf("%w: cluster.stop_timeout must be positive, got %v", ErrConfigInvalid, c.Cluster.StopTimeout)
	}
	return nil
}
