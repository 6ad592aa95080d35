package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PULSE_AUTH_JWT_SECRET", "test-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Admin.Port)
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 5*time.Minute, cfg.Auth.WarnLead)
	assert.Equal(t, 10000, cfg.Notify.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.Notify.HeartbeatInterval)
	assert.Equal(t, 10*time.Minute, cfg.Notify.IdleTimeout)
	assert.Equal(t, time.Minute, cfg.Notify.RateLimitWindow)
	assert.Equal(t, 100, cfg.Notify.RateLimitMax)
	assert.Equal(t, 0, cfg.Cluster.Workers)
	assert.False(t, cfg.Backplane.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
auth:
  jwt_secret: file-secret
notify:
  max_connections: 500
  heartbeat_interval: 15s
cluster:
  workers: 4
log:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "file-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 500, cfg.Notify.MaxConnections)
	assert.Equal(t, 15*time.Second, cfg.Notify.HeartbeatInterval)
	assert.Equal(t, 4, cfg.Cluster.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
	// 未出现在文件中的键保持默认值
	assert.Equal(t, 9090, cfg.Admin.Port)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PULSE_AUTH_JWT_SECRET", "env-secret")
	t.Setenv("PULSE_SERVER_PORT", "7777")
	t.Setenv("PULSE_NOTIFY_MAX_CONNECTIONS", "42")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, 42, cfg.Notify.MaxConnections)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, ErrConfigReadFailed)
}

func TestLoadMissingSecret(t *testing.T) {
	_, err := Load("")
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestValidate(t *testing.T) {
	t.Setenv("PULSE_AUTH_JWT_SECRET", "s")
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad server port", func(c *Config) { c.Server.Port = 0 }},
		{"bad admin port", func(c *Config) { c.Admin.Port = 70000 }},
		{"empty secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"idle not above heartbeat", func(c *Config) {
			c.Notify.HeartbeatInterval = time.Minute
			c.Notify.IdleTimeout = 30 * time.Second
		}},
		{"zero rate limit max", func(c *Config) { c.Notify.RateLimitMax = 0 }},
		{"negative workers", func(c *Config) { c.Cluster.Workers = -1 }},
		{"cluster without stop timeout", func(c *Config) {
			c.Cluster.Workers = 2
			c.Cluster.StopTimeout = 0
		}},
		{"error rate out of range", func(c *Config) { c.Health.MaxErrorRate = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrConfigInvalid)
		})
	}
}

func TestWatch(t *testing.T) {
	t.Setenv("PULSE_AUTH_JWT_SECRET", "s")

	path := filepath.Join(t.TempDir(), "pulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))

	reloaded := make(chan *Config, 4)
	w, err := Watch(path,
		func(cfg *Config) { reloaded <- cfg },
		func(err error) { t.Logf("reload error: %v", err) })
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "debug", cfg.Log.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestWatchKeepsOldConfigOnError(t *testing.T) {
	t.Setenv("PULSE_AUTH_JWT_SECRET", "s")

	path := filepath.Join(t.TempDir(), "pulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))

	errs := make(chan error, 4)
	w, err := Watch(path,
		func(cfg *Config) { t.Errorf("unexpected reload with invalid config") },
		func(err error) { errs <- err })
	require.NoError(t, err)
	defer w.Close()

	// 非法 YAML 触发 onError 而非 onChange
	require.NoError(t, os.WriteFile(path, []byte("log: [unclosed"), 0o644))

	select {
	case <-errs:
	case <-time.After(3 * time.Second):
		t.Fatal("reload error was not reported")
	}
}
