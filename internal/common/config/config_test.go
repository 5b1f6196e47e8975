package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithPath_Defaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 1, cfg.Tasks.MaxConcurrency)
	assert.Equal(t, "static", cfg.Host.Mode)
	require.Len(t, cfg.Host.Endpoints, 1)
	assert.Equal(t, 3847, cfg.Host.Endpoints[0].Port)
	assert.Equal(t, 10*time.Second, cfg.Host.HeartbeatIntervalDuration())
	assert.Equal(t, 5*time.Minute, cfg.Tasks.ScheduleWindowDuration())
}

func TestLoadWithPath_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
tasks:
  maxConcurrency: 3
host:
  mode: static
  endpoints:
    - host: 10.0.0.5
      port: 4000
    - host: 10.0.0.6
      port: 4001
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("GNUNAE_SERVER_PORT", "9191")

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Tasks.MaxConcurrency)
	require.Len(t, cfg.Host.Endpoints, 2)
	assert.Equal(t, "10.0.0.6", cfg.Host.Endpoints[1].Host)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{Port: 0},
		Tasks:   TasksConfig{StorePath: "", MaxConcurrency: 0, ScheduleInterval: 1, ScheduleWindow: 1},
		Host:    HostConfig{Mode: "cloud", HeartbeatInterval: 1, HealthAttempts: 1, LostAfter: 1},
		Logging: LoggingConfig{Level: "loud", Format: "json"},
	}

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "tasks.storePath")
	assert.Contains(t, err.Error(), "tasks.maxConcurrency")
	assert.Contains(t, err.Error(), "host.mode")
	assert.Contains(t, err.Error(), "logging.level")
}
