// Package config loads the controller configuration from defaults, an
// optional config.yaml and GNUNAE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all controller configuration sections.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Tasks   TasksConfig   `mapstructure:"tasks"`
	Host    HostConfig    `mapstructure:"host"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig configures the controller HTTP API.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"` // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"`
	// AllowedOrigins limits which pages may open the /ws gateway. Empty
	// accepts any origin.
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// TasksConfig configures the task store, history and scheduler.
type TasksConfig struct {
	StorePath        string `mapstructure:"storePath"`
	HistoryPath      string `mapstructure:"historyPath"` // empty disables run history
	MaxConcurrency   int    `mapstructure:"maxConcurrency"`
	ScheduleInterval int    `mapstructure:"scheduleInterval"` // seconds between schedule polls
	ScheduleWindow   int    `mapstructure:"scheduleWindow"`   // seconds a never-run task stays due after its timing
}

// HostConfig configures how the controller reaches execution hosts.
type HostConfig struct {
	// Mode is "static" (fixed endpoints) or "docker" (one container per run).
	Mode              string           `mapstructure:"mode"`
	Endpoints         []EndpointConfig `mapstructure:"endpoints"`
	HeartbeatInterval int              `mapstructure:"heartbeatInterval"` // milliseconds
	HealthAttempts    int              `mapstructure:"healthAttempts"`
	HealthInterval    int              `mapstructure:"healthInterval"` // milliseconds
	LostAfter         int              `mapstructure:"lostAfter"`      // consecutive heartbeat failures
	Docker            DockerConfig     `mapstructure:"docker"`
}

// EndpointConfig is one statically configured host.
type EndpointConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DockerConfig configures containerized hosts.
type DockerConfig struct {
	Host          string            `mapstructure:"host"`
	APIVersion    string            `mapstructure:"apiVersion"`
	Image         string            `mapstructure:"image"`
	Network       string            `mapstructure:"network"`
	ContainerPort int               `mapstructure:"containerPort"`
	Memory        int64             `mapstructure:"memory"`
	Env           map[string]string `mapstructure:"env"`
}

// NATSConfig configures the event bus. An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	// SubjectPrefix namespaces every subject so several deployments can
	// share one NATS server.
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

func (t TasksConfig) ScheduleIntervalDuration() time.Duration {
	return time.Duration(t.ScheduleInterval) * time.Second
}

func (t TasksConfig) ScheduleWindowDuration() time.Duration {
	return time.Duration(t.ScheduleWindow) * time.Second
}

func (h HostConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(h.HeartbeatInterval) * time.Millisecond
}

func (h HostConfig) HealthIntervalDuration() time.Duration {
	return time.Duration(h.HealthInterval) * time.Millisecond
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gnunae"
	}
	return filepath.Join(home, ".gnunae")
}

func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	// Zero: websocket and long-lived responses must not be cut off.
	v.SetDefault("server.writeTimeout", 0)

	v.SetDefault("tasks.storePath", filepath.Join(dataDir, "tasks.json"))
	v.SetDefault("tasks.historyPath", filepath.Join(dataDir, "history.db"))
	v.SetDefault("tasks.maxConcurrency", 1)
	v.SetDefault("tasks.scheduleInterval", 60)
	v.SetDefault("tasks.scheduleWindow", 300)

	v.SetDefault("host.mode", "static")
	v.SetDefault("host.endpoints", []map[string]interface{}{{"host": "127.0.0.1", "port": 3847}})
	v.SetDefault("host.heartbeatInterval", 10000)
	v.SetDefault("host.healthAttempts", 30)
	v.SetDefault("host.healthInterval", 1000)
	v.SetDefault("host.lostAfter", 3)
	v.SetDefault("host.docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("host.docker.apiVersion", "")
	v.SetDefault("host.docker.image", "gnunae/host:latest")
	v.SetDefault("host.docker.network", "")
	v.SetDefault("host.docker.containerPort", 3847)
	v.SetDefault("host.docker.memory", 0)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "gnunae-controller")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.subjectPrefix", "gnunae")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.endpoint", "")
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, searching configPath first when set.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GNUNAE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// camelCase keys are not derived by AutomaticEnv.
	_ = v.BindEnv("tasks.storePath", "GNUNAE_TASKS_STORE_PATH")
	_ = v.BindEnv("tasks.historyPath", "GNUNAE_TASKS_HISTORY_PATH")
	_ = v.BindEnv("tasks.maxConcurrency", "GNUNAE_TASKS_MAX_CONCURRENCY")
	_ = v.BindEnv("host.heartbeatInterval", "GNUNAE_HOST_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("host.docker.image", "GNUNAE_HOST_DOCKER_IMAGE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultDataDir())
	v.AddConfigPath("/etc/gnunae/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Tasks.StorePath == "" {
		errs = append(errs, "tasks.storePath is required")
	}
	if cfg.Tasks.MaxConcurrency < 1 {
		errs = append(errs, "tasks.maxConcurrency must be at least 1")
	}
	if cfg.Tasks.ScheduleInterval <= 0 {
		errs = append(errs, "tasks.scheduleInterval must be positive")
	}
	if cfg.Tasks.ScheduleWindow <= 0 {
		errs = append(errs, "tasks.scheduleWindow must be positive")
	}

	switch cfg.Host.Mode {
	case "static":
		if len(cfg.Host.Endpoints) == 0 {
			errs = append(errs, "host.endpoints must list at least one host in static mode")
		}
		for i, ep := range cfg.Host.Endpoints {
			if ep.Host == "" || ep.Port <= 0 || ep.Port > 65535 {
				errs = append(errs, fmt.Sprintf("host.endpoints[%d] needs a host and a valid port", i))
			}
		}
	case "docker":
		if cfg.Host.Docker.Image == "" {
			errs = append(errs, "host.docker.image is required in docker mode")
		}
	default:
		errs = append(errs, "host.mode must be one of: static, docker")
	}
	if cfg.Host.HeartbeatInterval <= 0 {
		errs = append(errs, "host.heartbeatInterval must be positive")
	}
	if cfg.Host.HealthAttempts <= 0 {
		errs = append(errs, "host.healthAttempts must be positive")
	}
	if cfg.Host.LostAfter <= 0 {
		errs = append(errs, "host.lostAfter must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
