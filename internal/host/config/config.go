// Package config provides configuration for the execution host
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix marks host settings; variables carrying it are not passed to the agent.
const EnvPrefix = "GNUNAE_HOST_"

// Config holds the execution host configuration
type Config struct {
	// HTTP server port
	Port int

	// Agent command to execute; the composed instruction is written to its stdin
	AgentCommand string

	// Agent arguments (parsed from AgentCommand)
	AgentArgs []string

	// Flag used to pass a model override, e.g. "--model"
	ModelFlag string

	// Default working directory for the agent process
	WorkDir string

	// Environment variables to pass to the agent
	AgentEnv []string

	// Watchdog settings (milliseconds)
	WatchdogEnabled  bool
	HeartbeatTimeout int
	CheckInterval    int
	GraceCount       int

	// Browser-automation helper command. "{endpoint}" is replaced by the
	// resolved debugging endpoint.
	ToolCommand string

	// BrowserMode is one of self-hosted, embedded or external
	BrowserMode      string
	DebugPort        int
	EmbeddedEndpoint string
	ExternalEndpoint string

	// Logging configuration
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		Port:             getEnvInt("GNUNAE_HOST_PORT", 3847),
		AgentCommand:     getEnv("GNUNAE_HOST_AGENT_COMMAND", "codex exec --skip-git-repo-check -"),
		ModelFlag:        getEnv("GNUNAE_HOST_MODEL_FLAG", "--model"),
		WorkDir:          getEnv("GNUNAE_HOST_WORKDIR", defaultWorkDir()),
		WatchdogEnabled:  getEnvBool("GNUNAE_HOST_WATCHDOG", true),
		HeartbeatTimeout: getEnvInt("GNUNAE_HOST_HEARTBEAT_TIMEOUT", 30000),
		CheckInterval:    getEnvInt("GNUNAE_HOST_CHECK_INTERVAL", 10000),
		GraceCount:       getEnvInt("GNUNAE_HOST_GRACE_COUNT", 3),
		ToolCommand:      getEnv("GNUNAE_HOST_TOOL_COMMAND", "npx @playwright/mcp@latest --cdp-endpoint {endpoint}"),
		BrowserMode:      getEnv("GNUNAE_HOST_BROWSER_MODE", "self-hosted"),
		DebugPort:        getEnvInt("GNUNAE_HOST_DEBUG_PORT", 9222),
		EmbeddedEndpoint: getEnv("GNUNAE_HOST_EMBEDDED_ENDPOINT", ""),
		ExternalEndpoint: getEnv("GNUNAE_HOST_EXTERNAL_ENDPOINT", ""),
		LogLevel:         getEnv("GNUNAE_HOST_LOG_LEVEL", "info"),
		LogFormat:        getEnv("GNUNAE_HOST_LOG_FORMAT", "json"),
	}

	cfg.AgentArgs = parseCommand(cfg.AgentCommand)
	cfg.AgentEnv = collectAgentEnv()

	return cfg
}

// HeartbeatTimeoutDuration returns the watchdog timeout.
func (c *Config) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Millisecond
}

// CheckIntervalDuration returns the watchdog check period.
func (c *Config) CheckIntervalDuration() time.Duration {
	return time.Duration(c.CheckInterval) * time.Millisecond
}

func defaultWorkDir() string {
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "/workspace"
}

// parseCommand splits a command string into arguments
func parseCommand(cmd string) []string {
	// Simple split by spaces; quoting is not supported
	return strings.Fields(cmd)
}

// collectAgentEnv passes through the environment minus host settings
func collectAgentEnv() []string {
	var env []string
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, EnvPrefix) {
			env = append(env, e)
		}
	}
	return env
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}
