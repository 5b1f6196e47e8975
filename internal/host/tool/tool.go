// Package tool manages the browser-automation helper process and resolves the
// debugging endpoint it attaches to.
package tool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/host/config"
)

// BrowserMode selects which browser the helper attaches to.
type BrowserMode string

const (
	// ModeSelfHosted drives a browser the host launches itself on a fixed debug port.
	ModeSelfHosted BrowserMode = "self-hosted"
	// ModeEmbedded attaches to the embedding application's browser view.
	ModeEmbedded BrowserMode = "embedded"
	// ModeExternal attaches to a fully external browser.
	ModeExternal BrowserMode = "external"
)

// EndpointEnv carries the resolved endpoint into the helper's environment.
const EndpointEnv = "GNUNAE_BROWSER_ENDPOINT"

// Endpoint is the helper's connection target.
type Endpoint struct {
	Endpoint string      `json:"endpoint"`
	Mode     BrowserMode `json:"mode"`
}

// Result reports a lifecycle call.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ResolveEndpoint derives the endpoint from configuration alone.
func ResolveEndpoint(cfg *config.Config) (Endpoint, error) {
	mode := BrowserMode(cfg.BrowserMode)
	switch mode {
	case "", ModeSelfHosted:
		if cfg.DebugPort <= 0 || cfg.DebugPort > 65535 {
			return Endpoint{Mode: ModeSelfHosted}, fmt.Errorf("invalid debug port %d", cfg.DebugPort)
		}
		return Endpoint{Mode: ModeSelfHosted, Endpoint: "http://127.0.0.1:" + strconv.Itoa(cfg.DebugPort)}, nil
	case ModeEmbedded:
		if cfg.EmbeddedEndpoint == "" {
			return Endpoint{Mode: mode}, errors.New("embedded browser endpoint is not configured")
		}
		return Endpoint{Mode: mode, Endpoint: cfg.EmbeddedEndpoint}, nil
	case ModeExternal:
		if cfg.ExternalEndpoint == "" {
			return Endpoint{Mode: mode}, errors.New("external browser endpoint is not configured")
		}
		return Endpoint{Mode: mode, Endpoint: cfg.ExternalEndpoint}, nil
	}
	return Endpoint{Mode: mode}, fmt.Errorf("unknown browser mode %q", cfg.BrowserMode)
}

// Manager runs at most one helper process.
type Manager struct {
	cfg    *config.Config
	logger *logger.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// NewManager creates a tool manager.
func NewManager(cfg *config.Config, log *logger.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "tool-manager")),
	}
}

// Running reports whether the helper is alive.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cmd != nil
}

// Info returns the endpoint the helper uses, whether or not it is running.
func (m *Manager) Info() Endpoint {
	ep, _ := ResolveEndpoint(m.cfg)
	return ep
}

// Start launches the helper. Calling it while one is running is a no-op.
func (m *Manager) Start() (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd != nil {
		return Result{Success: true, Message: "tool already running"}, nil
	}

	ep, err := ResolveEndpoint(m.cfg)
	if err != nil {
		return Result{}, err
	}
	args := strings.Fields(strings.ReplaceAll(m.cfg.ToolCommand, "{endpoint}", ep.Endpoint))
	if len(args) == 0 {
		return Result{}, errors.New("no tool command configured")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = m.cfg.WorkDir
	cmd.Env = append(append([]string{}, m.cfg.AgentEnv...), EndpointEnv+"="+ep.Endpoint)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start tool: %w", err)
	}

	done := make(chan struct{})
	m.cmd = cmd
	m.done = done
	m.logger.Info("tool started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("endpoint", ep.Endpoint),
		zap.String("mode", string(ep.Mode)))

	go m.logStderr(stderr)
	go m.waitForExit(cmd, done)

	return Result{Success: true, Message: "tool started"}, nil
}

func (m *Manager) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m.logger.Debug("tool output", zap.String("line", scanner.Text()))
	}
}

func (m *Manager) waitForExit(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	if err != nil {
		m.logger.Info("tool exited", zap.Error(err))
	} else {
		m.logger.Info("tool exited")
	}

	m.mu.Lock()
	if m.cmd == cmd {
		m.cmd = nil
		m.done = nil
	}
	m.mu.Unlock()
	close(done)
}

// Stop terminates the helper and waits for it, killing it when ctx expires.
// Stopping an already stopped helper succeeds.
func (m *Manager) Stop(ctx context.Context) Result {
	m.mu.Lock()
	cmd, done := m.cmd, m.done
	m.mu.Unlock()

	if cmd == nil {
		return Result{Success: true, Message: "tool not running"}
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.logger.Warn("failed to signal tool", zap.Error(err))
	}
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("force killing tool")
		_ = cmd.Process.Kill()
		<-done
	}
	return Result{Success: true, Message: "tool stopped"}
}
