// Package process supervises the agent subprocess. At most one session is
// active at a time; starting a new one terminates the previous one.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/host/config"
)

const (
	eventBufferSize  = 64
	outputBufferSize = 256
	readChunkSize    = 32 * 1024

	// MessageNoProcess is reported by Stop when nothing is running.
	MessageNoProcess = "no process running"
)

// ErrEmptyInstruction is returned by Start for a blank instruction.
var ErrEmptyInstruction = errors.New("instruction is required")

// Session is one agent-process run. Its event channel is closed right after
// the exit event, so exit is always the last value received.
type Session struct {
	id        string
	mode      Mode
	startedAt time.Time

	cmd    *exec.Cmd
	pid    atomic.Int64
	events chan Event
	output *OutputBuffer

	detachOnce sync.Once
	detached   chan struct{}
	done       chan struct{}

	exitMu   sync.Mutex
	exitCode *int
	exited   bool
}

func newSession(mode Mode) *Session {
	return &Session{
		id:        uuid.New().String(),
		mode:      mode,
		startedAt: time.Now().UTC(),
		events:    make(chan Event, eventBufferSize),
		output:    NewOutputBuffer(outputBufferSize),
		detached:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Events returns the ordered event stream.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the exit event has been produced.
func (s *Session) Done() <-chan struct{} { return s.done }

// Output returns the retained output of the session.
func (s *Session) Output() *OutputBuffer { return s.output }

// Detach tells the producer nobody is reading anymore; further events are
// dropped instead of blocking. The process keeps running.
func (s *Session) Detach() {
	s.detachOnce.Do(func() { close(s.detached) })
}

// ExitCode returns the exit code once the session has exited.
func (s *Session) ExitCode() (code *int, exited bool) {
	s.exitMu.Lock()
	defer s.exitMu.Unlock()
	return s.exitCode, s.exited
}

// Info returns a snapshot for status reporting.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:           s.id,
		PID:          int(s.pid.Load()),
		Mode:         s.mode,
		StartedAt:    s.startedAt,
		StdoutBytes:  s.output.Bytes(EventStdout),
		StderrBytes:  s.output.Bytes(EventStderr),
		RecentStdout: s.output.Tail(EventStdout),
		RecentStderr: s.output.Tail(EventStderr),
	}
}

func (s *Session) emit(ev Event) {
	if ev.Type != EventExit {
		s.output.Add(OutputChunk{Timestamp: time.Now().UTC(), Stream: ev.Type, Content: ev.Data})
	}
	select {
	case s.events <- ev:
	case <-s.detached:
	}
}

// finish emits the single exit event and closes the stream.
func (s *Session) finish(code *int) {
	s.exitMu.Lock()
	s.exitCode = code
	s.exited = true
	s.exitMu.Unlock()

	s.emit(ExitEvent(code))
	close(s.events)
	close(s.done)
}

// terminate sends SIGTERM without waiting.
func (s *Session) terminate() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (s *Session) kill() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// Manager owns the single active session.
type Manager struct {
	cfg    *config.Config
	logger *logger.Logger

	mu      sync.Mutex
	current *Session
}

// NewManager creates a new process manager
func NewManager(cfg *config.Config, log *logger.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "process-manager")),
	}
}

// Start supersedes any active session and spawns the agent with the composed
// instruction on its stdin. It returns immediately; spawn failures are
// reported through the session's events.
func (m *Manager) Start(instruction string, opts StartOptions) (*Session, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, ErrEmptyInstruction
	}
	if opts.Mode == "" {
		opts.Mode = ModeAgent
	}

	s := newSession(opts.Mode)
	log := m.logger.WithSessionID(s.id)

	args := append([]string{}, m.cfg.AgentArgs...)
	if opts.Model != "" && m.cfg.ModelFlag != "" {
		args = append(args, m.cfg.ModelFlag, opts.Model)
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = m.cfg.WorkDir
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev := m.current; prev != nil {
		log.Info("terminating superseded session", zap.String("superseded_session_id", prev.id))
		if err := prev.terminate(); err != nil {
			log.Warn("failed to signal superseded session", zap.Error(err))
		}
	}
	m.current = s

	if len(args) == 0 {
		go m.failSpawn(s, log, errors.New("no agent command configured"))
		return s, nil
	}

	// Not CommandContext: the session must outlive the request that started it.
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = workDir
	cmd.Env = mergeEnv(m.cfg.AgentEnv, opts.Env)
	cmd.Stdin = strings.NewReader(ComposeInstruction(instruction, opts.Mode, opts.PrePrompt))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		go m.failSpawn(s, log, fmt.Errorf("failed to create stdout pipe: %w", err))
		return s, nil
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		go m.failSpawn(s, log, fmt.Errorf("failed to create stderr pipe: %w", err))
		return s, nil
	}

	log.Info("starting agent process",
		zap.Strings("args", args),
		zap.String("workdir", workDir),
		zap.String("mode", string(opts.Mode)))

	// Started under m.mu so a concurrent Start or Stop always sees a live process.
	if err := cmd.Start(); err != nil {
		go m.failSpawn(s, log, fmt.Errorf("failed to start agent: %w", err))
		return s, nil
	}
	s.cmd = cmd
	s.pid.Store(int64(cmd.Process.Pid))
	log.Info("agent process started", zap.Int("pid", cmd.Process.Pid))

	var readers sync.WaitGroup
	readers.Add(2)
	go m.readStream(s, stdout, EventStdout, &readers)
	go m.readStream(s, stderr, EventStderr, &readers)
	go m.waitForExit(s, log, &readers)

	return s, nil
}

func (m *Manager) failSpawn(s *Session, log *logger.Logger, err error) {
	log.Error("agent spawn failed", zap.Error(err))
	s.emit(Event{Type: EventStderr, Data: err.Error()})
	s.finish(IntPtr(1))
	m.clear(s)
}

func (m *Manager) readStream(s *Session, r io.Reader, stream EventType, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.emit(Event{Type: stream, Data: string(buf[:n])})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Debug("output reader error", zap.String("stream", string(stream)), zap.Error(err))
			}
			return
		}
	}
}

// waitForExit waits for both pipes to drain, then reaps the process.
func (m *Manager) waitForExit(s *Session, log *logger.Logger, readers *sync.WaitGroup) {
	readers.Wait()
	err := s.cmd.Wait()

	var code *int
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		code = IntPtr(0)
	case errors.As(err, &exitErr):
		// ExitCode is -1 when the process was killed by a signal.
		if c := exitErr.ExitCode(); c >= 0 {
			code = IntPtr(c)
		}
	default:
		code = IntPtr(1)
	}

	if code == nil {
		log.Info("agent process terminated by signal")
	} else {
		log.Info("agent process exited", zap.Int("exit_code", *code))
	}

	s.finish(code)
	m.clear(s)
}

// clear drops s if it is still the active session.
func (m *Manager) clear(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == s {
		m.current = nil
	}
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Running reports whether a session is active.
func (m *Manager) Running() bool {
	return m.Current() != nil
}

// Stop sends a graceful termination signal to the active session. Stopping
// with nothing running is not an error.
func (m *Manager) Stop() StopResult {
	s := m.Current()
	if s == nil {
		return StopResult{Success: true, Message: MessageNoProcess}
	}
	if err := s.terminate(); err != nil {
		m.logger.Warn("failed to signal agent process", zap.String("session_id", s.id), zap.Error(err))
		return StopResult{Success: false, Message: err.Error()}
	}
	m.logger.Info("stop requested", zap.String("session_id", s.id))
	return StopResult{Success: true, Message: "stop signal sent"}
}

// Shutdown stops the active session and waits for it to exit, killing it
// when ctx expires first.
func (m *Manager) Shutdown(ctx context.Context) {
	s := m.Current()
	if s == nil {
		return
	}
	s.Detach()
	_ = s.terminate()

	select {
	case <-s.Done():
	case <-ctx.Done():
		m.logger.Warn("force killing agent process", zap.String("session_id", s.id))
		s.kill()
		<-s.Done()
	}
}
