// Package watchdog terminates the host when the controller stops sending
// heartbeats. It never fires before the first heartbeat arrives.
package watchdog

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
)

// State is the watchdog's position in its state machine.
type State string

const (
	StateUnarmed    State = "unarmed"
	StateHealthy    State = "healthy"
	StateDegraded   State = "degraded"
	StateTerminated State = "terminated"
)

// Config bounds the liveness window.
type Config struct {
	Timeout       time.Duration
	CheckInterval time.Duration
	GraceCount    int
}

// DefaultConfig is 30s timeout, 10s checks and three missed checks of grace.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second, CheckInterval: 10 * time.Second, GraceCount: 3}
}

// Timer is the subset of *time.Timer the watchdog uses.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(w *Watchdog) { w.clock = c }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(w *Watchdog) { w.logger = log }
}

// Snapshot is a point-in-time view for status reporting.
type Snapshot struct {
	State       State      `json:"state"`
	Armed       bool       `json:"armed"`
	LastPingAt  *time.Time `json:"lastPingAt,omitempty"`
	MissedCount int        `json:"missedCount"`
	StalenessMs int64      `json:"stalenessMs"`
	TimeoutMs   int64      `json:"timeoutMs"`
	GraceCount  int        `json:"graceCount"`
}

// Watchdog tracks heartbeats and calls onTerminate once grace is exhausted.
type Watchdog struct {
	cfg         Config
	clock       Clock
	logger      *logger.Logger
	onTerminate func()

	mu         sync.Mutex
	armed      bool
	lastPing   time.Time
	missed     int
	terminated bool
	stopped    bool
	timer      Timer
	// gen invalidates timer callbacks that fired while a Ping re-anchored.
	gen        uint64
	// ticks counts checks since lastPing. Check k is judged at its nominal
	// time lastPing + k*interval, so late timers never shorten the window.
	ticks      int
}

// New creates an unarmed watchdog.
func New(cfg Config, onTerminate func(), opts ...Option) *Watchdog {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.GraceCount < 1 {
		cfg.GraceCount = def.GraceCount
	}

	w := &Watchdog{
		cfg:         cfg,
		clock:       realClock{},
		logger:      logger.Default(),
		onTerminate: onTerminate,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithFields(zap.String("component", "watchdog"))
	return w
}

// Timeout returns the configured heartbeat timeout.
func (w *Watchdog) Timeout() time.Duration {
	return w.cfg.Timeout
}

// Ping records a heartbeat: arms the watchdog, clears missed checks and
// re-anchors the check timer so checks fall at lastPing + k*interval.
func (w *Watchdog) Ping() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminated || w.stopped {
		return
	}
	if !w.armed {
		w.logger.Info("watchdog armed",
			zap.Duration("timeout", w.cfg.Timeout),
			zap.Duration("check_interval", w.cfg.CheckInterval),
			zap.Int("grace_count", w.cfg.GraceCount))
	} else if w.missed > 0 {
		w.logger.Info("heartbeat recovered", zap.Int("missed", w.missed))
	}

	w.armed = true
	w.missed = 0
	w.ticks = 0
	w.lastPing = w.clock.Now()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	w.scheduleLocked()
}

func (w *Watchdog) scheduleLocked() {
	gen := w.gen
	next := w.lastPing.Add(time.Duration(w.ticks+1) * w.cfg.CheckInterval)
	delay := next.Sub(w.clock.Now())
	if delay < 0 {
		delay = 0
	}
	w.timer = w.clock.AfterFunc(delay, func() { w.check(gen) })
}

func (w *Watchdog) check(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || w.terminated || w.stopped || !w.armed {
		w.mu.Unlock()
		return
	}

	w.ticks++
	gap := time.Duration(w.ticks) * w.cfg.CheckInterval
	if gap > w.cfg.Timeout {
		w.missed++
		w.logger.Warn("heartbeat overdue",
			zap.Duration("since_last_ping", gap),
			zap.Int("missed", w.missed),
			zap.Int("grace_count", w.cfg.GraceCount))
	}

	if w.missed >= w.cfg.GraceCount {
		w.terminated = true
		w.timer = nil
		w.mu.Unlock()

		w.logger.Warn("controller silent past grace window, terminating host")
		if w.onTerminate != nil {
			w.onTerminate()
		}
		return
	}

	w.scheduleLocked()
	w.mu.Unlock()
}

// Snapshot returns the current liveness window.
func (w *Watchdog) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := Snapshot{
		State:       w.stateLocked(),
		Armed:       w.armed,
		MissedCount: w.missed,
		TimeoutMs:   w.cfg.Timeout.Milliseconds(),
		GraceCount:  w.cfg.GraceCount,
	}
	if w.armed {
		last := w.lastPing
		snap.LastPingAt = &last
		snap.StalenessMs = w.clock.Now().Sub(last).Milliseconds()
	}
	return snap
}

// State returns the current state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stateLocked()
}

func (w *Watchdog) stateLocked() State {
	switch {
	case w.terminated:
		return StateTerminated
	case !w.armed:
		return StateUnarmed
	case w.missed > 0:
		return StateDegraded
	}
	return StateHealthy
}

// Stop disables the watchdog without terminating.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
