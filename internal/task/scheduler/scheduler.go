// Package scheduler fires scheduled tasks on a poll loop and on-going tasks
// on browser navigation.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/host/pool"
	"github.com/fkiller/GnuNae-sub001/internal/task/models"
	"github.com/fkiller/GnuNae-sub001/internal/task/runner"
	"github.com/fkiller/GnuNae-sub001/internal/task/store"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// DefaultInterval is how often the schedule is polled.
const DefaultInterval = time.Minute

// Starter launches runs; *runner.Runner implements it.
type Starter interface {
	Start(ctx context.Context, id string, source runner.Source) (*runner.Run, error)
}

// TaskSource lists due tasks; *store.Store implements it.
type TaskSource interface {
	TasksDueBySchedule(now time.Time) []*models.Task
	TasksDueForDomain(rawURL string) []*models.Task
	IsRunning(id string) bool
}

// Status contains trigger statistics
type Status struct {
	Running          bool      `json:"running"`
	Interval         string    `json:"interval"`
	LastTickAt       time.Time `json:"lastTickAt,omitempty"`
	TotalStarted     int64     `json:"totalStarted"`
	TotalAtCapacity  int64     `json:"totalAtCapacity"`
	TotalStartFailed int64     `json:"totalStartFailed"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler turns due tasks into runs. It never queues: a trigger that meets
// a full store is logged and dropped, and the next poll tries again while
// the task is still due.
type Scheduler struct {
	tasks    TaskSource
	starter  Starter
	logger   *logger.Logger
	interval time.Duration
	now      func() time.Time

	totalStarted     int64
	totalAtCapacity  int64
	totalStartFailed int64

	mu         sync.RWMutex
	running    bool
	lastTickAt time.Time
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New creates a scheduler.
func New(tasks TaskSource, starter Starter, log *logger.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:    tasks,
		starter:  starter,
		logger:   log.WithFields(zap.String("component", "scheduler")),
		interval: DefaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the poll loop. The first poll happens immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.logger.Info("scheduler starting", zap.Duration("interval", s.interval))

	s.wg.Add(1)
	go s.pollLoop(ctx, stopCh)
	return nil
}

// Stop stops the poll loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning returns true if the poll loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Status returns trigger statistics.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Running:          s.running,
		Interval:         s.interval.String(),
		LastTickAt:       s.lastTickAt,
		TotalStarted:     atomic.LoadInt64(&s.totalStarted),
		TotalAtCapacity:  atomic.LoadInt64(&s.totalAtCapacity),
		TotalStartFailed: atomic.LoadInt64(&s.totalStartFailed),
	}
}

func (s *Scheduler) pollLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts every scheduled task due now and returns the ids started.
func (s *Scheduler) Tick(ctx context.Context) []string {
	now := s.now()
	s.mu.Lock()
	s.lastTickAt = now
	s.mu.Unlock()

	return s.startAll(ctx, s.tasks.TasksDueBySchedule(now), runner.SourceSchedule)
}

// HandleNavigation starts every on-going task whose domain matches url and
// returns the ids started.
func (s *Scheduler) HandleNavigation(ctx context.Context, url string) []string {
	return s.startAll(ctx, s.tasks.TasksDueForDomain(url), runner.SourceDomain)
}

func (s *Scheduler) startAll(ctx context.Context, due []*models.Task, source runner.Source) []string {
	var started []string
	for _, task := range due {
		if s.tasks.IsRunning(task.ID) {
			continue
		}
		log := s.logger.WithTaskID(task.ID).WithFields(zap.String("source", string(source)))

		_, err := s.starter.Start(ctx, task.ID, source)
		switch {
		case err == nil:
			atomic.AddInt64(&s.totalStarted, 1)
			started = append(started, task.ID)
		case errors.Is(err, store.ErrAtCapacity), errors.Is(err, pool.ErrNoHostAvailable):
			atomic.AddInt64(&s.totalAtCapacity, 1)
			log.Info("cannot run: at capacity", zap.Error(err))
		case errors.Is(err, store.ErrAlreadyRunning), errors.Is(err, runner.ErrTaskDisabled):
			log.Debug("trigger skipped", zap.Error(err))
		default:
			atomic.AddInt64(&s.totalStartFailed, 1)
			log.Warn("failed to start task", zap.Error(err))
		}
	}
	return started
}
