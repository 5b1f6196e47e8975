// Package runner turns task triggers into execution attempts on a host,
// enforcing the store's admission contract.
package runner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/common/tracing"
	"github.com/fkiller/GnuNae-sub001/internal/events"
	"github.com/fkiller/GnuNae-sub001/internal/events/bus"
	"github.com/fkiller/GnuNae-sub001/internal/host/client"
	"github.com/fkiller/GnuNae-sub001/internal/host/pool"
	"github.com/fkiller/GnuNae-sub001/internal/task/history"
	"github.com/fkiller/GnuNae-sub001/internal/task/models"
	"github.com/fkiller/GnuNae-sub001/internal/task/store"
)

// Source names what triggered a run.
type Source string

const (
	SourceManual   Source = "manual"
	SourceDomain   Source = "domain"
	SourceSchedule Source = "schedule"
)

var (
	// ErrTaskDisabled is returned by Start for a disabled task.
	ErrTaskDisabled = errors.New("task is disabled")
	// ErrNotRunning is returned by Stop when the task has no active run.
	ErrNotRunning = errors.New("task is not running")
)

const (
	stderrTailSize = 4096
	leaseTimeout   = 30 * time.Second
)

// HostProvider hands out one execution host per run.
type HostProvider interface {
	Acquire(ctx context.Context, taskID string) (pool.Lease, error)
}

// HostReserver is implemented by providers with a fixed set of hosts. Start
// reserves the host as part of admission so that a run is only launched when
// a host is free, and a busy pool is refused like a full slot table.
type HostReserver interface {
	Reserve(taskID string) (pool.Lease, error)
}

// HistoryRecorder persists terminal outcomes.
type HistoryRecorder interface {
	Record(ctx context.Context, rec *history.RunRecord) error
}

// Outcome is the terminal result of one run.
type Outcome struct {
	TaskID       string           `json:"taskId"`
	Source       Source           `json:"source"`
	Status       models.RunStatus `json:"status"`
	ExitCode     *int             `json:"exitCode"`
	Block        *Block           `json:"block,omitempty"`
	StateUpdates models.State     `json:"stateUpdates,omitempty"`
	StderrTail   string           `json:"stderrTail,omitempty"`
	Host         string           `json:"host,omitempty"`
	StartedAt    time.Time        `json:"startedAt"`
	FinishedAt   time.Time        `json:"finishedAt"`
}

// Run is one admitted execution attempt.
type Run struct {
	TaskID    string
	Source    Source
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	exec      *client.Execution
	cancelled bool
	outcome   *Outcome

	releaseOnce sync.Once
}

// Done is closed once the host stream has ended and the slot is released.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Outcome returns the terminal result. It is set before Done is closed; a
// blocked run has its outcome as soon as the block is detected.
func (r *Run) Outcome() (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome == nil {
		return Outcome{}, false
	}
	return *r.outcome, true
}

// Cancel aborts the run and asks the host to stop its session. The run
// still ends through the normal failure path.
func (r *Run) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	exec := r.exec
	r.mu.Unlock()

	if exec != nil {
		exec.Cancel()
	}
	r.cancel()
}

// attach records the live execution; it reports false when Cancel already ran.
func (r *Run) attach(exec *client.Execution) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec = exec
	return !r.cancelled
}

func (r *Run) settle(out Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome != nil {
		return false
	}
	r.outcome = &out
	return true
}

// Option configures a Runner.
type Option func(*Runner)

// WithCollaborator sets the navigation/UI collaborator.
func WithCollaborator(c Collaborator) Option {
	return func(r *Runner) { r.collab = c }
}

// WithHistory records every terminal outcome.
func WithHistory(h HistoryRecorder) Option {
	return func(r *Runner) { r.history = h }
}

// WithEventBus publishes run output and completion events.
func WithEventBus(b bus.EventBus) Option {
	return func(r *Runner) { r.bus = b }
}

// WithBlockDetector replaces the default pattern detector.
func WithBlockDetector(d BlockDetector) Option {
	return func(r *Runner) { r.detector = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(r *Runner) { r.logger = log }
}

// Runner drives task runs. Runs are independent once admitted; the only
// shared limit is the store's slot count.
type Runner struct {
	store    *store.Store
	hosts    HostProvider
	collab   Collaborator
	history  HistoryRecorder
	bus      bus.EventBus
	detector BlockDetector
	logger   *logger.Logger
	now      func() time.Time

	mu   sync.Mutex
	runs map[string]*Run
	wg   sync.WaitGroup
}

// New creates a runner over st that executes on hosts from hosts.
func New(st *store.Store, hosts HostProvider, opts ...Option) *Runner {
	r := &Runner{
		store:    st,
		hosts:    hosts,
		collab:   nopCollaborator{},
		detector: NewPatternDetector(),
		logger:   logger.Default(),
		now:      time.Now,
		runs:     make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithFields(zap.String("component", "task-runner"))
	return r
}

// Start admits and launches one run of task id. It returns ErrTaskDisabled,
// store.ErrAtCapacity or store.ErrAlreadyRunning without touching any host,
// and pool.ErrNoHostAvailable when a fixed pool has no idle host. None of
// these refusals is recorded as a run.
// The run outlives ctx; use Run.Cancel to stop it.
func (r *Runner) Start(ctx context.Context, id string, source Source) (*Run, error) {
	task, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	log := r.logger.WithTaskID(id).WithFields(zap.String("source", string(source)))
	if !task.Enabled {
		log.Debug("ignoring trigger for disabled task")
		return nil, ErrTaskDisabled
	}
	if err := r.store.Admit(id); err != nil {
		log.Info("task not admitted", zap.Error(err))
		return nil, err
	}
	var lease pool.Lease
	if hr, ok := r.hosts.(HostReserver); ok {
		lease, err = hr.Reserve(id)
		if err != nil {
			r.store.Release(id)
			log.Info("task not admitted", zap.Error(err))
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &Run{
		TaskID:    id,
		Source:    source,
		StartedAt: r.now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.runs[id] = run
	r.mu.Unlock()

	r.wg.Add(1)
	go r.execute(runCtx, run, task, lease)

	log.Info("task run started")
	return run, nil
}

// RunSync starts a run and waits for it. Cancelling ctx cancels the run.
func (r *Runner) RunSync(ctx context.Context, id string, source Source) (Outcome, error) {
	run, err := r.Start(ctx, id, source)
	if err != nil {
		return Outcome{}, err
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		run.Cancel()
		<-run.Done()
	}
	out, _ := run.Outcome()
	return out, ctx.Err()
}

// Stop cancels the active run of task id.
func (r *Runner) Stop(id string) error {
	r.mu.Lock()
	run, ok := r.runs[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	run.Cancel()
	return nil
}

// Get returns the active run of task id.
func (r *Runner) Get(id string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	return run, ok
}

// Active returns the ids of tasks with a live run, including blocked runs
// whose host stream has not ended yet.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every run and waits for them to settle.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, run := range r.runs {
		run.Cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute drives one admitted run. lease is the host reserved by Start, or
// nil when the provider hands hosts out on demand.
func (r *Runner) execute(ctx context.Context, run *Run, task *models.Task, lease pool.Lease) {
	defer r.wg.Done()
	defer close(run.done)
	defer r.forget(run)
	defer r.release(run)
	defer run.cancel()

	ctx, span := tracing.Tracer("gnunae-controller").Start(ctx, "task.run",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.source", string(run.Source)),
			attribute.String("task.trigger", string(task.Trigger.Type))))
	defer span.End()

	log := r.logger.WithTaskID(task.ID)

	r.collab.OnTaskExecute(ctx, ExecuteNotice{
		TaskID:    task.ID,
		Prompt:    task.Prompt(),
		Mode:      task.Mode,
		Name:      task.Name,
		StartURL:  task.StartURL,
		UseNewTab: task.Trigger.Type != models.TriggerOnGoing,
	})

	if lease == nil {
		var err error
		lease, err = r.hosts.Acquire(ctx, task.ID)
		if err != nil {
			log.Warn("no host for run", zap.Error(err))
			r.finish(ctx, span, run, task, Outcome{Status: models.RunStatusFailed, StderrTail: err.Error()})
			return
		}
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), leaseTimeout)
		defer cancel()
		lease.Release(releaseCtx)
	}()

	host := lease.Client().Address()
	exec := lease.Client().Execute(ctx, client.ExecuteRequest{
		Prompt: task.Prompt(),
		Mode:   string(task.Mode),
	})
	if !run.attach(exec) {
		exec.Cancel()
	}

	var (
		stdout   lineBuffer
		stderr   = tailBuffer{max: stderrTailSize}
		updates  models.State
		block    *Block
		exitCode *int
		exited   bool
	)

	handleLine := func(line string) {
		if block != nil {
			return
		}
		if u, ok, err := parseStateLine(line); ok {
			if err != nil {
				log.Warn("ignoring state update", zap.Error(err))
				return
			}
			if updates == nil {
				updates = models.State{}
			}
			updates.Merge(u)
			return
		}
		if b, ok := r.detector.Detect(line); ok {
			block = &b
			r.block(ctx, span, run, task, b, host)
		}
	}

	for ev := range exec.Events() {
		// A blocked run is left to a human; the rest of the stream is drained unseen.
		if block != nil {
			continue
		}
		switch ev.Type {
		case client.EventStdout:
			r.publishOutput(ctx, task.ID, ev)
			for _, line := range stdout.Feed(ev.Data) {
				handleLine(line)
			}
		case client.EventStderr:
			r.publishOutput(ctx, task.ID, ev)
			stderr.Write(ev.Data)
		case client.EventExit:
			exitCode = ev.Code
			exited = true
		}
	}
	if block == nil {
		if line, ok := stdout.Flush(); ok {
			handleLine(line)
		}
	}
	if block != nil {
		log.Debug("blocked run stream ended")
		return
	}

	out := Outcome{
		Status:     models.RunStatusFailed,
		ExitCode:   exitCode,
		StderrTail: stderr.String(),
		Host:       host,
	}
	if exited && exitCode != nil && *exitCode == 0 {
		out.Status = models.RunStatusSuccess
		out.StateUpdates = updates
	}
	r.finish(ctx, span, run, task, out)
}

// block settles a run as blocked, hands it off and frees its slot while
// the host session is left running.
func (r *Runner) block(ctx context.Context, span trace.Span, run *Run, task *models.Task, b Block, host string) {
	r.finish(ctx, span, run, task, Outcome{Status: models.RunStatusBlocked, Block: &b, Host: host})
	r.collab.OnTaskBlocked(ctx, BlockNotice{
		TaskID:  task.ID,
		Type:    b.Type,
		Message: b.Message,
		Detail:  b.Detail,
		Hint:    Hint(b.Type),
	})
	r.release(run)
}

// finish is the single path from a run to RecordRunResult.
func (r *Runner) finish(ctx context.Context, span trace.Span, run *Run, task *models.Task, out Outcome) {
	ctx = context.WithoutCancel(ctx)
	out.TaskID = task.ID
	out.Source = run.Source
	out.StartedAt = run.StartedAt
	out.FinishedAt = r.now().UTC()
	if !run.settle(out) {
		return
	}

	log := r.logger.WithTaskID(task.ID)
	result := store.RunResult{
		Success:      out.Status == models.RunStatusSuccess,
		Blocked:      out.Status == models.RunStatusBlocked,
		StateUpdates: out.StateUpdates,
	}
	if out.Block != nil {
		result.BlockReason = out.Block.Reason()
	}
	if _, err := r.store.RecordRunResult(task.ID, result); err != nil {
		log.Warn("failed to record run result", zap.Error(err))
	}

	span.SetAttributes(attribute.String("task.status", string(out.Status)))
	if out.Status == models.RunStatusFailed {
		span.SetStatus(codes.Error, "run failed")
	}

	fields := []zap.Field{zap.String("status", string(out.Status)), zap.Duration("duration", out.FinishedAt.Sub(out.StartedAt))}
	if out.ExitCode != nil {
		fields = append(fields, zap.Int("exit_code", *out.ExitCode))
	}
	if out.Block != nil {
		fields = append(fields, zap.String("block_reason", out.Block.Reason()))
	}
	log.Info("task run finished", fields...)

	if r.history != nil {
		rec := &history.RunRecord{
			TaskID:     task.ID,
			TaskName:   task.Name,
			Source:     string(out.Source),
			Status:     string(out.Status),
			ExitCode:   out.ExitCode,
			StderrTail: out.StderrTail,
			Host:       out.Host,
			StartedAt:  out.StartedAt,
			FinishedAt: out.FinishedAt,
		}
		if out.Block != nil {
			rec.BlockReason = out.Block.Reason()
		}
		if err := r.history.Record(ctx, rec); err != nil {
			log.Warn("failed to record run history", zap.Error(err))
		}
	}

	if r.bus != nil {
		data := map[string]interface{}{
			bus.DataTaskID: task.ID,
			"source":       string(out.Source),
			"status":       string(out.Status),
			"exitCode":     out.ExitCode,
		}
		if out.Block != nil {
			data["blockReason"] = out.Block.Reason()
		}
		if out.Status == models.RunStatusFailed {
			data["stderrTail"] = out.StderrTail
		}
		r.publish(ctx, events.TaskCompleted, task.ID, data)
	}
}

func (r *Runner) publishOutput(ctx context.Context, taskID string, ev client.Event) {
	if r.bus == nil {
		return
	}
	r.publish(ctx, events.TaskOutput, taskID, map[string]interface{}{
		bus.DataTaskID: taskID,
		"stream":       string(ev.Type),
		"data":         ev.Data,
	})
}

func (r *Runner) publish(ctx context.Context, eventType, taskID string, data map[string]interface{}) {
	ev := bus.NewEvent(eventType, "task-runner", data)
	if err := r.bus.Publish(ctx, events.BuildTaskSubject(eventType, taskID), ev); err != nil {
		r.logger.Debug("failed to publish run event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// release frees the run's slot exactly once.
func (r *Runner) release(run *Run) {
	run.releaseOnce.Do(func() {
		if !r.store.Release(run.TaskID) {
			r.logger.Warn("run slot was not held", zap.String("task_id", run.TaskID))
		}
	})
}

func (r *Runner) forget(run *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs[run.TaskID] == run {
		delete(r.runs, run.TaskID)
	}
}
