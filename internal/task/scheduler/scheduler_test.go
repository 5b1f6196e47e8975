package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/host/pool"
	"github.com/fkiller/GnuNae-sub001/internal/task/models"
	"github.com/fkiller/GnuNae-sub001/internal/task/runner"
	"github.com/fkiller/GnuNae-sub001/internal/task/store"
)

type fakeStarter struct {
	mu      sync.Mutex
	calls   []string
	sources []runner.Source
	errs    map[string]error
}

func (f *fakeStarter) Start(ctx context.Context, id string, source runner.Source) (*runner.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	f.sources = append(f.sources, source)
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	return &runner.Run{TaskID: id, Source: source}, nil
}

func (f *fakeStarter) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var noon = time.Date(2024, 6, 12, 12, 0, 0, 0, time.Local)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tasks.json"),
		store.WithLogger(logger.NewNop()),
		store.WithClock(func() time.Time { return noon }))
	require.NoError(t, err)
	return st
}

func create(t *testing.T, st *store.Store, name string, trig models.Trigger) string {
	t.Helper()
	task, err := st.Create(store.CreateRequest{Name: name, OptimizedPrompt: "p", Trigger: trig})
	require.NoError(t, err)
	return task.ID
}

func TestTick_StartsDueScheduledTasks(t *testing.T) {
	st := newStore(t)
	due := create(t, st, "noon", models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily, Timing: "12:00"})
	create(t, st, "later", models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily, Timing: "18:00"})
	create(t, st, "one-time", models.Trigger{Type: models.TriggerOneTime})

	starter := &fakeStarter{}
	s := New(st, starter, logger.NewNop(), WithClock(func() time.Time { return noon }))

	assert.Equal(t, []string{due}, s.Tick(context.Background()))
	assert.Equal(t, []runner.Source{runner.SourceSchedule}, starter.sources)
	assert.Equal(t, noon, s.Status().LastTickAt)
}

func TestTick_AtCapacityIsLoggedNotQueued(t *testing.T) {
	st := newStore(t)
	a := create(t, st, "a", models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily, Timing: "12:00"})
	b := create(t, st, "b", models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily, Timing: "12:00"})

	starter := &fakeStarter{errs: map[string]error{b: store.ErrAtCapacity}}
	s := New(st, starter, logger.NewNop(), WithClock(func() time.Time { return noon }))

	assert.Equal(t, []string{a}, s.Tick(context.Background()))
	status := s.Status()
	assert.Equal(t, int64(1), status.TotalStarted)
	assert.Equal(t, int64(1), status.TotalAtCapacity)
	assert.Len(t, starter.started(), 2)

	starter.errs = map[string]error{b: errors.New("boom")}
	s.Tick(context.Background())
	assert.Equal(t, int64(1), s.Status().TotalStartFailed)
}

func TestTick_BusyHostPoolCountsAsCapacity(t *testing.T) {
	st := newStore(t)
	a := create(t, st, "a", models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily, Timing: "12:00"})

	starter := &fakeStarter{errs: map[string]error{a: pool.ErrNoHostAvailable}}
	s := New(st, starter, logger.NewNop(), WithClock(func() time.Time { return noon }))

	assert.Empty(t, s.Tick(context.Background()))
	status := s.Status()
	assert.Equal(t, int64(1), status.TotalAtCapacity)
	assert.Zero(t, status.TotalStartFailed)
}

func TestTick_SkipsTasksHoldingASlot(t *testing.T) {
	st := newStore(t)
	id := create(t, st, "a", models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily, Timing: "12:00"})
	require.NoError(t, st.Admit(id))

	starter := &fakeStarter{}
	s := New(st, starter, logger.NewNop(), WithClock(func() time.Time { return noon }))

	assert.Empty(t, s.Tick(context.Background()))
	assert.Empty(t, starter.started())
}

func TestHandleNavigation(t *testing.T) {
	st := newStore(t)
	mail := create(t, st, "mail", models.Trigger{Type: models.TriggerOnGoing, Domain: "example.com"})
	create(t, st, "news", models.Trigger{Type: models.TriggerOnGoing, Domain: "news.org"})

	starter := &fakeStarter{}
	s := New(st, starter, logger.NewNop())

	assert.Equal(t, []string{mail}, s.HandleNavigation(context.Background(), "https://mail.example.com/inbox"))
	assert.Equal(t, []runner.Source{runner.SourceDomain}, starter.sources)
	assert.Empty(t, s.HandleNavigation(context.Background(), "not a url"))
}

func TestStartStop(t *testing.T) {
	st := newStore(t)
	create(t, st, "a", models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily, Timing: "12:00"})
	starter := &fakeStarter{}
	s := New(st, starter, logger.NewNop(), WithInterval(10*time.Millisecond), WithClock(func() time.Time { return noon }))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)
	assert.True(t, s.IsRunning())
	assert.Eventually(t, func() bool { return len(starter.started()) >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
	assert.False(t, s.IsRunning())
}
