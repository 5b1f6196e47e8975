package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fkiller/GnuNae-sub001/internal/common/errors"
	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/task/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.json")
	opts = append([]Option{WithLogger(logger.NewNop())}, opts...)
	s, err := Open(path, opts...)
	require.NoError(t, err)
	return s, path
}

func createTask(t *testing.T, s *Store, name string, trig models.Trigger) *models.Task {
	t.Helper()
	task, err := s.Create(CreateRequest{Name: name, OptimizedPrompt: "ping", Trigger: trig})
	require.NoError(t, err)
	return task
}

func TestCreate_AssignsDefaultsAndPersists(t *testing.T) {
	s, path := newTestStore(t)

	task := createTask(t, s, "one", models.Trigger{Type: models.TriggerOneTime})

	assert.NotEmpty(t, task.ID)
	assert.True(t, task.Enabled)
	assert.Empty(t, task.State)
	assert.NotNil(t, task.State)
	assert.Equal(t, models.ModeAgent, task.Mode)
	assert.False(t, task.CreatedAt.IsZero())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk []models.Task
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Len(t, onDisk, 1)
	assert.Equal(t, task.ID, onDisk[0].ID)

	reopened, err := Open(path, WithLogger(logger.NewNop()))
	require.NoError(t, err)
	got, err := reopened.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "one", got.Name)
}

func TestCreate_Validation(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Create(CreateRequest{Name: "x", OptimizedPrompt: "p", Trigger: models.Trigger{Type: models.TriggerOnGoing}})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeBadRequest, apperrors.As(err).Code)

	_, err = s.Create(CreateRequest{OptimizedPrompt: "p", Trigger: models.Trigger{Type: models.TriggerOneTime}})
	require.Error(t, err)
	assert.Equal(t, "name", apperrors.As(err).Field)

	_, err = s.Create(CreateRequest{Name: "x", Trigger: models.Trigger{Type: models.TriggerOneTime}})
	assert.Error(t, err)
}

func TestUpdateAndDelete(t *testing.T) {
	s, _ := newTestStore(t)
	task := createTask(t, s, "one", models.Trigger{Type: models.TriggerOneTime})

	disabled := false
	name := "renamed"
	updated, err := s.Update(task.ID, Patch{Name: &name, Enabled: &disabled})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.False(t, updated.Enabled)
	assert.Equal(t, task.ID, updated.ID)

	require.NoError(t, s.Delete(task.ID))
	_, err = s.Get(task.ID)
	assert.True(t, apperrors.IsNotFound(err))
	assert.True(t, apperrors.IsNotFound(s.Delete(task.ID)))
}

func TestGet_ReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t)
	task := createTask(t, s, "one", models.Trigger{Type: models.TriggerOneTime})

	got, err := s.Get(task.ID)
	require.NoError(t, err)
	got.Name = "mutated"
	got.State["x"] = models.MustScalar(1)

	again, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "one", again.Name)
	assert.Empty(t, again.State)
}

func TestFailedPersist_LeavesMemoryUnchanged(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "tasks.json"), WithLogger(logger.NewNop()))
	require.NoError(t, err)
	task := createTask(t, s, "one", models.Trigger{Type: models.TriggerOneTime})

	// Point the document somewhere unwritable: a path below a regular file.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	s.path = filepath.Join(blocker, "tasks.json")

	name := "renamed"
	_, err = s.Update(task.ID, Patch{Name: &name})
	require.Error(t, err)

	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "one", got.Name)
}

func TestTasksDueForDomain(t *testing.T) {
	s, _ := newTestStore(t)
	match := createTask(t, s, "match", models.Trigger{Type: models.TriggerOnGoing, Domain: "example.com"})
	createTask(t, s, "lookalike", models.Trigger{Type: models.TriggerOnGoing, Domain: "myexample.com"})
	exact := createTask(t, s, "exact", models.Trigger{Type: models.TriggerOnGoing, Domain: "app.example.com"})
	off := createTask(t, s, "disabled", models.Trigger{Type: models.TriggerOnGoing, Domain: "example.com"})
	disabled := false
	_, err := s.Update(off.ID, Patch{Enabled: &disabled})
	require.NoError(t, err)
	createTask(t, s, "scheduled", models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily})

	due := s.TasksDueForDomain("https://app.example.com/x")
	ids := make([]string, 0, len(due))
	for _, task := range due {
		ids = append(ids, task.ID)
	}
	assert.ElementsMatch(t, []string{match.ID, exact.ID}, ids)

	assert.Len(t, s.TasksDueForDomain("https://EXAMPLE.com:8443/"), 1)
	assert.Empty(t, s.TasksDueForDomain("https://myexample.org"))
	assert.Empty(t, s.TasksDueForDomain(""))
}

func TestTasksDueBySchedule_Interval(t *testing.T) {
	now := time.Date(2024, 6, 12, 12, 0, 0, 0, time.UTC)
	s, _ := newTestStore(t)

	long := now.Add(-25 * time.Hour)
	short := now.Add(-1 * time.Hour)
	_, err := s.Import([]*models.Task{
		{ID: "long", Name: "long", Enabled: true, Trigger: models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily, LastScheduledRun: &long}},
		{ID: "short", Name: "short", Enabled: true, Trigger: models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily, LastScheduledRun: &short}},
		{ID: "hourly", Name: "hourly", Enabled: true, Trigger: models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyHourly, LastScheduledRun: &short}},
		{ID: "never", Name: "never", Enabled: true, Trigger: models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily}},
	})
	require.NoError(t, err)

	due := s.TasksDueBySchedule(now)
	ids := make([]string, 0, len(due))
	for _, task := range due {
		ids = append(ids, task.ID)
	}
	assert.ElementsMatch(t, []string{"long", "hourly"}, ids)
}

func TestTasksDueBySchedule_TimingWindow(t *testing.T) {
	s, _ := newTestStore(t)
	createTask(t, s, "nine", models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily, Timing: "09:00"})

	day := func(h, m int) time.Time { return time.Date(2024, 6, 12, h, m, 0, 0, time.Local) }

	assert.Len(t, s.TasksDueBySchedule(day(9, 0)), 1)
	assert.Len(t, s.TasksDueBySchedule(day(9, 2)), 1)
	assert.Len(t, s.TasksDueBySchedule(day(9, 4)), 1)
	assert.Empty(t, s.TasksDueBySchedule(day(8, 58)))
	assert.Empty(t, s.TasksDueBySchedule(day(9, 5)))
	assert.Empty(t, s.TasksDueBySchedule(day(9, 10)))
	assert.Empty(t, s.TasksDueBySchedule(day(23, 0)))
}

func TestTasksDueBySchedule_ConfigurableWindow(t *testing.T) {
	s, _ := newTestStore(t, WithScheduleWindow(15*time.Minute))
	createTask(t, s, "nine", models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily, Timing: "09:00"})

	assert.Len(t, s.TasksDueBySchedule(time.Date(2024, 6, 12, 9, 10, 0, 0, time.Local)), 1)
}

func TestUpcomingSchedule(t *testing.T) {
	now := time.Date(2024, 6, 12, 12, 0, 0, 0, time.Local)
	s, _ := newTestStore(t)

	last := now.Add(-2 * time.Hour)
	_, err := s.Import([]*models.Task{
		{ID: "ran", Name: "ran", Enabled: true, Trigger: models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily, LastScheduledRun: &last}},
		{ID: "passed", Name: "passed", Enabled: true, Trigger: models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily, Timing: "09:00"}},
		{ID: "later", Name: "later", Enabled: true, Trigger: models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily, Timing: "15:30"}},
		{ID: "bare", Name: "bare", Enabled: true, Trigger: models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyWeekly}},
		{ID: "busy", Name: "busy", Enabled: true, Trigger: models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyHourly}},
	})
	require.NoError(t, err)
	require.NoError(t, s.SetMaxConcurrency(2))
	require.NoError(t, s.Admit("busy"))

	upcoming := s.UpcomingSchedule(now)
	byID := make(map[string]Upcoming, len(upcoming))
	for _, u := range upcoming {
		byID[u.TaskID] = u
	}

	require.Len(t, byID, 4)
	assert.NotContains(t, byID, "busy")
	assert.Equal(t, now.Add(22*time.Hour), byID["ran"].NextRunAt)
	assert.Equal(t, time.Date(2024, 6, 13, 9, 0, 0, 0, time.Local), byID["passed"].NextRunAt)
	assert.Equal(t, int64((3*time.Hour + 30*time.Minute)/time.Millisecond), byID["later"].UntilMs)
	assert.Equal(t, int64(0), byID["bare"].UntilMs)
	assert.Equal(t, "bare", upcoming[0].TaskID)
}

func TestAdmission_Bounds(t *testing.T) {
	s, _ := newTestStore(t, WithMaxConcurrency(2))

	require.NoError(t, s.Admit("a"))
	assert.ErrorIs(t, s.Admit("a"), ErrAlreadyRunning)
	require.NoError(t, s.Admit("b"))
	assert.False(t, s.CanAdmit())
	assert.ErrorIs(t, s.Admit("c"), ErrAtCapacity)

	assert.True(t, s.Release("a"))
	assert.False(t, s.Release("a"))
	assert.False(t, s.IsRunning("a"))
	assert.True(t, s.CanAdmit())

	assert.ErrorIs(t, s.SetMaxConcurrency(0), ErrInvalidConcurrency)
	require.NoError(t, s.Admit("c"))
	assert.ErrorIs(t, s.SetMaxConcurrency(1), ErrConcurrencyInUse)
	require.NoError(t, s.SetMaxConcurrency(3))
	assert.Equal(t, []string{"b", "c"}, s.Running())
}

func TestAdmission_ConcurrentAttemptsNeverExceedLimit(t *testing.T) {
	for _, limit := range []int{1, 2, 5} {
		s, _ := newTestStore(t, WithMaxConcurrency(limit))

		var (
			wg       sync.WaitGroup
			admitted atomic.Int32
			peak     atomic.Int32
		)
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := string(rune('A' + i%26)) + string(rune('a'+i/26))
				if err := s.Admit(id); err != nil {
					return
				}
				n := admitted.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				assert.LessOrEqual(t, len(s.Running()), limit)
				admitted.Add(-1)
				s.Release(id)
			}(i)
		}
		wg.Wait()

		assert.LessOrEqual(t, int(peak.Load()), limit)
		assert.Empty(t, s.Running())
	}
}

func TestApplyStateUpdate_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	task := createTask(t, s, "prices", models.Trigger{Type: models.TriggerOneTime})

	update := models.State{"prices": models.Sequence(
		models.MustScalar(map[string]interface{}{"timestamp": "2024-01-01T00:00:00Z", "price": 10}),
		models.MustScalar(map[string]interface{}{"timestamp": "2024-01-02T00:00:00Z", "price": 11}),
	)}

	_, err := s.ApplyStateUpdate(task.ID, update)
	require.NoError(t, err)
	once, err := s.Get(task.ID)
	require.NoError(t, err)

	_, err = s.ApplyStateUpdate(task.ID, update)
	require.NoError(t, err)
	twice, err := s.Get(task.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, twice.State["prices"].Len())
	assert.True(t, once.State["prices"].Equal(twice.State["prices"]))
}

func TestRecordRunResult(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 12, 9, 1, 0, 0, time.UTC)}
	s, _ := newTestStore(t, WithClock(clock.Now))

	scheduled := createTask(t, s, "sched", models.Trigger{Type: models.TriggerScheduled, Frequency: models.FrequencyDaily, Timing: "09:00"})
	oneTime := createTask(t, s, "once", models.Trigger{Type: models.TriggerOneTime})

	got, err := s.RecordRunResult(scheduled.ID, RunResult{Success: true, StateUpdates: models.State{"n": models.MustScalar(1)}})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.Trigger.LastScheduledRun)
	assert.Equal(t, clock.Now(), *got.Trigger.LastScheduledRun)
	assert.True(t, got.State["n"].Equal(models.MustScalar(1)))

	clock.Set(clock.Now().Add(time.Hour))
	got, err = s.RecordRunResult(scheduled.ID, RunResult{Success: false})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.LastRunStatus)
	assert.Equal(t, time.Date(2024, 6, 12, 9, 1, 0, 0, time.UTC), *got.Trigger.LastScheduledRun, "failed runs keep the schedule anchor")

	got, err = s.RecordRunResult(oneTime.ID, RunResult{Success: true, Blocked: true, BlockReason: "login required"})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusBlocked, got.LastRunStatus)
	assert.Equal(t, "login required", got.LastBlockReason)
	assert.Nil(t, got.Trigger.LastScheduledRun)

	_, err = s.RecordRunResult("missing", RunResult{Success: true})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestImport_SkipsExistingIDs(t *testing.T) {
	s, _ := newTestStore(t)
	existing := createTask(t, s, "one", models.Trigger{Type: models.TriggerOneTime})

	n, err := s.Import([]*models.Task{
		{ID: existing.ID, Name: "dup", Trigger: models.Trigger{Type: models.TriggerOneTime}},
		{Name: "fresh", Trigger: models.Trigger{Type: models.TriggerOneTime}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, s.List(), 2)

	_, err = s.Import([]*models.Task{{Name: "bad", Trigger: models.Trigger{Type: models.TriggerOnGoing}}})
	assert.Error(t, err)
	assert.Len(t, s.List(), 2)
}
