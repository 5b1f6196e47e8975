// Package store is the single source of truth for Task records. It persists
// the whole task list as one JSON document on every mutation and owns the
// run-slot admission set.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/fkiller/GnuNae-sub001/internal/common/errors"
	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/task/models"
)

var (
	// ErrAtCapacity is returned by Admit when every run slot is taken.
	ErrAtCapacity = errors.New("cannot run: at capacity")
	// ErrAlreadyRunning is returned by Admit when the task already holds a slot.
	ErrAlreadyRunning = errors.New("task is already running")
	// ErrInvalidConcurrency rejects a slot limit below one.
	ErrInvalidConcurrency = errors.New("max concurrency must be at least 1")
	// ErrConcurrencyInUse rejects a slot limit below the number of running tasks.
	ErrConcurrencyInUse = errors.New("max concurrency is below the number of running tasks")
)

const (
	documentFileMode = 0o600
	documentDirMode  = 0o700
	tempFilePattern  = ".tasks-*.json.tmp"

	// DefaultScheduleWindow is how long after its timing a never-run task stays due.
	DefaultScheduleWindow = 5 * time.Minute
	// DefaultMaxConcurrency is the number of run slots when none is configured.
	DefaultMaxConcurrency = 1
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxConcurrency sets the initial number of run slots (minimum 1).
func WithMaxConcurrency(n int) Option {
	return func(s *Store) {
		if n >= 1 {
			s.maxConcurrency = n
		}
	}
}

// WithScheduleWindow sets the due window for never-run timed tasks.
func WithScheduleWindow(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.scheduleWindow = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Store) { s.logger = log }
}

// Store holds the canonical task map and the running set.
type Store struct {
	path           string
	now            func() time.Time
	scheduleWindow time.Duration
	logger         *logger.Logger

	mu    sync.Mutex
	tasks map[string]*models.Task

	slotMu         sync.Mutex
	running        map[string]struct{}
	maxConcurrency int
}

// Open loads the document at path (a missing file is an empty store).
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:           path,
		now:            time.Now,
		scheduleWindow: DefaultScheduleWindow,
		logger:         logger.Default(),
		tasks:          make(map[string]*models.Task),
		running:        make(map[string]struct{}),
		maxConcurrency: DefaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithFields(zap.String("component", "task-store"))

	if err := s.load(); err != nil {
		return nil, err
	}
	s.logger.Info("task store opened",
		zap.String("path", path),
		zap.Int("tasks", len(s.tasks)),
		zap.Int("max_concurrency", s.maxConcurrency))
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read task document: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	var list []*models.Task
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("decode task document %s: %w", s.path, err)
	}
	for _, t := range list {
		if t == nil || t.ID == "" {
			continue
		}
		if t.State == nil {
			t.State = models.State{}
		}
		s.tasks[t.ID] = t
	}
	return nil
}

// persistLocked rewrites the whole document. Caller holds s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.sortedLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode task document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, documentDirMode); err != nil {
		return fmt.Errorf("create task document dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp task document: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp task document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp task document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp task document: %w", err)
	}
	if err := os.Chmod(tmpName, documentFileMode); err != nil {
		return fmt.Errorf("chmod temp task document: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace task document: %w", err)
	}
	return nil
}

func (s *Store) sortedLocked() []*models.Task {
	list := make([]*models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// mutateLocked applies fn to a copy of the task, persists, and only then
// swaps the copy in. A failed write leaves memory untouched.
func (s *Store) mutateLocked(id string, fn func(t *models.Task) error) (*models.Task, error) {
	current, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	s.tasks[id] = next
	if err := s.persistLocked(); err != nil {
		s.tasks[id] = current
		return nil, apperrors.InternalError("failed to persist task", err)
	}
	return next.Clone(), nil
}

// CreateRequest carries the user-supplied fields of a new task.
type CreateRequest struct {
	Name            string
	OriginalPrompt  string
	OptimizedPrompt string
	StartURL        string
	Trigger         models.Trigger
	DataType        models.DataType
	LogicType       models.LogicType
	Mode            models.Mode
	Favorited       bool
}

// Create assigns a fresh id, createdAt, an empty state and enabled=true.
func (s *Store) Create(req CreateRequest) (*models.Task, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperrors.InvalidField("name", "name is required")
	}
	if strings.TrimSpace(req.OriginalPrompt) == "" && strings.TrimSpace(req.OptimizedPrompt) == "" {
		return nil, apperrors.InvalidField("prompt", "a prompt is required")
	}
	req.Trigger.LastScheduledRun = nil
	req.Trigger.Domain = normalizeDomain(req.Trigger.Domain)
	if err := req.Trigger.Validate(); err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}
	mode := req.Mode
	if mode == "" {
		mode = models.ModeAgent
	}
	if !mode.Valid() {
		return nil, apperrors.InvalidField("mode", "unknown mode %q", mode)
	}

	t := &models.Task{
		ID:              uuid.New().String(),
		Name:            strings.TrimSpace(req.Name),
		OriginalPrompt:  req.OriginalPrompt,
		OptimizedPrompt: req.OptimizedPrompt,
		StartURL:        req.StartURL,
		Trigger:         req.Trigger,
		DataType:        req.DataType,
		LogicType:       req.LogicType,
		State:           models.State{},
		Enabled:         true,
		Favorited:       req.Favorited,
		Mode:            mode,
		CreatedAt:       s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	if err := s.persistLocked(); err != nil {
		delete(s.tasks, t.ID)
		return nil, apperrors.InternalError("failed to persist task", err)
	}
	s.logger.Info("task created", zap.String("task_id", t.ID), zap.String("trigger", string(t.Trigger.Type)))
	return t.Clone(), nil
}

// Import inserts fully formed tasks, keeping their ids. Existing ids are
// skipped. Returns the number of tasks added.
func (s *Store) Import(tasks []*models.Task) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	for _, t := range tasks {
		if t == nil {
			continue
		}
		if _, exists := s.tasks[t.ID]; exists && t.ID != "" {
			continue
		}
		if err := t.Trigger.Validate(); err != nil {
			for _, id := range added {
				delete(s.tasks, id)
			}
			return 0, apperrors.BadRequest(fmt.Sprintf("task %q: %v", t.Name, err))
		}
		c := t.Clone()
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = s.now().UTC()
		}
		if c.State == nil {
			c.State = models.State{}
		}
		if c.Mode == "" {
			c.Mode = models.ModeAgent
		}
		s.tasks[c.ID] = c
		added = append(added, c.ID)
	}
	if len(added) == 0 {
		return 0, nil
	}
	if err := s.persistLocked(); err != nil {
		for _, id := range added {
			delete(s.tasks, id)
		}
		return 0, apperrors.InternalError("failed to persist imported tasks", err)
	}
	return len(added), nil
}

// Get returns a copy of the task.
func (s *Store) Get(id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	return t.Clone(), nil
}

// List returns copies of all tasks ordered by creation time.
func (s *Store) List() []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.sortedLocked()
	out := make([]*models.Task, len(list))
	for i, t := range list {
		out[i] = t.Clone()
	}
	return out
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Name            *string
	OriginalPrompt  *string
	OptimizedPrompt *string
	StartURL        *string
	Trigger         *models.Trigger
	DataType        *models.DataType
	LogicType       *models.LogicType
	Enabled         *bool
	Favorited       *bool
	Mode            *models.Mode
}

// Update merges patch into the task and persists.
func (s *Store) Update(id string, patch Patch) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateLocked(id, func(t *models.Task) error {
		if patch.Name != nil {
			if strings.TrimSpace(*patch.Name) == "" {
				return apperrors.InvalidField("name", "name cannot be empty")
			}
			t.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.OriginalPrompt != nil {
			t.OriginalPrompt = *patch.OriginalPrompt
		}
		if patch.OptimizedPrompt != nil {
			t.OptimizedPrompt = *patch.OptimizedPrompt
		}
		if patch.StartURL != nil {
			t.StartURL = *patch.StartURL
		}
		if patch.Trigger != nil {
			trig := *patch.Trigger
			trig.Domain = normalizeDomain(trig.Domain)
			if trig.Type == t.Trigger.Type && trig.LastScheduledRun == nil {
				trig.LastScheduledRun = t.Trigger.LastScheduledRun
			}
			if err := trig.Validate(); err != nil {
				return apperrors.BadRequest(err.Error())
			}
			t.Trigger = trig
		}
		if patch.DataType != nil {
			t.DataType = *patch.DataType
		}
		if patch.LogicType != nil {
			t.LogicType = *patch.LogicType
		}
		if patch.Enabled != nil {
			t.Enabled = *patch.Enabled
		}
		if patch.Favorited != nil {
			t.Favorited = *patch.Favorited
		}
		if patch.Mode != nil {
			if !patch.Mode.Valid() {
				return apperrors.InvalidField("mode", "unknown mode %q", *patch.Mode)
			}
			t.Mode = *patch.Mode
		}
		return nil
	})
}

// Delete removes the task and persists.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tasks[id]
	if !ok {
		return apperrors.NotFound("task", id)
	}
	delete(s.tasks, id)
	if err := s.persistLocked(); err != nil {
		s.tasks[id] = current
		return apperrors.InternalError("failed to persist task deletion", err)
	}
	s.logger.Info("task deleted", zap.String("task_id", id))
	return nil
}

// ApplyStateUpdate merges updates into the task state (see models.State.Merge).
func (s *Store) ApplyStateUpdate(id string, updates models.State) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateLocked(id, func(t *models.Task) error {
		if t.State == nil {
			t.State = models.State{}
		}
		t.State.Merge(updates)
		return nil
	})
}

// RunResult is the outcome handed to RecordRunResult.
type RunResult struct {
	Success      bool
	Blocked      bool
	BlockReason  string
	StateUpdates models.State
}

// Status maps the result onto the persisted status.
func (r RunResult) Status() models.RunStatus {
	switch {
	case r.Blocked:
		return models.RunStatusBlocked
	case r.Success:
		return models.RunStatusSuccess
	}
	return models.RunStatusFailed
}

// RecordRunResult is the only write path for run outcomes. A successful run
// of a scheduled task also stamps the trigger's last scheduled run.
func (s *Store) RecordRunResult(id string, result RunResult) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	return s.mutateLocked(id, func(t *models.Task) error {
		t.LastRunAt = &now
		t.LastRunStatus = result.Status()
		t.LastBlockReason = ""
		if result.Blocked {
			t.LastBlockReason = result.BlockReason
		}
		if len(result.StateUpdates) > 0 {
			if t.State == nil {
				t.State = models.State{}
			}
			t.State.Merge(result.StateUpdates)
		}
		if result.Success && !result.Blocked && t.Trigger.Type == models.TriggerScheduled {
			stamp := now
			t.Trigger.LastScheduledRun = &stamp
		}
		return nil
	})
}

// Close is a no-op kept for lifecycle symmetry; every mutation is already durable.
func (s *Store) Close() error {
	return nil
}
