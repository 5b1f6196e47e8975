// Package api exposes the task store, runner and scheduler over HTTP for the
// UI collaborator.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/fkiller/GnuNae-sub001/internal/common/errors"
	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/events"
	"github.com/fkiller/GnuNae-sub001/internal/events/bus"
	"github.com/fkiller/GnuNae-sub001/internal/host/pool"
	"github.com/fkiller/GnuNae-sub001/internal/task/history"
	"github.com/fkiller/GnuNae-sub001/internal/task/models"
	"github.com/fkiller/GnuNae-sub001/internal/task/runner"
	"github.com/fkiller/GnuNae-sub001/internal/task/scheduler"
	"github.com/fkiller/GnuNae-sub001/internal/task/store"
)

// RunLister reads run history.
type RunLister interface {
	ListForTask(ctx context.Context, taskID string, limit int) ([]*history.RunRecord, error)
	DeleteForTask(ctx context.Context, taskID string) (int64, error)
}

// TaskHandlers serves /api/v1.
type TaskHandlers struct {
	store     *store.Store
	runner    *runner.Runner
	scheduler *scheduler.Scheduler
	history   RunLister
	bus       bus.EventBus
	logger    *logger.Logger
	now       func() time.Time
}

// HandlerOption configures TaskHandlers.
type HandlerOption func(*TaskHandlers)

// WithEventBus publishes task.created, task.updated and task.deleted.
func WithEventBus(b bus.EventBus) HandlerOption {
	return func(h *TaskHandlers) { h.bus = b }
}

// NewTaskHandlers creates the handlers. history may be nil.
func NewTaskHandlers(st *store.Store, rn *runner.Runner, sched *scheduler.Scheduler, hist RunLister, log *logger.Logger, opts ...HandlerOption) *TaskHandlers {
	h := &TaskHandlers{
		store:     st,
		runner:    rn,
		scheduler: sched,
		history:   hist,
		logger:    log.WithFields(zap.String("component", "task-handlers")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *TaskHandlers) publish(ctx context.Context, eventType string, task *models.Task, id string) {
	if h.bus == nil {
		return
	}
	data := map[string]interface{}{bus.DataTaskID: id}
	if task != nil {
		data["task"] = task
	}
	ev := bus.NewEvent(eventType, "task-api", data)
	if err := h.bus.Publish(context.WithoutCancel(ctx), events.BuildTaskSubject(eventType, id), ev); err != nil {
		h.logger.Debug("failed to publish task event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// RegisterRoutes mounts the task routes on router.
func (h *TaskHandlers) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	api.GET("/tasks", h.httpListTasks)
	api.POST("/tasks", h.httpCreateTask)
	api.GET("/tasks/:id", h.httpGetTask)
	api.PATCH("/tasks/:id", h.httpUpdateTask)
	api.DELETE("/tasks/:id", h.httpDeleteTask)
	api.POST("/tasks/:id/run", h.httpRunTask)
	api.POST("/tasks/:id/stop", h.httpStopTask)
	api.POST("/tasks/:id/state", h.httpApplyState)
	api.GET("/tasks/:id/runs", h.httpListRuns)

	api.GET("/runs/active", h.httpActiveRuns)
	api.GET("/schedule/upcoming", h.httpUpcoming)
	api.GET("/schedule/status", h.httpSchedulerStatus)
	api.POST("/navigation", h.httpNavigation)

	api.GET("/concurrency", h.httpGetConcurrency)
	api.PUT("/concurrency", h.httpSetConcurrency)
}

// writeError renders err as {"error": {code, message}} with the mapped status.
func (h *TaskHandlers) writeError(c *gin.Context, err error) {
	appErr := classify(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
}

func classify(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, store.ErrAtCapacity),
		errors.Is(err, store.ErrAlreadyRunning),
		errors.Is(err, store.ErrConcurrencyInUse),
		errors.Is(err, runner.ErrTaskDisabled),
		errors.Is(err, runner.ErrNotRunning):
		return apperrors.Conflict(err.Error(), err)
	case errors.Is(err, store.ErrInvalidConcurrency):
		return apperrors.BadRequest(err.Error())
	case errors.Is(err, pool.ErrNoHostAvailable):
		return apperrors.ServiceUnavailable(err.Error(), err)
	}
	return apperrors.As(err)
}

// TaskListResponse is the body of GET /tasks
type TaskListResponse struct {
	Tasks   []*models.Task `json:"tasks"`
	Total   int            `json:"total"`
	Running []string       `json:"running"`
}

func (h *TaskHandlers) httpListTasks(c *gin.Context) {
	tasks := h.store.List()
	c.JSON(http.StatusOK, TaskListResponse{Tasks: tasks, Total: len(tasks), Running: h.store.Running()})
}

// CreateTaskRequest is the body of POST /tasks
type CreateTaskRequest struct {
	Name            string           `json:"name"`
	OriginalPrompt  string           `json:"originalPrompt"`
	OptimizedPrompt string           `json:"optimizedPrompt"`
	StartURL        string           `json:"startUrl"`
	Trigger         models.Trigger   `json:"trigger"`
	DataType        models.DataType  `json:"dataType"`
	LogicType       models.LogicType `json:"logicType"`
	Mode            models.Mode      `json:"mode"`
	Favorited       bool             `json:"favorited"`
}

func (h *TaskHandlers) httpCreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	task, err := h.store.Create(store.CreateRequest{
		Name:            req.Name,
		OriginalPrompt:  req.OriginalPrompt,
		OptimizedPrompt: req.OptimizedPrompt,
		StartURL:        req.StartURL,
		Trigger:         req.Trigger,
		DataType:        req.DataType,
		LogicType:       req.LogicType,
		Mode:            req.Mode,
		Favorited:       req.Favorited,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.publish(c.Request.Context(), events.TaskCreated, task, task.ID)
	c.JSON(http.StatusCreated, task)
}

func (h *TaskHandlers) httpGetTask(c *gin.Context) {
	task, err := h.store.Get(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// UpdateTaskRequest is the body of PATCH /tasks/:id; absent fields are unchanged.
type UpdateTaskRequest struct {
	Name            *string           `json:"name"`
	OriginalPrompt  *string           `json:"originalPrompt"`
	OptimizedPrompt *string           `json:"optimizedPrompt"`
	StartURL        *string           `json:"startUrl"`
	Trigger         *models.Trigger   `json:"trigger"`
	DataType        *models.DataType  `json:"dataType"`
	LogicType       *models.LogicType `json:"logicType"`
	Enabled         *bool             `json:"enabled"`
	Favorited       *bool             `json:"favorited"`
	Mode            *models.Mode      `json:"mode"`
}

func (h *TaskHandlers) httpUpdateTask(c *gin.Context) {
	var req UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	task, err := h.store.Update(c.Param("id"), store.Patch{
		Name:            req.Name,
		OriginalPrompt:  req.OriginalPrompt,
		OptimizedPrompt: req.OptimizedPrompt,
		StartURL:        req.StartURL,
		Trigger:         req.Trigger,
		DataType:        req.DataType,
		LogicType:       req.LogicType,
		Enabled:         req.Enabled,
		Favorited:       req.Favorited,
		Mode:            req.Mode,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.publish(c.Request.Context(), events.TaskUpdated, task, task.ID)
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandlers) httpDeleteTask(c *gin.Context) {
	id := c.Param("id")
	if h.store.IsRunning(id) {
		h.writeError(c, apperrors.Conflict("task is running; stop it first", store.ErrAlreadyRunning))
		return
	}
	if err := h.store.Delete(id); err != nil {
		h.writeError(c, err)
		return
	}
	if h.history != nil {
		if _, err := h.history.DeleteForTask(c.Request.Context(), id); err != nil {
			h.logger.Warn("failed to delete run history", zap.String("task_id", id), zap.Error(err))
		}
	}
	h.publish(c.Request.Context(), events.TaskDeleted, nil, id)
	c.Status(http.StatusNoContent)
}

// RunResponse is the body of POST /tasks/:id/run
type RunResponse struct {
	TaskID    string          `json:"taskId"`
	Source    runner.Source   `json:"source"`
	StartedAt time.Time       `json:"startedAt"`
	Outcome   *runner.Outcome `json:"outcome,omitempty"`
}

// httpRunTask starts a manual run. With ?wait=true it blocks until the run
// settles and includes the outcome.
func (h *TaskHandlers) httpRunTask(c *gin.Context) {
	id := c.Param("id")
	run, err := h.runner.Start(c.Request.Context(), id, runner.SourceManual)
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := RunResponse{TaskID: run.TaskID, Source: run.Source, StartedAt: run.StartedAt}
	if wait, _ := strconv.ParseBool(c.Query("wait")); !wait {
		c.JSON(http.StatusAccepted, resp)
		return
	}

	select {
	case <-run.Done():
	case <-c.Request.Context().Done():
		return
	}
	if out, ok := run.Outcome(); ok {
		resp.Outcome = &out
	}
	c.JSON(http.StatusOK, resp)
}

func (h *TaskHandlers) httpStopTask(c *gin.Context) {
	if err := h.runner.Stop(c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "stop requested"})
}

// StateUpdateRequest is the body of POST /tasks/:id/state
type StateUpdateRequest struct {
	Updates models.State `json:"updates"`
}

func (h *TaskHandlers) httpApplyState(c *gin.Context) {
	var req StateUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	task, err := h.store.ApplyStateUpdate(c.Param("id"), req.Updates)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.publish(c.Request.Context(), events.TaskUpdated, task, task.ID)
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandlers) httpListRuns(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.Get(id); err != nil {
		h.writeError(c, err)
		return
	}
	if h.history == nil {
		c.JSON(http.StatusOK, gin.H{"runs": []*history.RunRecord{}, "total": 0})
		return
	}

	limit := history.DefaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	runs, err := h.history.ListForTask(c.Request.Context(), id, limit)
	if err != nil {
		h.writeError(c, apperrors.InternalError("failed to list runs", err))
		return
	}
	if runs == nil {
		runs = []*history.RunRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}

func (h *TaskHandlers) httpActiveRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": h.store.Running(), "active": h.runner.Active()})
}

func (h *TaskHandlers) httpUpcoming(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"upcoming": h.store.UpcomingSchedule(h.now())})
}

func (h *TaskHandlers) httpSchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// NavigationRequest is the body of POST /navigation
type NavigationRequest struct {
	URL string `json:"url" binding:"required"`
}

func (h *TaskHandlers) httpNavigation(c *gin.Context) {
	var req NavigationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperrors.BadRequest("url is required"))
		return
	}
	started := h.scheduler.HandleNavigation(c.Request.Context(), req.URL)
	if started == nil {
		started = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"started": started})
}

// ConcurrencyResponse is the body of GET/PUT /concurrency
type ConcurrencyResponse struct {
	Max     int `json:"max"`
	Running int `json:"running"`
}

func (h *TaskHandlers) concurrency() ConcurrencyResponse {
	return ConcurrencyResponse{Max: h.store.MaxConcurrency(), Running: len(h.store.Running())}
}

func (h *TaskHandlers) httpGetConcurrency(c *gin.Context) {
	c.JSON(http.StatusOK, h.concurrency())
}

// ConcurrencyRequest is the body of PUT /concurrency
type ConcurrencyRequest struct {
	Max int `json:"max"`
}

func (h *TaskHandlers) httpSetConcurrency(c *gin.Context) {
	var req ConcurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := h.store.SetMaxConcurrency(req.Max); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.concurrency())
}
