// Package handlers exposes the gateway's REST surface and the WebSocket
// action handlers backing it.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibekan/vibekan/internal/common/apierr"
	"github.com/vibekan/vibekan/internal/common/config"
	"github.com/vibekan/vibekan/internal/common/logger"
	"github.com/vibekan/vibekan/internal/engine"
	"github.com/vibekan/vibekan/internal/eventlog"
	"github.com/vibekan/vibekan/internal/host"
	"github.com/vibekan/vibekan/internal/task/models"
	"github.com/vibekan/vibekan/internal/task/store"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

const defaultEventPageSize = 200

// Handler contains the HTTP handlers for the task and host APIs.
type Handler struct {
	tasks   store.Store
	engine  *engine.Engine
	log     *eventlog.Log
	hosts   *host.Registry
	cfg     *config.Config
	version string
	logger  *logger.Logger
}

// NewHandler creates an API handler.
func NewHandler(tasks store.Store, eng *engine.Engine, log *eventlog.Log, hosts *host.Registry, cfg *config.Config, version string, lg *logger.Logger) *Handler {
	return &Handler{
		tasks:   tasks,
		engine:  eng,
		log:     log,
		hosts:   hosts,
		cfg:     cfg,
		version: version,
		logger:  lg.WithFields(zap.String("component", "api")),
	}
}

// RegisterRoutes mounts the REST API on the router.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)

	api := r.Group("/api")
	{
		api.POST("/tasks", h.CreateTask)
		api.GET("/tasks", h.ListTasks)
		api.GET("/tasks/:taskId", h.GetTask)
		api.PATCH("/tasks/:taskId", h.UpdateTask)
		api.DELETE("/tasks/:taskId", h.DeleteTask)

		api.POST("/tasks/:taskId/execute", h.ExecuteTask)
		api.POST("/tasks/:taskId/abort", h.AbortTask)
		api.POST("/tasks/:taskId/input", h.SendInput)
		api.POST("/tasks/:taskId/cleanup", h.CleanupWorktree)
		api.GET("/tasks/:taskId/execution-status", h.ExecutionStatus)
		api.GET("/tasks/:taskId/runs", h.ListRuns)
		api.GET("/tasks/:taskId/runs/:executionId/events", h.ListRunEvents)

		api.GET("/hosts", h.ListHosts)
		api.GET("/hosts/:hostId/models", h.ListHostModels)
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	c.JSON(apierr.HTTPStatus(err), apierr.Payload(err))
}

// Health reports service status.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	status := "ok"
	if h.engine.Degraded() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, v1.HealthResponse{
		Status:    status,
		Version:   h.version,
		WorkerURL: h.cfg.Agent.WorkerURL,
		DataDir:   h.cfg.Data.Dir,
		FeatureFlags: map[string]bool{
			"memoryEnhanced": h.cfg.Features.MemoryEnhanced,
		},
	})
}

// CreateTask creates a task in the todo column.
// POST /api/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req v1.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apierr.Wrap(apierr.KindValidation, "invalid request body", err))
		return
	}

	task := &models.Task{
		Title:       req.Title,
		Description: req.Description,
		WorkspaceID: req.WorkspaceID,
		ProjectID:   req.ProjectID,
		AgentType:   req.AgentType,
		BaseBranch:  req.BaseBranch,
		Model:       req.Model,
	}
	if err := h.tasks.CreateTask(c.Request.Context(), task); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task.ToAPI())
}

// GetTask retrieves a task.
// GET /api/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.tasks.GetTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task.ToAPI())
}

// ListTasks lists tasks, optionally filtered.
// GET /api/tasks?workspace_id=&project_id=&kanban_status=
func (h *Handler) ListTasks(c *gin.Context) {
	filter := store.Filter{
		WorkspaceID:  c.Query("workspace_id"),
		ProjectID:    c.Query("project_id"),
		KanbanStatus: v1.KanbanStatus(c.Query("kanban_status")),
	}
	tasks, err := h.tasks.ListTasks(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	out := make([]v1.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ToAPI())
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

// UpdateTask updates task metadata.
// PATCH /api/tasks/:taskId
func (h *Handler) UpdateTask(c *gin.Context) {
	var req v1.UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apierr.Wrap(apierr.KindValidation, "invalid request body", err))
		return
	}

	task, err := h.tasks.GetTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.AgentType != nil {
		task.AgentType = *req.AgentType
	}
	if req.BaseBranch != nil {
		task.BaseBranch = *req.BaseBranch
	}
	if req.Model != nil {
		task.Model = *req.Model
	}
	if err := h.tasks.UpdateTaskMeta(c.Request.Context(), task); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task.ToAPI())
}

// DeleteTask removes a task. Rejected while its current execution is active.
// DELETE /api/tasks/:taskId
func (h *Handler) DeleteTask(c *gin.Context) {
	if err := h.tasks.DeleteTask(c.Request.Context(), c.Param("taskId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ExecuteTask starts an execution.
// POST /api/tasks/:taskId/execute
func (h *Handler) ExecuteTask(c *gin.Context) {
	var req v1.ExecuteTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.respondError(c, apierr.Wrap(apierr.KindValidation, "invalid request body", err))
			return
		}
	}

	executionID, err := h.engine.StartExecution(c.Request.Context(), c.Param("taskId"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, v1.ExecuteTaskResponse{ExecutionID: executionID})
}

// AbortTask requests a stop of the active execution. Idempotent.
// POST /api/tasks/:taskId/abort
func (h *Handler) AbortTask(c *gin.Context) {
	if err := h.engine.AbortExecution(c.Request.Context(), c.Param("taskId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// SendInput forwards input to the running agent.
// POST /api/tasks/:taskId/input
func (h *Handler) SendInput(c *gin.Context) {
	var req v1.SendInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apierr.Wrap(apierr.KindValidation, "invalid request body", err))
		return
	}
	delivered, err := h.engine.SendInput(c.Request.Context(), c.Param("taskId"), req.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.SendInputResponse{Delivered: delivered})
}

// CleanupWorktree destroys the terminal execution's worktree.
// POST /api/tasks/:taskId/cleanup
func (h *Handler) CleanupWorktree(c *gin.Context) {
	cleaned, err := h.engine.CleanupWorktree(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleaned": cleaned})
}

// ExecutionStatus returns the task's current execution snapshot.
// GET /api/tasks/:taskId/execution-status
func (h *Handler) ExecutionStatus(c *gin.Context) {
	exec, err := h.engine.ExecutionStatus(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// ListRuns lists all executions of a task, newest first.
// GET /api/tasks/:taskId/runs
func (h *Handler) ListRuns(c *gin.Context) {
	runs, err := h.log.ListRuns(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// ListRunEvents pages through one run's event timeline.
// GET /api/tasks/:taskId/runs/:executionId/events?offset=&limit=&kind=&agent_event_kind=
func (h *Handler) ListRunEvents(c *gin.Context) {
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		h.respondError(c, err)
		return
	}
	limit, err := queryInt(c, "limit", defaultEventPageSize)
	if err != nil {
		h.respondError(c, err)
		return
	}

	q := eventlog.ReadQuery{
		ExecutionID:    c.Param("executionId"),
		TaskID:         c.Param("taskId"),
		Kind:           v1.EventKind(c.Query("kind")),
		AgentEventKind: v1.AgentEventKind(c.Query("agent_event_kind")),
		Offset:         offset,
		Limit:          limit,
	}
	events, total, err := h.log.Read(c.Request.Context(), q)
	if err != nil {
		h.respondError(c, err)
		return
	}

	page := v1.EventPage{
		Events: make([]v1.ExecutionEvent, 0, len(events)),
		Total:  total,
		Offset: offset,
		Limit:  limit,
	}
	for _, ev := range events {
		page.Events = append(page.Events, ev.ToAPI())
	}
	c.JSON(http.StatusOK, page)
}

// ListHosts lists registered hosts.
// GET /api/hosts
func (h *Handler) ListHosts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"hosts": h.hosts.List()})
}

// ListHostModels lists the models a host's agent runtimes advertise. The
// local host answers from a static table; remote hosts would be proxied.
// GET /api/hosts/:hostId/models
func (h *Handler) ListHostModels(c *gin.Context) {
	hostID := c.Param("hostId")
	rec, err := h.hosts.Get(hostID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	out := make([]v1.HostModel, 0)
	for _, agent := range rec.Capabilities.SupportedAgents {
		out = append(out, agentModels(agent)...)
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0, apierr.Newf(apierr.KindValidation, "%s must be a non-negative integer", name)
	}
	return val, nil
}
