package handlers

import (
	"context"

	"github.com/vibekan/vibekan/internal/common/apierr"
	"github.com/vibekan/vibekan/internal/task/models"
	"github.com/vibekan/vibekan/internal/task/store"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
	ws "github.com/vibekan/vibekan/pkg/websocket"
)

// executeTaskPayload is the task:execute frame body.
type executeTaskPayload struct {
	TaskID string `json:"task_id"`
	v1.ExecuteTaskRequest
}

// taskRefPayload addresses a single task.
type taskRefPayload struct {
	TaskID string `json:"task_id"`
}

// inputPayload is the task:input frame body.
type inputPayload struct {
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
}

// updateTaskPayload is the task.update frame body.
type updateTaskPayload struct {
	TaskID string `json:"task_id"`
	v1.UpdateTaskRequest
}

// RegisterActions wires the WebSocket action handlers into the dispatcher.
func (h *Handler) RegisterActions(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, h.wsHealth)

	d.RegisterFunc(ws.ActionTaskExecute, h.wsExecute)
	d.RegisterFunc(ws.ActionTaskStop, h.wsStop)
	d.RegisterFunc(ws.ActionTaskInput, h.wsInput)

	d.RegisterFunc(ws.ActionKanbanRequestSync, h.wsKanbanSync)
	d.RegisterFunc(ws.ActionHostList, h.wsHostList)

	d.RegisterFunc(ws.ActionTaskList, h.wsTaskList)
	d.RegisterFunc(ws.ActionTaskCreate, h.wsTaskCreate)
	d.RegisterFunc(ws.ActionTaskGet, h.wsTaskGet)
	d.RegisterFunc(ws.ActionTaskUpdate, h.wsTaskUpdate)
	d.RegisterFunc(ws.ActionTaskDelete, h.wsTaskDelete)
}

// wsError maps the error taxonomy onto WebSocket error codes.
func wsError(id, action string, err error) (*ws.Message, error) {
	code := ws.ErrorCodeInternalError
	switch apierr.KindOf(err) {
	case apierr.KindValidation:
		code = ws.ErrorCodeValidation
	case apierr.KindNotFound:
		code = ws.ErrorCodeNotFound
	case apierr.KindPrecondition, apierr.KindCancelled:
		code = ws.ErrorCodeConflict
	}
	return ws.NewError(id, action, code, err.Error(), nil)
}

func (h *Handler) wsHealth(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	status := "ok"
	if h.engine.Degraded() {
		status = "degraded"
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"status": status, "version": h.version})
}

func (h *Handler) wsExecute(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req executeTaskPayload
	if err := msg.ParsePayload(&req); err != nil || req.TaskID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
	}
	executionID, err := h.engine.StartExecution(ctx, req.TaskID, req.ExecuteTaskRequest)
	if err != nil {
		return wsError(msg.ID, msg.Action, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.ExecuteTaskResponse{ExecutionID: executionID})
}

func (h *Handler) wsStop(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req taskRefPayload
	if err := msg.ParsePayload(&req); err != nil || req.TaskID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
	}
	if err := h.engine.AbortExecution(ctx, req.TaskID); err != nil {
		return wsError(msg.ID, msg.Action, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"stopping": true})
}

func (h *Handler) wsInput(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req inputPayload
	if err := msg.ParsePayload(&req); err != nil || req.TaskID == "" || req.Content == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id and content are required", nil)
	}
	delivered, err := h.engine.SendInput(ctx, req.TaskID, req.Content)
	if err != nil {
		return wsError(msg.ID, msg.Action, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.SendInputResponse{Delivered: delivered})
}

// wsKanbanSync returns the full board projection as a kanban:sync response.
func (h *Handler) wsKanbanSync(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	tasks, err := h.tasks.ListTasks(ctx, store.Filter{})
	if err != nil {
		return wsError(msg.ID, msg.Action, err)
	}

	board := v1.BoardSnapshot{
		Todo:  []v1.Task{},
		Doing: []v1.Task{},
		Done:  []v1.Task{},
	}
	for _, t := range tasks {
		task := t.ToAPI()
		switch task.KanbanStatus {
		case v1.KanbanDoing:
			board.Doing = append(board.Doing, task)
		case v1.KanbanDone:
			board.Done = append(board.Done, task)
		default:
			board.Todo = append(board.Todo, task)
		}
	}
	return ws.NewResponse(msg.ID, ws.ActionKanbanSync, board)
}

func (h *Handler) wsHostList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"hosts": h.hosts.List()})
}

func (h *Handler) wsTaskList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		WorkspaceID  string `json:"workspace_id"`
		ProjectID    string `json:"project_id"`
		KanbanStatus string `json:"kanban_status"`
	}
	_ = msg.ParsePayload(&req)

	tasks, err := h.tasks.ListTasks(ctx, store.Filter{
		WorkspaceID:  req.WorkspaceID,
		ProjectID:    req.ProjectID,
		KanbanStatus: v1.KanbanStatus(req.KanbanStatus),
	})
	if err != nil {
		return wsError(msg.ID, msg.Action, err)
	}
	out := make([]v1.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ToAPI())
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"tasks": out})
}

func (h *Handler) wsTaskCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.CreateTaskRequest
	if err := msg.ParsePayload(&req); err != nil || req.Title == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "title is required", nil)
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
	if err := h.tasks.CreateTask(ctx, task); err != nil {
		return wsError(msg.ID, msg.Action, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, task.ToAPI())
}

func (h *Handler) wsTaskGet(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req taskRefPayload
	if err := msg.ParsePayload(&req); err != nil || req.TaskID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
	}
	task, err := h.tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		return wsError(msg.ID, msg.Action, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, task.ToAPI())
}

func (h *Handler) wsTaskUpdate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req updateTaskPayload
	if err := msg.ParsePayload(&req); err != nil || req.TaskID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
	}
	task, err := h.tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		return wsError(msg.ID, msg.Action, err)
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
	if err := h.tasks.UpdateTaskMeta(ctx, task); err != nil {
		return wsError(msg.ID, msg.Action, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, task.ToAPI())
}

func (h *Handler) wsTaskDelete(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req taskRefPayload
	if err := msg.ParsePayload(&req); err != nil || req.TaskID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
	}
	if err := h.tasks.DeleteTask(ctx, req.TaskID); err != nil {
		return wsError(msg.ID, msg.Action, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"deleted": true})
}
