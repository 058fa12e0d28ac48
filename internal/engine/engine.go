// Package engine owns the execution state machine. It composes the host
// registry, worktree manager, agent adapters, event log, and subscription
// bus into the run lifecycle of a task.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibekan/vibekan/internal/agent/adapter"
	"github.com/vibekan/vibekan/internal/common/apierr"
	"github.com/vibekan/vibekan/internal/common/config"
	"github.com/vibekan/vibekan/internal/common/logger"
	"github.com/vibekan/vibekan/internal/eventlog"
	"github.com/vibekan/vibekan/internal/events/bus"
	"github.com/vibekan/vibekan/internal/host"
	"github.com/vibekan/vibekan/internal/subscription"
	"github.com/vibekan/vibekan/internal/task/models"
	"github.com/vibekan/vibekan/internal/task/store"
	"github.com/vibekan/vibekan/internal/worktree"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

// WorktreeManager is the slice of the worktree manager the engine uses.
type WorktreeManager interface {
	Create(ctx context.Context, repoPath, executionID, baseBranch string) (*worktree.Worktree, error)
	Destroy(ctx context.Context, executionID string) error
	Reconcile(ctx context.Context, keepExecutionIDs []string) error
}

// AdapterFactory starts agent sessions by agent type.
type AdapterFactory interface {
	Start(ctx context.Context, agentType v1.AgentType, workingDir string, env map[string]string) (adapter.Handle, error)
}

// Deps are the collaborators the engine composes.
type Deps struct {
	Tasks     store.Store
	Log       *eventlog.Log
	Hosts     *host.Registry
	Worktrees WorktreeManager
	Adapters  AdapterFactory
	Subs      *subscription.Manager
	Bus       bus.EventBus
}

// Engine drives executions through the state machine. At most one run per
// task is active; the active map is the single-leader lock for concurrent
// start requests.
type Engine struct {
	cfg       config.AgentConfig
	tasks     store.Store
	log       *eventlog.Log
	hosts     *host.Registry
	worktrees WorktreeManager
	adapters  AdapterFactory
	subs      *subscription.Manager
	bus       bus.EventBus
	logger    *logger.Logger

	mu     sync.Mutex
	active map[string]*run

	// degraded is set when the event log fails a write. New executions are
	// refused until the gateway restarts.
	degraded atomic.Bool
}

// run is the in-flight state of one execution.
type run struct {
	exec       *models.Execution
	prompt     string
	model      string
	repoPath   string
	baseBranch string
	agentType  v1.AgentType

	cancelRequested atomic.Bool

	mu     sync.Mutex
	handle adapter.Handle

	abortOnce sync.Once
	done      chan struct{}
}

func (r *run) setHandle(h adapter.Handle) {
	r.mu.Lock()
	r.handle = h
	r.mu.Unlock()
}

func (r *run) getHandle() adapter.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// abortAdapter aborts the adapter at most once across all callers.
func (r *run) abortAdapter(ctx context.Context) {
	h := r.getHandle()
	if h == nil {
		return
	}
	r.abortOnce.Do(func() {
		_ = h.Abort(ctx)
	})
}

// New creates the execution engine.
func New(cfg config.AgentConfig, deps Deps, log *logger.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		tasks:     deps.Tasks,
		log:       deps.Log,
		hosts:     deps.Hosts,
		worktrees: deps.Worktrees,
		adapters:  deps.Adapters,
		subs:      deps.Subs,
		bus:       deps.Bus,
		logger:    log.WithFields(zap.String("component", "engine")),
		active:    make(map[string]*run),
	}
}

// Degraded reports whether the engine has stopped accepting executions
// because the event log failed.
func (e *Engine) Degraded() bool {
	return e.degraded.Load()
}

// StartExecution allocates an execution for a task and starts the run loop.
// Rejected while the task already has an active run; the first caller to
// claim the task's slot wins. Returns once the execution is persisted in
// initializing; further progress is asynchronous.
func (e *Engine) StartExecution(ctx context.Context, taskID string, req v1.ExecuteTaskRequest) (string, error) {
	if e.degraded.Load() {
		return "", apierr.New(apierr.KindUnavailable, "event log unavailable, not accepting new executions")
	}

	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}

	agentType := task.AgentType
	if req.AgentType != "" {
		agentType = req.AgentType
	}
	if !validAgentType(agentType) {
		return "", apierr.Newf(apierr.KindValidation, "unknown agent type: %s", agentType)
	}
	if task.ProjectID == "" {
		return "", apierr.Newf(apierr.KindValidation, "task %s has no project repository", taskID)
	}
	baseBranch := task.BaseBranch
	if req.BaseBranch != "" {
		baseBranch = req.BaseBranch
	}
	model := task.Model
	if req.Model != "" {
		model = req.Model
	}

	r := &run{
		prompt:     task.Prompt(),
		model:      model,
		repoPath:   task.ProjectID,
		baseBranch: baseBranch,
		agentType:  agentType,
		done:       make(chan struct{}),
	}

	e.mu.Lock()
	if _, exists := e.active[taskID]; exists {
		e.mu.Unlock()
		return "", apierr.Newf(apierr.KindPrecondition, "task %s is already executing", taskID)
	}
	e.active[taskID] = r
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		delete(e.active, taskID)
		e.mu.Unlock()
		close(r.done)
	}

	hostID, err := e.hosts.Select(agentType, req.HostID)
	if err != nil {
		release()
		return "", err
	}
	if err := e.hosts.Reserve(hostID, taskID); err != nil {
		release()
		return "", err
	}

	r.exec = &models.Execution{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		HostID:    hostID,
		AgentType: agentType,
		State:     v1.ExecutionInitializing,
		CreatedAt: time.Now().UTC(),
	}

	if err := e.log.CreateExecution(ctx, r.exec, r.prompt); err != nil {
		e.hosts.Release(hostID, taskID)
		release()
		e.degraded.Store(true)
		return "", apierr.Wrap(apierr.KindIO, "failed to persist execution", err)
	}
	if err := e.appendEvent(ctx, r.exec, models.NewStatusChanged(r.exec.ID, taskID, "", v1.ExecutionInitializing)); err != nil {
		e.hosts.Release(hostID, taskID)
		release()
		return "", apierr.Wrap(apierr.KindIO, "failed to record execution start", err)
	}
	if err := e.tasks.SetExecutionState(ctx, taskID, &r.exec.ID, v1.KanbanDoing); err != nil {
		e.logger.Warn("Failed to move task to doing",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
	e.publishLifecycle(r.exec, v1.ExecutionInitializing)

	e.logger.Info("Execution started",
		zap.String("task_id", taskID),
		zap.String("execution_id", r.exec.ID),
		zap.String("host_id", hostID),
		zap.String("agent_type", string(agentType)))

	go e.runLoop(r)
	return r.exec.ID, nil
}

// AbortExecution requests cancellation of the task's active run. The adapter
// is aborted at most once; the run loop observes the request and drives the
// execution to cancelled. Idempotent when the execution is already terminal.
func (e *Engine) AbortExecution(ctx context.Context, taskID string) error {
	e.mu.Lock()
	r := e.active[taskID]
	e.mu.Unlock()

	if r == nil {
		exec, err := e.log.CurrentExecution(ctx, taskID)
		if err != nil {
			return err
		}
		if exec == nil {
			return apierr.Newf(apierr.KindNotFound, "task %s has no execution", taskID)
		}
		// Already terminal: nothing to do
		return nil
	}

	r.cancelRequested.Store(true)
	go r.abortAdapter(context.Background())
	e.logger.Info("Abort requested", zap.String("task_id", taskID))
	return nil
}

// SendInput forwards mid-run input to the active agent. Best-effort: returns
// false without error when no run is active or the adapter rejects it.
func (e *Engine) SendInput(ctx context.Context, taskID, text string) (bool, error) {
	e.mu.Lock()
	r := e.active[taskID]
	e.mu.Unlock()
	if r == nil {
		return false, nil
	}
	h := r.getHandle()
	if h == nil {
		return false, nil
	}
	if err := h.SendInput(ctx, text); err != nil {
		e.logger.Warn("Mid-run input not delivered",
			zap.String("task_id", taskID),
			zap.Error(err))
		return false, nil
	}
	return true, nil
}

// CleanupWorktree destroys the terminal execution's worktree and moves it to
// cleaning_up. Idempotent: cleaning an already-cleaned execution returns
// true.
func (e *Engine) CleanupWorktree(ctx context.Context, taskID string) (bool, error) {
	e.mu.Lock()
	_, activeNow := e.active[taskID]
	e.mu.Unlock()
	if activeNow {
		return false, apierr.Newf(apierr.KindPrecondition, "task %s is still executing", taskID)
	}

	exec, err := e.log.CurrentExecution(ctx, taskID)
	if err != nil {
		return false, err
	}
	if exec == nil {
		return false, apierr.Newf(apierr.KindNotFound, "task %s has no execution", taskID)
	}
	if !models.IsTerminal(exec.State) {
		return false, apierr.Newf(apierr.KindPrecondition, "execution %s is not terminal", exec.ID)
	}

	if err := e.worktrees.Destroy(ctx, exec.ID); err != nil {
		return false, apierr.Wrap(apierr.KindIO, "failed to destroy worktree", err)
	}

	if exec.State != v1.ExecutionCleaningUp {
		old := exec.State
		if err := exec.Transition(v1.ExecutionCleaningUp); err == nil {
			if err := e.appendEvent(ctx, exec, models.NewStatusChanged(exec.ID, exec.TaskID, old, v1.ExecutionCleaningUp)); err != nil {
				e.logger.Warn("Failed to record cleanup", zap.String("execution_id", exec.ID), zap.Error(err))
			}
			if err := e.log.UpdateExecution(ctx, exec); err != nil {
				e.logger.Warn("Failed to persist cleanup state", zap.String("execution_id", exec.ID), zap.Error(err))
			}
			e.publishLifecycle(exec, v1.ExecutionCleaningUp)
		}
	}
	return true, nil
}

// ExecutionStatus returns the task's current execution snapshot.
func (e *Engine) ExecutionStatus(ctx context.Context, taskID string) (*v1.Execution, error) {
	exec, err := e.log.CurrentExecution(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, apierr.Newf(apierr.KindNotFound, "task %s has no execution", taskID)
	}
	api := exec.ToAPI()
	return &api, nil
}

// Recover closes out executions interrupted by the last shutdown, resets
// their tasks' kanban projection, and removes orphan worktrees. Called once
// at startup before the engine accepts work.
func (e *Engine) Recover(ctx context.Context) error {
	recovered, err := e.log.Recover(ctx)
	if err != nil {
		return err
	}
	for _, exec := range recovered {
		if err := e.tasks.SetExecutionState(ctx, exec.TaskID, nil, v1.KanbanTodo); err != nil {
			e.logger.Warn("Failed to reset task after recovery",
				zap.String("task_id", exec.TaskID),
				zap.Error(err))
		}
	}
	if keep, err := e.log.ExecutionIDsWithWorktrees(ctx); err != nil {
		e.logger.Warn("Skipping worktree reconciliation", zap.Error(err))
	} else if err := e.worktrees.Reconcile(ctx, keep); err != nil {
		e.logger.Warn("Worktree reconciliation failed", zap.Error(err))
	}
	return nil
}

// Shutdown aborts all active runs and waits for their loops to finish or the
// context to expire.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.active))
	for _, r := range e.active {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.cancelRequested.Store(true)
		go r.abortAdapter(ctx)
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return
		}
	}
}

// appendEvent durably appends an event and fans it out. A failed append
// flips the engine into degraded mode.
func (e *Engine) appendEvent(ctx context.Context, exec *models.Execution, entry *models.ExecutionEvent) error {
	seq, err := e.log.Append(ctx, entry)
	if err != nil {
		e.degraded.Store(true)
		e.logger.Error("Event append failed, entering degraded mode",
			zap.String("execution_id", exec.ID),
			zap.Error(err))
		return err
	}
	exec.EventCount = seq
	api := entry.ToAPI()
	e.subs.PublishEvent(ctx, &api)
	return nil
}

// publishLifecycle mirrors a state change onto the internal event bus.
func (e *Engine) publishLifecycle(exec *models.Execution, state v1.ExecutionState) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(context.Background(), bus.ExecutionSubject(string(state)), bus.NewEvent(
		"task.execution_state", "engine", map[string]interface{}{
			"task_id":      exec.TaskID,
			"execution_id": exec.ID,
			"state":        string(state),
		}))
}

func validAgentType(agent v1.AgentType) bool {
	switch agent {
	case v1.AgentOpenCode, v1.AgentClaudeCode, v1.AgentCodex, v1.AgentGeminiCLI, v1.AgentCustom:
		return true
	}
	return false
}
