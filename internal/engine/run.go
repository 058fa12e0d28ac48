package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vibekan/vibekan/internal/agent/adapter"
	"github.com/vibekan/vibekan/internal/common/tracing"
	"github.com/vibekan/vibekan/internal/task/models"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

// runLoop drives one execution from creating_worktree to its terminal state.
// It is the only writer of the execution's events, so subscribers observe a
// single totally ordered stream.
func (e *Engine) runLoop(r *run) {
	ctx := context.Background()
	ctx, span := tracing.TraceExecutionRun(ctx, r.exec.ID, r.exec.TaskID, string(r.agentType))

	defer func() {
		span.End()
		e.mu.Lock()
		delete(e.active, r.exec.TaskID)
		e.mu.Unlock()
		close(r.done)
	}()

	if err := e.transition(ctx, r.exec, v1.ExecutionCreatingWorktree); err != nil {
		e.finish(ctx, r, v1.ExecutionFailed, err.Error())
		return
	}

	wtCtx, cancel := context.WithTimeout(ctx, e.cfg.WorktreeTimeoutDuration())
	wt, err := e.worktrees.Create(wtCtx, r.repoPath, r.exec.ID, r.baseBranch)
	cancel()
	if err != nil {
		if r.cancelRequested.Load() {
			e.finish(ctx, r, v1.ExecutionCancelled, "")
		} else {
			e.finish(ctx, r, v1.ExecutionFailed, fmt.Sprintf("worktree creation failed: %v", err))
		}
		return
	}
	// An abort that raced the worktree creation wins now that it is done
	if r.cancelRequested.Load() {
		if err := e.worktrees.Destroy(ctx, r.exec.ID); err != nil {
			e.logger.Warn("Failed to destroy worktree after abort",
				zap.String("execution_id", r.exec.ID),
				zap.Error(err))
		}
		e.finish(ctx, r, v1.ExecutionCancelled, "")
		return
	}

	r.exec.WorktreePath = wt.Path
	r.exec.BranchName = wt.Branch
	if err := e.appendEvent(ctx, r.exec, models.NewSessionStarted(r.exec.ID, r.exec.TaskID, wt.Path, wt.Branch)); err != nil {
		e.finish(ctx, r, v1.ExecutionFailed, "event log unavailable")
		return
	}
	if err := e.transition(ctx, r.exec, v1.ExecutionStarting); err != nil {
		e.finish(ctx, r, v1.ExecutionFailed, err.Error())
		return
	}

	handle, err := e.adapters.Start(ctx, r.agentType, wt.Path, nil)
	if err != nil {
		e.finish(ctx, r, v1.ExecutionFailed, fmt.Sprintf("agent start failed: %v", err))
		return
	}
	r.setHandle(handle)
	if r.cancelRequested.Load() {
		r.abortAdapter(ctx)
		drain(handle)
		e.finish(ctx, r, v1.ExecutionCancelled, "")
		return
	}

	if err := handle.SubmitPrompt(ctx, r.prompt, r.model); err != nil {
		r.abortAdapter(ctx)
		drain(handle)
		e.finish(ctx, r, v1.ExecutionFailed, fmt.Sprintf("prompt submission failed: %v", err))
		return
	}

	now := time.Now().UTC()
	r.exec.StartedAt = &now
	if err := e.transition(ctx, r.exec, v1.ExecutionRunning); err != nil {
		r.abortAdapter(ctx)
		drain(handle)
		e.finish(ctx, r, v1.ExecutionFailed, err.Error())
		return
	}

	state, reason := e.consume(ctx, r, handle)
	e.finish(ctx, r, state, reason)
}

// consume appends every adapter event and derives the terminal outcome.
// A completed event wins over anything the agent emits afterwards.
func (e *Engine) consume(ctx context.Context, r *run, handle adapter.Handle) (v1.ExecutionState, string) {
	var final v1.ExecutionState
	var reason string

	for event := range handle.Events() {
		var entry *models.ExecutionEvent
		switch {
		case event.Progress != nil:
			entry = models.NewProgress(r.exec.ID, r.exec.TaskID, event.Progress.Message, event.Progress.Percentage)
		case event.Agent != nil:
			entry = models.NewAgentEvent(r.exec.ID, r.exec.TaskID, *event.Agent)
		default:
			continue
		}
		if err := e.appendEvent(ctx, r.exec, entry); err != nil {
			r.abortAdapter(ctx)
			drain(handle)
			return v1.ExecutionFailed, "event log unavailable"
		}
		if event.Agent == nil {
			continue
		}
		switch event.Agent.Kind {
		case v1.AgentEventCompleted:
			if final != "" {
				continue
			}
			if event.Agent.Completed != nil && event.Agent.Completed.Success {
				final = v1.ExecutionCompleted
			} else {
				final = v1.ExecutionFailed
				reason = "agent reported failure"
			}
		case v1.AgentEventError:
			if final == "" && event.Agent.Error != nil && !event.Agent.Error.Recoverable {
				final = v1.ExecutionFailed
				reason = event.Agent.Error.Message
			}
		}
	}

	if final != v1.ExecutionCompleted && r.cancelRequested.Load() {
		return v1.ExecutionCancelled, ""
	}
	if final == "" {
		return v1.ExecutionFailed, "agent ended without completion"
	}
	return final, reason
}

// finish applies the terminal transition, appends session_ended, releases
// the host, and updates the task's kanban projection.
func (e *Engine) finish(ctx context.Context, r *run, state v1.ExecutionState, reason string) {
	old := r.exec.State
	if old != state {
		if err := r.exec.Transition(state); err != nil {
			e.logger.Error("Illegal terminal transition",
				zap.String("execution_id", r.exec.ID),
				zap.Error(err))
			state = v1.ExecutionFailed
			r.exec.State = state
		}
		if err := e.appendEvent(ctx, r.exec, models.NewStatusChanged(r.exec.ID, r.exec.TaskID, old, state)); err != nil {
			e.logger.Warn("Failed to record terminal transition",
				zap.String("execution_id", r.exec.ID),
				zap.Error(err))
		}
		e.publishLifecycle(r.exec, state)
	}

	now := time.Now().UTC()
	r.exec.EndedAt = &now
	r.exec.Error = reason
	if err := e.appendEvent(ctx, r.exec, models.NewSessionEnded(r.exec.ID, r.exec.TaskID, state, r.exec.DurationMs())); err != nil {
		e.logger.Warn("Failed to record session end",
			zap.String("execution_id", r.exec.ID),
			zap.Error(err))
	}
	if err := e.log.UpdateExecution(ctx, r.exec); err != nil {
		e.logger.Warn("Failed to persist terminal execution",
			zap.String("execution_id", r.exec.ID),
			zap.Error(err))
	}

	e.hosts.Release(r.exec.HostID, r.exec.TaskID)

	// The kanban projection is updated before currentExecutionId is cleared;
	// both land in one store write so change-stream observers see them move
	// together.
	if err := e.tasks.SetExecutionState(ctx, r.exec.TaskID, nil, models.KanbanStatusFor(state)); err != nil {
		e.logger.Warn("Failed to project terminal state onto task",
			zap.String("task_id", r.exec.TaskID),
			zap.Error(err))
	}

	e.logger.Info("Execution finished",
		zap.String("task_id", r.exec.TaskID),
		zap.String("execution_id", r.exec.ID),
		zap.String("state", string(state)),
		zap.String("error", reason),
		zap.Int64("events", r.exec.EventCount))
}

// transition applies a non-terminal state change with its status_changed
// event.
func (e *Engine) transition(ctx context.Context, exec *models.Execution, to v1.ExecutionState) error {
	old := exec.State
	if err := exec.Transition(to); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, exec, models.NewStatusChanged(exec.ID, exec.TaskID, old, to)); err != nil {
		return err
	}
	if err := e.log.UpdateExecution(ctx, exec); err != nil {
		e.logger.Warn("Failed to persist execution state",
			zap.String("execution_id", exec.ID),
			zap.Error(err))
	}
	e.publishLifecycle(exec, to)
	return nil
}

// drain empties an aborted handle's stream so its goroutines can exit.
func drain(handle adapter.Handle) {
	for range handle.Events() {
	}
}
