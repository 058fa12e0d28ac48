// Package eventlog persists execution records and their append-only event
// timelines. It is the source of truth for run history: live engine state is
// a cache over this log, rebuilt on restart.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibekan/vibekan/internal/common/apierr"
	"github.com/vibekan/vibekan/internal/common/database"
	"github.com/vibekan/vibekan/internal/common/logger"
	"github.com/vibekan/vibekan/internal/common/tracing"
	"github.com/vibekan/vibekan/internal/task/models"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

// Log is the SQLite-backed execution store and event log.
type Log struct {
	db     *database.DB
	logger *logger.Logger

	// appendMu serializes seq assignment. The writer pool is a single
	// connection, but the read-increment-write of event_count must not
	// interleave between two appends.
	appendMu sync.Mutex
}

// ReadQuery narrows an event page read.
type ReadQuery struct {
	ExecutionID    string
	TaskID         string
	Kind           v1.EventKind
	AgentEventKind v1.AgentEventKind
	Offset         int
	Limit          int
}

// New opens the executions database and initialises the schema.
func New(dbPath string, log *logger.Logger) (*Log, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "failed to open executions database", err)
	}
	l := &Log{
		db:     db,
		logger: log.WithFields(zap.String("component", "event-log")),
	}
	if err := l.initSchema(); err != nil {
		_ = db.Close()
		return nil, apierr.Wrap(apierr.KindIO, "failed to initialize executions schema", err)
	}
	return l, nil
}

func (l *Log) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		host_id TEXT NOT NULL DEFAULT '',
		agent_type TEXT NOT NULL DEFAULT 'opencode',
		state TEXT NOT NULL,
		worktree_path TEXT NOT NULL DEFAULT '',
		branch_name TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		event_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS execution_events (
		id TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		agent_kind TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		timestamp DATETIME NOT NULL,
		PRIMARY KEY (execution_id, seq),
		FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_executions_task_id ON executions(task_id);
	CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state);
	CREATE INDEX IF NOT EXISTS idx_events_task_id ON execution_events(task_id);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON execution_events(execution_id, kind);
	`
	_, err := l.db.Writer.Exec(schema)
	return err
}

// CreateExecution persists a new execution record.
func (l *Log) CreateExecution(ctx context.Context, exec *models.Execution, prompt string) error {
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.Writer.ExecContext(ctx, `
		INSERT INTO executions (id, task_id, host_id, agent_type, state, worktree_path, branch_name, error, prompt, event_count, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.TaskID, exec.HostID, exec.AgentType, exec.State, exec.WorktreePath, exec.BranchName, exec.Error, prompt, exec.EventCount, exec.CreatedAt, exec.StartedAt, exec.EndedAt)
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "failed to insert execution", err)
	}
	return nil
}

// UpdateExecution persists the mutable execution fields.
func (l *Log) UpdateExecution(ctx context.Context, exec *models.Execution) error {
	result, err := l.db.Writer.ExecContext(ctx, `
		UPDATE executions SET host_id = ?, state = ?, worktree_path = ?, branch_name = ?, error = ?, started_at = ?, ended_at = ?
		WHERE id = ?
	`, exec.HostID, exec.State, exec.WorktreePath, exec.BranchName, exec.Error, exec.StartedAt, exec.EndedAt, exec.ID)
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "failed to update execution", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apierr.Newf(apierr.KindNotFound, "execution not found: %s", exec.ID)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (l *Log) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	exec := &models.Execution{}
	err := l.db.Reader.GetContext(ctx, exec, `
		SELECT id, task_id, host_id, agent_type, state, worktree_path, branch_name, error, event_count, created_at, started_at, ended_at
		FROM executions WHERE id = ?
	`, id)
	if err == sql.ErrNoRows {
		return nil, apierr.Newf(apierr.KindNotFound, "execution not found: %s", id)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "failed to read execution", err)
	}
	return exec, nil
}

// CurrentExecution returns the most recent execution for a task, or nil when
// the task has never been executed.
func (l *Log) CurrentExecution(ctx context.Context, taskID string) (*models.Execution, error) {
	exec := &models.Execution{}
	err := l.db.Reader.GetContext(ctx, exec, `
		SELECT id, task_id, host_id, agent_type, state, worktree_path, branch_name, error, event_count, created_at, started_at, ended_at
		FROM executions WHERE task_id = ? ORDER BY created_at DESC, id DESC LIMIT 1
	`, taskID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "failed to read current execution", err)
	}
	return exec, nil
}

// Append assigns the next seq, persists the event, and returns the assigned
// seq. The write is synchronous: once Append returns, the event is durable
// and readers cannot observe a gap.
func (l *Log) Append(ctx context.Context, event *models.ExecutionEvent) (int64, error) {
	ctx, span := tracing.TraceExecutionPhase(ctx, event.ExecutionID, "append")
	defer span.End()

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	tx, err := l.db.Writer.BeginTxx(ctx, nil)
	if err != nil {
		tracing.RecordResult(span, err)
		return 0, apierr.Wrap(apierr.KindIO, "failed to begin append transaction", err)
	}

	var lastSeq int64
	if err := tx.GetContext(ctx, &lastSeq, `SELECT event_count FROM executions WHERE id = ?`, event.ExecutionID); err != nil {
		_ = tx.Rollback()
		tracing.RecordResult(span, err)
		if err == sql.ErrNoRows {
			return 0, apierr.Newf(apierr.KindNotFound, "execution not found: %s", event.ExecutionID)
		}
		return 0, apierr.Wrap(apierr.KindIO, "failed to read event count", err)
	}

	event.Seq = lastSeq + 1
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO execution_events (id, execution_id, task_id, seq, kind, agent_kind, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.ExecutionID, event.TaskID, event.Seq, event.Kind, agentKindOf(event), string(event.Payload), event.Timestamp); err != nil {
		_ = tx.Rollback()
		tracing.RecordResult(span, err)
		return 0, apierr.Wrap(apierr.KindIO, "failed to insert event", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE executions SET event_count = ? WHERE id = ?
	`, event.Seq, event.ExecutionID); err != nil {
		_ = tx.Rollback()
		tracing.RecordResult(span, err)
		return 0, apierr.Wrap(apierr.KindIO, "failed to advance event count", err)
	}

	if err := tx.Commit(); err != nil {
		tracing.RecordResult(span, err)
		return 0, apierr.Wrap(apierr.KindIO, "failed to commit append", err)
	}

	tracing.RecordResult(span, nil)
	return event.Seq, nil
}

// agentKindOf extracts the inner variant tag of an agent_event for indexed
// filtering. Empty for other kinds.
func agentKindOf(event *models.ExecutionEvent) string {
	if event.Kind != v1.EventAgentEvent {
		return ""
	}
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(event.Payload, &probe); err != nil {
		return ""
	}
	return probe.Kind
}

// Read returns one page of events in increasing seq order.
func (l *Log) Read(ctx context.Context, q ReadQuery) ([]*models.ExecutionEvent, int64, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}

	var conds []string
	var args []interface{}
	if q.ExecutionID != "" {
		conds = append(conds, "execution_id = ?")
		args = append(args, q.ExecutionID)
	}
	if q.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, q.TaskID)
	}
	if q.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.AgentEventKind != "" {
		conds = append(conds, "agent_kind = ?")
		args = append(args, q.AgentEventKind)
	}
	if len(conds) == 0 {
		return nil, 0, apierr.New(apierr.KindValidation, "read requires an execution or task filter")
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	var total int64
	if err := l.db.Reader.GetContext(ctx, &total, `SELECT COUNT(1) FROM execution_events`+where, args...); err != nil {
		return nil, 0, apierr.Wrap(apierr.KindIO, "failed to count events", err)
	}

	query := `
		SELECT id, execution_id, task_id, seq, kind, payload, timestamp
		FROM execution_events` + where + ` ORDER BY execution_id, seq LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	var events []*models.ExecutionEvent
	if err := l.db.Reader.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, 0, apierr.Wrap(apierr.KindIO, "failed to read events", err)
	}
	return events, total, nil
}

// TailSince returns all durable events with seq > sinceSeq for an execution,
// in seq order. The subscription bus polls this during replay-then-follow.
func (l *Log) TailSince(ctx context.Context, executionID string, sinceSeq int64) ([]*models.ExecutionEvent, error) {
	var events []*models.ExecutionEvent
	err := l.db.Reader.SelectContext(ctx, &events, `
		SELECT id, execution_id, task_id, seq, kind, payload, timestamp
		FROM execution_events WHERE execution_id = ? AND seq > ? ORDER BY seq
	`, executionID, sinceSeq)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "failed to tail events", err)
	}
	return events, nil
}

// ListRuns returns per-execution summaries for a task, newest first.
func (l *Log) ListRuns(ctx context.Context, taskID string) ([]v1.RunSummary, error) {
	type runRow struct {
		models.Execution
		Prompt string `db:"prompt"`
	}
	var rows []runRow
	err := l.db.Reader.SelectContext(ctx, &rows, `
		SELECT id, task_id, host_id, agent_type, state, worktree_path, branch_name, error, prompt, event_count, created_at, started_at, ended_at
		FROM executions WHERE task_id = ? ORDER BY created_at DESC, id DESC
	`, taskID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "failed to list runs", err)
	}

	summaries := make([]v1.RunSummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, v1.RunSummary{
			ExecutionID:   row.ID,
			TaskID:        row.TaskID,
			AgentType:     row.AgentType,
			State:         row.State,
			PromptPreview: promptPreview(row.Prompt),
			EventCount:    row.EventCount,
			DurationMs:    row.DurationMs(),
			CreatedAt:     row.CreatedAt,
			StartedAt:     row.StartedAt,
			EndedAt:       row.EndedAt,
		})
	}
	return summaries, nil
}

const promptPreviewLen = 120

func promptPreview(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if idx := strings.IndexByte(prompt, '\n'); idx >= 0 {
		prompt = prompt[:idx]
	}
	if len(prompt) > promptPreviewLen {
		prompt = prompt[:promptPreviewLen]
	}
	return prompt
}

// ExecutionIDsWithWorktrees returns the IDs of executions that have not been
// cleaned up. Their worktrees are expected on disk; startup reconciliation
// keeps them and removes everything else.
func (l *Log) ExecutionIDsWithWorktrees(ctx context.Context) ([]string, error) {
	var ids []string
	err := l.db.Reader.SelectContext(ctx, &ids, `
		SELECT id FROM executions WHERE state != ?
	`, v1.ExecutionCleaningUp)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "failed to list uncleaned executions", err)
	}
	return ids, nil
}

// ActiveExecutions returns executions whose state is non-terminal.
func (l *Log) ActiveExecutions(ctx context.Context) ([]*models.Execution, error) {
	var execs []*models.Execution
	err := l.db.Reader.SelectContext(ctx, &execs, `
		SELECT id, task_id, host_id, agent_type, state, worktree_path, branch_name, error, event_count, created_at, started_at, ended_at
		FROM executions WHERE state NOT IN (?, ?, ?, ?)
	`, v1.ExecutionCompleted, v1.ExecutionFailed, v1.ExecutionCancelled, v1.ExecutionCleaningUp)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "failed to list active executions", err)
	}
	return execs, nil
}

// Recover closes out executions that were mid-flight at the last shutdown.
// Each gets a synthetic status_changed -> failed and session_ended appended,
// preserving every event recorded before the crash. Returns the recovered
// executions.
func (l *Log) Recover(ctx context.Context) ([]*models.Execution, error) {
	active, err := l.ActiveExecutions(ctx)
	if err != nil {
		return nil, err
	}

	for _, exec := range active {
		oldState := exec.State
		now := time.Now().UTC()
		exec.State = v1.ExecutionFailed
		exec.Error = "gateway restarted during execution"
		exec.EndedAt = &now

		if _, err := l.Append(ctx, models.NewStatusChanged(exec.ID, exec.TaskID, oldState, v1.ExecutionFailed)); err != nil {
			return nil, err
		}
		seq, err := l.Append(ctx, models.NewSessionEnded(exec.ID, exec.TaskID, v1.ExecutionFailed, exec.DurationMs()))
		if err != nil {
			return nil, err
		}
		exec.EventCount = seq

		if err := l.UpdateExecution(ctx, exec); err != nil {
			return nil, err
		}

		l.logger.Warn("Recovered interrupted execution",
			zap.String("execution_id", exec.ID),
			zap.String("task_id", exec.TaskID),
			zap.String("previous_state", string(oldState)))
	}
	return active, nil
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}
