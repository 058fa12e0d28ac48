package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

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

// fakeHandle is a scripted agent session. The scripted events are emitted
// after SubmitPrompt; holdOpen keeps the stream open until Abort.
type fakeHandle struct {
	events    chan adapter.Event
	closeOnce sync.Once
	aborts    atomic.Int32
	submitted atomic.Bool

	inputMu sync.Mutex
	inputs  []string

	scripted []adapter.Event
	holdOpen bool
}

func newFakeHandle(scripted []adapter.Event, holdOpen bool) *fakeHandle {
	return &fakeHandle{
		events:   make(chan adapter.Event, 64),
		scripted: scripted,
		holdOpen: holdOpen,
	}
}

func (h *fakeHandle) Events() <-chan adapter.Event { return h.events }

func (h *fakeHandle) SubmitPrompt(ctx context.Context, prompt, model string) error {
	if !h.submitted.CompareAndSwap(false, true) {
		return adapter.ErrAlreadySubmitted
	}
	for _, ev := range h.scripted {
		h.events <- ev
	}
	if !h.holdOpen {
		h.close()
	}
	return nil
}

func (h *fakeHandle) SendInput(ctx context.Context, text string) error {
	h.inputMu.Lock()
	defer h.inputMu.Unlock()
	h.inputs = append(h.inputs, text)
	return nil
}

func (h *fakeHandle) Abort(ctx context.Context) error {
	h.aborts.Add(1)
	h.close()
	return nil
}

func (h *fakeHandle) close() {
	h.closeOnce.Do(func() { close(h.events) })
}

type fakeFactory struct {
	mu       sync.Mutex
	handle   *fakeHandle
	startErr error
	started  int
}

func (f *fakeFactory) Start(ctx context.Context, agentType v1.AgentType, workingDir string, env map[string]string) (adapter.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.handle, nil
}

type fakeWorktrees struct {
	base       string
	delay      time.Duration
	failCreate error

	mu       sync.Mutex
	created  map[string]string
	destroys int
	kept     []string
}

func newFakeWorktrees(t *testing.T) *fakeWorktrees {
	return &fakeWorktrees{base: t.TempDir(), created: make(map[string]string)}
}

func (f *fakeWorktrees) Create(ctx context.Context, repoPath, executionID, baseBranch string) (*worktree.Worktree, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	path := filepath.Join(f.base, executionID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.created[executionID] = path
	f.mu.Unlock()
	return &worktree.Worktree{
		ExecutionID: executionID,
		RepoPath:    repoPath,
		Path:        path,
		Branch:      "vk/exec/" + executionID[:8],
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (f *fakeWorktrees) Destroy(ctx context.Context, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	if path, ok := f.created[executionID]; ok {
		delete(f.created, executionID)
		return os.RemoveAll(path)
	}
	return nil
}

func (f *fakeWorktrees) Reconcile(ctx context.Context, keepExecutionIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kept = append([]string(nil), keepExecutionIDs...)
	return nil
}

func (f *fakeWorktrees) keepSet() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.kept...)
}

func (f *fakeWorktrees) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type testEnv struct {
	engine    *Engine
	tasks     store.Store
	log       *eventlog.Log
	hosts     *host.Registry
	factory   *fakeFactory
	worktrees *fakeWorktrees
}

func testHostsConfig() config.HostsConfig {
	return config.HostsConfig{
		HeartbeatInterval:  15,
		LivenessWindow:     60,
		LocalEnabled:       true,
		LocalName:          "local",
		LocalMaxConcurrent: 2,
		LocalAgents:        []string{"opencode", "claude-code", "codex", "gemini-cli"},
	}
}

func newTestEnv(t *testing.T, factory *fakeFactory, hostsCfg config.HostsConfig) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	tasks, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"), log)
	if err != nil {
		t.Fatalf("Failed to create task store: %v", err)
	}
	t.Cleanup(func() { _ = tasks.Close() })

	eventLog, err := eventlog.New(filepath.Join(t.TempDir(), "executions.db"), log)
	if err != nil {
		t.Fatalf("Failed to create event log: %v", err)
	}
	t.Cleanup(func() { _ = eventLog.Close() })

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { eventBus.Close() })

	hosts := host.NewRegistry(hostsCfg, eventBus, log)
	worktrees := newFakeWorktrees(t)
	subs := subscription.NewManager(eventLog, eventBus, log)

	cfg := config.AgentConfig{
		WarmupTimeout:   5,
		IdleTimeout:     60,
		AbortGrace:      1,
		WorktreeTimeout: 5,
	}

	eng := New(cfg, Deps{
		Tasks:     tasks,
		Log:       eventLog,
		Hosts:     hosts,
		Worktrees: worktrees,
		Adapters:  factory,
		Subs:      subs,
		Bus:       eventBus,
	}, log)

	return &testEnv{
		engine:    eng,
		tasks:     tasks,
		log:       eventLog,
		hosts:     hosts,
		factory:   factory,
		worktrees: worktrees,
	}
}

func (env *testEnv) createTask(t *testing.T, agentType v1.AgentType) *models.Task {
	t.Helper()
	task := &models.Task{
		Title:       "Add README",
		Description: "Write a README file.",
		ProjectID:   t.TempDir(),
		AgentType:   agentType,
		BaseBranch:  "main",
	}
	if err := env.tasks.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

// waitFinished blocks until the run loop's final step has run, observed as
// the task leaving doing.
func (env *testEnv) waitFinished(t *testing.T, taskID string) *models.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, err := env.tasks.GetTask(context.Background(), taskID)
		if err == nil && task.KanbanStatus != v1.KanbanDoing {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout waiting for execution to finish")
	return nil
}

func (env *testEnv) allEvents(t *testing.T, executionID string) []*models.ExecutionEvent {
	t.Helper()
	events, err := env.log.TailSince(context.Background(), executionID, 0)
	if err != nil {
		t.Fatalf("TailSince failed: %v", err)
	}
	return events
}

func agentMessage(content string) adapter.Event {
	return adapter.Event{Agent: &v1.AgentEventPayload{
		Kind:    v1.AgentEventMessage,
		Message: &v1.MessageEvent{Content: content},
	}}
}

func agentCompleted(success bool) adapter.Event {
	return adapter.Event{Agent: &v1.AgentEventPayload{
		Kind:      v1.AgentEventCompleted,
		Completed: &v1.CompletedEvent{Success: success},
	}}
}

func TestStartExecutionHappyPath(t *testing.T) {
	handle := newFakeHandle([]adapter.Event{
		agentMessage("working on it"),
		agentCompleted(true),
	}, false)
	env := newTestEnv(t, &fakeFactory{handle: handle}, testHostsConfig())
	task := env.createTask(t, v1.AgentOpenCode)
	ctx := context.Background()

	execID, err := env.engine.StartExecution(ctx, task.ID, v1.ExecuteTaskRequest{})
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}

	finished := env.waitFinished(t, task.ID)
	if finished.KanbanStatus != v1.KanbanDone {
		t.Errorf("expected kanban done, got %s", finished.KanbanStatus)
	}
	if finished.CurrentExecutionID != nil {
		t.Errorf("expected current execution cleared, got %v", *finished.CurrentExecutionID)
	}

	exec, err := env.log.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if exec.State != v1.ExecutionCompleted {
		t.Errorf("expected completed, got %s", exec.State)
	}
	if exec.EndedAt == nil || exec.StartedAt == nil {
		t.Error("expected started_at and ended_at to be set")
	}

	events := env.allEvents(t, execID)
	wantKinds := []v1.EventKind{
		v1.EventStatusChanged,  // -> initializing
		v1.EventStatusChanged,  // -> creating_worktree
		v1.EventSessionStarted, // worktree ready
		v1.EventStatusChanged,  // -> starting
		v1.EventStatusChanged,  // -> running
		v1.EventAgentEvent,     // message
		v1.EventAgentEvent,     // completed
		v1.EventStatusChanged,  // running -> completed
		v1.EventSessionEnded,
	}
	if len(events) != len(wantKinds) {
		t.Fatalf("expected %d events, got %d", len(wantKinds), len(events))
	}
	for i, ev := range events {
		if ev.Kind != wantKinds[i] {
			t.Errorf("event %d: expected %s, got %s", i, wantKinds[i], ev.Kind)
		}
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d: expected seq %d, got %d", i, i+1, ev.Seq)
		}
	}
	ended, err := events[len(events)-1].DecodeSessionEnded()
	if err != nil {
		t.Fatalf("decode session_ended failed: %v", err)
	}
	if ended.FinalState != v1.ExecutionCompleted {
		t.Errorf("expected final state completed, got %s", ended.FinalState)
	}

	// Host reservation released
	hosts := env.hosts.List()
	if len(hosts) != 1 || len(hosts[0].ActiveTaskIDs) != 0 {
		t.Errorf("expected host reservation released, got %+v", hosts)
	}

	runs, err := env.log.ListRuns(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].State != v1.ExecutionCompleted {
		t.Fatalf("expected one completed run, got %+v", runs)
	}
	if runs[0].EventCount != int64(len(wantKinds)) {
		t.Errorf("expected event count %d, got %d", len(wantKinds), runs[0].EventCount)
	}
}

func TestStartExecutionNoHost(t *testing.T) {
	cfg := testHostsConfig()
	cfg.LocalEnabled = false
	env := newTestEnv(t, &fakeFactory{handle: newFakeHandle(nil, false)}, cfg)
	task := env.createTask(t, v1.AgentOpenCode)
	ctx := context.Background()

	_, err := env.engine.StartExecution(ctx, task.ID, v1.ExecuteTaskRequest{})
	if apierr.KindOf(err) != apierr.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}

	// No execution persisted, task untouched
	runs, err := env.log.ListRuns(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("expected no runs, got %d", len(runs))
	}
	got, _ := env.tasks.GetTask(ctx, task.ID)
	if got.KanbanStatus != v1.KanbanTodo {
		t.Errorf("expected todo, got %s", got.KanbanStatus)
	}
}

func TestStartExecutionExplicitHostMismatch(t *testing.T) {
	cfg := testHostsConfig()
	cfg.LocalAgents = []string{"opencode"}
	env := newTestEnv(t, &fakeFactory{handle: newFakeHandle(nil, false)}, cfg)
	task := env.createTask(t, v1.AgentCodex)
	hostID := env.hosts.List()[0].ID

	_, err := env.engine.StartExecution(context.Background(), task.ID, v1.ExecuteTaskRequest{HostID: hostID})
	if apierr.KindOf(err) != apierr.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestStartExecutionUnknownAgent(t *testing.T) {
	env := newTestEnv(t, &fakeFactory{handle: newFakeHandle(nil, false)}, testHostsConfig())
	task := env.createTask(t, v1.AgentOpenCode)

	_, err := env.engine.StartExecution(context.Background(), task.ID, v1.ExecuteTaskRequest{
		AgentType: v1.AgentType("emacs"),
	})
	if apierr.KindOf(err) != apierr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStartExecutionAlreadyExecuting(t *testing.T) {
	handle := newFakeHandle([]adapter.Event{agentMessage("busy")}, true)
	env := newTestEnv(t, &fakeFactory{handle: handle}, testHostsConfig())
	task := env.createTask(t, v1.AgentOpenCode)
	ctx := context.Background()

	if _, err := env.engine.StartExecution(ctx, task.ID, v1.ExecuteTaskRequest{}); err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}

	_, err := env.engine.StartExecution(ctx, task.ID, v1.ExecuteTaskRequest{})
	if apierr.KindOf(err) != apierr.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}

	if err := env.engine.AbortExecution(ctx, task.ID); err != nil {
		t.Fatalf("AbortExecution failed: %v", err)
	}
	env.waitFinished(t, task.ID)
}

func TestAbortDuringRun(t *testing.T) {
	handle := newFakeHandle([]adapter.Event{
		agentMessage("one"),
		agentMessage("two"),
		agentMessage("three"),
	}, true)
	env := newTestEnv(t, &fakeFactory{handle: handle}, testHostsConfig())
	task := env.createTask(t, v1.AgentOpenCode)
	ctx := context.Background()

	execID, err := env.engine.StartExecution(ctx, task.ID, v1.ExecuteTaskRequest{})
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}

	// Wait for the three agent events to land before aborting
	deadline := time.Now().Add(5 * time.Second)
	for {
		agentEvents := 0
		for _, ev := range env.allEvents(t, execID) {
			if ev.Kind == v1.EventAgentEvent {
				agentEvents++
			}
		}
		if agentEvents >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for agent events")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := env.engine.AbortExecution(ctx, task.ID); err != nil {
		t.Fatalf("AbortExecution failed: %v", err)
	}
	finished := env.waitFinished(t, task.ID)
	if finished.KanbanStatus != v1.KanbanTodo {
		t.Errorf("expected todo after cancel, got %s", finished.KanbanStatus)
	}

	exec, err := env.log.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if exec.State != v1.ExecutionCancelled {
		t.Errorf("expected cancelled, got %s", exec.State)
	}
	if got := handle.aborts.Load(); got != 1 {
		t.Errorf("adapter abort should be invoked exactly once, got %d", got)
	}

	events := env.allEvents(t, execID)
	last := events[len(events)-1]
	if last.Kind != v1.EventSessionEnded {
		t.Fatalf("expected session_ended last, got %s", last.Kind)
	}
	ended, _ := last.DecodeSessionEnded()
	if ended.FinalState != v1.ExecutionCancelled {
		t.Errorf("expected final state cancelled, got %s", ended.FinalState)
	}

	// Second abort on the terminal execution is a no-op
	if err := env.engine.AbortExecution(ctx, task.ID); err != nil {
		t.Fatalf("second AbortExecution failed: %v", err)
	}
	if got := handle.aborts.Load(); got != 1 {
		t.Errorf("second abort must not reach the adapter, got %d calls", got)
	}
}

func TestStreamEndsWithoutCompleted(t *testing.T) {
	handle := newFakeHandle([]adapter.Event{agentMessage("partial work")}, false)
	env := newTestEnv(t, &fakeFactory{handle: handle}, testHostsConfig())
	task := env.createTask(t, v1.AgentOpenCode)
	ctx := context.Background()

	execID, err := env.engine.StartExecution(ctx, task.ID, v1.ExecuteTaskRequest{})
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	finished := env.waitFinished(t, task.ID)
	if finished.KanbanStatus != v1.KanbanTodo {
		t.Errorf("expected todo, got %s", finished.KanbanStatus)
	}

	exec, err := env.log.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if exec.State != v1.ExecutionFailed {
		t.Errorf("expected failed, got %s", exec.State)
	}
	if exec.Error != "agent ended without completion" {
		t.Errorf("unexpected error reason: %q", exec.Error)
	}
}

func TestCompletedWinsOverLaterFailure(t *testing.T) {
	handle := newFakeHandle([]adapter.Event{
		agentCompleted(true),
		{Agent: &v1.AgentEventPayload{
			Kind:      v1.AgentEventRawOutput,
			RawOutput: &v1.RawOutputEvent{Stream: "stderr", Content: "agent process exited: signal: killed"},
		}},
	}, false)
	env := newTestEnv(t, &fakeFactory{handle: handle}, testHostsConfig())
	task := env.createTask(t, v1.AgentOpenCode)
	ctx := context.Background()

	execID, err := env.engine.StartExecution(ctx, task.ID, v1.ExecuteTaskRequest{})
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	finished := env.waitFinished(t, task.ID)
	if finished.KanbanStatus != v1.KanbanDone {
		t.Errorf("expected done, got %s", finished.KanbanStatus)
	}
	exec, _ := env.log.GetExecution(ctx, execID)
	if exec.State != v1.ExecutionCompleted {
		t.Errorf("expected completed, got %s", exec.State)
	}
}

func TestWorktreeCreationFailure(t *testing.T) {
	env := newTestEnv(t, &fakeFactory{handle: newFakeHandle(nil, false)}, testHostsConfig())
	env.worktrees.failCreate = errors.New("disk full")
	task := env.createTask(t, v1.AgentOpenCode)
	ctx := context.Background()

	execID, err := env.engine.StartExecution(ctx, task.ID, v1.ExecuteTaskRequest{})
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	env.waitFinished(t, task.ID)

	exec, err := env.log.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if exec.State != v1.ExecutionFailed {
		t.Errorf("expected failed, got %s", exec.State)
	}

	hosts := env.hosts.List()
	if len(hosts[0].ActiveTaskIDs) != 0 {
		t.Error("host reservation should be released after worktree failure")
	}
}

func TestAbortDuringWorktreeCreation(t *testing.T) {
	env := newTestEnv(t, &fakeFactory{handle: newFakeHandle(nil, false)}, testHostsConfig())
	env.worktrees.delay = 300 * time.Millisecond
	task := env.createTask(t, v1.AgentOpenCode)
	ctx := context.Background()

	execID, err := env.engine.StartExecution(ctx, task.ID, v1.ExecuteTaskRequest{})
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	if err := env.engine.AbortExecution(ctx, task.ID); err != nil {
		t.Fatalf("AbortExecution failed: %v", err)
	}
	env.waitFinished(t, task.ID)

	exec, err := env.log.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if exec.State != v1.ExecutionCancelled {
		t.Errorf("expected cancelled, got %s", exec.State)
	}
	if env.worktrees.count() != 0 {
		t.Error("worktree created during abort should be destroyed")
	}
}

func TestAdapterStartFailure(t *testing.T) {
	env := newTestEnv(t, &fakeFactory{startErr: adapter.ErrStartFailed}, testHostsConfig())
	task := env.createTask(t, v1.AgentOpenCode)
	ctx := context.Background()

	execID, err := env.engine.StartExecution(ctx, task.ID, v1.ExecuteTaskRequest{})
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	env.waitFinished(t, task.ID)

	exec, _ := env.log.GetExecution(ctx, execID)
	if exec.State != v1.ExecutionFailed {
		t.Errorf("expected failed, got %s", exec.State)
	}
}

func TestCleanupWorktree(t *testing.T) {
	handle := newFakeHandle([]adapter.Event{agentCompleted(true)}, false)
	env := newTestEnv(t, &fakeFactory{handle: handle}, testHostsConfig())
	task := env.createTask(t, v1.AgentOpenCode)
	ctx := context.Background()

	execID, err := env.engine.StartExecution(ctx, task.ID, v1.ExecuteTaskRequest{})
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	env.waitFinished(t, task.ID)

	ok, err := env.engine.CleanupWorktree(ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("CleanupWorktree failed: ok=%v err=%v", ok, err)
	}
	if env.worktrees.count() != 0 {
		t.Error("worktree should be destroyed")
	}

	exec, _ := env.log.GetExecution(ctx, execID)
	if exec.State != v1.ExecutionCleaningUp {
		t.Errorf("expected cleaning_up, got %s", exec.State)
	}

	// Idempotent on an already-cleaned execution
	ok, err = env.engine.CleanupWorktree(ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("second CleanupWorktree failed: ok=%v err=%v", ok, err)
	}
}

func TestCleanupWorktreeWhileRunning(t *testing.T) {
	handle := newFakeHandle([]adapter.Event{agentMessage("busy")}, true)
	env := newTestEnv(t, &fakeFactory{handle: handle}, testHostsConfig())
	task := env.createTask(t, v1.AgentOpenCode)
	ctx := context.Background()

	if _, err := env.engine.StartExecution(ctx, task.ID, v1.ExecuteTaskRequest{}); err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}

	_, err := env.engine.CleanupWorktree(ctx, task.ID)
	if apierr.KindOf(err) != apierr.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}

	_ = env.engine.AbortExecution(ctx, task.ID)
	env.waitFinished(t, task.ID)
}

func TestSendInput(t *testing.T) {
	handle := newFakeHandle([]adapter.Event{agentMessage("busy")}, true)
	env := newTestEnv(t, &fakeFactory{handle: handle}, testHostsConfig())
	task := env.createTask(t, v1.AgentOpenCode)
	ctx := context.Background()

	// No active run yet
	delivered, err := env.engine.SendInput(ctx, task.ID, "hello")
	if err != nil || delivered {
		t.Fatalf("expected delivered=false before execution, got %v err=%v", delivered, err)
	}

	if _, err := env.engine.StartExecution(ctx, task.ID, v1.ExecuteTaskRequest{}); err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}

	// Wait for the adapter handle to be live
	deadline := time.Now().Add(5 * time.Second)
	for {
		delivered, err = env.engine.SendInput(ctx, task.ID, "more detail")
		if err != nil {
			t.Fatalf("SendInput failed: %v", err)
		}
		if delivered || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !delivered {
		t.Fatal("expected input to be delivered to the active run")
	}

	handle.inputMu.Lock()
	got := len(handle.inputs)
	handle.inputMu.Unlock()
	if got == 0 {
		t.Error("adapter should have received the input")
	}

	_ = env.engine.AbortExecution(ctx, task.ID)
	env.waitFinished(t, task.ID)
}

func TestRecoverResetsInterruptedTasks(t *testing.T) {
	env := newTestEnv(t, &fakeFactory{handle: newFakeHandle(nil, false)}, testHostsConfig())
	task := env.createTask(t, v1.AgentOpenCode)
	ctx := context.Background()

	// Simulate a run that was mid-flight at the last shutdown
	exec := &models.Execution{
		ID:        "01890000-0000-0000-0000-000000000001",
		TaskID:    task.ID,
		HostID:    "h1",
		AgentType: v1.AgentOpenCode,
		State:     v1.ExecutionRunning,
		CreatedAt: time.Now().UTC(),
	}
	started := time.Now().UTC().Add(-time.Minute)
	exec.StartedAt = &started
	if err := env.log.CreateExecution(ctx, exec, "Write a README file."); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	if err := env.log.UpdateExecution(ctx, exec); err != nil {
		t.Fatalf("UpdateExecution failed: %v", err)
	}
	if err := env.tasks.SetExecutionState(ctx, task.ID, &exec.ID, v1.KanbanDoing); err != nil {
		t.Fatalf("SetExecutionState failed: %v", err)
	}

	if err := env.engine.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	got, err := env.log.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.State != v1.ExecutionFailed {
		t.Errorf("expected failed after recovery, got %s", got.State)
	}

	recovered, _ := env.tasks.GetTask(ctx, task.ID)
	if recovered.KanbanStatus != v1.KanbanTodo {
		t.Errorf("expected todo after recovery, got %s", recovered.KanbanStatus)
	}
	if recovered.CurrentExecutionID != nil {
		t.Error("expected current execution cleared after recovery")
	}

	// The failed run's worktree stays on disk for inspection until the user
	// cleans it up, so reconciliation must keep it.
	keep := env.worktrees.keepSet()
	found := false
	for _, id := range keep {
		if id == exec.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s in reconcile keep set, got %v", exec.ID, keep)
	}
}

func TestExecutionStatus(t *testing.T) {
	handle := newFakeHandle([]adapter.Event{agentCompleted(true)}, false)
	env := newTestEnv(t, &fakeFactory{handle: handle}, testHostsConfig())
	task := env.createTask(t, v1.AgentOpenCode)
	ctx := context.Background()

	_, err := env.engine.ExecutionStatus(ctx, task.ID)
	if apierr.KindOf(err) != apierr.KindNotFound {
		t.Fatalf("expected not_found before any run, got %v", err)
	}

	execID, err := env.engine.StartExecution(ctx, task.ID, v1.ExecuteTaskRequest{})
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	env.waitFinished(t, task.ID)

	status, err := env.engine.ExecutionStatus(ctx, task.ID)
	if err != nil {
		t.Fatalf("ExecutionStatus failed: %v", err)
	}
	if status.ID != execID || status.State != v1.ExecutionCompleted {
		t.Errorf("unexpected status: %+v", status)
	}
}
