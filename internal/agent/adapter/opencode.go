package adapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vibekan/vibekan/internal/common/config"
	"github.com/vibekan/vibekan/internal/common/logger"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
	"github.com/vibekan/vibekan/pkg/opencode"
)

// openCodeHandle drives an OpenCode agent through its HTTP server protocol.
type openCodeHandle struct {
	cfg    config.AgentConfig
	logger *logger.Logger

	cmd       *exec.Cmd
	client    *opencode.Client
	sessionID string
	parts     *opencode.PartTracker
	seenTools map[string]bool
	roles     map[string]string

	events   chan Event
	activity chan struct{}
	done     chan struct{}

	submitted atomic.Bool
	aborted   atomic.Bool
	completed atomic.Bool

	mu     sync.Mutex
	closed bool
}

func startOpenCode(ctx context.Context, cfg config.AgentConfig, workingDir string, env map[string]string, log *logger.Logger) (Handle, error) {
	command := cfg.Command("opencode")
	if len(command) == 0 {
		command = []string{"opencode", "serve", "--hostname", "127.0.0.1", "--port", "0"}
	}

	password := opencode.GenerateServerPassword()

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = workingDir
	// Own process group so teardown reaches npx-spawned children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	merged := map[string]string{
		"OPENCODE_SERVER_PASSWORD": password,
		"OPENCODE_PERMISSION":      `{"question":"deny"}`,
	}
	for k, v := range env {
		merged[k] = v
	}
	cmd.Env = buildEnv(merged)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrStartFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	h := &openCodeHandle{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("adapter", "opencode"), zap.Int("pid", cmd.Process.Pid)),
		cmd:       cmd,
		parts:     opencode.NewPartTracker(),
		seenTools: make(map[string]bool),
		roles:     make(map[string]string),
		events:    make(chan Event, 256),
		activity:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	warmupCtx, cancel := context.WithTimeout(ctx, cfg.WarmupTimeoutDuration())
	defer cancel()

	serverURL, err := h.waitForServerURL(warmupCtx, stdout)
	if err != nil {
		h.kill()
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	h.logger.Info("OpenCode server started", zap.String("url", serverURL))

	h.client = opencode.NewClient(serverURL, workingDir, password, h.logger)
	h.client.SetEventHandler(h.handleSDKEvent)

	if err := h.client.WaitForHealth(warmupCtx); err != nil {
		h.kill()
		return nil, fmt.Errorf("%w: health check: %v", ErrStartFailed, err)
	}

	sessionID, err := h.client.CreateSession(warmupCtx)
	if err != nil {
		h.kill()
		return nil, fmt.Errorf("%w: create session: %v", ErrStartFailed, err)
	}
	h.sessionID = sessionID
	h.logger.Info("OpenCode session created", zap.String("session_id", sessionID))

	go h.watchdog()
	return h, nil
}

func (h *openCodeHandle) Events() <-chan Event {
	return h.events
}

func (h *openCodeHandle) SubmitPrompt(ctx context.Context, prompt, model string) error {
	if h.client == nil {
		return ErrNotReady
	}
	if !h.submitted.CompareAndSwap(false, true) {
		return ErrAlreadySubmitted
	}

	if err := h.client.StartEventStream(context.Background(), h.sessionID); err != nil {
		h.logger.Warn("failed to start event stream", zap.Error(err))
	}

	if err := h.client.SendPrompt(ctx, h.sessionID, prompt, parseModelSpec(model)); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}

	go h.controlLoop()
	return nil
}

// SendInput posts a follow-up message into the running session.
func (h *openCodeHandle) SendInput(ctx context.Context, text string) error {
	select {
	case <-h.done:
		return fmt.Errorf("agent session has ended")
	default:
	}
	return h.client.SendPrompt(ctx, h.sessionID, text, nil)
}

// Abort stops the session and reaps the server process.
func (h *openCodeHandle) Abort(ctx context.Context) error {
	if !h.aborted.CompareAndSwap(false, true) {
		<-h.done
		return nil
	}

	h.logger.Info("Aborting OpenCode agent")
	if h.client != nil {
		_ = h.client.Abort(ctx, h.sessionID)
	}
	h.shutdown()
	return nil
}

// controlLoop waits for the session outcome and closes the stream.
func (h *openCodeHandle) controlLoop() {
	for control := range h.client.ControlChannel() {
		switch control.Type {
		case "idle":
			// Idle after a prompt means the turn is done
			if !h.completed.Load() {
				h.completed.Store(true)
				h.emit(Event{Agent: &v1.AgentEventPayload{
					Kind:      v1.AgentEventCompleted,
					Completed: &v1.CompletedEvent{Success: true},
				}})
			}
			h.shutdown()
			return

		case "auth_required":
			h.emit(agentError(fmt.Sprintf("authentication required: %s", control.Message), false))
			h.shutdown()
			return

		case "session_error":
			h.emit(agentError(control.Message, true))
			// Session may recover, keep waiting

		case "disconnected":
			if !h.aborted.Load() && !h.completed.Load() {
				h.emit(agentError("agent event stream disconnected", false))
			}
			h.shutdown()
			return
		}
	}
	h.shutdown()
}

// shutdown terminates the server process and closes the event stream. Safe
// to call multiple times.
func (h *openCodeHandle) shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.events)
	h.mu.Unlock()

	if h.client != nil {
		h.client.Close()
	}

	// The server does not exit on its own; terminate it
	_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM)
	exited := make(chan struct{})
	go func() {
		_, _ = h.cmd.Process.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(h.cfg.AbortGraceDuration()):
		h.logger.Warn("OpenCode server did not exit within grace period, killing")
		_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
		<-exited
	}

	close(h.done)
	h.logger.Info("OpenCode agent stopped")
}

func (h *openCodeHandle) kill() {
	_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
	_, _ = h.cmd.Process.Wait()
}

// watchdog aborts the agent when no events arrive within the idle window.
func (h *openCodeHandle) watchdog() {
	timer := time.NewTimer(h.cfg.IdleTimeoutDuration())
	defer timer.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-h.activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(h.cfg.IdleTimeoutDuration())
		case <-timer.C:
			h.logger.Warn("Agent stalled, aborting",
				zap.Duration("idle_timeout", h.cfg.IdleTimeoutDuration()))
			h.emit(agentError("agent stalled", false))
			_ = h.Abort(context.Background())
			return
		}
	}
}

func (h *openCodeHandle) emit(event Event) {
	select {
	case h.activity <- struct{}{}:
	default:
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	// The consumer drains the channel until it closes, so a full buffer is
	// backpressure. Blocking keeps every event; dropping here could lose a
	// terminal completed event and misreport the run.
	h.events <- event
}

// waitForServerURL reads stdout until the server prints its listening URL.
func (h *openCodeHandle) waitForServerURL(ctx context.Context, stdout io.Reader) (string, error) {
	scanner := bufio.NewScanner(stdout)
	urlCh := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		var captured []string
		for scanner.Scan() {
			line := scanner.Text()
			if len(captured) < 64 {
				captured = append(captured, line)
			}
			if url, found := strings.CutPrefix(line, "opencode server listening on "); found {
				urlCh <- strings.TrimSpace(url)
				// Keep draining so the process does not block on stdout
				for scanner.Scan() {
				}
				return
			}
		}
		errCh <- fmt.Errorf("server exited before printing URL\nOutput:\n%s", strings.Join(captured, "\n"))
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("timeout waiting for server URL: %w", ctx.Err())
	case err := <-errCh:
		return "", err
	case url := <-urlCh:
		return url, nil
	}
}

// handleSDKEvent converts SSE events into normalised agent events.
func (h *openCodeHandle) handleSDKEvent(event *opencode.SDKEventEnvelope) {
	switch event.Type {
	case opencode.SDKEventMessageUpdated:
		parsed, err := opencode.ParseMessageUpdated(event.Properties)
		if err != nil {
			return
		}
		if parsed.Info.ID != "" && parsed.Info.Role != "" {
			h.mu.Lock()
			h.roles[parsed.Info.ID] = parsed.Info.Role
			h.mu.Unlock()
		}

	case opencode.SDKEventMessagePartUpdated:
		parsed, err := opencode.ParseMessagePartUpdated(event.Properties)
		if err != nil {
			h.logger.Warn("failed to parse message.part.updated", zap.Error(err))
			return
		}
		h.handlePartUpdated(parsed)

	case opencode.SDKEventSessionError:
		props, err := opencode.ParseSessionError(event.Properties)
		if err != nil || props.Error == nil {
			return
		}
		h.emit(agentError(props.Error.GetMessage(), true))
	}
}

func (h *openCodeHandle) handlePartUpdated(parsed *opencode.MessagePartUpdatedProperties) {
	part := parsed.Part

	// Do not echo the user's own prompt back as agent output
	if part.MessageID != "" {
		h.mu.Lock()
		role := h.roles[part.MessageID]
		h.mu.Unlock()
		if role == "user" {
			return
		}
	}

	switch part.Type {
	case opencode.PartTypeText, opencode.PartTypeReasoning:
		partID := part.ID
		if partID == "" {
			partID = part.MessageID + ":" + part.Type
		}

		// Parts arrive as cumulative snapshots; emit only the new suffix
		text := part.Text
		if text == "" && parsed.Delta != "" {
			text = parsed.Delta
		}
		delta := h.parts.Delta(partID, text)
		if delta == "" {
			return
		}

		if part.Type == opencode.PartTypeReasoning {
			h.emit(Event{Agent: &v1.AgentEventPayload{
				Kind:     v1.AgentEventThinking,
				Thinking: &v1.ThinkingEvent{Content: delta},
			}})
		} else {
			h.emit(Event{Agent: &v1.AgentEventPayload{
				Kind:    v1.AgentEventMessage,
				Message: &v1.MessageEvent{Content: delta},
			}})
		}

	case opencode.PartTypeTool:
		if part.State == nil {
			return
		}
		h.mu.Lock()
		isFirst := !h.seenTools[part.CallID]
		h.seenTools[part.CallID] = true
		h.mu.Unlock()

		// Emit on first sight and on terminal states; skip the intermediate
		// running updates
		terminal := part.State.Status == opencode.ToolStatusCompleted ||
			part.State.Status == opencode.ToolStatusError
		if !isFirst && !terminal {
			return
		}

		result := part.State.Output
		if part.State.Error != "" {
			result = part.State.Error
		}
		h.emit(Event{Agent: &v1.AgentEventPayload{
			Kind: v1.AgentEventToolCall,
			ToolCall: &v1.ToolCallEvent{
				Tool:   part.Tool,
				Args:   string(part.State.Input),
				Result: result,
			},
		}})
	}
}

// parseModelSpec splits "provider/model" into an OpenCode model spec.
func parseModelSpec(model string) *opencode.ModelSpec {
	if model == "" {
		return nil
	}
	provider, modelID, found := strings.Cut(model, "/")
	if !found {
		return &opencode.ModelSpec{ModelID: model}
	}
	return &opencode.ModelSpec{ProviderID: provider, ModelID: modelID}
}
