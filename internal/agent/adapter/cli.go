package adapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vibekan/vibekan/internal/common/config"
	"github.com/vibekan/vibekan/internal/common/logger"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

// cliHandle runs a CLI agent as a subprocess and line-streams its output.
type cliHandle struct {
	cfg    config.AgentConfig
	logger *logger.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	events   chan Event
	activity chan struct{}
	done     chan struct{}

	submitted atomic.Bool
	aborted   atomic.Bool
	completed atomic.Bool

	stdinMu sync.Mutex
	emitMu  sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

func startCLI(ctx context.Context, cfg config.AgentConfig, command []string, workingDir string, env map[string]string, agentType string, log *logger.Logger) (Handle, error) {
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = workingDir
	cmd.Env = buildEnv(env)
	// Own process group so aborts reach the agent's children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrStartFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrStartFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrStartFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	h := &cliHandle{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("adapter", agentType), zap.Int("pid", cmd.Process.Pid)),
		cmd:      cmd,
		stdin:    stdin,
		events:   make(chan Event, 256),
		activity: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	h.wg.Add(2)
	go h.pump("stdout", stdout)
	go h.pump("stderr", stderr)
	go h.supervise()
	go h.watchdog()

	h.logger.Info("CLI agent started", zap.Strings("command", command))
	return h, nil
}

func (h *cliHandle) Events() <-chan Event {
	return h.events
}

func (h *cliHandle) SubmitPrompt(ctx context.Context, prompt, model string) error {
	if !h.submitted.CompareAndSwap(false, true) {
		return ErrAlreadySubmitted
	}
	if model != "" {
		h.logger.Debug("model selection not supported for CLI agents", zap.String("model", model))
	}
	return h.writeLine(prompt)
}

func (h *cliHandle) SendInput(ctx context.Context, text string) error {
	select {
	case <-h.done:
		return fmt.Errorf("agent process has exited")
	default:
	}
	return h.writeLine(text)
}

func (h *cliHandle) writeLine(text string) error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if _, err := io.WriteString(h.stdin, text+"\n"); err != nil {
		return fmt.Errorf("write to agent stdin: %w", err)
	}
	return nil
}

// Abort terminates the agent process. The process gets the abort grace
// period to exit after SIGTERM, then is killed.
func (h *cliHandle) Abort(ctx context.Context) error {
	if !h.aborted.CompareAndSwap(false, true) {
		<-h.done
		return nil
	}

	h.logger.Info("Aborting CLI agent")
	h.stdinMu.Lock()
	_ = h.stdin.Close()
	h.stdinMu.Unlock()
	h.signal(syscall.SIGTERM)

	select {
	case <-h.done:
	case <-time.After(h.cfg.AbortGraceDuration()):
		h.logger.Warn("Agent did not exit within grace period, killing")
		h.signal(syscall.SIGKILL)
		<-h.done
	}
	return nil
}

// signal delivers a signal to the agent's process group.
func (h *cliHandle) signal(sig syscall.Signal) {
	_ = syscall.Kill(-h.cmd.Process.Pid, sig)
}

// pump reads one output stream line by line and emits parsed events.
func (h *cliHandle) pump(stream string, r io.Reader) {
	defer h.wg.Done()

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		event, ok := ParseLine(stream, scanner.Text())
		if !ok {
			continue
		}
		h.emit(event)
	}
	if err := scanner.Err(); err != nil {
		h.logger.Debug("stream read ended", zap.String("stream", stream), zap.Error(err))
	}
}

// supervise waits for the pumps and the process, emits the crash event when
// warranted, and closes the stream.
func (h *cliHandle) supervise() {
	h.wg.Wait()
	err := h.cmd.Wait()

	if err != nil && !h.aborted.Load() {
		detail := fmt.Sprintf("agent process exited: %v", err)
		if h.completed.Load() {
			// Crash after completion does not change the outcome
			h.emit(Event{Agent: &v1.AgentEventPayload{
				Kind:      v1.AgentEventRawOutput,
				RawOutput: &v1.RawOutputEvent{Stream: "stderr", Content: detail},
			}})
		} else {
			h.emit(agentError(detail, false))
		}
	}

	h.emitMu.Lock()
	h.closed = true
	close(h.events)
	h.emitMu.Unlock()
	close(h.done)
	h.logger.Info("CLI agent exited", zap.Bool("aborted", h.aborted.Load()))
}

// watchdog aborts the agent when no events arrive within the idle window.
func (h *cliHandle) watchdog() {
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

func (h *cliHandle) emit(event Event) {
	if event.Agent != nil && event.Agent.Kind == v1.AgentEventCompleted {
		h.completed.Store(true)
	}
	select {
	case h.activity <- struct{}{}:
	default:
	}

	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	if h.closed {
		return
	}
	// The consumer drains the channel until it closes, so a full buffer is
	// backpressure. Blocking keeps every event; dropping here could lose a
	// terminal completed event and misreport the run.
	h.events <- event
}

// buildEnv merges extra variables over the current environment.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
