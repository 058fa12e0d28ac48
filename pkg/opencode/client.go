package opencode

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibekan/vibekan/internal/common/logger"
)

// healthPollInterval paces WaitForHealth retries against a booting server.
const healthPollInterval = 150 * time.Millisecond

// Client talks to one OpenCode server over its REST API and SSE stream.
type Client struct {
	baseURL   string
	directory string
	password  string
	logger    *logger.Logger

	// api handles short calls; prompts get their own client because a
	// message POST stays open for the whole agent turn.
	api    *http.Client
	prompt *http.Client

	eventHandler EventHandler
	controlCh    chan ControlEvent

	// One SSE connection at a time; a second would double every event.
	sseCancel context.CancelFunc
	sseActive bool

	mu     sync.RWMutex
	closed bool
}

// EventHandler receives each SDK event that belongs to the session.
type EventHandler func(event *SDKEventEnvelope)

// ControlEvent signals session flow changes: "idle", "auth_required",
// "session_error", or "disconnected".
type ControlEvent struct {
	Type    string
	Message string
}

// NewClient builds a client for the server at baseURL, scoped to one
// workspace directory.
func NewClient(baseURL, directory, password string, log *logger.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		directory: directory,
		password:  password,
		logger:    log,
		api:       &http.Client{Timeout: 30 * time.Second},
		prompt:    &http.Client{Timeout: 60 * time.Minute},
		controlCh: make(chan ControlEvent, 10),
	}
}

// GenerateServerPassword returns a random password for a spawned server.
func GenerateServerPassword() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("opencode-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// SetEventHandler installs the SDK event callback. Call before
// StartEventStream.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	c.eventHandler = handler
	c.mu.Unlock()
}

// ControlChannel returns the stream of session flow events.
func (c *Client) ControlChannel() <-chan ControlEvent {
	return c.controlCh
}

func (c *Client) buildAuthHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte("opencode:"+c.password))
}

// newRequest builds a request with auth and the directory scope attached.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+sep+"directory="+c.directory, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.buildAuthHeader())
	req.Header.Set("X-OpenCode-Directory", c.directory)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return c.api.Do(req)
}

// WaitForHealth polls /global/health until the server reports healthy or the
// 20-second startup budget runs out.
func (c *Client) WaitForHealth(ctx context.Context) error {
	deadline := time.Now().Add(20 * time.Second)
	var lastErr error

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		healthy, err := c.checkHealth(ctx)
		if healthy {
			return nil
		}
		lastErr = err
		time.Sleep(healthPollInterval)
	}

	if lastErr != nil {
		return fmt.Errorf("health check timeout: %w", lastErr)
	}
	return fmt.Errorf("health check timeout")
}

func (c *Client) checkHealth(ctx context.Context) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/global/health", nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("health check HTTP %d: %s", resp.StatusCode, body)
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return false, fmt.Errorf("parse health response %q: %w", body, err)
	}
	if !health.Healthy {
		return false, fmt.Errorf("server unhealthy (version %s)", health.Version)
	}

	c.logger.Info("OpenCode server healthy", zap.String("version", health.Version))
	return true, nil
}

// CreateSession opens a fresh session and returns its ID.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/session", strings.NewReader("{}"))
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create session failed: HTTP %d: %s", resp.StatusCode, body)
	}

	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}
	return session.ID, nil
}

// SendPrompt posts the prompt and blocks until the server accepts it. The
// session going idle is reported separately on the control channel.
//
// The message endpoint answers 200 for both success and provider errors, so
// the body shape decides: {info, parts} is success, {name, data} is an error.
func (c *Client) SendPrompt(ctx context.Context, sessionID, prompt string, model *ModelSpec) error {
	body, err := json.Marshal(PromptRequest{
		Model: model,
		Parts: []TextPartInput{{Type: "text", Text: prompt}},
	})
	if err != nil {
		return fmt.Errorf("marshal prompt request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost,
		fmt.Sprintf("/session/%s/message", sessionID), strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	resp, err := c.prompt.Do(req)
	if err != nil {
		return fmt.Errorf("send prompt request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read prompt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prompt failed: HTTP %d: %s", resp.StatusCode, respBody)
	}

	trimmed := strings.TrimSpace(string(respBody))
	if trimmed == "" {
		return fmt.Errorf("prompt returned empty response")
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return fmt.Errorf("parse prompt response: %w", err)
	}
	if _, ok := parsed["info"]; ok {
		if _, ok := parsed["parts"]; ok {
			return nil
		}
	}
	if name, ok := parsed["name"].(string); ok {
		message := "unknown error"
		if data, ok := parsed["data"].(map[string]any); ok {
			if msg, ok := data["message"].(string); ok {
				message = msg
			}
		}
		return fmt.Errorf("prompt error: %s: %s", name, message)
	}
	return nil
}

// Abort asks the server to stop the current turn. Failures are swallowed:
// the caller escalates to killing the process anyway.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	resp, err := c.do(abortCtx, http.MethodPost, fmt.Sprintf("/session/%s/abort", sessionID), nil)
	if err != nil {
		return nil
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return nil
}

// ReplyPermission answers a tool-use permission request.
func (c *Client) ReplyPermission(ctx context.Context, requestID, reply, message string) error {
	payload := PermissionReplyRequest{Reply: reply, Message: message}
	if payload.Message == "" && reply == PermissionReplyReject {
		payload.Message = "Tool use request was denied"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal permission reply: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/permission/%s/reply", requestID), strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("permission reply request: %w", err)
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return nil
}

// StartEventStream connects to /event and pumps SDK events in the
// background. A second call while a stream is live is a no-op.
func (c *Client) StartEventStream(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.sseActive {
		c.mu.Unlock()
		return nil
	}
	c.sseActive = true
	sseCtx, cancel := context.WithCancel(ctx)
	c.sseCancel = cancel
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.sseActive = false
		c.sseCancel = nil
		c.mu.Unlock()
		cancel()
		return err
	}

	req, err := http.NewRequestWithContext(sseCtx, http.MethodGet,
		c.baseURL+"/event?directory="+c.directory, nil)
	if err != nil {
		return fail(fmt.Errorf("create event stream request: %w", err))
	}
	req.Header.Set("Authorization", c.buildAuthHeader())
	req.Header.Set("X-OpenCode-Directory", c.directory)
	req.Header.Set("Accept", "text/event-stream")

	// The SSE connection stays open for the whole session, so no timeout.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fail(fmt.Errorf("connect event stream: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return fail(fmt.Errorf("event stream failed: HTTP %d: %s", resp.StatusCode, body))
	}

	c.logger.Debug("SSE stream connected", zap.String("session_id", sessionID))
	go c.pumpEvents(sseCtx, sessionID, resp.Body)
	return nil
}

// pumpEvents reads SSE frames until the stream ends, forwarding events for
// this session to the handler and the control channel.
func (c *Client) pumpEvents(ctx context.Context, sessionID string, body io.ReadCloser) {
	defer func() {
		_ = body.Close()
		c.mu.Lock()
		c.sseActive = false
		c.sseCancel = nil
		c.mu.Unlock()
		c.logger.Debug("SSE stream ended", zap.String("session_id", sessionID))
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}
		// A blank line terminates one SSE frame.
		if line != "" || data.Len() == 0 {
			continue
		}

		frame := strings.TrimSpace(data.String())
		data.Reset()
		if frame == "" {
			continue
		}

		event, err := ParseSDKEvent([]byte(frame))
		if err != nil {
			c.logger.Warn("Undecodable SDK event", zap.Error(err))
			continue
		}
		if !c.eventMatchesSession(event, sessionID) {
			continue
		}

		c.forwardControl(event)

		c.mu.RLock()
		handler := c.eventHandler
		c.mu.RUnlock()
		if handler != nil {
			handler(event)
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("Event stream read error", zap.Error(err))
	}

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if !closed {
		c.pushControl(ControlEvent{Type: "disconnected"})
	}
}

// eventMatchesSession filters the shared /event stream down to one session.
// Events that carry no session ID pass through.
func (c *Client) eventMatchesSession(event *SDKEventEnvelope, sessionID string) bool {
	var props map[string]any
	if event.Properties != nil {
		if err := json.Unmarshal(event.Properties, &props); err != nil {
			return true
		}
	}

	id := ""
	switch event.Type {
	case SDKEventMessageUpdated:
		if info, ok := props["info"].(map[string]any); ok {
			id, _ = info["sessionID"].(string)
		}
	case SDKEventMessagePartUpdated:
		if part, ok := props["part"].(map[string]any); ok {
			id, _ = part["sessionID"].(string)
		}
	default:
		id, _ = props["sessionID"].(string)
	}

	return id == "" || id == sessionID
}

// forwardControl maps idle and error events onto the control channel.
func (c *Client) forwardControl(event *SDKEventEnvelope) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}

	switch event.Type {
	case SDKEventSessionIdle:
		c.pushControl(ControlEvent{Type: "idle"})

	case SDKEventSessionError:
		props, err := ParseSessionError(event.Properties)
		if err != nil || props.Error == nil {
			return
		}
		typ := "session_error"
		if props.Error.GetKind() == "ProviderAuthError" {
			typ = "auth_required"
		}
		c.pushControl(ControlEvent{Type: typ, Message: props.Error.GetMessage()})
	}
}

// pushControl delivers without blocking; a full channel drops the event.
func (c *Client) pushControl(ev ControlEvent) {
	select {
	case c.controlCh <- ev:
	default:
	}
}

// Close tears down the SSE connection and closes the control channel.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	if c.sseCancel != nil {
		c.sseCancel()
		c.sseCancel = nil
	}
	c.sseActive = false
	close(c.controlCh)
}
