package opencode

import (
	"bufio"
	"bytes"
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

	"github.com/agentmux/agentmux/internal/common/logger"
)

const (
	healthPollInterval = 150 * time.Millisecond
	healthDeadline     = 20 * time.Second
	abortBudget        = 800 * time.Millisecond
	promptTimeout      = 60 * time.Minute
)

// EventHandler receives every SSE event for the subscribed session.
type EventHandler func(event *Event)

// Client drives one OpenCode server over its REST+SSE surface. Requests
// authenticate with Basic auth against the server password and scope to a
// working directory.
type Client struct {
	baseURL   string
	directory string
	password  string
	http      *http.Client
	log       *logger.Logger

	mu        sync.Mutex
	sseCancel context.CancelFunc
	closed    bool
}

func NewClient(baseURL, directory, password string, log *logger.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		directory: directory,
		password:  password,
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       log,
	}
}

// GeneratePassword returns a random server password for the spawned server.
func GeneratePassword() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Sprintf("opencode-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	url := c.baseURL + path
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	url += sep + "directory=" + c.directory

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	creds := base64.StdEncoding.EncodeToString([]byte("opencode:" + c.password))
	req.Header.Set("Authorization", "Basic "+creds)
	req.Header.Set("X-OpenCode-Directory", c.directory)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// WaitForHealth polls /global/health until the server reports healthy.
func (c *Client) WaitForHealth(ctx context.Context) error {
	deadline := time.Now().Add(healthDeadline)
	var lastErr error

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = c.checkHealth(ctx)
		if lastErr == nil {
			return nil
		}
		time.Sleep(healthPollInterval)
	}
	return fmt.Errorf("health check timeout: %w", lastErr)
}

func (c *Client) checkHealth(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/global/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check HTTP %d: %s", resp.StatusCode, raw)
	}

	var health HealthResponse
	if err := json.Unmarshal(raw, &health); err != nil {
		return fmt.Errorf("parse health response: %w", err)
	}
	if !health.Healthy {
		return fmt.Errorf("server unhealthy (version %s)", health.Version)
	}
	c.log.Debug("OpenCode server healthy", zap.String("version", health.Version))
	return nil
}

// CreateSession opens a new server-side session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/session", map[string]any{})
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create session: HTTP %d: %s", resp.StatusCode, raw)
	}
	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}
	return session.ID, nil
}

// SendPrompt submits one turn. The call blocks until the turn completes, so
// it uses a dedicated long-timeout client; output arrives on the SSE stream
// while this is in flight.
func (c *Client) SendPrompt(ctx context.Context, sessionID, prompt string, model *ModelSpec) error {
	body := PromptRequest{
		Model: model,
		Parts: []TextPart{{Type: "text", Text: prompt}},
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/session/"+sessionID+"/message", body)
	if err != nil {
		return err
	}

	promptClient := &http.Client{Timeout: promptTimeout}
	resp, err := promptClient.Do(req)
	if err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read prompt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prompt failed: HTTP %d: %s", resp.StatusCode, raw)
	}

	var parsed map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(raw), &parsed); err != nil {
		return fmt.Errorf("parse prompt response: %w", err)
	}
	if name, ok := parsed["name"].(string); ok {
		msg := "unknown error"
		if data, ok := parsed["data"].(map[string]any); ok {
			if m, ok := data["message"].(string); ok {
				msg = m
			}
		}
		return fmt.Errorf("prompt error: %s: %s", name, msg)
	}
	return nil
}

// Abort asks the server to stop the current turn. Best-effort: the call
// gets a short budget and failures are swallowed.
func (c *Client) Abort(ctx context.Context, sessionID string) {
	abortCtx, cancel := context.WithTimeout(ctx, abortBudget)
	defer cancel()

	req, err := c.newRequest(abortCtx, http.MethodPost, "/session/"+sessionID+"/abort", nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
}

// ReplyPermission answers a permission.asked event.
func (c *Client) ReplyPermission(ctx context.Context, requestID, reply, message string) error {
	body := PermissionReply{Reply: reply, Message: message}
	if body.Message == "" && reply == ReplyReject {
		body.Message = "User denied this tool use request"
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/permission/"+requestID+"/reply", body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("permission reply: %w", err)
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return nil
}

// StreamEvents connects to /event and delivers each decoded frame for the
// given session to handler until the context ends or the server closes the
// stream. The returned channel closes when the stream ends; it carries the
// terminal error, if any.
func (c *Client) StreamEvents(ctx context.Context, sessionID string, handler EventHandler) (<-chan error, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is closed")
	}
	streamCtx, cancel := context.WithCancel(ctx)
	c.sseCancel = cancel
	c.mu.Unlock()

	req, err := c.newRequest(streamCtx, http.MethodGet, "/event", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout; the stream stays open for the session's lifetime.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream: HTTP %d: %s", resp.StatusCode, raw)
	}

	done := make(chan error, 1)
	go c.readEvents(streamCtx, sessionID, resp.Body, handler, done)
	return done, nil
}

func (c *Client) readEvents(ctx context.Context, sessionID string, body io.ReadCloser, handler EventHandler, done chan<- error) {
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		if ctx.Err() != nil {
			done <- nil
			close(done)
			return
		}

		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "data: "); ok {
			data.WriteString(after)
			continue
		}
		if line != "" || data.Len() == 0 {
			continue
		}

		var event Event
		payload := strings.TrimSpace(data.String())
		data.Reset()
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			c.log.Warn("Malformed SSE event", zap.Error(err))
			continue
		}
		if eventSession(&event) != "" && eventSession(&event) != sessionID {
			continue
		}
		handler(&event)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		done <- fmt.Errorf("event stream: %w", err)
	} else {
		done <- nil
	}
	close(done)
}

// eventSession extracts the session id an event belongs to, or "" when the
// event carries none (those pass through to the handler).
func eventSession(event *Event) string {
	var props map[string]any
	if event.Properties == nil || json.Unmarshal(event.Properties, &props) != nil {
		return ""
	}
	switch event.Type {
	case EventMessageUpdated:
		if info, ok := props["info"].(map[string]any); ok {
			id, _ := info["sessionID"].(string)
			return id
		}
	case EventMessagePartUpdated:
		if part, ok := props["part"].(map[string]any); ok {
			id, _ := part["sessionID"].(string)
			return id
		}
	default:
		id, _ := props["sessionID"].(string)
		return id
	}
	return ""
}

// Close tears down the SSE stream.
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
}
