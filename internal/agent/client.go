// Package agent is the typed HTTP client for the external coding-agent
// server, plus the SSE event bridge that feeds its event stream to the
// executor. Every request binds the job's workspace via the directory query
// parameter and carries Basic-Auth credentials when configured.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge-io/agentforge/internal/metrics"
)

// Model selects the provider and model the agent should run with.
type Model struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// Health is the agent server's health report.
type Health struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionState is one entry of the session status map.
type SessionState struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// PermissionRequest is a pending permission prompt raised by the agent.
type PermissionRequest struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	Permission string         `json:"permission"`
	Patterns   []string       `json:"patterns"`
	Metadata   map[string]any `json:"metadata"`
}

// Command returns the shell command attached to the request, if any.
func (p PermissionRequest) Command() string {
	if p.Metadata == nil {
		return ""
	}
	if cmd, ok := p.Metadata["command"].(string); ok {
		return cmd
	}
	return ""
}

// Client is a process-singleton agent-server client. It is safe for
// concurrent use across executors; connections are pooled and kept alive.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewClient builds a Client for baseURL. password may be empty, in which
// case no Basic-Auth header is sent (local development agents run open).
func NewClient(baseURL, username, password string, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: timeout, Transport: transport},
		metrics:  m,
		logger:   logger.Named("agent_client"),
	}
}

// Health probes GET /global/health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	if err := c.do(ctx, "health", http.MethodGet, "/global/health", nil, nil, &out); err != nil {
		return Health{}, err
	}
	return out, nil
}

// CreateSession opens a new agent session bound to the workspace directory
// and returns its ID.
func (c *Client) CreateSession(ctx context.Context, directory, title string) (string, error) {
	body := map[string]string{"title": title}
	var out map[string]any
	if err := c.do(ctx, "create_session", http.MethodPost, "/session", c.params(directory, nil), body, &out); err != nil {
		return "", err
	}
	for _, key := range []string{"id", "sessionID"} {
		if id, ok := out[key].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", &Error{Kind: KindServer, Op: "create_session", Body: "missing session id in response"}
}

// PromptAsync submits the prompt fire-and-forget; the agent continues the
// work in the background and reports through the event stream.
func (c *Client) PromptAsync(ctx context.Context, directory, sessionID, prompt, agentName string, model *Model) error {
	body := map[string]any{
		"agent": agentName,
		"parts": []map[string]string{{"type": "text", "text": prompt}},
	}
	if model != nil {
		body["model"] = model
	}
	path := "/session/" + url.PathEscape(sessionID) + "/prompt_async"
	return c.do(ctx, "prompt_async", http.MethodPost, path, c.params(directory, nil), body, nil)
}

// SessionStatus returns the state of every session known to the agent for
// this directory, keyed by session ID.
func (c *Client) SessionStatus(ctx context.Context, directory string) (map[string]SessionState, error) {
	var out map[string]SessionState
	if err := c.do(ctx, "session_status", http.MethodGet, "/session/status", c.params(directory, nil), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AbortSession asks the agent to stop a running session.
func (c *Client) AbortSession(ctx context.Context, directory, sessionID string) error {
	path := "/session/" + url.PathEscape(sessionID) + "/abort"
	return c.do(ctx, "abort_session", http.MethodPost, path, c.params(directory, nil), nil, nil)
}

// ListPermissions returns all pending permission prompts for the directory.
func (c *Client) ListPermissions(ctx context.Context, directory string) ([]PermissionRequest, error) {
	var out []PermissionRequest
	if err := c.do(ctx, "list_permissions", http.MethodGet, "/permission", c.params(directory, nil), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReplyPermission answers a permission prompt. reply is once, always or
// reject; message is an optional operator-visible note.
func (c *Client) ReplyPermission(ctx context.Context, directory, requestID, reply, message string) error {
	body := map[string]string{"reply": reply}
	if message != "" {
		body["message"] = message
	}
	path := "/permission/" + url.PathEscape(requestID) + "/reply"
	return c.do(ctx, "reply_permission", http.MethodPost, path, c.params(directory, nil), body, nil)
}

// LastMessage fetches the most recent message of a session as raw JSON.
func (c *Client) LastMessage(ctx context.Context, directory, sessionID string) (json.RawMessage, error) {
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	var out []json.RawMessage
	params := c.params(directory, map[string]string{"limit": strconv.Itoa(1)})
	if err := c.do(ctx, "last_message", http.MethodGet, path, params, nil, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

// ReadFile reads file metadata through the agent. Used sparingly for
// sanity checks.
func (c *Client) ReadFile(ctx context.Context, directory, path string) (json.RawMessage, error) {
	var out json.RawMessage
	params := c.params(directory, map[string]string{"path": path})
	if err := c.do(ctx, "read_file", http.MethodGet, "/file", params, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) params(directory string, extra map[string]string) url.Values {
	values := url.Values{}
	if directory != "" {
		values.Set("directory", directory)
	}
	for k, v := range extra {
		values.Set(k, v)
	}
	return values
}

// do runs one request and decodes the JSON response into out when non-nil.
// Latency is observed per operation.
func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("agent: %s: encode body: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("agent: %s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(op, "transport_error", start)
		return transportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.observe(op, "http_error", start)
		return statusError(op, resp.StatusCode, string(excerpt))
	}
	c.observe(op, "ok", start)

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindServer, Op: op, Status: resp.StatusCode, Body: "undecodable response", cause: err}
	}
	return nil
}

func (c *Client) observe(op, outcome string, start time.Time) {
	if c.metrics != nil {
		c.metrics.ObserveAgentRequest(op, outcome, time.Since(start))
	}
}
