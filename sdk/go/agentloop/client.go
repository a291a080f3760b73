package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentLoop REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// Session is the session record returned by the daemon.
type Session struct {
	ID              string `json:"id"`
	Goal            string `json:"goal"`
	Status          string `json:"status"`
	Autonomous      bool   `json:"autonomous"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
	Depth           int    `json:"depth"`
	ContextSummary  string `json:"context_summary,omitempty"`
	Running         bool   `json:"running"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

// Step is a single loop iteration within a session.
type Step struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Number     int            `json:"number"`
	Kind       string         `json:"kind"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolParams map[string]any `json:"tool_params,omitempty"`
	Result     string         `json:"result,omitempty"`
	Status     string         `json:"status"`
	LastError  string         `json:"last_error,omitempty"`
}

// Todo is a planning item attached to a session.
type Todo struct {
	ID         string   `json:"id"`
	OrderIndex int      `json:"order_index"`
	Title      string   `json:"title"`
	DependsOn  []string `json:"depends_on,omitempty"`
	Status     string   `json:"status"`
}

// ForkTask is a sub-agent task spawned from a session.
type ForkTask struct {
	ID              string `json:"id"`
	ParentSessionID string `json:"parent_session_id"`
	ChildSessionID  string `json:"child_session_id,omitempty"`
	Goal            string `json:"goal"`
	Status          string `json:"status"`
	ResultSummary   string `json:"result_summary,omitempty"`
	StepsExecuted   int    `json:"steps_executed"`
	TokensUsed      int    `json:"tokens_used"`
}

// SessionDetail is the full view of a session with its child records.
type SessionDetail struct {
	Session   Session    `json:"session"`
	Steps     []Step     `json:"steps"`
	Todos     []Todo     `json:"todos"`
	ForkTasks []ForkTask `json:"fork_tasks"`
}

// ToolInfo describes a tool registered on the daemon.
type ToolInfo struct {
	Name                 string `json:"name"`
	Description          string `json:"description"`
	Risk                 string `json:"risk"`
	RequiresConfirmation bool   `json:"requiresConfirmation"`
}

// StopRequest controls how a session is stopped.
type StopRequest struct {
	Graceful  bool `json:"graceful"`
	SaveState bool `json:"save_state"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentloop api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentloop api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentLoop API. When httpClient is
// nil, a default client with a sensible timeout is used. apiKey may be empty,
// in which case the daemon identifies the caller by source address.
func NewClient(rawURL, apiKey string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, apiKey: apiKey}, nil
}

// CreateSession submits a new goal and starts execution.
func (c *Client) CreateSession(ctx context.Context, goal string, autonomous bool) (Session, error) {
	var sess Session
	payload := map[string]any{"goal": goal, "autonomous": autonomous}
	if err := c.post(ctx, "/api/v1/sessions", payload, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// GetSession fetches a session with its steps, todos and fork tasks.
func (c *Client) GetSession(ctx context.Context, sessionID string) (SessionDetail, error) {
	var detail SessionDetail
	if err := c.get(ctx, "/api/v1/sessions/"+url.PathEscape(sessionID), &detail); err != nil {
		return SessionDetail{}, err
	}
	return detail, nil
}

// DeleteSession soft-deletes a session record.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// StopSession requests that a session stop executing.
func (c *Client) StopSession(ctx context.Context, sessionID string, stop StopRequest) error {
	return c.post(ctx, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/stop", stop, nil)
}

// ResumeSession answers a pending question and resumes execution.
func (c *Client) ResumeSession(ctx context.Context, sessionID, answer string) error {
	payload := map[string]any{"answer": answer}
	return c.post(ctx, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/resume", payload, nil)
}

// GetForkTask fetches a sub-agent task by identifier.
func (c *Client) GetForkTask(ctx context.Context, taskID string) (ForkTask, error) {
	var task ForkTask
	if err := c.get(ctx, "/api/v1/forks/"+url.PathEscape(taskID), &task); err != nil {
		return ForkTask{}, err
	}
	return task, nil
}

// ListTools returns the tools registered on the daemon.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var tools []ToolInfo
	if err := c.get(ctx, "/api/v1/tools", &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// WaitSession polls until the session reaches a terminal status or ctx is done.
func (c *Client) WaitSession(ctx context.Context, sessionID string, interval time.Duration) (SessionDetail, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		detail, err := c.GetSession(ctx, sessionID)
		if err != nil {
			return SessionDetail{}, err
		}
		switch detail.Session.Status {
		case "completed", "failed", "stopped":
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return SessionDetail{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
