package venturesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal VentureLab HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	CurrentStage   int        `json:"currentStage"`
	BriefFinalized bool       `json:"briefFinalized"`
	CreatedAt      string     `json:"createdAt"`
	ChatHistory    []ChatTurn `json:"chatHistory"`
}

type ChatTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type Artifact struct {
	Stage     string          `json:"stage"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt string          `json:"updatedAt"`
}

type Run struct {
	ID         string   `json:"id"`
	Stage      string   `json:"stage"`
	Status     string   `json:"status"`
	StartedAt  string   `json:"startedAt"`
	FinishedAt *string  `json:"finishedAt,omitempty"`
	Logs       []string `json:"logs"`
}

// Terminal reports whether the run has reached a final status.
func (r Run) Terminal() bool {
	return r.Status == "COMPLETED" || r.Status == "FAILED"
}

// ProjectDetail is the full project view with artifacts and recent runs.
type ProjectDetail struct {
	Project   Project    `json:"project"`
	Artifacts []Artifact `json:"artifacts"`
	Runs      []Run      `json:"runs"`
}

// ChatResult is one chat exchange.
type ChatResult struct {
	AIResponse string     `json:"aiResponse"`
	History    []ChatTurn `json:"history"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project.
func (c *Client) CreateProject(ctx context.Context, name string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", map[string]any{"name": name}, &resp)
	return resp, err
}

// GetProject fetches a project with its artifacts and runs.
func (c *Client) GetProject(ctx context.Context, projectID string) (ProjectDetail, error) {
	var resp ProjectDetail
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, ""), nil, &resp)
	return resp, err
}

// Chat sends one message and returns the model reply plus the updated history.
func (c *Client) Chat(ctx context.Context, projectID, message string) (ChatResult, error) {
	var resp ChatResult
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "chat"), map[string]any{"message": message}, &resp)
	return resp, err
}

// RunStage starts a pipeline stage and returns the run id before completion.
func (c *Client) RunStage(ctx context.Context, projectID, stage string) (string, error) {
	var resp struct {
		RunID string `json:"runId"`
	}
	endpoint := c.projectPath(projectID, fmt.Sprintf("stages/%s/run", url.PathEscape(stage)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.RunID, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, projectID, runID string) (Run, error) {
	var resp Run
	endpoint := c.projectPath(projectID, fmt.Sprintf("runs/%s", url.PathEscape(runID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListRuns returns the most recent runs, newest first.
func (c *Client) ListRuns(ctx context.Context, projectID string) ([]Run, error) {
	var resp []Run
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "runs"), nil, &resp)
	return resp, err
}

// PollRun polls a run until it is terminal or the context expires.
func (c *Client) PollRun(ctx context.Context, projectID, runID string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, projectID, runID)
		if err != nil {
			return Run{}, err
		}
		if run.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(projectID, p string) string {
	endpoint := fmt.Sprintf("projects/%s", url.PathEscape(projectID))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base
}
