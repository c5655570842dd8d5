// Package clickup is a minimal ClickUp REST API v2 client covering the
// operations the scheduler and task endpoints need.
package clickup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

const apiBase = "https://api.clickup.com/api/v2"

// SettingAPIToken is the settings key holding the ClickUp API token.
const SettingAPIToken = "clickup_api_token"

// SettingsReader is the subset of the task store the client needs for
// token lookup.
type SettingsReader interface {
	GetSetting(key string) (string, error)
}

// Task is a ClickUp task as returned by the list-tasks endpoint.
type Task struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Priority    *Priority `json:"priority"`
	List        List      `json:"list"`
}

// Status is a ClickUp task status.
type Status struct {
	Status string `json:"status"`
	Type   string `json:"type,omitempty"`
}

// Priority is a ClickUp task priority object.
type Priority struct {
	ID       string `json:"id"`
	Priority string `json:"priority"`
}

// List identifies the list a task belongs to.
type List struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type tasksResponse struct {
	Tasks []Task `json:"tasks"`
}

// Client talks to the ClickUp API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client with the given API token.
func NewClient(token string) *Client {
	return &Client{
		baseURL: apiBase,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientFromSettings resolves the token from the settings store, falling
// back to the CLICKUP_API_TOKEN environment variable.
func NewClientFromSettings(settings SettingsReader) (*Client, error) {
	token, _ := settings.GetSetting(SettingAPIToken)
	if token == "" {
		token = os.Getenv("CLICKUP_API_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("no ClickUp API token configured. Set CLICKUP_API_TOKEN or run: agentdeck config set %s <token>", SettingAPIToken)
	}
	return NewClient(token), nil
}

// SetBaseURL overrides the API base URL (used by tests).
func (c *Client) SetBaseURL(base string) {
	c.baseURL = base
}

// GetTasks returns the tasks in a list, optionally filtered to one status.
func (c *Client) GetTasks(ctx context.Context, listID, status string) ([]Task, error) {
	endpoint := fmt.Sprintf("/list/%s/task", url.PathEscape(listID))
	if status != "" {
		endpoint += "?statuses[]=" + url.QueryEscape(status)
	}
	var resp tasksResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// UpdateTaskStatus moves a task to a new status.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status string) error {
	body := map[string]string{"status": status}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/task/%s", url.PathEscape(taskID)), body, nil)
}

// AddTimeEntry records time spent against a task. Times are unix millis.
func (c *Client) AddTimeEntry(ctx context.Context, taskID string, startMS, endMS, durationMS int64) error {
	body := map[string]int64{"start": startMS, "end": endMS, "time": durationMS}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/task/%s/time", url.PathEscape(taskID)), body, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("clickup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("clickup API error: %s: %s", resp.Status, text)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// PriorityToInt maps a ClickUp priority to its numeric rank
// (1=urgent, 2=high, 3=normal, 4=low). Unknown or absent priorities
// return nil and sort last.
func PriorityToInt(p *Priority) *int {
	if p == nil {
		return nil
	}
	var n int
	switch p.Priority {
	case "urgent":
		n = 1
	case "high":
		n = 2
	case "normal":
		n = 3
	case "low":
		n = 4
	default:
		return nil
	}
	return &n
}
