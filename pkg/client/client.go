// Package client is the HTTP client the worker agent uses to talk to the
// fleet server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/taskfleet/taskfleet/pkg/registry"
	"github.com/taskfleet/taskfleet/pkg/types"
)

// APIError is an error response from the fleet server.
type APIError struct {
	Status  int
	Message string
	// Shutdown means the server has directed this worker to terminate
	// rather than retry.
	Shutdown bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IsShutdown reports whether err directs the worker to terminate.
func IsShutdown(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Shutdown
}

// Client talks to one fleet server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody struct {
			Error    string `json:"error"`
			Shutdown bool   `json:"shutdown"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &APIError{
			Status:   resp.StatusCode,
			Message:  errBody.Error,
			Shutdown: errBody.Shutdown,
		}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Activate registers this worker's manager with the server.
func (c *Client) Activate(ctx context.Context, req registry.ActivateRequest) (int64, error) {
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/managers", req, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// UpdateResources sends one heartbeat.
func (c *Client) UpdateResources(ctx context.Context, name string, stats registry.ResourceStats) error {
	return c.do(ctx, http.MethodPatch, "/v1/managers/"+name+"/resources", stats, nil)
}

// Deactivate marks the named managers inactive.
func (c *Client) Deactivate(ctx context.Context, req registry.DeactivateRequest) ([]string, error) {
	var resp struct {
		Deactivated []string `json:"deactivated"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/managers/deactivate", req, &resp); err != nil {
		return nil, err
	}
	return resp.Deactivated, nil
}

// ClaimTasks claims up to limit waiting tasks for the named manager.
func (c *Client) ClaimTasks(ctx context.Context, manager string, tags []string, limit int) ([]*types.Task, error) {
	req := map[string]any{"manager": manager, "tags": tags, "limit": limit}
	var resp struct {
		Tasks []*types.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/claim", req, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// CompleteTask reports a terminal status for a task.
func (c *Client) CompleteTask(ctx context.Context, id int64, status types.TaskStatus) error {
	req := map[string]any{"status": status}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/tasks/%d/complete", id), req, nil)
}
