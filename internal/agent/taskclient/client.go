// Package taskclient is the agent's HTTP client for the controller's task
// API. All transient transport failures are retried internally; errors that
// surface to the caller are worth logging.
package taskclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/raplab/raprunner/internal/schema"
)

// Client talks to one controller on behalf of one backend.
type Client struct {
	endpoint string
	token    string
	backend  string
	http     *retryablehttp.Client
}

// New builds a Client for the backend. The endpoint is the controller base
// URL without a trailing slash.
func New(endpoint, token, backend string, log *zap.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil
	if log != nil {
		rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			if attempt > 0 {
				log.Warn("retrying task API request",
					zap.String("url", req.URL.Path), zap.Int("attempt", attempt))
			}
		}
	}
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		token:    token,
		backend:  backend,
		http:     rc,
	}
}

// GetTasks fetches the backend's active tasks.
func (c *Client) GetTasks(ctx context.Context) (*schema.TaskList, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/%s/tasks/", c.endpoint, c.backend), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching tasks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError("fetching tasks", resp)
	}

	var tasks schema.TaskList
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return nil, fmt.Errorf("decoding task list: %w", err)
	}
	return &tasks, nil
}

// PostUpdate reports task progress to the controller.
func (c *Client) PostUpdate(ctx context.Context, update *schema.TaskUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	form := url.Values{"payload": []string{string(payload)}}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/task/update/", c.endpoint, c.backend),
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting task update: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError("posting task update", resp)
	}
	return nil
}

func apiError(action string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("%s: controller returned %d: %s",
		action, resp.StatusCode, strings.TrimSpace(string(body)))
}
