// Package agent talks to the meshd API on behalf of nodes and operators
// and runs assigned tasks on worker nodes.
package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meshsched/meshsched/pkg/api"
	"github.com/meshsched/meshsched/pkg/models"
	"github.com/meshsched/meshsched/pkg/retry"
	"github.com/meshsched/meshsched/pkg/routing"
	"github.com/meshsched/meshsched/pkg/scheduler"
	"github.com/meshsched/meshsched/pkg/tracing"
)

// APIError is a non-2xx reply from the daemon
type APIError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// IsNotFound reports whether err is a 404 from the daemon
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// Client manages communication with the daemon
type Client struct {
	baseURL    string
	httpClient *http.Client
	nodeID     string
	apiKey     string
	retry      retry.Config
}

// NewClient creates a new client with the default retry policy
func NewClient(baseURL string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	c.SetRetry(retry.DefaultConfig())
	return c
}

// NewClientWithTLS creates a new client with TLS support
func NewClientWithTLS(baseURL string, tlsConfig *tls.Config) *Client {
	c := NewClient(baseURL)
	c.httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	return c
}

// SetAPIKey sets the API key for authentication
func (c *Client) SetAPIKey(apiKey string) {
	c.apiKey = apiKey
}

// SetNodeID identifies this client as a node in X-Node-ID
func (c *Client) SetNodeID(nodeID string) {
	c.nodeID = nodeID
}

// SetRetry replaces the retry policy. Only 5xx, 429 and transient network
// errors are retried regardless of config.RetryIf.
func (c *Client) SetRetry(config retry.Config) {
	config.RetryIf = retryableCall
	c.retry = config
}

// BaseURL returns the daemon URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

func retryableCall(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500 || apiErr.Code == http.StatusTooManyRequests
	}
	return retry.IsRetryable(err)
}

// do sends one JSON request with retries and decodes the reply into out
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = data
	}

	return retry.Do(ctx, c.retry, func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		if c.nodeID != "" {
			req.Header.Set("X-Node-ID", c.nodeID)
		}
		tracing.InjectHTTPHeaders(ctx, req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			text, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &APIError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(text))}
		}
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

// SubmitTask submits a task and returns its id
func (c *Client) SubmitTask(ctx context.Context, req api.SubmitTaskRequest) (string, error) {
	var resp api.SubmitTaskResponse
	if err := c.do(ctx, http.MethodPost, "/tasks", req, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// GetTask fetches a live or archived task
func (c *Client) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks lists in-memory tasks. An empty status lists all.
func (c *Client) ListTasks(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var resp struct {
		Tasks []*models.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// CancelTask cancels a pending task
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/cancel", nil, nil)
}

// CompleteTask reports a successful execution
func (c *Client) CompleteTask(ctx context.Context, taskID string, result json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/complete", api.CompleteRequest{Result: result}, nil)
}

// FailTask reports a failed execution
func (c *Client) FailTask(ctx context.Context, taskID, errMsg string) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/fail", api.FailRequest{Error: errMsg}, nil)
}

// EstimateCost prices a requirement on every known node
func (c *Client) EstimateCost(ctx context.Context, req api.EstimateRequest) ([]scheduler.NodeEstimate, error) {
	var resp struct {
		Estimates []scheduler.NodeEstimate `json:"estimates"`
	}
	if err := c.do(ctx, http.MethodPost, "/tasks/estimate", req, &resp); err != nil {
		return nil, err
	}
	return resp.Estimates, nil
}

// UpdateResources publishes a node snapshot
func (c *Client) UpdateResources(ctx context.Context, res *models.NodeResources) error {
	return c.do(ctx, http.MethodPut, "/nodes/"+url.PathEscape(res.NodeID)+"/resources", res, nil)
}

// Nodes lists node snapshots
func (c *Client) Nodes(ctx context.Context) ([]*models.NodeResources, error) {
	var resp struct {
		Nodes []*models.NodeResources `json:"nodes"`
	}
	if err := c.do(ctx, http.MethodGet, "/nodes", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// RemoveNode makes the daemon forget a node
func (c *Client) RemoveNode(ctx context.Context, nodeID string) error {
	return c.do(ctx, http.MethodDelete, "/nodes/"+url.PathEscape(nodeID), nil, nil)
}

// Routes returns the daemon's combined routing view
func (c *Client) Routes(ctx context.Context) ([]routing.RouteEntry, error) {
	var resp struct {
		Routes []routing.RouteEntry `json:"routes"`
	}
	if err := c.do(ctx, http.MethodGet, "/routing/routes", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Routes, nil
}

// RouteLookup is the reply of FindRoute
type RouteLookup struct {
	Destination string            `json:"destination"`
	Class       string            `json:"class"`
	NextHop     string            `json:"next_hop"`
	Route       *models.RouteInfo `json:"route"`
}

// FindRoute asks the daemon for the best route to dest for a message class
func (c *Client) FindRoute(ctx context.Context, dest, class string) (*RouteLookup, error) {
	path := "/routing/routes/" + url.PathEscape(dest)
	if class != "" {
		path += "?class=" + url.QueryEscape(class)
	}
	var resp RouteLookup
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddRoutingTable installs a routing table on the daemon
func (c *Client) AddRoutingTable(ctx context.Context, table *models.RoutingTable) error {
	return c.do(ctx, http.MethodPost, "/routing/tables", table, nil)
}

// RemoveRoutingTable drops a node's routing table
func (c *Client) RemoveRoutingTable(ctx context.Context, nodeID string) error {
	return c.do(ctx, http.MethodDelete, "/routing/tables/"+url.PathEscape(nodeID), nil, nil)
}

// RecordRecovery clears a node's failure record
func (c *Client) RecordRecovery(ctx context.Context, nodeID string) error {
	return c.do(ctx, http.MethodPost, "/routing/recovery/"+url.PathEscape(nodeID), nil, nil)
}

// Stats fetches scheduler and router statistics
func (c *Client) Stats(ctx context.Context) (*api.StatsResponse, error) {
	var resp api.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks daemon liveness
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
