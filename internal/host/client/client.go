// Package client is the controller-side driver of the host control protocol.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
)

const requestTimeout = 30 * time.Second

// Client communicates with one execution host via HTTP
type Client struct {
	host    string
	port    int
	baseURL string

	httpClient *http.Client
	// streamClient has no overall timeout; execute streams last as long as the run.
	streamClient *http.Client
	logger       *logger.Logger
}

// NewClient creates a new host client
func NewClient(host string, port int, log *logger.Logger) *Client {
	return &Client{
		host:         host,
		port:         port,
		baseURL:      "http://" + host + ":" + strconv.Itoa(port),
		httpClient:   &http.Client{Timeout: requestTimeout},
		streamClient: &http.Client{},
		logger: log.WithFields(
			zap.String("component", "host-client"),
			zap.String("host", host),
			zap.Int("port", port)),
	}
}

// BaseURL returns the base URL of the host
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Address returns host:port.
func (c *Client) Address() string {
	return c.host + ":" + strconv.Itoa(c.port)
}

// HealthResult is the outcome of one health round-trip. Reachable is false
// when the host could not be contacted at all.
type HealthResult struct {
	Reachable    bool    `json:"reachable"`
	Healthy      bool    `json:"healthy"`
	Status       string  `json:"status,omitempty"`
	Uptime       float64 `json:"uptime,omitempty"`
	RequestCount int64   `json:"requestCount,omitempty"`
	AgentRunning bool    `json:"agentRunning"`
	ToolRunning  bool    `json:"toolRunning"`
	Mode         string  `json:"mode,omitempty"`
	Endpoint     string  `json:"endpoint,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// HealthCheck queries GET /health. It never returns an error; an unreachable
// or unhealthy host is reported in the result.
func (c *Client) HealthCheck(ctx context.Context) HealthResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return HealthResult{Error: err.Error()}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthResult{Error: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readResponseBody(resp)
	if err != nil {
		return HealthResult{Reachable: true, Error: fmt.Sprintf("failed to read response body: %v", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return HealthResult{Reachable: true, Error: fmt.Sprintf("health check failed: %d: %s", resp.StatusCode, truncateBody(respBody))}
	}

	result := HealthResult{Reachable: true}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return HealthResult{Reachable: true, Error: fmt.Sprintf("failed to parse health response: %v", err)}
	}
	result.Reachable = true
	result.Healthy = result.Status == "ok"
	return result
}

// WaitUntilHealthy polls HealthCheck up to maxAttempts times, interval apart.
// It reports false once attempts are exhausted or ctx is done.
func (c *Client) WaitUntilHealthy(ctx context.Context, maxAttempts int, interval time.Duration) bool {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if res := c.HealthCheck(ctx); res.Healthy {
			c.logger.Info("host is healthy", zap.Int("attempt", attempt))
			return true
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	c.logger.Warn("host did not become healthy", zap.Int("attempts", maxAttempts))
	return false
}

// HeartbeatResponse is the body of POST /heartbeat
type HeartbeatResponse struct {
	Success   bool  `json:"success"`
	TimeoutMs int64 `json:"timeoutMs"`
}

// SendHeartbeat posts one liveness ping.
func (c *Client) SendHeartbeat(ctx context.Context) (*HeartbeatResponse, error) {
	var out HeartbeatResponse
	if err := c.post(ctx, "/heartbeat", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActionResult is the {success, message} body shared by stop and tool calls.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Stop asks the host to terminate its active session.
func (c *Client) Stop(ctx context.Context) (*ActionResult, error) {
	var out ActionResult
	if err := c.post(ctx, "/stop", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartTool starts the browser-automation helper.
func (c *Client) StartTool(ctx context.Context) (*ActionResult, error) {
	var out ActionResult
	if err := c.post(ctx, "/tool/start", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopTool stops the browser-automation helper.
func (c *Client) StopTool(ctx context.Context) (*ActionResult, error) {
	var out ActionResult
	if err := c.post(ctx, "/tool/stop", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ToolInfo is the body of GET /tool/info
type ToolInfo struct {
	Endpoint string `json:"endpoint"`
	Mode     string `json:"mode"`
}

// ToolInfo returns the helper's connection target.
func (c *Client) ToolInfo(ctx context.Context) (*ToolInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tool/info", nil)
	if err != nil {
		return nil, err
	}
	var out ToolInfo
	if err := c.do(req, "tool info", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, what string, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readResponseBody(resp)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s request failed with status %d: %s", what, resp.StatusCode, truncateBody(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse %s response (status %d, body: %s): %w", what, resp.StatusCode, truncateBody(respBody), err)
	}
	return nil
}

func readResponseBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// truncateBody truncates body for error messages to avoid huge logs
func truncateBody(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
