package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/foldsync/foldsync/internal/mirror"
)

// Client calls a running daemon's control API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	password   string
}

// NewClient creates a Client for the control endpoint at baseURL,
// typically "http://127.0.0.1:<port>". password may be empty when the
// daemon runs without one.
func NewClient(baseURL, password string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		password:   password,
	}
}

// Status fetches the daemon's current status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var status StatusResponse
	err := c.call(ctx, http.MethodGet, "/api/status", &status)
	return status, err
}

// Retry asks the daemon to reset backoff and sync now.
func (c *Client) Retry(ctx context.Context) (string, error) {
	return c.action(ctx, "/api/retry")
}

// Stop pauses the daemon's sync loop.
func (c *Client) Stop(ctx context.Context) (string, error) {
	return c.action(ctx, "/api/stop")
}

// Start resumes a paused sync loop.
func (c *Client) Start(ctx context.Context) (string, error) {
	return c.action(ctx, "/api/start")
}

// Follow subscribes to the daemon's status stream and invokes fn for
// every event until ctx is cancelled or the connection drops. A
// cancelled ctx is a clean exit, not an error.
func (c *Client) Follow(ctx context.Context, fn func(mirror.StatusEvent)) error {
	opts := &websocket.DialOptions{}
	if c.password != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.password}}
	}

	conn, _, err := websocket.Dial(ctx, c.baseURL+"/api/events", opts) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return fmt.Errorf("connecting to status stream: %w", err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading status stream: %w", err)
		}

		var ev mirror.StatusEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decoding status event: %w", err)
		}
		fn(ev)
	}
}

func (c *Client) action(ctx context.Context, endpoint string) (string, error) {
	var ack ActionResponse
	if err := c.call(ctx, http.MethodPost, endpoint, &ack); err != nil {
		return "", err
	}
	return ack.Result, nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.password != "" {
		req.Header.Set("Authorization", "Bearer "+c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", endpoint, apiErr.Error)
		}
		return fmt.Errorf("%s returned %d", endpoint, resp.StatusCode)
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}
	return nil
}
