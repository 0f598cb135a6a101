// Package remote speaks the file server's HTTP API and adapts it to the
// sync engine's RemoteStore interface. Protocol failures are mapped onto
// the sentinel errors in internal/errors so the engine can tell a missing
// entry from an outage from a revoked session.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/foldsync/foldsync/internal/errors"
	"github.com/foldsync/foldsync/internal/mirror"
)

// defaultTimeout bounds a single API request so a dead connection cannot
// hang a sync cycle indefinitely.
const defaultTimeout = 60 * time.Second

// TokenCache persists the session token between runs so a restart does
// not have to sign in again. *state.State satisfies it.
type TokenCache interface {
	Token() string
	SetToken(token string) error
}

// Config carries the connection settings for a Client.
type Config struct {
	// BaseURL is the server root, e.g. "https://files.example.com".
	BaseURL string

	// Username and Password sign the client in when no cached token is
	// available or the server stops accepting the current one.
	Username string
	Password string

	// Device names this client in the server's session list.
	Device string

	// HTTPClient overrides the transport. Nil gets a client with a
	// request timeout of defaultTimeout.
	HTTPClient *http.Client

	// Cache, when set, persists session tokens across restarts.
	Cache TokenCache
}

// Client talks to the file endpoint. It implements mirror.RemoteStore and
// re-signs in transparently when the server rejects a stale token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	device     string
	cache      TokenCache
	logger     *slog.Logger

	mu    sync.Mutex
	token string
}

var _ mirror.RemoteStore = (*Client)(nil)

// NewClient creates a Client for the given endpoint. A token cached from
// an earlier run is picked up immediately; otherwise the first request
// triggers a sign-in.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	c := &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		device:     cfg.Device,
		cache:      cfg.Cache,
		logger:     logger,
	}
	if cfg.Cache != nil {
		c.token = cfg.Cache.Token()
	}
	return c
}

// SignIn exchanges the configured credentials for a fresh session token
// and caches it for later runs.
func (c *Client) SignIn(ctx context.Context) error {
	if c.username == "" {
		return fmt.Errorf("signing in: %w", errors.ErrInvalidCredentials)
	}

	payload, err := json.Marshal(SigninRequest{
		Username: c.username,
		Password: c.password,
		Device:   c.device,
	})
	if err != nil {
		return fmt.Errorf("marshalling signin request: %w", err)
	}

	body, status, err := c.send(ctx, http.MethodPost, "/api/signin", nil, payload, "application/json")
	if err != nil {
		return fmt.Errorf("signing in: %w", err)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("signing in: %w", errors.ErrInvalidCredentials)
	case status < 200 || status > 299:
		return fmt.Errorf("signing in: %w", statusErr("/api/signin", status, body))
	}

	var signin SigninResponse
	if err := json.Unmarshal(body, &signin); err != nil {
		return fmt.Errorf("decoding signin response: %w", err)
	}
	if signin.Token == "" {
		return fmt.Errorf("signin response carried no token")
	}

	c.mu.Lock()
	c.token = signin.Token
	c.mu.Unlock()

	if c.cache != nil {
		if err := c.cache.SetToken(signin.Token); err != nil {
			c.logger.Warn("could not cache session token", slog.String("error", err.Error()))
		}
	}
	c.logger.Info("signed in",
		slog.String("username", c.username),
		slog.String("device", c.device),
	)
	return nil
}

// Probe checks that the endpoint is reachable and the session works by
// statting the remote root. A stale token heals itself here through the
// usual re-signin path, so a probe only fails when the server is down or
// the credentials are wrong.
func (c *Client) Probe(ctx context.Context) error {
	if _, err := c.Stat(ctx, ""); err != nil {
		return err
	}
	return nil
}

// List returns the direct children of a directory. Path "" lists the root.
func (c *Client) List(ctx context.Context, path string) ([]mirror.Entry, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/list", pathQuery(path), nil, "")
	if err != nil {
		return nil, err
	}
	var docs []EntryInfo
	if err := json.Unmarshal(body, &docs); err != nil {
		return nil, fmt.Errorf("decoding listing of %q: %w", path, err)
	}
	entries := make([]mirror.Entry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, doc.toEntry())
	}
	return entries, nil
}

// Stat returns the entry for a single path.
func (c *Client) Stat(ctx context.Context, path string) (mirror.Entry, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/stat", pathQuery(path), nil, "")
	if err != nil {
		return mirror.Entry{}, err
	}
	var doc EntryInfo
	if err := json.Unmarshal(body, &doc); err != nil {
		return mirror.Entry{}, fmt.Errorf("decoding stat of %q: %w", path, err)
	}
	return doc.toEntry(), nil
}

// Read returns a file's content.
func (c *Client) Read(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/file", pathQuery(path), nil, "")
}

// Write stores content at path and returns the modification time the
// server assigned to it.
func (c *Client) Write(ctx context.Context, path string, data []byte) (time.Time, error) {
	body, err := c.do(ctx, http.MethodPut, "/api/file", pathQuery(path), data, "application/octet-stream")
	if err != nil {
		return time.Time{}, err
	}
	var written WriteResponse
	if err := json.Unmarshal(body, &written); err != nil || written.Mtime <= 0 {
		// Some servers answer a write with an empty body. The engine
		// stats the file afterwards when no mtime comes back.
		return time.Time{}, nil
	}
	return time.UnixMilli(written.Mtime).UTC(), nil
}

// Mkdir creates a directory. Creating one that already exists is not an
// error on the server side.
func (c *Client) Mkdir(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/mkdir", pathQuery(path), nil, "")
	return err
}

// Delete removes a file, or a directory when it is empty.
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/entry", pathQuery(path), nil, "")
	return err
}

// Copy duplicates a file server-side without a download round trip.
func (c *Client) Copy(ctx context.Context, src, dst string) error {
	payload, err := json.Marshal(CopyRequest{Src: src, Dst: dst})
	if err != nil {
		return fmt.Errorf("marshalling copy request: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, "/api/copy", nil, payload, "application/json")
	return err
}

// do sends a request and maps the response status onto the engine's
// sentinel errors. A 401 with credentials on hand signs in once and
// replays the request, so an expired token never surfaces as a failure.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body []byte, contentType string) ([]byte, error) {
	respBody, status, err := c.send(ctx, method, endpoint, query, body, contentType)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized && c.username != "" {
		if err := c.SignIn(ctx); err != nil {
			return nil, err
		}
		respBody, status, err = c.send(ctx, method, endpoint, query, body, contentType)
		if err != nil {
			return nil, err
		}
	}

	if status < 200 || status > 299 {
		return nil, statusErr(endpoint, status, respBody)
	}
	return respBody, nil
}

// send performs one HTTP request and returns the response body and
// status code. Transport failures are tagged as unavailable so the
// engine backs off instead of treating a network blip as fatal.
func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, body []byte, contentType string) ([]byte, int, error) {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, ctxErr
		}
		return nil, 0, fmt.Errorf("sending request to %s: %w: %v", endpoint, errors.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}
	return respBody, resp.StatusCode, nil
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// statusErr converts a non-2xx response into an error carrying the
// matching sentinel, keeping the server's own message when the body has
// one.
func statusErr(endpoint string, status int, body []byte) error {
	msg := http.StatusText(status)
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}

	var sentinel error
	switch {
	case status == http.StatusNotFound:
		sentinel = errors.ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		sentinel = errors.ErrUnauthorized
	case status == http.StatusLocked:
		sentinel = errors.ErrRemoteLocked
	case status >= 500:
		sentinel = errors.ErrRemoteUnavailable
	default:
		return fmt.Errorf("%s returned %d: %s", endpoint, status, msg)
	}
	return fmt.Errorf("%s returned %d: %s: %w", endpoint, status, msg, sentinel)
}

func pathQuery(path string) url.Values {
	return url.Values{"path": {path}}
}
