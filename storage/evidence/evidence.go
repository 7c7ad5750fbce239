package evidence

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

	"log/slog"
)

// ErrUnavailable is returned once every upload attempt has been exhausted.
var ErrUnavailable = errors.New("evidence: storage unavailable")

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = time.Second
	defaultTimeout     = 30 * time.Second
)

// HTTPDoer is the transport seam used by tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to a content-addressed pinning service. Uploads retry with
// exponential backoff; the returned handle is the content identifier the
// service assigned.
type Client struct {
	endpoint    string
	apiKey      string
	client      HTTPDoer
	maxAttempts int
	backoffBase time.Duration
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option adjusts client behaviour.
type Option func(*Client)

// WithHTTPClient swaps the transport.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		if doer != nil {
			c.client = doer
		}
	}
}

// WithMaxAttempts bounds upload retries.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoffBase sets the first retry delay; each subsequent delay doubles.
func WithBackoffBase(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.backoffBase = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient constructs a pinning client for the given service endpoint.
func NewClient(endpoint, apiKey string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("evidence: endpoint required")
	}
	c := &Client{
		endpoint:    endpoint,
		apiKey:      apiKey,
		client:      &http.Client{Timeout: defaultTimeout},
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		logger:      slog.Default(),
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PutJSON pins an arbitrary JSON document and returns its handle.
func (c *Client) PutJSON(ctx context.Context, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("evidence: encode payload: %w", err)
	}
	return c.put(ctx, body, "application/json")
}

// Put pins a raw blob and returns its handle.
func (c *Client) Put(ctx context.Context, blob []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.put(ctx, blob, contentType)
}

func (c *Client) put(ctx context.Context, body []byte, contentType string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoffBase << (attempt - 2)
			c.logger.Warn("evidence upload retry",
				"attempt", attempt,
				"max_attempts", c.maxAttempts,
				"delay", delay.String(),
				"error", lastErr,
			)
			if err := c.sleep(ctx, delay); err != nil {
				return "", err
			}
		}
		handle, err := c.upload(ctx, body, contentType)
		if err == nil {
			return handle, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}
	return "", fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) upload(ctx context.Context, body []byte, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/v0/add", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("evidence: pin failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var pinned struct {
		Hash string `json:"Hash"`
		CID  string `json:"cid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pinned); err != nil {
		return "", fmt.Errorf("evidence: decode pin response: %w", err)
	}
	handle := pinned.Hash
	if handle == "" {
		handle = pinned.CID
	}
	if handle == "" {
		return "", fmt.Errorf("evidence: pin response missing content identifier")
	}
	return handle, nil
}

// Get fetches a pinned document by handle. Reads are not retried.
func (c *Client) Get(ctx context.Context, handle string) ([]byte, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, fmt.Errorf("evidence: handle required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/v0/cat/"+handle, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("evidence: handle %s not found", handle)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("evidence: fetch failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
