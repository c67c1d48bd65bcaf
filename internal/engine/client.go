package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultReconnectDelay = 500 * time.Millisecond
	maxStreamAttempts     = 2
	maxBodyBytes          = 8 << 20
	maxErrorBodyChars     = 200
)

// Client talks to the remote analysis engine: job start, push-event
// subscription and result retrieval. It holds at most one live subscription.
type Client struct {
	baseURL        *url.URL
	httpClient     *http.Client
	streamClient   *http.Client
	reconnectDelay time.Duration
	timeout        time.Duration

	mu     sync.Mutex
	active *Subscription
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for start and result requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithStreamHTTPClient sets the client used for the event stream. It must not
// carry an overall request timeout.
func WithStreamHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.streamClient = hc
		}
	}
}

// WithTimeout sets the start and result request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithReconnectDelay sets the pause before the single stream reconnect and
// before the single result-fetch retry.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.reconnectDelay = d
		}
	}
}

// New constructs a Client for the engine at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	raw := strings.TrimSpace(baseURL)
	if raw == "" {
		return nil, fmt.Errorf("engine base URL is required")
	}
	parsed, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse engine base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("engine base URL must be http or https, got %q", baseURL)
	}
	c := &Client{
		baseURL:        parsed,
		httpClient:     &http.Client{Timeout: defaultTimeout},
		streamClient:   &http.Client{},
		reconnectDelay: defaultReconnectDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}
	return c, nil
}

// ReconnectDelay returns the configured retry pause.
func (c *Client) ReconnectDelay() time.Duration {
	return c.reconnectDelay
}

// Start submits the analysis job and returns the engine-assigned session id.
func (c *Client) Start(ctx context.Context, req StartRequest) (string, error) {
	const op = "start analysis"
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%s: encode request: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/analysis/start", ""), bytes.NewReader(payload))
	if err != nil {
		return "", &TransportError{Op: op, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-Id", uuid.NewString())

	status, body, err := c.do(httpReq)
	if err != nil {
		return "", &TransportError{Op: op, Err: err}
	}
	if status < 200 || status > 299 {
		return "", &TransportError{Op: op, StatusCode: status, Body: errorSnippet(body)}
	}

	var parsed startResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &ProtocolError{Op: op, Reason: "decode response: " + err.Error()}
	}
	id := strings.TrimSpace(parsed.AnalysisID)
	if id == "" {
		return "", &ProtocolError{Op: op, Reason: "response missing analysis_id"}
	}
	return id, nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) endpoint(path, analysisID string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if analysisID != "" {
		u.RawQuery = url.Values{"analysis_id": []string{analysisID}}.Encode()
	}
	return u.String()
}

// release drops s as the active subscription if it still is.
func (c *Client) release(s *Subscription) {
	c.mu.Lock()
	if c.active == s {
		c.active = nil
	}
	c.mu.Unlock()
}

func errorSnippet(body []byte) string {
	var envelope struct {
		Error  json.RawMessage `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		for _, raw := range []json.RawMessage{envelope.Error, envelope.Detail} {
			var s string
			if len(raw) > 0 && json.Unmarshal(raw, &s) == nil && s != "" {
				return truncate(s)
			}
		}
	}
	return truncate(strings.TrimSpace(string(body)))
}

func truncate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxErrorBodyChars {
		return s[:maxErrorBodyChars] + "..."
	}
	return s
}
