// Package lattice is the Go SDK core for the Lattice graph-database API.
// It layers resilient real-time operation monitoring on top of plain HTTP
// requests: executors issue one initiating request and, when the server
// queues the work, follow it over a Server-Sent Events stream (with
// reconnection and resumption) until a terminal outcome arrives.
package lattice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/latticedb/lattice-go/config"
	"github.com/latticedb/lattice-go/monitor"
	"github.com/latticedb/lattice-go/stream"
	"github.com/latticedb/lattice-go/telemetry"
)

type (
	// Option configures a Client.
	Option func(*Client)

	// Client talks to one Lattice deployment. Construct it once at
	// application start and share it; Close releases the monitor's timers
	// and any open streams.
	Client struct {
		baseURL      string
		http         *http.Client
		headers      http.Header
		token        string
		tokenInQuery bool
		credMode     config.CredentialMode
		clk          clock.Clock

		streamCfg    stream.Config
		monitorOpts  monitor.Options
		watchTimeout time.Duration
		noStreaming  bool
		pollInterval time.Duration

		mon   *monitor.Monitor
		inst  *telemetry.Instruments
		ident string
	}
)

// WithHTTPClient overrides the *http.Client used for API requests. Stream
// requests always use a timeout-free copy of its transport.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) { cl.headers.Add(name, value) }
}

// WithBearerToken authenticates requests with a bearer token.
func WithBearerToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// WithCredentialMode selects cookie-based or token-only authentication.
func WithCredentialMode(mode config.CredentialMode) Option {
	return func(cl *Client) { cl.credMode = mode }
}

// WithTokenInQuery sends the bearer token as an access_token query
// parameter on stream URLs, for deployments whose proxies strip headers
// from SSE requests.
func WithTokenInQuery() Option {
	return func(cl *Client) { cl.tokenInQuery = true }
}

// WithClock injects the clock driving backoff, grace and sweep timers.
// Tests use a fake clock; production code should not set this.
func WithClock(clk clock.Clock) Option {
	return func(cl *Client) { cl.clk = clk }
}

// WithMaxReconnectAttempts bounds stream reconnection.
func WithMaxReconnectAttempts(n int) Option {
	return func(cl *Client) { cl.streamCfg.MaxReconnectAttempts = n }
}

// WithBaseRetryDelay seeds the exponential reconnect backoff.
func WithBaseRetryDelay(d time.Duration) Option {
	return func(cl *Client) { cl.streamCfg.BaseRetryDelay = d }
}

// WithConnectTimeout bounds the wait for a stream to open.
func WithConnectTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.streamCfg.ConnectTimeout = d }
}

// WithHeartbeatInterval sets the expected server heartbeat period. Streams
// silent for twice this interval are treated as stale and reclaimed by the
// monitor's sweep.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(cl *Client) { cl.streamCfg.HeartbeatInterval = d }
}

// WithWatchTimeout sets the default monitoring watchdog applied when a call
// does not supply its own MaxWait.
func WithWatchTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.watchTimeout = d }
}

// WithGraceDelay sets how long finished connections linger before release.
func WithGraceDelay(d time.Duration) Option {
	return func(cl *Client) { cl.monitorOpts.GraceDelay = d }
}

// WithSweepInterval sets the period of the dead-connection sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(cl *Client) { cl.monitorOpts.SweepInterval = d }
}

// WithoutStreaming disables SSE monitoring; executors use the polling
// fallback exclusively.
func WithoutStreaming() Option {
	return func(cl *Client) { cl.noStreaming = true }
}

// WithPollInterval paces the status-polling fallback.
func WithPollInterval(d time.Duration) Option {
	return func(cl *Client) { cl.pollInterval = d }
}

// New constructs a Client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("lattice: invalid base URL %q", baseURL)
	}
	cl := &Client{
		baseURL:      baseURL,
		headers:      make(http.Header),
		credMode:     config.CredentialsOmit,
		clk:          clock.WallClock,
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	if cl.http == nil {
		cl.http = &http.Client{Timeout: 30 * time.Second}
	}
	if cl.credMode == config.CredentialsCookie && cl.http.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("lattice: create cookie jar: %w", err)
		}
		cl.http.Jar = jar
	}
	inst, err := telemetry.New()
	if err != nil {
		return nil, fmt.Errorf("lattice: init telemetry: %w", err)
	}
	cl.inst = inst
	cl.ident = uuid.NewString()
	cl.headers.Set("User-Agent", "lattice-go/"+Version)

	cl.streamCfg.Clock = cl.clk
	onReconnect := cl.streamCfg.OnReconnect
	cl.streamCfg.OnReconnect = func(attempt int) {
		cl.inst.RecordReconnect(context.Background())
		if onReconnect != nil {
			onReconnect(attempt)
		}
	}
	dialer := stream.NewHTTPDialer(stream.HTTPDialerOptions{
		BaseURL: cl.baseURL,
		Client: &http.Client{
			Transport: cl.http.Transport,
			Jar:       cl.http.Jar,
			Timeout:   0,
		},
		Headers:      cl.headers.Clone(),
		BearerToken:  cl.bearerForStream(),
		TokenInQuery: cl.tokenInQuery,
	})
	cl.monitorOpts.Stream = cl.streamCfg
	cl.monitorOpts.Clock = cl.clk
	cl.mon = monitor.New(cl, dialer, cl.monitorOpts)
	return cl, nil
}

// NewFromConfig constructs a Client from a config.Config, typically loaded
// with config.Load. Extra options override the config.
func NewFromConfig(cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := []Option{
		WithCredentialMode(cfg.CredentialMode),
		WithMaxReconnectAttempts(cfg.MaxReconnectAttempts),
		WithBaseRetryDelay(cfg.BaseRetryDelay.Std()),
		WithConnectTimeout(cfg.ConnectTimeout.Std()),
		WithHeartbeatInterval(cfg.HeartbeatInterval.Std()),
		WithWatchTimeout(cfg.WatchTimeout.Std()),
		WithGraceDelay(cfg.GraceDelay.Std()),
		WithSweepInterval(cfg.SweepInterval.Std()),
		WithPollInterval(cfg.PollInterval.Std()),
	}
	if cfg.BearerToken != "" {
		base = append(base, WithBearerToken(cfg.BearerToken))
	}
	if cfg.TokenInQuery {
		base = append(base, WithTokenInQuery())
	}
	if cfg.DisableStreaming {
		base = append(base, WithoutStreaming())
	}
	for name, value := range cfg.Headers {
		base = append(base, WithHeader(name, value))
	}
	return New(cfg.BaseURL, append(base, opts...)...)
}

// Version is the SDK version reported in the User-Agent header.
const Version = "0.3.0"

// Monitor exposes the operation monitor for callers that obtained an
// operation id out of band (for example from a QueuedError).
func (c *Client) Monitor() *monitor.Monitor { return c.mon }

// Close releases the monitor: every pending grace timer is cancelled, the
// periodic sweep stops and all open streams are closed.
func (c *Client) Close() { c.mon.Close() }

// bearerForStream returns the token the stream dialer should carry. Cookie
// mode relies on the jar instead.
func (c *Client) bearerForStream() string {
	if c.credMode == config.CredentialsCookie {
		return ""
	}
	return c.token
}

// OperationStatus implements monitor.API: one-shot GET of
// /operations/{id}/status.
func (c *Client) OperationStatus(ctx context.Context, operationID string) (monitor.Status, error) {
	var st monitor.Status
	if err := c.do(ctx, http.MethodGet, "/operations/"+operationID+"/status", nil, &st); err != nil {
		return monitor.Status{}, err
	}
	return st, nil
}

// CancelOperation implements monitor.API: POST /operations/{id}/cancel.
func (c *Client) CancelOperation(ctx context.Context, operationID string) error {
	return c.do(ctx, http.MethodPost, "/operations/"+operationID+"/cancel", nil, nil)
}

// do issues one JSON request and decodes the response into out when
// non-nil. Non-2xx responses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	raw, _, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("lattice: decode %s %s response: %w", method, path, err)
	}
	return nil
}

// newRequest builds a request carrying the client's identity headers and
// credentials. Every API call, including the streaming-body ones that bypass
// doRaw, goes through here. Callers set their own Accept header.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("lattice: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set("X-Client-ID", c.ident)
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.token != "" && c.credMode != config.CredentialsCookie {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// doRaw issues one JSON request and returns the raw response body and HTTP
// status. Non-2xx responses become *APIError.
func (c *Client) doRaw(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("lattice: encode %s %s request: %w", method, path, err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("lattice: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("lattice: read %s %s response: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: apiMessage(raw)}
	}
	return raw, resp.StatusCode, nil
}

// apiMessage extracts a human-readable message from an error body.
func apiMessage(raw []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &e); err == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	if len(raw) > 512 {
		raw = raw[:512]
	}
	return string(bytes.TrimSpace(raw))
}
