// Package client talks to a running party daemon over its local HTTP and
// websocket API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/felixgeelhaar/linkparty/internal/daemon"
	"github.com/felixgeelhaar/linkparty/internal/dispatch"
	"github.com/felixgeelhaar/linkparty/internal/domain"
	"github.com/gorilla/websocket"
)

// DefaultAddr is where the daemon listens with the default config.
const DefaultAddr = "http://127.0.0.1:7433"

const maxBodyBytes = 1 << 20

// StatusError is returned when the daemon answers a read with a non-2xx
// status outside the command protocol.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("daemon returned %d", e.Code)
	}
	return fmt.Sprintf("daemon returned %d: %s", e.Code, e.Body)
}

// Client is a daemon API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
	retrier retry.Retry[[]byte]
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*options)

type options struct {
	httpClient   *http.Client
	logger       *slog.Logger
	attempts     int
	initialDelay time.Duration
}

// WithHTTPClient replaces the default tuned client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithLogger sets the logger for retry and watch events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRetry sets how often idempotent reads are attempted and the first
// backoff delay.
func WithRetry(attempts int, initialDelay time.Duration) Option {
	return func(o *options) {
		o.attempts = attempts
		o.initialDelay = initialDelay
	}
}

// New creates a client for the daemon at baseURL, e.g. DefaultAddr.
func New(baseURL string, opts ...Option) *Client {
	o := options{
		attempts:     3,
		initialDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = newDaemonHTTPClient()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.attempts < 1 {
		o.attempts = 1
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    o.httpClient,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
		logger: o.logger,
	}

	// Only reads go through the retrier; commands are never replayed.
	c.retrier = retry.New[[]byte](retry.Config{
		MaxAttempts:   o.attempts,
		InitialDelay:  o.initialDelay,
		MaxDelay:      2 * time.Second,
		Multiplier:    2.0,
		BackoffPolicy: retry.BackoffExponential,
		Jitter:        true,
		IsRetryable:   isRetryable,
	})

	return c
}

// newDaemonHTTPClient creates an HTTP client for the loopback daemon.
func newDaemonHTTPClient() *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   2 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          4,
		MaxIdleConnsPerHost:   4,
	}

	return &http.Client{
		Timeout:   45 * time.Second,
		Transport: transport,
	}
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusBadGateway || se.Code == http.StatusGatewayTimeout
	}
	return true
}

// Health returns nil if the daemon answers its health check. It does not
// retry, so it doubles as a liveness probe.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.get(ctx, "/v1/health")
	return err
}

// Status fetches the daemon status report.
func (c *Client) Status(ctx context.Context) (*daemon.StatusResponse, error) {
	var status daemon.StatusResponse
	if err := c.getJSON(ctx, "/v1/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// State fetches the current session triple.
func (c *Client) State(ctx context.Context) (domain.State, error) {
	var st domain.State
	if err := c.getJSON(ctx, "/v1/state", &st); err != nil {
		return domain.State{}, err
	}
	return st, nil
}

// Do sends a command. The returned error covers transport failures only; a
// failed command comes back as a Response with Success false.
func (c *Client) Do(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return dispatch.Response{}, fmt.Errorf("encode command: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/commands", bytes.NewReader(body))
	if err != nil {
		return dispatch.Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return dispatch.Response{}, fmt.Errorf("send %s: %w", req.Type, err)
	}
	defer resp.Body.Close()

	var out dispatch.Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out); err != nil {
		return dispatch.Response{}, fmt.Errorf("decode %s response (status %d): %w", req.Type, resp.StatusCode, err)
	}
	return out, nil
}

func (c *Client) command(ctx context.Context, cmd string, payload any, result any) error {
	req, err := dispatch.NewRequest(cmd, payload)
	if err != nil {
		return err
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return resp.Decode(result)
}

// Create starts a new party and returns its ids.
func (c *Client) Create(ctx context.Context) (dispatch.CreatedData, error) {
	var out dispatch.CreatedData
	err := c.command(ctx, dispatch.CreateSession, nil, &out)
	return out, err
}

// Join joins the party with the given code.
func (c *Client) Join(ctx context.Context, code string) (domain.State, error) {
	var st domain.State
	err := c.command(ctx, dispatch.JoinSession, dispatch.JoinPayload{Code: code}, &st)
	return st, err
}

// Leave leaves the current party.
func (c *Client) Leave(ctx context.Context) error {
	return c.command(ctx, dispatch.LeaveSession, nil, nil)
}

// Share publishes link to the current party.
func (c *Client) Share(ctx context.Context, link string) error {
	return c.command(ctx, dispatch.ShareLink, dispatch.SharePayload{Link: link}, nil)
}

// Open asks the daemon to open url on its host.
func (c *Client) Open(ctx context.Context, url string) error {
	return c.command(ctx, dispatch.OpenLink, dispatch.OpenPayload{URL: url}, nil)
}

// Watch streams state pushes to fn until ctx is done or the connection
// drops. The first push is the current state. It returns nil when ctx ends
// the watch.
func (c *Client) Watch(ctx context.Context, fn func(domain.State)) error {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway) {
				return errors.New("daemon shut down")
			}
			return fmt.Errorf("read event: %w", err)
		}

		msg, err := daemon.DecodeMessage(data)
		if err != nil {
			c.logger.Debug("skipping undecodable event", "error", err)
			continue
		}
		if msg.Event == daemon.EventState {
			fn(*msg.State)
		}
	}
}

func (c *Client) wsURL() string {
	u := c.baseURL + "/v1/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.retrier.Do(ctx, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, path)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("daemon request failed", "path", path, "error", err)
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
