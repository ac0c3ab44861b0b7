// Package client wraps the sessiond HTTP API for Go endpoints. One client
// targets one dataset (devices or routes), selected when the client is
// constructed. Most endpoints should drive sessions through the state
// controller in pkt.systems/sessiond/state rather than calling the raw
// operations here.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/internal/svcfields"
)

const defaultHTTPTimeout = 15 * time.Second

// ErrNotInitialized is returned by Ping when the server no longer knows the
// session. The caller must open a fresh session and re-create its claims.
var ErrNotInitialized = errors.New("session not initialized")

// Outcome reports how the server resolved a Create call.
type Outcome int

const (
	// OutcomeCreated means the key was free and now belongs to the session.
	OutcomeCreated Outcome = iota
	// OutcomeOccupied means another owner held the key. Ownership still
	// transferred; the previous owner will be notified through its next ping.
	OutcomeOccupied
)

func (o Outcome) String() string {
	if o == OutcomeOccupied {
		return "occupied"
	}
	return "created"
}

// APIError carries a non-2xx server response.
type APIError struct {
	Status   int
	Response api.ErrorResponse
	Body     []byte
}

func (e *APIError) Error() string {
	if e.Response.Error != "" {
		return fmt.Sprintf("sessiond: %s (%d): %s", e.Response.Error, e.Status, e.Response.Message)
	}
	return fmt.Sprintf("sessiond: http %d", e.Status)
}

// Client talks to one sessiond dataset over HTTP.
type Client struct {
	baseURL    string
	kind       api.Kind
	httpClient *http.Client
	logger     pslog.Logger
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger attaches a logger. Defaults to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPTimeout overrides the default per-request timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 && c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// New creates a client for one dataset of the server at baseURL, for example
// http://sessiond:8088. Unix-domain sockets are supported via base URLs such
// as unix:///var/run/sessiond.sock.
func New(baseURL string, kind api.Kind, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown dataset kind %q", kind)
	}
	c := &Client{
		kind:       kind,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     pslog.NoopLogger(),
	}
	if strings.HasPrefix(trimmed, "unix://") {
		socketPath := strings.TrimPrefix(trimmed, "unix://")
		c.baseURL = "http://unix"
		c.httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		}
	} else {
		c.baseURL = strings.TrimRight(trimmed, "/")
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = svcfields.WithSubsystem(c.logger, "client."+string(kind))
	return c, nil
}

// Kind returns the dataset this client operates on.
func (c *Client) Kind() api.Kind {
	return c.kind
}

// Init opens a new instance session and returns its id and lease expiry.
func (c *Client) Init(ctx context.Context) (api.InitResponse, error) {
	var out api.InitResponse
	err := c.do(ctx, http.MethodPut, c.kind.BasePath()+"/sessions", nil, &out,
		http.StatusCreated)
	if err != nil {
		return api.InitResponse{}, err
	}
	c.logger.Debug("client.session.init", "session", out.Session, "expires", out.Expires)
	return out, nil
}

// Ping renews the session lease. The response carries keys this session lost
// to other owners since the previous ping; each is reported in two
// consecutive responses, so callers must tolerate duplicates. Returns
// ErrNotInitialized when the server no longer knows the session.
func (c *Client) Ping(ctx context.Context, session string) (api.PingResponse, error) {
	var out api.PingResponse
	err := c.do(ctx, http.MethodPost,
		c.kind.BasePath()+"/sessions/"+url.PathEscape(session), nil, &out,
		http.StatusOK)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Response.Error == api.ErrorNotInitialized {
			return api.PingResponse{}, fmt.Errorf("%w: %s", ErrNotInitialized, session)
		}
		return api.PingResponse{}, err
	}
	return out, nil
}

// Create claims the key for the session, overwriting any existing owner.
// OutcomeOccupied is informational, not a failure.
func (c *Client) Create(ctx context.Context, session string, id api.ID, token string, state json.RawMessage) (Outcome, error) {
	status, err := c.doStatus(ctx, http.MethodPut, c.statePath(session, id),
		api.CreateRequest{Token: token, State: state}, nil,
		http.StatusCreated, http.StatusConflict)
	if err != nil {
		return OutcomeCreated, err
	}
	if status == http.StatusConflict {
		return OutcomeOccupied, nil
	}
	return OutcomeCreated, nil
}

// Delete releases the claim when token matches the stored one. A stale token
// is a silent no-op on the server, so Delete succeeds either way.
func (c *Client) Delete(ctx context.Context, session string, id api.ID, token string, opts api.DeleteOptions) error {
	return c.do(ctx, http.MethodDelete, c.statePath(session, id),
		api.DeleteRequest{Token: token, Options: opts}, nil,
		http.StatusNoContent)
}

// Get fetches the current entry for the key. Returns nil without error when
// no live entry exists.
func (c *Client) Get(ctx context.Context, id api.ID) (*api.EntryResponse, error) {
	path := fmt.Sprintf("%s/%s/%s/%s", c.kind.BasePath(), c.kind.Noun(),
		url.PathEscape(id.Application), url.PathEscape(id.Device))
	var out api.EntryResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out, http.StatusOK)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound &&
			apiErr.Response.Error == api.ErrorNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (c *Client) statePath(session string, id api.ID) string {
	return fmt.Sprintf("%s/%s/%s/states/%s/%s", c.kind.BasePath(), c.kind.Noun(),
		url.PathEscape(session), url.PathEscape(id.Application), url.PathEscape(id.Device))
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, okStatus int) error {
	_, err := c.doStatus(ctx, method, path, body, out, okStatus)
	return err
}

// doStatus performs one request and returns the response status when it is
// one of okStatuses. Any other status decodes into an *APIError.
func (c *Client) doStatus(ctx context.Context, method, path string, body, out any, okStatuses ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	ok := false
	for _, status := range okStatuses {
		if resp.StatusCode == status {
			ok = true
			break
		}
	}
	if !ok {
		return resp.StatusCode, decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &APIError{Status: resp.StatusCode}
	}
	apiErr := &APIError{Status: resp.StatusCode, Body: data}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &apiErr.Response); err != nil {
			apiErr.Response = api.ErrorResponse{}
		}
	}
	return apiErr
}
