package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/client"
	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/svcfields"
)

const (
	// DefaultDelayBuffer renews the lease this long before it expires.
	DefaultDelayBuffer = 2 * time.Second
	// DefaultMinDelay floors the renewal interval so a short lease cannot
	// turn the loop into a busy ping.
	DefaultMinDelay = time.Second
	// DefaultRetryInit bounds session-init attempts before startup fails.
	DefaultRetryInit = 10
	// DefaultRetryDeletes bounds the fire-and-forget delete attempts spawned
	// by Handle.Close.
	DefaultRetryDeletes = 3
	// DefaultRetryPause separates retry attempts for init and deletes.
	DefaultRetryPause = time.Second
)

// Config wires a state controller to a sessiond client.
type Config struct {
	// Client is the dataset-bound sessiond client. Required.
	Client *client.Client
	// Mux receives loss notifications. A fresh one is created when nil.
	Mux *Mux
	// Logger defaults to pslog.NoopLogger().
	Logger pslog.Logger
	// Clock defaults to the real clock.
	Clock clock.Clock
	// InitDelay postpones the first init attempt, useful to spread restarts
	// across a fleet.
	InitDelay time.Duration
	// DelayBuffer, MinDelay tune the renewal schedule.
	DelayBuffer time.Duration
	MinDelay    time.Duration
	// RetryInit bounds init attempts; exhausting them fails New.
	RetryInit int
	// RetryDeletes bounds asynchronous delete attempts from Handle.Close.
	RetryDeletes int
	// RetryPause separates retry attempts.
	RetryPause time.Duration
}

func (c *Config) withDefaults() error {
	if c.Client == nil {
		return errors.New("state: client required")
	}
	if c.Mux == nil {
		c.Mux = NewMux()
	}
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.DelayBuffer <= 0 {
		c.DelayBuffer = DefaultDelayBuffer
	}
	if c.MinDelay <= 0 {
		c.MinDelay = DefaultMinDelay
	}
	if c.RetryInit <= 0 {
		c.RetryInit = DefaultRetryInit
	}
	if c.RetryDeletes <= 0 {
		c.RetryDeletes = DefaultRetryDeletes
	}
	if c.RetryPause <= 0 {
		c.RetryPause = DefaultRetryPause
	}
	return nil
}

// Controller claims device keys under one instance session.
type Controller struct {
	cfg     Config
	logger  pslog.Logger
	session string

	expires atomic.Int64 // unix nanos of the current lease expiry
}

// Runner drives the controller's lease renewal loop.
type Runner struct {
	c *Controller
}

// New opens an instance session with bounded retries and returns the
// controller together with its renewal runner. Exhausting the init retries
// is a fatal startup condition for the calling endpoint.
func New(ctx context.Context, cfg Config) (*Controller, *Runner, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, nil, err
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "state."+string(cfg.Client.Kind()))

	if cfg.InitDelay > 0 {
		if err := sleepCtx(ctx, cfg.Clock, cfg.InitDelay); err != nil {
			return nil, nil, err
		}
	}

	var (
		initResp api.InitResponse
		err      error
	)
	for attempt := 1; ; attempt++ {
		initResp, err = cfg.Client.Init(ctx)
		if err == nil {
			break
		}
		if attempt >= cfg.RetryInit {
			return nil, nil, fmt.Errorf("state: init failed after %d attempts: %w", attempt, err)
		}
		logger.Warn("state.init.retry", "attempt", attempt, "error", err)
		if err := sleepCtx(ctx, cfg.Clock, cfg.RetryPause); err != nil {
			return nil, nil, err
		}
	}

	c := &Controller{
		cfg:     cfg,
		logger:  logger,
		session: initResp.Session,
	}
	c.expires.Store(initResp.Expires.UnixNano())
	logger.Info("state.session.ready", "session", c.session, "expires", initResp.Expires)
	return c, &Runner{c: c}, nil
}

// Session returns the instance session id.
func (c *Controller) Session() string {
	return c.session
}

// Mux returns the mux loss notifications are delivered to.
func (c *Controller) Mux() *Mux {
	return c.cfg.Mux
}

// State bundles the outcome of one claim.
type State struct {
	// Handle owns the release responsibility for the claim.
	Handle *Handle
	// Watcher fires once when the claim is lost.
	Watcher *Watcher
	// Outcome reports whether a previous owner was displaced.
	Outcome client.Outcome
}

// Create claims the key under this controller's session with a fresh token
// and registers it with the mux. An occupied key is still claimed; the
// outcome only tells the caller that a previous owner was displaced.
func (c *Controller) Create(ctx context.Context, id api.ID, payload json.RawMessage) (*State, error) {
	token := xid.New().String()
	outcome, err := c.cfg.Client.Create(ctx, c.session, id, token, payload)
	if err != nil {
		// The server may have stored the claim before the response was
		// lost. Reclaim with our own token so the key does not sit
		// occupied until lease expiry.
		c.recoveryDelete(id, token)
		return nil, err
	}
	watcher := c.cfg.Mux.Register(id, token)
	c.logger.Debug("state.claim.created",
		"application", id.Application,
		"device", id.Device,
		"outcome", outcome.String())
	return &State{
		Handle: &Handle{
			c:     c,
			id:    id,
			token: token,
		},
		Watcher: watcher,
		Outcome: outcome,
	}, nil
}

func (c *Controller) recoveryDelete(id api.ID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.cfg.Client.Delete(ctx, c.session, id, token, api.DeleteOptions{SkipLWT: true}); err != nil {
		c.logger.Warn("state.claim.recovery_delete_failed",
			"application", id.Application,
			"device", id.Device,
			"error", err)
	}
}

// Run renews the lease until ctx ends. It pings ahead of expiry, forwards
// lost keys to the mux, and keeps retrying transient failures on its own
// schedule. It returns an error when the server no longer knows the session
// or the lease expired locally; the caller must then re-init, usually by
// restarting the endpoint process.
func (r *Runner) Run(ctx context.Context) error {
	c := r.c
	for {
		now := c.cfg.Clock.Now()
		expires := time.Unix(0, c.expires.Load())
		delay := expires.Sub(now) - c.cfg.DelayBuffer
		if delay < c.cfg.MinDelay {
			delay = c.cfg.MinDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.cfg.Clock.After(delay):
		}
		if err := r.pingUntilDrained(ctx); err != nil {
			return err
		}
	}
}

// pingUntilDrained renews the lease and keeps pinging while the server still
// reports lost keys; a non-empty list is the only signal that more may
// remain.
func (r *Runner) pingUntilDrained(ctx context.Context) error {
	c := r.c
	for {
		resp, err := c.cfg.Client.Ping(ctx, c.session)
		if err != nil {
			if errors.Is(err, client.ErrNotInitialized) {
				c.logger.Error("state.session.lost", "session", c.session)
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.cfg.Clock.Now().After(time.Unix(0, c.expires.Load())) {
				c.logger.Error("state.session.expired_locally", "session", c.session, "error", err)
				return fmt.Errorf("state: lease expired during ping failures: %w", err)
			}
			c.logger.Warn("state.ping.failed", "session", c.session, "error", err)
			if err := sleepCtx(ctx, c.cfg.Clock, c.cfg.MinDelay); err != nil {
				return err
			}
			continue
		}
		c.expires.Store(resp.Expires.UnixNano())
		for _, id := range resp.LostIDs {
			c.logger.Info("state.claim.lost",
				"application", id.Application,
				"device", id.Device)
			c.cfg.Mux.ReportLost(id)
		}
		if len(resp.LostIDs) == 0 {
			return nil
		}
	}
}

// Handle owns the release responsibility for one claim.
type Handle struct {
	c        *Controller
	id       api.ID
	token    string
	released atomic.Bool
}

// ID returns the claimed key.
func (h *Handle) ID() api.ID {
	return h.id
}

// Release deletes the claim and waits for the server's answer. A stale token
// resolves to success on the server side, so Release after a takeover is
// harmless. Subsequent Release or Close calls are no-ops.
func (h *Handle) Release(ctx context.Context, opts api.DeleteOptions) error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	h.c.cfg.Mux.MarkDeleted(h.id, h.token)
	if err := h.c.cfg.Client.Delete(ctx, h.c.session, h.id, h.token, opts); err != nil {
		return fmt.Errorf("state: release %s/%s: %w", h.id.Application, h.id.Device, err)
	}
	return nil
}

// Close releases the claim without blocking the caller: the delete runs in
// the background with bounded retries and failures are only logged. The
// entry is reclaimed by lease expiry anyway, so connection teardown never
// waits on the registry.
func (h *Handle) Close() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	c := h.c
	c.cfg.Mux.MarkDeleted(h.id, h.token)
	go func() {
		for attempt := 1; ; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.cfg.Client.Delete(ctx, c.session, h.id, h.token, api.DeleteOptions{})
			cancel()
			if err == nil {
				return
			}
			if attempt >= c.cfg.RetryDeletes {
				c.logger.Warn("state.claim.release_abandoned",
					"application", h.id.Application,
					"device", h.id.Device,
					"attempts", attempt,
					"error", err)
				return
			}
			c.cfg.Clock.Sleep(c.cfg.RetryPause)
		}
	}()
}

func sleepCtx(ctx context.Context, clk clock.Clock, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}
