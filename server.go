package sessiond

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/events"
	"pkt.systems/sessiond/internal/httpapi"
	"pkt.systems/sessiond/internal/registry"
	"pkt.systems/sessiond/internal/svcfields"
)

// Server wraps the HTTP server, registry backend, and supporting components.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	service      registry.Service
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	clock        clock.Clock
	telemetry    *telemetryBundle
	lastServeErr error

	closeService func()
	publisher    events.Publisher
	ownPublisher bool

	mu         sync.Mutex
	shutdown   bool
	prunerStop chan struct{}
	prunerDone sync.WaitGroup
	readyOnce  sync.Once
	readyCh    chan struct{}
}

// Option configures server instances.
type Option func(*serverOptions)

type serverOptions struct {
	logger       pslog.Logger
	service      registry.Service
	clock        clock.Clock
	publisher    events.Publisher
	applications registry.ApplicationLookup
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *serverOptions) { o.logger = l }
}

// WithRegistry injects a pre-built registry service (useful for tests).
func WithRegistry(s registry.Service) Option {
	return func(o *serverOptions) { o.service = s }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *serverOptions) { o.clock = c }
}

// WithPublisher injects a pre-built event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *serverOptions) { o.publisher = p }
}

// WithApplicationLookup injects a custom application existence check.
func WithApplicationLookup(a registry.ApplicationLookup) Option {
	return func(o *serverOptions) { o.applications = a }
}

// NewServer constructs a sessiond server according to cfg.
// Example:
//
//	cfg := sessiond.Config{Store: "mem://", Listen: ":8088"}
//	srv, err := sessiond.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	telemetry, err := setupTelemetry(cfg, logger)
	if err != nil {
		return nil, err
	}

	publisher := o.publisher
	ownPublisher := false
	if publisher == nil {
		if cfg.NATSURL != "" {
			natsPub, err := events.NewNATSPublisher(cfg.NATSURL,
				events.WithSubjectPrefix(cfg.EventsSubjectPrefix),
				events.WithNATSLogger(logger))
			if err != nil {
				_ = telemetry.Shutdown(context.Background())
				return nil, err
			}
			publisher = natsPub
			ownPublisher = true
		} else {
			publisher = events.NewCapture()
		}
	}

	applications := o.applications
	if applications == nil {
		if cfg.RegistryURL != "" {
			applications = registry.NewHTTPApplications(cfg.RegistryURL, nil)
		} else {
			applications = registry.AllowAllApplications{}
		}
	}

	service := o.service
	var closeService func()
	if service == nil {
		switch {
		case storeIsMemory(cfg.Store):
			service = registry.NewMemory(registry.MemoryConfig{
				SessionTTL:   cfg.SessionTTL,
				Clock:        serverClock,
				Applications: applications,
				Publisher:    publisher,
				Logger:       logger,
			})
		case storeIsPostgres(cfg.Store):
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			pg, err := registry.NewPostgres(ctx, registry.PostgresConfig{
				DSN:          cfg.Store,
				SessionTTL:   cfg.SessionTTL,
				MaxConns:     cfg.MaxConns,
				Clock:        serverClock,
				Applications: applications,
				Publisher:    publisher,
				Logger:       logger,
			})
			cancel()
			if err != nil {
				_ = telemetry.Shutdown(context.Background())
				return nil, err
			}
			service = pg
			closeService = pg.Close
		}
	}

	handler := httpapi.New(httpapi.Config{
		Service:           service,
		Logger:            logger,
		Clock:             serverClock,
		Metrics:           telemetry.Registry(),
		EnableHTTPTracing: cfg.OTLPEndpoint != "",
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}

	return &Server{
		cfg:          cfg,
		logger:       svcfields.WithSubsystem(logger, "server"),
		service:      service,
		handler:      handler,
		httpSrv:      httpSrv,
		clock:        serverClock,
		telemetry:    telemetry,
		closeService: closeService,
		publisher:    publisher,
		ownPublisher: ownPublisher,
		readyCh:      make(chan struct{}),
	}, nil
}

// Handler returns the underlying HTTP handler so sessiond can be mounted
// inside an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Registry returns the underlying registry service.
func (s *Server) Registry() registry.Service {
	return s.service
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.signalReady()
	s.logger.Info("server.listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"store", s.cfg.Store,
		"session_ttl", s.cfg.SessionTTL)
	s.startPruner()
	defer s.stopPruner()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.stopPruner()
	if s.closeService != nil {
		s.closeService()
		s.closeService = nil
	}
	if s.ownPublisher {
		if closer, ok := s.publisher.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				s.logger.Warn("server.publisher.close_failed", "error", err)
			}
		}
		s.ownPublisher = false
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context
// ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) startPruner() {
	if s.cfg.PruneInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.prunerStop != nil {
		s.mu.Unlock()
		return
	}
	s.prunerStop = make(chan struct{})
	s.prunerDone.Add(1)
	stopCh := s.prunerStop
	interval := s.cfg.PruneInterval
	s.mu.Unlock()
	go func() {
		defer s.prunerDone.Done()
		prunerCtx := context.Background()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				s.pruneAll(prunerCtx)
			}
		}
	}()
}

func (s *Server) stopPruner() {
	s.mu.Lock()
	stopCh := s.prunerStop
	if stopCh != nil {
		close(stopCh)
		s.prunerStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.prunerDone.Wait()
	}
}

// pruneAll reclaims expired sessions for both datasets. Errors are logged and
// retried on the next tick.
func (s *Server) pruneAll(ctx context.Context) {
	for _, kind := range []api.Kind{api.KindDevices, api.KindRoutes} {
		pruned, err := s.service.Prune(ctx, kind)
		if err != nil {
			s.logger.Warn("pruner.iteration_failed", "kind", string(kind), "error", err)
			continue
		}
		if pruned > 0 {
			s.logger.Info("pruner.sessions_reclaimed", "kind", string(kind), "sessions", pruned)
		}
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying
// HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a sessiond server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
