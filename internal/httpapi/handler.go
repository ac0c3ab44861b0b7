// Package httpapi exposes the registry over REST. The devices and routes
// datasets get structurally identical surfaces under their own prefixes.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/registry"
	"pkt.systems/sessiond/internal/svcfields"
	"pkt.systems/sessiond/internal/uuidv7"
)

const maxBodyBytes = 256 << 10

// Handler wires HTTP endpoints to registry operations.
type Handler struct {
	service        registry.Service
	logger         pslog.Logger
	clock          clock.Clock
	metrics        *metrics
	tracingEnabled bool
	ready          func() bool
}

// Config groups the dependencies required by Handler.
type Config struct {
	Service registry.Service
	Logger  pslog.Logger
	Clock   clock.Clock
	// Metrics receives the op counters; nil disables registration.
	Metrics prometheusRegisterer
	// EnableHTTPTracing wraps every route in an otelhttp handler.
	EnableHTTPTracing bool
	// Ready gates /readyz; nil means always ready.
	Ready func() bool
}

// New constructs a Handler using the supplied configuration.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Handler{
		service:        cfg.Service,
		logger:         logger,
		clock:          clk,
		metrics:        newMetrics(cfg.Metrics),
		tracingEnabled: cfg.EnableHTTPTracing,
		ready:          cfg.Ready,
	}
}

// Register wires both dataset surfaces plus health endpoints.
func (h *Handler) Register(mux *http.ServeMux) {
	for _, kind := range []api.Kind{api.KindDevices, api.KindRoutes} {
		base := kind.BasePath()
		noun := kind.Noun()
		mux.Handle("PUT "+base+"/sessions", h.wrap(string(kind)+".init", h.handleInit(kind)))
		mux.Handle("POST "+base+"/sessions/{session}", h.wrap(string(kind)+".ping", h.handlePing(kind)))
		mux.Handle("PUT "+base+"/"+noun+"/{session}/states/{application}/{device}", h.wrap(string(kind)+".create", h.handleCreate(kind)))
		mux.Handle("DELETE "+base+"/"+noun+"/{session}/states/{application}/{device}", h.wrap(string(kind)+".delete", h.handleDelete(kind)))
		mux.Handle("GET "+base+"/"+noun+"/{application}/{device}", h.wrap(string(kind)+".get", h.handleGet(kind)))
	}
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("GET /readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuidv7.NewString()

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
			logger = logger.With("trace_id", sc.TraceID().String())
		}
		ctx := pslog.ContextWithLogger(r.Context(), logger)
		r = r.WithContext(ctx)
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			h.metrics.observe(operation, "error")
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		h.metrics.observe(operation, "ok")
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.tracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, "sessiond.http."+operation,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		writeJSON(w, httpErr.Status, api.ErrorResponse{Error: httpErr.Code, Message: httpErr.Detail})
		return
	}
	logger.Error("http.request.internal", "error", err)
	writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		Error:   api.ErrorInternal,
		Message: "internal server error",
	})
}
