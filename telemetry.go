package sessiond

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"pkt.systems/pslog"

	"pkt.systems/sessiond/internal/svcfields"
)

type telemetryBundle struct {
	registry       *prometheus.Registry
	tracerProvider *sdktrace.TracerProvider
	metricsServer  *http.Server
	metricsLn      net.Listener
	logger         pslog.Logger
}

// Registry returns the Prometheus registry operation counters attach to.
func (t *telemetryBundle) Registry() prometheus.Registerer {
	if t == nil {
		return nil
	}
	return t.registry
}

// Shutdown stops the metrics listener and flushes pending trace spans.
func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.metricsServer != nil {
		if err := t.metricsServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
		t.metricsServer = nil
	}
	if t.metricsLn != nil {
		_ = t.metricsLn.Close()
		t.metricsLn = nil
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
		t.tracerProvider = nil
	}
	return errors.Join(errs...)
}

func setupTelemetry(cfg Config, logger pslog.Logger) (*telemetryBundle, error) {
	logger = svcfields.WithSubsystem(logger, "telemetry")
	bundle := &telemetryBundle{
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}
	bundle.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		provider, err := setupHTTPTracing(endpoint)
		if err != nil {
			return nil, err
		}
		bundle.tracerProvider = provider
		otel.SetTracerProvider(provider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}))
		logger.Info("telemetry.tracing.enabled", "endpoint", endpoint)
	}

	if listen := strings.TrimSpace(cfg.MetricsListen); listen != "" {
		ln, err := net.Listen("tcp", listen)
		if err != nil {
			_ = bundle.Shutdown(context.Background())
			return nil, fmt.Errorf("telemetry: metrics listen %s: %w", listen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(bundle.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		bundle.metricsServer = srv
		bundle.metricsLn = ln
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("telemetry.metrics.serve_error", "error", err)
			}
		}()
		logger.Info("telemetry.metrics.enabled", "listen", ln.Addr().String())
	}

	return bundle, nil
}

func setupHTTPTracing(endpoint string) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName("sessiond")),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if !strings.Contains(endpoint, ":443") {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: start otlp exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}
