// Package observability wires tracing and the metrics endpoint for the
// simbridge commands.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds observability configuration
type Config struct {
	ServiceName    string
	ServiceVersion string

	// MetricsPort serves /metrics, /health and /ready; 0 disables the server
	MetricsPort int

	// Gatherer backs /metrics; the default registry when nil
	Gatherer prometheus.Gatherer

	// EnableTracing installs a global tracer provider
	EnableTracing bool

	// TraceExporter is "stdout" (the only exporter); TraceOutput defaults to stderr
	TraceExporter string
	TraceOutput   io.Writer
}

// DefaultConfig returns a configuration with tracing and metrics disabled
func DefaultConfig(serviceName, serviceVersion string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		TraceExporter:  "stdout",
	}
}

// Manager owns the tracer provider and the metrics server
type Manager struct {
	config         Config
	log            *slog.Logger
	tracerProvider *sdktrace.TracerProvider
	metricsServer  *http.Server
	metricsAddr    string
	shutdownOnce   sync.Once
}

// NewManager creates a manager; nothing starts until Initialize
func NewManager(config Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	return &Manager{config: config, log: log.With("component", "observability")}
}

// Initialize sets up the enabled components
func (m *Manager) Initialize(ctx context.Context) error {
	m.log.Info("initializing observability",
		"service_name", m.config.ServiceName,
		"service_version", m.config.ServiceVersion,
		"metrics_port", m.config.MetricsPort,
		"enable_tracing", m.config.EnableTracing)

	if m.config.EnableTracing {
		if err := m.initializeTracing(ctx); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	if m.config.MetricsPort > 0 {
		if err := m.startMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	return nil
}

func (m *Manager) initializeTracing(ctx context.Context) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", m.config.ServiceName),
			attribute.String("service.version", m.config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	if m.config.TraceExporter != "" && m.config.TraceExporter != "stdout" {
		m.log.Warn("unknown trace exporter, falling back to stdout", "exporter", m.config.TraceExporter)
	}
	out := m.config.TraceOutput
	if out == nil {
		out = os.Stderr
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	m.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(m.tracerProvider)
	m.log.Info("tracing initialized", "exporter", "stdout")
	return nil
}

// Tracer returns a tracer from the global provider
func (m *Manager) Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Handler serves health, readiness and Prometheus metrics.
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(m.config.Gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (m *Manager) startMetricsServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", m.config.MetricsPort))
	if err != nil {
		return err
	}
	m.metricsAddr = lis.Addr().String()
	m.metricsServer = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		m.log.Info("metrics server listening", "addr", m.metricsAddr)
		if err := m.metricsServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			m.log.Error("metrics server error", "error", err)
		}
	}()
	return nil
}

// MetricsAddr is the bound metrics address, or "" when disabled
func (m *Manager) MetricsAddr() string { return m.metricsAddr }

// Shutdown stops the metrics server and flushes traces
func (m *Manager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	m.shutdownOnce.Do(func() {
		if m.metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
				shutdownErr = fmt.Errorf("metrics server shutdown: %w", err)
			}
		}

		if m.tracerProvider != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := m.tracerProvider.Shutdown(shutdownCtx); err != nil && shutdownErr == nil {
				shutdownErr = fmt.Errorf("tracer provider shutdown: %w", err)
			}
		}
	})
	return shutdownErr
}
