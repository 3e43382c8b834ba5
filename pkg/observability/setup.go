package observability

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// SetupLogger returns a production zap logger or falls back to a no-op logger.
func SetupLogger(service string) *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return logger.With(zap.String("service", service))
}

// SetupTracer configures an OTEL tracer provider with stdout exporter.
func SetupTracer(ctx context.Context, service string) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// Checks maps dependency names to their probes.
type Checks map[string]Check

// Run executes every probe with a shared timeout and returns the failures.
func (c Checks) Run(ctx context.Context, timeout time.Duration) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	failed := map[string]string{}
	for name, check := range c {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}

// MetricsRouter exposes Prometheus metrics, liveness and readiness.
func MetricsRouter(checks Checks) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		failed := checks.Run(r.Context(), 2*time.Second)
		if len(failed) == 0 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		for name, msg := range failed {
			_, _ = fmt.Fprintf(w, "%s: %s\n", name, msg)
		}
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// HealthServer wraps the standard gRPC health service and keeps the status of
// one service name in sync with the readiness checks.
type HealthServer struct {
	*health.Server
	service string
	checks  Checks
	logger  *zap.Logger
}

func NewHealthServer(service string, checks Checks, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HealthServer{Server: health.NewServer(), service: service, checks: checks, logger: logger}
	h.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Refresh runs the checks once and publishes the resulting status.
func (h *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if failed := h.checks.Run(ctx, 2*time.Second); len(failed) > 0 {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		h.logger.Warn("readiness check failed", zap.Any("failed", failed))
	}
	h.SetServingStatus(h.service, status)
	h.SetServingStatus("", status)
	return status
}

// ServeGRPC listens on addr and serves the health service until ctx is done.
func (h *HealthServer) ServeGRPC(ctx context.Context, addr string, every time.Duration) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h)

	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			h.Refresh(ctx)
			select {
			case <-ctx.Done():
				h.Shutdown()
				srv.GracefulStop()
				return
			case <-ticker.C:
			}
		}
	}()
	h.logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}
