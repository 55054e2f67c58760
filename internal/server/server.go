// Package server runs the service lifecycle: signal handling, config
// loading, telemetry, health and readiness probes, and graceful shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aelexs/identity-service/internal/config"
	"github.com/aelexs/identity-service/internal/observability"
)

// Shutdown phases. Their sum stays inside domain.GracefulShutdownTimeout.
const (
	drainDelay          = 2 * time.Second
	httpShutdownTimeout = 15 * time.Second
	cleanupTimeout      = 5 * time.Second
	otelShutdownTimeout = 5 * time.Second

	readyCheckTimeout = 2 * time.Second
)

// Params configures a service's lifecycle runner.
type Params struct {
	Name    string
	Version string

	// PortFromConfig extracts the HTTP port for this service from config.
	PortFromConfig func(cfg *config.Config) int

	// Setup builds the service. It runs after logging and telemetry are up
	// and before the listener accepts traffic. Optional.
	Setup SetupFunc
}

// SetupDeps is what Run hands to Setup.
type SetupDeps struct {
	Config *config.Config
	Logger *slog.Logger
}

// Service is what Setup returns. Every field is optional.
type Service struct {
	// Handler serves every path other than /healthz and /readyz.
	Handler http.Handler

	// Ready backs /readyz.
	Ready func(ctx context.Context) error

	// Cleanup runs after the HTTP server has drained.
	Cleanup func(ctx context.Context) error
}

// SetupFunc is a service composition root. ctx stays live until shutdown
// begins, so background work may be bound to it.
type SetupFunc func(ctx context.Context, deps SetupDeps) (*Service, error)

// Run executes the full service lifecycle. If ln is non-nil it is used
// instead of a listener on the configured port.
func Run(ctx context.Context, p Params, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(observability.LogConfig{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: p.Name,
		Environment: cfg.Environment,
	})

	// Startup order: telemetry -> service -> HTTP.
	telemetry, err := observability.InitTelemetry(ctx, observability.ExportConfig{
		ServiceName:    serviceName(cfg, p),
		ServiceVersion: p.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
		OTLPInsecure:   cfg.OTEL.Insecure,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	svc := &Service{}
	if p.Setup != nil {
		svc, err = p.Setup(ctx, SetupDeps{Config: cfg, Logger: logger})
		if err != nil {
			shutdownTelemetry(logger, telemetry)
			return fmt.Errorf("setup %s: %w", p.Name, err)
		}
		if svc == nil {
			svc = &Service{}
		}
	}

	var shuttingDown atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		if shuttingDown.Load() {
			writeStatus(w, http.StatusServiceUnavailable, "shutting_down", p.Name)
			return
		}
		writeStatus(w, http.StatusOK, "healthy", p.Name)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if shuttingDown.Load() {
			writeStatus(w, http.StatusServiceUnavailable, "shutting_down", p.Name)
			return
		}
		if svc.Ready != nil {
			rctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
			defer cancel()
			if readyErr := svc.Ready(rctx); readyErr != nil {
				logger.WarnContext(r.Context(), "readiness check failed", slog.String("error", readyErr.Error()))
				writeStatus(w, http.StatusServiceUnavailable, "not_ready", p.Name)
				return
			}
		}
		writeStatus(w, http.StatusOK, "ready", p.Name)
	})
	if svc.Handler != nil {
		mux.Handle("/", svc.Handler)
	}

	if ln == nil {
		ln, err = (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf(":%d", p.PortFromConfig(cfg)))
		if err != nil {
			runCleanup(logger, svc)
			shutdownTelemetry(logger, telemetry)
			return fmt.Errorf("listen: %w", err)
		}
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.Notify.Timeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting HTTP server",
			slog.String("addr", ln.Addr().String()),
			slog.String("environment", cfg.Environment),
		)
		if serveErr := server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})

	// Shutdown runs in reverse startup order: HTTP -> service -> telemetry.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("received shutdown signal, starting graceful shutdown")

		shuttingDown.Store(true)
		time.Sleep(drainDelay)

		httpCtx, httpCancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer httpCancel()
		if shutdownErr := server.Shutdown(httpCtx); shutdownErr != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", shutdownErr.Error()))
		}

		runCleanup(logger, svc)
		shutdownTelemetry(logger, telemetry)

		logger.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}

func serviceName(cfg *config.Config, p Params) string {
	if cfg.OTEL.ServiceName != "" {
		return cfg.OTEL.ServiceName
	}
	return p.Name
}

func runCleanup(logger *slog.Logger, svc *Service) {
	if svc.Cleanup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := svc.Cleanup(ctx); err != nil {
		logger.Error("service cleanup failed", slog.String("error", err.Error()))
	}
}

func shutdownTelemetry(logger *slog.Logger, t *observability.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
	defer cancel()
	if err := t.Shutdown(ctx); err != nil {
		logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
	}
}

func writeStatus(w http.ResponseWriter, code int, status, service string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status, "service": service})
}
