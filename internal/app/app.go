// Package app holds the process bootstrap shared by the binaries.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-erx/internal/config"
	"github.com/drfirst/go-erx/internal/infrastructure/postgres"
	"github.com/drfirst/go-erx/internal/observability/logging"
	"github.com/drfirst/go-erx/internal/observability/metrics"
	"github.com/drfirst/go-erx/internal/observability/tracing"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

// Runtime carries what every binary sets up before doing its own work.
type Runtime struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	tracer *tracing.Provider
}

// Bootstrap loads configuration, then builds the logger, the metrics
// registry and the trace provider for service.
func Bootstrap(ctx context.Context, service string) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, service)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	tp, err := tracing.Init(ctx, tracing.FromConfig(cfg, service, Version))
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	logger.Info("starting",
		zap.String("version", Version),
		zap.String("env", cfg.Env),
		zap.Bool("tracing", cfg.TracingEnabled))

	return &Runtime{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewDefault(),
		tracer:  tp,
	}, nil
}

// OpenDB connects to PostgreSQL with the configured pool size.
func (r *Runtime) OpenDB(ctx context.Context) (*pgxpool.Pool, error) {
	if err := r.Config.RequireDatabase(); err != nil {
		return nil, err
	}
	pool, err := postgres.NewPool(ctx, r.Config.DatabaseURL, r.Config.DBMaxConns, r.Config.DBMinConns)
	if err != nil {
		return nil, err
	}
	r.Logger.Info("connected to database",
		zap.Int32("max_conns", r.Config.DBMaxConns))
	return pool, nil
}

// Close flushes traces and logs.
func (r *Runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracer.Shutdown(ctx); err != nil {
		r.Logger.Warn("trace provider shutdown failed", zap.Error(err))
	}
	_ = r.Logger.Sync()
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Serve runs srv until ctx is cancelled, then drains in-flight requests for
// at most shutdownTimeout.
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// HealthFunc reports component details for the ops health endpoint. A
// non-nil error turns the response into a 503.
type HealthFunc func(ctx context.Context) (any, error)

// OpsServer is the metrics and health listener of the worker binaries.
func OpsServer(addr string, m *metrics.Metrics, health HealthFunc) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		body := map[string]any{"status": "healthy"}
		code := http.StatusOK
		if health != nil {
			details, err := health(req.Context())
			body["details"] = details
			if err != nil {
				body["status"] = "unhealthy"
				body["error"] = err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	})

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
