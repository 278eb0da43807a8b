// Package api assembles the HTTP surface of the e-prescribing service.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-erx/internal/api/handlers"
	"github.com/drfirst/go-erx/internal/api/middleware"
	"github.com/drfirst/go-erx/internal/observability/metrics"
	"github.com/drfirst/go-erx/internal/service"
)

// Pinger reports whether a backing store is reachable. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig holds everything the router mounts
type RouterConfig struct {
	ServiceName    string
	Version        string
	Prescriptions  *service.PrescriptionService
	Registration   *service.RegistrationService
	Metrics        *metrics.Metrics
	Ready          Pinger
	RateLimitRPS   float64
	RateLimitBurst int
	Logger         *zap.Logger
}

// NewRouter builds the chi router with the global middleware chain.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Observe(cfg.ServiceName, cfg.Metrics, logger))
	r.Use(middleware.Recover(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"` + cfg.ServiceName + `","version":"` + cfg.Version + `"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready.Ping(r.Context()); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	registry := handlers.NewRegistryHandler(cfg.Registration, logger)
	prescriptions := handlers.NewPrescriptionHandler(cfg.Prescriptions, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
		r.Mount("/doctors", registry.DoctorRoutes())
		r.Mount("/patients", registry.PatientRoutes())
		r.Mount("/pharmacists", registry.PharmacistRoutes())
		r.Mount("/drugs", registry.DrugRoutes())
		r.Mount("/prescriptions", prescriptions.Routes())
	})

	return r
}
