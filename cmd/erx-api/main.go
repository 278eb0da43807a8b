// Command erx-api serves the e-prescribing HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-erx/internal/api"
	"github.com/drfirst/go-erx/internal/app"
	"github.com/drfirst/go-erx/internal/infrastructure/memory"
	"github.com/drfirst/go-erx/internal/infrastructure/postgres"
	"github.com/drfirst/go-erx/internal/infrastructure/redpanda"
	"github.com/drfirst/go-erx/internal/service"
)

const serviceName = "erx-api"

func main() {
	rootCmd := &cobra.Command{
		Use:     serviceName,
		Short:   "E-prescribing API server",
		Version: app.Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, _ := cmd.Flags().GetString("storage")
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(storage, migrate)
		},
	}
	cmd.Flags().String("storage", "postgres", "Storage backend: postgres or memory")
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := app.Bootstrap(ctx, serviceName)
			if err != nil {
				return err
			}
			defer rt.Close()

			pool, err := rt.OpenDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := postgres.Migrate(ctx, pool, rt.Logger)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
}

func runServer(storage string, migrate bool) error {
	ctx, stop := app.SignalContext()
	defer stop()

	rt, err := app.Bootstrap(ctx, serviceName)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, logger := rt.Config, rt.Logger

	var (
		repos     service.Repositories
		opts      []service.Option
		readiness api.Pinger
	)

	switch storage {
	case "memory":
		logger.Warn("using in-memory storage; data is lost on exit and no events are published")
		repos = service.Repositories{
			Doctors:       memory.NewDoctorRepository(),
			Patients:      memory.NewPatientRepository(),
			Pharmacists:   memory.NewPharmacistRepository(),
			Drugs:         memory.NewDrugRepository(),
			Prescriptions: memory.NewPrescriptionRepository(),
		}
		opts = append(opts, service.WithAuditLog(memory.NewAuditLog()))
	case "postgres":
		pool, err := rt.OpenDB(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if migrate {
			if _, err := postgres.Migrate(ctx, pool, logger); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
		}

		repos = service.Repositories{
			Doctors:       postgres.NewDoctorRepository(pool),
			Patients:      postgres.NewPatientRepository(pool),
			Pharmacists:   postgres.NewPharmacistRepository(pool),
			Drugs:         postgres.NewDrugRepository(pool),
			Prescriptions: postgres.NewPrescriptionRepository(pool, redpanda.TopicPrescriptionEvents, logger),
		}
		opts = append(opts, service.WithAuditLog(postgres.NewAuditLog(pool)))
		readiness = pool
	default:
		return fmt.Errorf("unknown storage %q", storage)
	}

	router := api.NewRouter(api.RouterConfig{
		ServiceName:    serviceName,
		Version:        app.Version,
		Prescriptions:  service.NewPrescriptionService(repos, rt.Metrics, logger, opts...),
		Registration:   service.NewRegistrationService(repos, logger, opts...),
		Metrics:        rt.Metrics,
		Ready:          readiness,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if err := app.Serve(ctx, srv, cfg.ShutdownTimeout, logger); err != nil {
		return err
	}
	logger.Info("server stopped", zap.String("storage", storage))
	return nil
}
