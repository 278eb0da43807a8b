// Command audit-consumer records published prescription events in the audit
// log.
package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-erx/internal/app"
	"github.com/drfirst/go-erx/internal/audit"
	"github.com/drfirst/go-erx/internal/infrastructure/postgres"
	"github.com/drfirst/go-erx/internal/infrastructure/redpanda"
	"github.com/drfirst/go-erx/pkg/circuitbreaker"
	"github.com/drfirst/go-erx/pkg/idempotency"
	"github.com/drfirst/go-erx/pkg/workerpool"
)

const serviceName = "audit-consumer"

func main() {
	rootCmd := &cobra.Command{
		Use:     serviceName,
		Short:   "Consume prescription events into the audit log",
		Version: app.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			lagEvery, _ := cmd.Flags().GetDuration("lag-interval")
			return run(group, lagEvery)
		},
	}
	rootCmd.Flags().String("group", serviceName, "Consumer group id")
	rootCmd.Flags().Duration("lag-interval", time.Minute, "How often to log consumer lag; 0 disables it")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(group string, lagEvery time.Duration) error {
	ctx, stop := app.SignalContext()
	defer stop()

	rt, err := app.Bootstrap(ctx, serviceName)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, logger := rt.Config, rt.Logger

	pool, err := rt.OpenDB(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	recorder := audit.NewRecorder(postgres.NewAuditLog(pool), inbox, rt.Metrics, logger)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.AuditWorkers
	poolCfg.Retryable = func(err error) bool { return !idempotency.IsTerminal(err) }
	workers, err := workerpool.New(poolCfg, redpanda.HandlerFunc(func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		return recorder.Record(ctx, msg.Value)
	}), logger)
	if err != nil {
		return err
	}

	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	if err != nil {
		return err
	}
	defer producer.Close()

	breakerCfg := circuitbreaker.DefaultConfig("")
	breakerCfg.OnStateChange = func(name string, s circuitbreaker.State) {
		rt.Metrics.SetBreakerState(name, s.Value())
	}
	breakers := circuitbreaker.NewManager(breakerCfg, logger)
	deadLetters := redpanda.DeadLetterHandler(redpanda.NewGuardedPublisher(producer, breakers), nil)

	consumer, err := redpanda.NewConsumer(
		redpanda.DefaultConsumerConfig(cfg.KafkaBrokers, group, redpanda.TopicPrescriptionEvents),
		workers, deadLetters, rt.Metrics, logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	defer admin.Close()

	health := func(ctx context.Context) (any, error) {
		details := map[string]any{
			"workers":  workers.Stats(),
			"breakers": breakers.GetHealthStatus(),
		}
		if stats, err := inbox.GetStats(ctx); err == nil {
			details["inbox"] = stats
		}
		if !workers.IsHealthy() {
			return details, errors.New("worker pool is not accepting work")
		}
		return details, pool.Ping(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(gctx, app.OpsServer(cfg.MetricsAddr(), rt.Metrics, health), cfg.ShutdownTimeout, logger)
	})
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	if lagEvery > 0 {
		g.Go(func() error {
			logLag(gctx, admin, group, lagEvery, logger)
			return nil
		})
	}

	logger.Info("audit consumer started",
		zap.String("group", group),
		zap.Int("workers", poolCfg.Workers))

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("audit consumer stopped")
	return nil
}

func logLag(ctx context.Context, admin *redpanda.Admin, group string, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.GroupLag(ctx, group)
			if err != nil {
				logger.Warn("consumer lag unavailable", zap.Error(err))
				continue
			}
			for topic, n := range lag {
				logger.Info("consumer lag", zap.String("topic", topic), zap.Int64("lag", n))
			}
		}
	}
}
