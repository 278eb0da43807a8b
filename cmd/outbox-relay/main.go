// Command outbox-relay publishes committed outbox rows to Redpanda.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-erx/internal/app"
	"github.com/drfirst/go-erx/internal/infrastructure/postgres"
	"github.com/drfirst/go-erx/internal/infrastructure/redpanda"
	"github.com/drfirst/go-erx/pkg/circuitbreaker"
)

const serviceName = "outbox-relay"

func main() {
	rootCmd := &cobra.Command{
		Use:     serviceName,
		Short:   "Relay prescription events from the outbox table to Redpanda",
		Version: app.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			ensureTopics, _ := cmd.Flags().GetBool("ensure-topics")
			return run(ensureTopics)
		},
	}
	rootCmd.Flags().Bool("ensure-topics", true, "Create missing topics at startup")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ensureTopics bool) error {
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

	if ensureTopics {
		admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
		if err != nil {
			return err
		}
		err = admin.EnsureTopics(ctx, redpanda.Topics(cfg.KafkaReplication)...)
		admin.Close()
		if err != nil {
			return fmt.Errorf("ensure topics: %w", err)
		}
	}

	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	if err != nil {
		return err
	}
	defer producer.Close()
	logger.Info("connected to redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	breakerCfg := circuitbreaker.DefaultConfig("")
	breakerCfg.OnStateChange = func(name string, s circuitbreaker.State) {
		rt.Metrics.SetBreakerState(name, s.Value())
	}
	breakers := circuitbreaker.NewManager(breakerCfg, logger)

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.BatchSize = cfg.OutboxBatchSize
	outboxCfg.PollInterval = cfg.OutboxPoll
	outboxCfg.MaxRetries = cfg.OutboxRetries
	outboxCfg.Retention = cfg.OutboxRetention
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, redpanda.NewGuardedPublisher(producer, breakers), outboxCfg, rt.Metrics, logger)

	health := func(ctx context.Context) (any, error) {
		details := map[string]any{
			"breakers": breakers.GetHealthStatus(),
			"producer": producer.Stats(),
		}
		stats, err := outbox.GetStats(ctx)
		if err != nil {
			return details, err
		}
		details["outbox"] = stats
		return details, nil
	}
	ops := app.OpsServer(cfg.MetricsAddr(), rt.Metrics, health)

	outbox.Start()
	defer outbox.Stop()

	if err := app.Serve(ctx, ops, cfg.ShutdownTimeout, logger); err != nil {
		return err
	}
	logger.Info("outbox relay stopped")
	return nil
}
