package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-erx/internal/observability/metrics"
	"github.com/drfirst/go-erx/pkg/workerpool"
)

// ConsumerConfig tunes the group consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	// MaxPollRecords bounds one dispatched batch
	MaxPollRecords int
	FetchMaxBytes  int32
	// StartOffset applies when the group has no committed offset: "earliest"
	// or "latest"
	StartOffset string
}

// DefaultConsumerConfig returns defaults for the audit consumer
func DefaultConsumerConfig(brokers []string, groupID string, topics ...string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		Topics:            topics,
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		MaxPollRecords:    500,
		FetchMaxBytes:     50 << 20,
		StartOffset:       "earliest",
	}
}

func (cfg ConsumerConfig) options(logger *zap.Logger) ([]kgo.Opt, error) {
	if cfg.GroupID == "" || len(cfg.Topics) == 0 {
		return nil, errors.New("consumer needs a group and at least one topic")
	}
	reset := kgo.NewOffset().AtStart()
	switch cfg.StartOffset {
	case "", "earliest":
	case "latest":
		reset = kgo.NewOffset().AtEnd()
	default:
		return nil, fmt.Errorf("start offset must be earliest or latest, got %q", cfg.StartOffset)
	}

	return []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		// offsets are only committed for records that were fully handled
		kgo.AutoCommitMarks(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}, nil
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// FailureHandler receives a message whose handler gave up. Returning an error
// stops the consumer without committing the message.
type FailureHandler func(ctx context.Context, msg *ConsumedMessage, cause error) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// ID identifies the message within the cluster
func (m *ConsumedMessage) ID() string {
	return fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
}

func newConsumedMessage(record *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// dispatcher fans a polled batch out to the worker pool and reports once
// every record has either been handled or handed to the failure handler.
type dispatcher struct {
	pool      *workerpool.Pool
	onFailure FailureHandler
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// dispatch processes records concurrently. Records of one partition may
// complete out of order; the batch is only committable when dispatch
// returns nil.
func (d *dispatcher) dispatch(ctx context.Context, records []*kgo.Record) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, record := range records {
		msg := newConsumedMessage(record)
		wg.Add(1)
		task := &workerpool.Task{
			ID:      msg.ID(),
			Payload: record,
			Context: ctx,
			Done: func(res *workerpool.Result) {
				defer wg.Done()
				if res.Success {
					d.metrics.Consumed()
					return
				}
				if err := d.fail(ctx, msg, res.Error); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			},
		}
		if err := d.pool.Submit(ctx, task); err != nil {
			wg.Done()
			wg.Wait()
			return fmt.Errorf("submit %s: %w", msg.ID(), err)
		}
	}

	wg.Wait()
	return errors.Join(errs...)
}

func (d *dispatcher) fail(ctx context.Context, msg *ConsumedMessage, cause error) error {
	if ctx.Err() != nil {
		// shutting down; the record is redelivered after restart
		return ctx.Err()
	}
	d.logger.Error("message handler gave up",
		zap.String("message", msg.ID()),
		zap.Error(cause))
	if d.onFailure == nil {
		return nil
	}
	if err := d.onFailure(ctx, msg, cause); err != nil {
		return fmt.Errorf("failure handler for %s: %w", msg.ID(), err)
	}
	return nil
}

// Consumer reads a consumer group and commits a polled batch once every record
// in it has been handled.
type Consumer struct {
	client   *kgo.Client
	pool     *workerpool.Pool
	dispatch *dispatcher
	maxPoll  int
	logger   *zap.Logger
}

// NewConsumer creates a consumer whose handler runs on pool. The pool is
// started by Run and stopped when Run returns.
func NewConsumer(cfg ConsumerConfig, pool *workerpool.Pool, onFailure FailureHandler, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pool == nil {
		return nil, errors.New("worker pool is required")
	}

	opts, err := cfg.options(logger)
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer client: %w", err)
	}

	return &Consumer{
		client:  client,
		pool:    pool,
		maxPoll: cfg.MaxPollRecords,
		dispatch: &dispatcher{
			pool:      pool,
			onFailure: onFailure,
			metrics:   m,
			logger:    logger,
		},
		logger: logger,
	}, nil
}

// HandlerFunc adapts a MessageHandler into a worker function. Each message
// gets a consumer span that continues the producer's trace.
func HandlerFunc(handler MessageHandler) workerpool.WorkerFunc {
	tracer := otel.Tracer("redpanda-consumer")
	return func(ctx context.Context, task *workerpool.Task) error {
		record, ok := task.Payload.(*kgo.Record)
		if !ok {
			return fmt.Errorf("unexpected task payload %T", task.Payload)
		}

		ctx = extractTraceContext(ctx, record)
		ctx, span := tracer.Start(ctx, record.Topic+" process",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", "kafka"),
				attribute.String("messaging.source.name", record.Topic),
				attribute.Int64("messaging.kafka.source.partition", int64(record.Partition)),
				attribute.Int64("messaging.kafka.message.offset", record.Offset),
			))
		defer span.End()

		if err := handler(ctx, newConsumedMessage(record)); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		return nil
	}
}

// Run polls until ctx is cancelled. It returns an error only when a batch
// could not be handled, leaving its offsets uncommitted.
func (c *Consumer) Run(ctx context.Context) error {
	c.pool.Start()
	defer c.pool.Stop()

	for {
		fetches := c.client.PollRecords(ctx, c.maxPoll)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		records := fetches.Records()
		if len(records) == 0 {
			c.client.AllowRebalance()
			continue
		}

		if err := c.dispatch.dispatch(ctx, records); err != nil {
			c.client.AllowRebalance()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		c.client.MarkCommitRecords(records...)
		c.client.AllowRebalance()
		if err := c.client.CommitMarkedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("failed to commit offsets", zap.Error(err))
		}
	}
}

// Close commits what Run marked and leaves the group.
func (c *Consumer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("final offset commit failed", zap.Error(err))
	}
	c.client.Close()
}
