// Package redpanda provides Kafka-compatible streaming with franz-go: the
// producer behind the outbox relay, the consumer behind the audit recorder and
// topic administration.
package redpanda

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig tunes the franz-go client used for publishing
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	// BatchMaxBytes caps one produce batch per partition
	BatchMaxBytes int32
	Linger        time.Duration
	// Compression is one of none, lz4, snappy, gzip or zstd
	Compression string
	// RequiredAcks is -1 for all in-sync replicas, 1 for the leader, 0 for none.
	// Idempotent writes are only kept with -1.
	RequiredAcks int16
	// RecordRetries bounds client side retries of one record
	RecordRetries int
	// RetryBackoff grows linearly with the attempt
	RetryBackoff time.Duration
}

// DefaultProducerConfig returns durable defaults for prescription events
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:       brokers,
		ClientID:      "erx-producer",
		BatchMaxBytes: 1 << 20,
		Linger:        5 * time.Millisecond,
		Compression:   "lz4",
		RequiredAcks:  -1,
		RecordRetries: 3,
		RetryBackoff:  100 * time.Millisecond,
	}
}

func compressionCodec(name string) (kgo.CompressionCodec, error) {
	switch name {
	case "", "none":
		return kgo.NoCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	}
	return kgo.CompressionCodec{}, fmt.Errorf("unknown compression codec %q", name)
}

func (cfg ProducerConfig) options() ([]kgo.Opt, error) {
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	backoff := cfg.RetryBackoff
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes),
		kgo.ProducerLinger(cfg.Linger),
		kgo.ProducerBatchCompression(codec),
		kgo.RecordRetries(cfg.RecordRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration { return backoff * time.Duration(attempt+1) }),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	switch cfg.RequiredAcks {
	case -1:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case 0, 1:
		acks := kgo.NoAck()
		if cfg.RequiredAcks == 1 {
			acks = kgo.LeaderAck()
		}
		opts = append(opts, kgo.RequiredAcks(acks), kgo.DisableIdempotentWrite())
	default:
		return nil, fmt.Errorf("required acks must be -1, 0 or 1, got %d", cfg.RequiredAcks)
	}
	return opts, nil
}

// Producer publishes records and waits for the broker acknowledgement.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	messagesSent atomic.Int64
	bytesSent    atomic.Int64
	errorCount   atomic.Int64
}

// NewProducer creates a new Redpanda producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka producer client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// Publish sends one record and blocks until it is acknowledged.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, topic+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.kafka.message.key", key),
			attribute.Int("messaging.message.body.size", len(value)),
		))
	defer span.End()

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	injectTraceHeaders(ctx, record)

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.errorCount.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("publish failed",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	p.messagesSent.Add(1)
	p.bytesSent.Add(int64(len(value)))
	span.SetAttributes(
		attribute.Int64("messaging.kafka.destination.partition", int64(record.Partition)),
		attribute.Int64("messaging.kafka.message.offset", record.Offset))
	p.logger.Debug("record acknowledged",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	return nil
}

// Ping checks broker connectivity
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close waits up to closeFlushTimeout for buffered records, then closes the client.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("records left unflushed at close", zap.Error(err))
	}
	p.client.Close()
}

const closeFlushTimeout = 30 * time.Second

// ProducerStats counts acknowledged and failed publishes
type ProducerStats struct {
	MessagesSent int64 `json:"messages_sent"`
	BytesSent    int64 `json:"bytes_sent"`
	ErrorCount   int64 `json:"error_count"`
}

// Stats returns the counters since the producer was created
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent: p.messagesSent.Load(),
		BytesSent:    p.bytesSent.Load(),
		ErrorCount:   p.errorCount.Load(),
	}
}
