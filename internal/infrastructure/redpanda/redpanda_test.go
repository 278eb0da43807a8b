package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-erx/internal/observability/metrics"
	"github.com/drfirst/go-erx/pkg/circuitbreaker"
	"github.com/drfirst/go-erx/pkg/workerpool"
)

func TestTraceHeadersRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Headers: []kgo.RecordHeader{{Key: "source", Value: []byte("outbox")}}}
	injectTraceHeaders(ctx, record)
	injectTraceHeaders(ctx, record)

	carrier := headerCarrier{record}
	if got := carrier.Get("traceparent"); got != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Fatalf("unexpected traceparent %q", got)
	}
	if len(record.Headers) != 2 {
		t.Errorf("expected the header to be set once, got %d headers", len(record.Headers))
	}

	extracted := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	if extracted.TraceID() != traceID || extracted.SpanID() != spanID || !extracted.IsRemote() {
		t.Errorf("unexpected extracted span context %+v", extracted)
	}
}

func records(n int) []*kgo.Record {
	out := make([]*kgo.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &kgo.Record{Topic: TopicPrescriptionEvents, Partition: 0, Offset: int64(i), Value: []byte{byte(i)}})
	}
	return out
}

func newDispatcher(t *testing.T, handler MessageHandler, onFailure FailureHandler) *dispatcher {
	t.Helper()
	pool, err := workerpool.New(workerpool.Config{Workers: 4, QueueSize: 2, RetryDelay: time.Millisecond}, HandlerFunc(handler), nil)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	pool.Start()
	t.Cleanup(func() { pool.Stop() })
	return &dispatcher{pool: pool, onFailure: onFailure, metrics: metrics.New(prometheus.NewRegistry()), logger: zap.NewNop()}
}

func TestDispatchHandlesEveryRecord(t *testing.T) {
	var mu sync.Mutex
	seen := map[int64]bool{}
	d := newDispatcher(t, func(_ context.Context, msg *ConsumedMessage) error {
		mu.Lock()
		defer mu.Unlock()
		seen[msg.Offset] = true
		return nil
	}, nil)

	if err := d.dispatch(context.Background(), records(20)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 20 {
		t.Errorf("expected 20 handled records, got %d", len(seen))
	}
}

func TestDispatchFailureHandler(t *testing.T) {
	errBad := errors.New("bad record")
	var dead []string
	var mu sync.Mutex

	handler := func(_ context.Context, msg *ConsumedMessage) error {
		if msg.Offset == 3 {
			return errBad
		}
		return nil
	}
	d := newDispatcher(t, handler, func(_ context.Context, msg *ConsumedMessage, cause error) error {
		if !errors.Is(cause, errBad) {
			t.Errorf("unexpected cause %v", cause)
		}
		mu.Lock()
		dead = append(dead, msg.ID())
		mu.Unlock()
		return nil
	})

	if err := d.dispatch(context.Background(), records(5)); err != nil {
		t.Fatalf("expected the failure to be absorbed, got %v", err)
	}
	if len(dead) != 1 || dead[0] != "prescription.events/0/3" {
		t.Errorf("unexpected dead letters %v", dead)
	}

	failing := newDispatcher(t, handler, func(context.Context, *ConsumedMessage, error) error {
		return errors.New("dead letter topic unavailable")
	})
	if err := failing.dispatch(context.Background(), records(5)); err == nil {
		t.Error("expected the batch to fail when the failure handler fails")
	}
}

type flakyPublisher struct {
	calls int
	err   error
}

func (f *flakyPublisher) Publish(context.Context, string, string, []byte) error {
	f.calls++
	return f.err
}

func TestGuardedPublisherPerTopic(t *testing.T) {
	states := map[string]circuitbreaker.State{}
	cfg := circuitbreaker.DefaultConfig("")
	cfg.FailureThreshold = 2
	cfg.OnStateChange = func(name string, s circuitbreaker.State) { states[name] = s }

	next := &flakyPublisher{err: errors.New("broker unavailable")}
	g := NewGuardedPublisher(next, circuitbreaker.NewManager(cfg, nil))
	ctx := context.Background()

	g.Publish(ctx, TopicDeadLetter, "k", nil)
	g.Publish(ctx, TopicDeadLetter, "k", nil)
	if err := g.Publish(ctx, TopicDeadLetter, "k", nil); !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected the dead letter breaker to be open, got %v", err)
	}
	if next.calls != 2 {
		t.Errorf("expected 2 calls to reach the broker, got %d", next.calls)
	}
	if states["publish:"+TopicDeadLetter] != circuitbreaker.StateOpen {
		t.Errorf("expected an open state report, got %v", states)
	}

	next.err = nil
	if err := g.Publish(ctx, TopicPrescriptionEvents, "k", nil); err != nil {
		t.Errorf("expected the events topic to be unaffected, got %v", err)
	}
}

func TestTopics(t *testing.T) {
	specs := Topics(0)
	names := map[string]TopicSpec{}
	for _, s := range specs {
		names[s.Name] = s
		if s.Partitions < 1 || s.ReplicationFactor != 1 {
			t.Errorf("invalid topic spec %+v", s)
		}
	}
	if _, ok := names[TopicPrescriptionEvents]; !ok {
		t.Fatalf("missing %s", TopicPrescriptionEvents)
	}

	cfg := names[TopicDeadLetter].configs()
	if got := *cfg["retention.ms"]; got != "2592000000" {
		t.Errorf("expected 30 days of dead letter retention, got %s", got)
	}
	if got := *cfg["compression.type"]; got != "lz4" {
		t.Errorf("unexpected compression %s", got)
	}
	if Topics(3)[0].ReplicationFactor != 3 {
		t.Error("expected the replication factor to be applied")
	}
}

type capturingPublisher struct {
	topic, key string
	value      []byte
}

func (c *capturingPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	c.topic, c.key, c.value = topic, key, value
	return nil
}

func TestDeadLetterHandler(t *testing.T) {
	failedAt := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	pub := &capturingPublisher{}
	handle := DeadLetterHandler(pub, func() time.Time { return failedAt })

	msg := &ConsumedMessage{Topic: TopicPrescriptionEvents, Partition: 2, Offset: 41, Key: []byte("rx-1"), Value: []byte("not json")}
	if err := handle(context.Background(), msg, errors.New("decode event: invalid character")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pub.topic != TopicDeadLetter || pub.key != "rx-1" {
		t.Fatalf("published to %s with key %s", pub.topic, pub.key)
	}
	var dl DeadLetter
	if err := json.Unmarshal(pub.value, &dl); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if dl.OriginalTopic != TopicPrescriptionEvents || dl.Offset != 41 || string(dl.Payload) != "not json" {
		t.Errorf("unexpected envelope %+v", dl)
	}
	if !dl.FailedAt.Equal(failedAt) || dl.Error == "" {
		t.Errorf("unexpected failure details %+v", dl)
	}
}

func TestProducerOptions(t *testing.T) {
	cfg := DefaultProducerConfig([]string{"localhost:9092"})
	if _, err := cfg.options(); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}

	bad := cfg
	bad.Compression = "brotli"
	if _, err := bad.options(); err == nil {
		t.Error("expected an unknown codec to be rejected")
	}

	bad = cfg
	bad.RequiredAcks = 2
	if _, err := bad.options(); err == nil {
		t.Error("expected invalid acks to be rejected")
	}

	leader := cfg
	leader.RequiredAcks = 1
	leader.Compression = "none"
	if _, err := leader.options(); err != nil {
		t.Errorf("leader acks rejected: %v", err)
	}
}

func TestConsumerOptions(t *testing.T) {
	cfg := DefaultConsumerConfig([]string{"localhost:9092"}, "audit", TopicPrescriptionEvents)
	if _, err := cfg.options(zap.NewNop()); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}

	noGroup := cfg
	noGroup.GroupID = ""
	if _, err := noGroup.options(zap.NewNop()); err == nil {
		t.Error("expected a missing group to be rejected")
	}

	badOffset := cfg
	badOffset.StartOffset = "middle"
	if _, err := badOffset.options(zap.NewNop()); err == nil {
		t.Error("expected an unknown start offset to be rejected")
	}
}
