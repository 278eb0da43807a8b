// Package circuitbreaker guards broker calls with sony/gobreaker and reports
// calls and transitions through OpenTelemetry and a state hook.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Value maps the state onto a gauge value: 0 closed, 1 half-open, 2 open.
func (s State) Value() float64 {
	switch s {
	case StateOpen:
		return 2
	case StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// StateObserver is notified after every transition
type StateObserver func(name string, state State)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	Name string
	// MaxRequests is the probe budget while half-open
	MaxRequests uint32
	// Interval clears the closed state counts; zero never clears them
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration
	// FailureThreshold trips the breaker on consecutive failures while fewer
	// than MinRequests calls have been counted
	FailureThreshold uint32
	// FailureRatio trips the breaker once MinRequests calls have been counted
	FailureRatio  float64
	MinRequests   uint32
	OnStateChange StateObserver
}

// DefaultConfig returns defaults suitable for broker publishing
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

func (cfg Config) readyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests < cfg.MinRequests {
		return counts.ConsecutiveFailures >= cfg.FailureThreshold
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
}

// CircuitBreaker is one named gobreaker with tracing and a call counter
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer
	calls  metric.Int64Counter
}

// New creates a circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if cfg.Name == "" {
		return nil, errors.New("circuit breaker name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	calls, err := otel.Meter("circuit-breaker").Int64Counter("erx_circuit_breaker_calls_total",
		metric.WithDescription("Calls through a circuit breaker by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create call counter: %w", err)
	}

	c := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger.With(zap.String("breaker", cfg.Name)),
		tracer: otel.Tracer("circuit-breaker"),
		calls:  calls,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: cfg.readyToTrip,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.Stringer("from", from),
				zap.Stringer("to", to))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(cfg.Name, fromGobreaker(to))
			}
		},
		// a cancelled caller says nothing about the broker
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return c, nil
}

// Do runs fn through the circuit breaker. While the circuit is open or the
// half-open probe budget is spent, the returned error wraps ErrOpen.
func (c *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker.do",
		trace.WithAttributes(
			attribute.String("breaker.name", c.name),
			attribute.String("breaker.state", string(c.GetState())),
		))
	defer span.End()

	_, err := c.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})

	outcome := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "rejected"
		err = fmt.Errorf("%s: %w", c.name, ErrOpen)
	case err != nil:
		outcome = "failure"
		span.RecordError(err)
	}
	c.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", c.name),
		attribute.String("outcome", outcome)))
	return err
}

// GetState returns the current state; an expired open timeout reads as half-open.
func (c *CircuitBreaker) GetState() State {
	return fromGobreaker(c.cb.State())
}

// IsClosed returns true if the circuit is closed
func (c *CircuitBreaker) IsClosed() bool {
	return c.GetState() == StateClosed
}

// Counts returns the counts of the current generation
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

// Manager creates breakers on demand, one per name, all from one template.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	template Config
	logger   *zap.Logger
}

// NewManager creates a manager whose breakers copy template with their own name.
func NewManager(template Config, logger *zap.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		template: template,
		logger:   logger,
	}
}

// GetOrCreate returns the breaker called name, creating it closed. The
// observer hears about a new breaker once so gauges start at zero.
func (m *Manager) GetOrCreate(name string) (*CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}
	cfg := m.template
	cfg.Name = name
	cb, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	if cfg.OnStateChange != nil {
		cfg.OnStateChange(name, StateClosed)
	}
	m.breakers[name] = cb
	return cb, nil
}

// HealthStatus describes one breaker
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// GetHealthStatus lists every breaker, sorted by name.
func (m *Manager) GetHealthStatus() []HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]HealthStatus, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts, state := cb.Counts(), cb.GetState()
		out = append(out, HealthStatus{
			Name:     name,
			State:    state,
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
			Healthy:  state == StateClosed,
		})
	}
	slices.SortFunc(out, func(a, b HealthStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}
