package redpanda

import (
	"context"

	"github.com/drfirst/go-erx/pkg/circuitbreaker"
)

// Publisher sends one keyed message to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// GuardedPublisher trips a separate circuit breaker per topic so that a
// failing dead letter topic does not stop regular event delivery.
type GuardedPublisher struct {
	next     Publisher
	breakers *circuitbreaker.Manager
}

func NewGuardedPublisher(next Publisher, breakers *circuitbreaker.Manager) *GuardedPublisher {
	return &GuardedPublisher{next: next, breakers: breakers}
}

func (g *GuardedPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	cb, err := g.breakers.GetOrCreate("publish:" + topic)
	if err != nil {
		return err
	}
	return cb.Do(ctx, func(ctx context.Context) error {
		return g.next.Publish(ctx, topic, key, value)
	})
}
