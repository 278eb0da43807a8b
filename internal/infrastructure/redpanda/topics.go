package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names used by the e-prescribing services
const (
	TopicPrescriptionEvents = "prescription.events"
	TopicDeadLetter         = "dead.letter"
)

// TopicSpec describes a topic the services expect to exist
type TopicSpec struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Retention         time.Duration
	Compression       string
}

func (s TopicSpec) configs() map[string]*string {
	retention := strconv.FormatInt(s.Retention.Milliseconds(), 10)
	policy := "delete"
	cfg := map[string]*string{
		"retention.ms":   &retention,
		"cleanup.policy": &policy,
	}
	if s.Compression != "" {
		compression := s.Compression
		cfg["compression.type"] = &compression
	}
	return cfg
}

// Topics returns the topics the relay and the audit consumer need. Events are
// partitioned by prescription id, so one prescription's events stay ordered.
func Topics(replication int16) []TopicSpec {
	if replication < 1 {
		replication = 1
	}
	return []TopicSpec{
		{
			Name:              TopicPrescriptionEvents,
			Partitions:        12,
			ReplicationFactor: replication,
			Retention:         7 * 24 * time.Hour,
			Compression:       "lz4",
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        3,
			ReplicationFactor: replication,
			Retention:         30 * 24 * time.Hour,
			Compression:       "lz4",
		},
	}
}

// Admin wraps the kadm client for topic and consumer group administration
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// EnsureTopics creates the missing topics of specs. Existing topics are left
// as they are; fewer partitions than requested is only logged, since adding
// partitions moves keys between them.
func (a *Admin) EnsureTopics(ctx context.Context, specs ...TopicSpec) error {
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	existing, err := a.client.ListTopics(ctx, names...)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	var errs []error
	for _, s := range specs {
		if detail, ok := existing[s.Name]; ok && detail.Err == nil {
			if n := int32(len(detail.Partitions)); n < s.Partitions {
				a.logger.Warn("topic has fewer partitions than expected",
					zap.String("topic", s.Name),
					zap.Int32("partitions", n),
					zap.Int32("expected", s.Partitions))
			}
			continue
		}

		resp, err := a.client.CreateTopic(ctx, s.Partitions, s.ReplicationFactor, s.configs(), s.Name)
		if err == nil {
			err = resp.Err
		}
		switch {
		case errors.Is(err, kerr.TopicAlreadyExists):
			// created concurrently by another instance
		case err != nil:
			errs = append(errs, fmt.Errorf("create topic %s: %w", s.Name, err))
		default:
			a.logger.Info("topic created",
				zap.String("topic", s.Name),
				zap.Int32("partitions", s.Partitions),
				zap.Int16("replication", s.ReplicationFactor))
		}
	}
	return errors.Join(errs...)
}

// GroupLag returns the total lag of a consumer group per topic
func (a *Admin) GroupLag(ctx context.Context, groupID string) (map[string]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group lag: %w", err)
	}

	result := make(map[string]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for _, lag := range partitions {
				result[topic] += lag.Lag
			}
		}
	})
	return result, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}
