package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DeadLetter is the envelope written to TopicDeadLetter for a consumed
// message that could not be handled.
type DeadLetter struct {
	OriginalTopic string    `json:"original_topic"`
	Partition     int32     `json:"partition"`
	Offset        int64     `json:"offset"`
	Key           string    `json:"key"`
	Payload       []byte    `json:"payload"`
	Error         string    `json:"error"`
	FailedAt      time.Time `json:"failed_at"`
}

// DeadLetterHandler returns a FailureHandler that forwards the message to the
// dead letter topic under its original key.
func DeadLetterHandler(pub Publisher, now func() time.Time) FailureHandler {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, msg *ConsumedMessage, cause error) error {
		value, err := json.Marshal(DeadLetter{
			OriginalTopic: msg.Topic,
			Partition:     msg.Partition,
			Offset:        msg.Offset,
			Key:           string(msg.Key),
			Payload:       msg.Value,
			Error:         cause.Error(),
			FailedAt:      now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("encode dead letter: %w", err)
		}
		return pub.Publish(ctx, TopicDeadLetter, string(msg.Key), value)
	}
}
