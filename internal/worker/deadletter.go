package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

// DeadLetterPublisher receives every chain finalized ABANDONED.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error
}

// Producer is the subset of *nsq.Producer used here.
type Producer interface {
	Publish(topic string, body []byte) error
}

// NSQDeadLetters publishes dead letters to an NSQ topic.
type NSQDeadLetters struct {
	producer Producer
	topic    string
}

func NewNSQDeadLetters(producer Producer, topic string) *NSQDeadLetters {
	if topic == "" {
		topic = "deliveries_dlq"
	}
	return &NSQDeadLetters{producer: producer, topic: topic}
}

func (n *NSQDeadLetters) PublishDeadLetter(_ context.Context, dl delivery.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := n.producer.Publish(n.topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", n.topic, err)
	}
	return nil
}

// LogDeadLetters only logs, for deployments without NSQ.
type LogDeadLetters struct {
	Logger *logging.Logger
}

func (l LogDeadLetters) PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	logger := l.Logger
	if logger == nil {
		logger = logging.New("worker")
	}
	logger.WithContext(ctx).
		WithTenant(dl.TenantID).
		WithEndpoint(dl.EndpointID).
		WithEvent(dl.Event.ID).
		WithFields(map[string]any{
			"chain_id": dl.ChainID,
			"attempt":  dl.Attempt,
			"reason":   dl.Reason,
		}).
		Warn("delivery dead-lettered")
	return nil
}
