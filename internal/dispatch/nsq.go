package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const (
	DefaultEventsTopic   = "events"
	DefaultEventsChannel = "relay"
)

// EventMessage is the NSQ wire format of a domain event.
type EventMessage struct {
	Event        delivery.Event    `json:"event"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Producer is the subset of *nsq.Producer used to publish events.
type Producer interface {
	Publish(topic string, body []byte) error
}

// NSQPublisher lets business modules in other processes raise events.
type NSQPublisher struct {
	producer Producer
	topic    string
}

func NewNSQPublisher(producer Producer, topic string) *NSQPublisher {
	if topic == "" {
		topic = DefaultEventsTopic
	}
	return &NSQPublisher{producer: producer, topic: topic}
}

func (p *NSQPublisher) Publish(ctx context.Context, ev delivery.Event) error {
	ctx, span := tracing.StartSpan(ctx, "dispatch.publish",
		attribute.String("event_id", ev.ID),
		attribute.String("event_type", ev.Type),
	)
	defer span.End()

	b, err := json.Marshal(EventMessage{Event: ev, TraceHeaders: tracing.InjectMap(ctx)})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published", attribute.String("topic", p.topic))
	return nil
}

// NSQHandler consumes the events topic and fans each event out synchronously,
// so a store failure requeues the message instead of losing it.
type NSQHandler struct {
	dispatcher *Dispatcher
	logger     *logging.Logger
}

func NewNSQHandler(d *Dispatcher, logger *logging.Logger) *NSQHandler {
	if logger == nil {
		logger = logging.New("dispatch-nsq")
	}
	return &NSQHandler{dispatcher: d, logger: logger}
}

func (h *NSQHandler) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}
	var msg EventMessage
	if err := json.Unmarshal(m.Body, &msg); err != nil {
		// terminal: don't retry bad payloads
		h.logger.Plain().WithError(err).Error("bad event payload")
		return nil
	}
	if msg.Event.TenantID == "" || msg.Event.Type == "" {
		h.logger.Plain().WithEvent(msg.Event.ID).Error("event missing tenant or type")
		return nil
	}
	if msg.Event.ID == "" {
		// a redelivered message must keep its id
		msg.Event.ID = fmt.Sprintf("nsq-%x", m.ID)
	}
	if msg.Event.PayloadVersion == 0 {
		msg.Event.PayloadVersion = 1
	}
	if msg.Event.OccurredAt.IsZero() {
		msg.Event.OccurredAt = h.dispatcher.now().UTC()
	}

	ctx := tracing.ExtractMap(context.Background(), msg.TraceHeaders)
	if _, err := h.dispatcher.FanOut(ctx, msg.Event); err != nil {
		if errors.Is(err, store.ErrEventConflict) {
			h.logger.WithContext(ctx).
				WithTenant(msg.Event.TenantID).
				WithEvent(msg.Event.ID).
				Error("event id already used by another event, dropping message")
			return nil
		}
		h.logger.WithContext(ctx).WithEvent(msg.Event.ID).WithError(err).Warn("fan-out failed, requeueing")
		return err
	}
	return nil
}

// NewConsumer wires an NSQ consumer for the events topic to h.
func NewConsumer(topic, channel string, maxInFlight int, h *NSQHandler) (*nsq.Consumer, error) {
	if topic == "" {
		topic = DefaultEventsTopic
	}
	if channel == "" {
		channel = DefaultEventsChannel
	}
	conf := nsq.NewConfig()
	if maxInFlight > 0 {
		conf.MaxInFlight = maxInFlight
	}
	consumer, err := nsq.NewConsumer(topic, channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.AddHandler(h)
	return consumer, nil
}
