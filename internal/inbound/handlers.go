package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

// EventSink accepts events for fan-out; *dispatch.Dispatcher implements it.
type EventSink interface {
	DispatchEvent(ctx context.Context, ev delivery.Event)
}

// PingHandler answers "ping" so installs can check their credentials.
func PingHandler(_ context.Context, cmd Command) (any, error) {
	return map[string]string{"message": "pong", "install_id": cmd.Install.ID}, nil
}

type publishEventBody struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

// PublishEventHandler raises an event on behalf of the install's tenant.
func PublishEventHandler(sink EventSink) Handler {
	return func(ctx context.Context, cmd Command) (any, error) {
		var body publishEventBody
		if err := json.Unmarshal(cmd.Body, &body); err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		if strings.TrimSpace(body.EventType) == "" {
			return nil, fmt.Errorf("event_type is required")
		}
		ev := delivery.NewEvent(cmd.Install.TenantID, body.EventType, body.Payload)
		sink.DispatchEvent(ctx, ev)
		return map[string]string{"event_id": ev.ID}, nil
	}
}

// RegisterDefaults installs the built-in commands.
func RegisterDefaults(s *Service, sink EventSink) error {
	if err := s.Register("ping", PingHandler); err != nil {
		return err
	}
	return s.Register("events.publish", PublishEventHandler(sink))
}
