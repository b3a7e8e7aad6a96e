package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/craftmarket/api/internal/services"
)

// PubSubOrderEventPublisher publishes order lifecycle events to a Pub/Sub
// topic for downstream consumers (invoices, email, analytics).
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent enqueues an order event message on the configured topic.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order event publisher: not initialised")
	}
	if strings.TrimSpace(event.Type) == "" {
		return errors.New("pubsub order event publisher: event type is required")
	}

	data, err := p.marshal(orderEventMessage{
		Type:        event.Type,
		OrderID:     event.OrderID,
		OrderNumber: event.OrderNumber,
		UserID:      event.UserID,
		Status:      event.Status,
		OccurredAt:  event.OccurredAt,
		Metadata:    event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "orderNumber", event.OrderNumber)
	setAttr(attrs, "status", event.Status)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

type orderEventMessage struct {
	Type        string         `json:"type"`
	OrderID     string         `json:"orderId"`
	OrderNumber string         `json:"orderNumber,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	Status      string         `json:"status,omitempty"`
	OccurredAt  time.Time      `json:"occurredAt"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
