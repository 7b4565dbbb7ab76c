package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"credit-service/internal/models"
	"credit-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher mirrors change events onto Kafka so that subscribers on
// other service instances can see them. Publishing is fire-and-forget: a
// broker failure is logged and never surfaced to the mutation that
// triggered the event.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
}

// NewEventPublisher creates a new event publisher. producer may be nil, in
// which case publishing is a no-op (single-instance deployments).
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{
		producer: producer,
		logger:   util.GetLogger(),
	}
}

// PublishChange sends the event keyed by its shop id, preserving per-shop
// ordering through partition assignment. Never blocks the caller's success
// path: the write happens on a separate goroutine.
func (ep *EventPublisher) PublishChange(event models.ChangeEvent) {
	if ep.producer == nil {
		return
	}

	go func() {
		ctx := context.Background()
		if err := ep.producer.PublishEvent(ctx, event.ShopID, event); err != nil {
			util.EventsDroppedTotal.WithLabelValues("kafka_error").Inc()
			ep.logger.Error("Failed to publish change event to kafka",
				zap.String("shop_id", event.ShopID),
				zap.String("entity_kind", event.EntityKind),
				zap.String("operation", event.Operation),
				zap.Error(err))
		}
	}()
}

// DecodeChange parses a change event from a Kafka message.
func DecodeChange(msg kafka.Message) (models.ChangeEvent, error) {
	var event models.ChangeEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return models.ChangeEvent{}, fmt.Errorf("failed to unmarshal change event: %w", err)
	}
	return event, nil
}
