package worker

import (
	"context"
	"log"
	"time"

	"credit-service/internal/broker"
	"credit-service/internal/notifier"
	"credit-service/internal/service"

	"github.com/segmentio/kafka-go"
)

// OverdueSweepWorker periodically re-runs the overdue classifier across all
// purchases that still owe money, so stored statuses do not stay stale for
// longer than the sweep interval even without reads.
type OverdueSweepWorker struct {
	purchases *service.PurchaseService
	interval  time.Duration
}

// NewOverdueSweepWorker creates a new sweep worker.
func NewOverdueSweepWorker(purchases *service.PurchaseService, interval time.Duration) *OverdueSweepWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &OverdueSweepWorker{
		purchases: purchases,
		interval:  interval,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (w *OverdueSweepWorker) Start(ctx context.Context) error {
	log.Printf("Starting overdue sweep worker, interval=%s", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Overdue sweep worker stopping...")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.purchases.RefreshOverdueStatus(ctx); err != nil {
				log.Printf("Overdue sweep failed: %v", err)
			}
		}
	}
}

// RelayWorker consumes change events published by other service instances
// and feeds them into the local notifier hub, so subscribers connected to
// this instance see the whole cluster's events for their shop.
type RelayWorker struct {
	consumer *broker.Consumer
	hub      *notifier.Hub
}

// NewRelayWorker creates a new relay worker.
func NewRelayWorker(consumer *broker.Consumer, hub *notifier.Hub) *RelayWorker {
	return &RelayWorker{
		consumer: consumer,
		hub:      hub,
	}
}

// Start starts the relay
func (w *RelayWorker) Start(ctx context.Context) error {
	log.Println("Starting change event relay worker...")

	return w.consumer.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		event, err := broker.DecodeChange(msg)
		if err != nil {
			log.Printf("Skipping malformed change event: %v", err)
			return nil
		}
		w.hub.Publish(event.ShopID, event)
		return nil
	})
}

// Stop stops the relay
func (w *RelayWorker) Stop() error {
	log.Println("Stopping change event relay worker...")
	return w.consumer.Close()
}
