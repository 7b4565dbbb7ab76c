package notifier

import (
	"fmt"
	"testing"
	"time"

	"credit-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(shopID, op string) models.ChangeEvent {
	return models.ChangeEvent{
		EntityKind: models.EntityPurchase,
		Operation:  op,
		ShopID:     shopID,
		Timestamp:  time.Now(),
	}
}

func collect(t *testing.T, ch <-chan models.ChangeEvent, n int) []models.ChangeEvent {
	t.Helper()
	out := make([]models.ChangeEvent, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "channel closed early")
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %d of %d", len(out), n)
		}
	}
	return out
}

func TestPublishDeliversInOrder(t *testing.T) {
	hub := NewHub(64)
	defer hub.Close()

	ch, cancel := hub.Subscribe("shop-1", 64)
	defer cancel()

	for i := 0; i < 20; i++ {
		ev := event("shop-1", models.OpCreated)
		ev.EventID = fmt.Sprintf("ev-%02d", i)
		hub.Publish("shop-1", ev)
	}

	got := collect(t, ch, 20)
	for i, ev := range got {
		assert.Equal(t, fmt.Sprintf("ev-%02d", i), ev.EventID)
	}
}

func TestShopsAreIsolated(t *testing.T) {
	hub := NewHub(64)
	defer hub.Close()

	ch1, cancel1 := hub.Subscribe("shop-1", 8)
	defer cancel1()
	ch2, cancel2 := hub.Subscribe("shop-2", 8)
	defer cancel2()

	hub.Publish("shop-1", event("shop-1", models.OpCreated))
	hub.Publish("shop-2", event("shop-2", models.OpDeleted))

	got1 := collect(t, ch1, 1)
	got2 := collect(t, ch2, 1)
	assert.Equal(t, "shop-1", got1[0].ShopID)
	assert.Equal(t, models.OpDeleted, got2[0].Operation)

	select {
	case ev := <-ch1:
		t.Fatalf("shop-1 subscriber received foreign event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNoSubscriberMeansNoReplay(t *testing.T) {
	hub := NewHub(64)
	defer hub.Close()

	hub.Publish("shop-1", event("shop-1", models.OpCreated))

	// Give the drain goroutine time to discard the event.
	time.Sleep(50 * time.Millisecond)

	ch, cancel := hub.Subscribe("shop-1", 8)
	defer cancel()

	select {
	case ev := <-ch:
		t.Fatalf("late subscriber must not receive earlier event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	hub := NewHub(4)
	defer hub.Close()

	// Full subscriber buffer and full queue: publishes must still return.
	_, cancel := hub.Subscribe("shop-1", 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish("shop-1", event("shop-1", models.OpUpdated))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewHub(8)
	defer hub.Close()

	ch, cancel := hub.Subscribe("shop-1", 8)
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// Cancelling twice is harmless.
	cancel()
}

func TestCloseStopsDelivery(t *testing.T) {
	hub := NewHub(8)

	ch, cancel := hub.Subscribe("shop-1", 8)
	defer cancel()

	hub.Close()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed, not delivering")
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed on hub close")
	}

	// Publishing after close is a no-op.
	hub.Publish("shop-1", event("shop-1", models.OpCreated))
}
