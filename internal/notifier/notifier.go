// Package notifier fans out change events to in-process subscribers grouped
// by shop. Publish never blocks the mutation path: each shop has a bounded
// queue drained by a single goroutine, which preserves publish order within
// the shop. Delivery is at-most-once; events sent while a subscriber's
// buffer is full, or while nobody is subscribed, are dropped.
package notifier

import (
	"sync"

	"credit-service/internal/models"
	"credit-service/internal/util"

	"go.uber.org/zap"
)

const defaultQueueSize = 256

// Hub routes change events to subscribers of each shop channel.
type Hub struct {
	mu        sync.RWMutex
	shops     map[string]*shopChannel
	queueSize int
	closed    bool
	logger    *zap.Logger
}

type shopChannel struct {
	queue chan models.ChangeEvent
	done  chan struct{}

	mu     sync.RWMutex
	subs   map[int]chan models.ChangeEvent
	nextID int
}

// NewHub creates a hub. queueSize bounds each shop's outbound queue;
// zero or negative means the default.
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Hub{
		shops:     map[string]*shopChannel{},
		queueSize: queueSize,
		logger:    util.GetLogger(),
	}
}

// Publish enqueues an event for the shop's subscribers and returns
// immediately. A full queue drops the event; publish failures never
// propagate to the caller.
func (h *Hub) Publish(shopID string, event models.ChangeEvent) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	sc := h.shops[shopID]
	h.mu.RUnlock()

	if sc == nil {
		sc = h.shop(shopID)
		if sc == nil {
			return
		}
	}

	select {
	case sc.queue <- event:
		util.EventsPublishedTotal.WithLabelValues(event.EntityKind, event.Operation).Inc()
	default:
		util.EventsDroppedTotal.WithLabelValues("queue_full").Inc()
		h.logger.Warn("Dropping change event, shop queue full",
			zap.String("shop_id", shopID),
			zap.String("entity_kind", event.EntityKind),
			zap.String("operation", event.Operation))
	}
}

// Subscribe registers a subscriber for one shop's events. The returned
// cancel function must be called when the subscriber disconnects; after
// cancel the channel is closed.
func (h *Hub) Subscribe(shopID string, buffer int) (<-chan models.ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	sc := h.shop(shopID)
	if sc == nil {
		ch := make(chan models.ChangeEvent)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan models.ChangeEvent, buffer)

	sc.mu.Lock()
	id := sc.nextID
	sc.nextID++
	sc.subs[id] = ch
	sc.mu.Unlock()

	cancel := func() {
		sc.mu.Lock()
		if existing, ok := sc.subs[id]; ok {
			delete(sc.subs, id)
			close(existing)
		}
		sc.mu.Unlock()
	}
	return ch, cancel
}

// Close shuts down all shop channels. Pending events are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	shops := h.shops
	h.shops = map[string]*shopChannel{}
	h.mu.Unlock()

	for _, sc := range shops {
		close(sc.done)
	}
}

// shop returns the channel for shopID, creating it and starting its drain
// goroutine on first use. Returns nil after Close.
func (h *Hub) shop(shopID string) *shopChannel {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	if sc, ok := h.shops[shopID]; ok {
		return sc
	}

	sc := &shopChannel{
		queue: make(chan models.ChangeEvent, h.queueSize),
		done:  make(chan struct{}),
		subs:  map[int]chan models.ChangeEvent{},
	}
	h.shops[shopID] = sc
	go sc.run()
	return sc
}

// run delivers queued events to subscribers in publish order. A single
// goroutine per shop is what guarantees in-order delivery.
func (sc *shopChannel) run() {
	for {
		select {
		case <-sc.done:
			sc.mu.Lock()
			for id, ch := range sc.subs {
				delete(sc.subs, id)
				close(ch)
			}
			sc.mu.Unlock()
			return
		case event := <-sc.queue:
			sc.mu.RLock()
			for _, ch := range sc.subs {
				select {
				case ch <- event:
				default:
					util.EventsDroppedTotal.WithLabelValues("subscriber_slow").Inc()
				}
			}
			sc.mu.RUnlock()
		}
	}
}
