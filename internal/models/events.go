package models

import "time"

// Entity kinds carried in change events
const (
	EntityPurchase = "purchase"
	EntityCustomer = "customer"
)

// Change operations
const (
	OpCreated     = "created"
	OpUpdated     = "updated"
	OpDeleted     = "deleted"
	OpDeactivated = "deactivated"
)

// ChangeEvent is broadcast to subscribers of a shop channel after a state
// change. Events are ephemeral: ordering matters only within one shop, and
// delivery is at-most-once with no replay.
type ChangeEvent struct {
	EventID    string      `json:"event_id"`
	EntityKind string      `json:"entity_kind"`
	Operation  string      `json:"operation"`
	ShopID     string      `json:"shop_id"`
	Payload    interface{} `json:"payload"`
	Timestamp  time.Time   `json:"timestamp"`
}
