package models

import "time"

// Customer represents a counterparty that buys on credit. The aggregate
// fields (TotalPurchases, TotalSpent, LastPurchaseDate) are derived by
// folding over the customer's purchases and are never caller-writable.
type Customer struct {
	ID               string     `db:"id" json:"id"`
	Name             string     `db:"name" json:"name"`
	Phone            string     `db:"phone" json:"phone,omitempty"`
	Address          string     `db:"address" json:"address,omitempty"`
	CreatedBy        string     `db:"created_by" json:"created_by"`
	IsActive         bool       `db:"is_active" json:"is_active"`
	TotalPurchases   int        `db:"total_purchases" json:"total_purchases"`
	TotalSpent       int64      `db:"total_spent" json:"total_spent"`
	LastPurchaseDate *time.Time `db:"last_purchase_date" json:"last_purchase_date,omitempty"`
	Version          int64      `db:"version" json:"-"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// Purchase represents one credit-sale transaction against a customer.
// RemainingAmount is stored unclamped: an overpaid purchase keeps a negative
// remainder for audit purposes, while status derivation treats <= 0 as completed.
type Purchase struct {
	ID              string         `db:"id" json:"id"`
	CustomerID      string         `db:"customer_id" json:"customer_id"`
	Items           []PurchaseItem `db:"-" json:"items"`
	TotalAmount     int64          `db:"total_amount" json:"total_amount"`
	PaidAmount      int64          `db:"paid_amount" json:"paid_amount"`
	RemainingAmount int64          `db:"remaining_amount" json:"remaining_amount"`
	PaymentStatus   PaymentStatus  `db:"payment_status" json:"payment_status"`
	PaymentMethod   string         `db:"payment_method" json:"payment_method,omitempty"`
	DueDate         *time.Time     `db:"due_date" json:"due_date,omitempty"`
	PurchaseDate    time.Time      `db:"purchase_date" json:"purchase_date"`
	CreatedBy       string         `db:"created_by" json:"created_by"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// PurchaseItem is one line of an itemized purchase. TotalPrice is always
// recomputed from Quantity and UnitPrice, never trusted from input.
type PurchaseItem struct {
	ID          string `db:"id" json:"id"`
	PurchaseID  string `db:"purchase_id" json:"-"`
	ProductName string `db:"product_name" json:"product_name"`
	Quantity    int    `db:"quantity" json:"quantity"`
	UnitPrice   int64  `db:"unit_price" json:"unit_price"`
	TotalPrice  int64  `db:"total_price" json:"total_price"`
}

// PaymentStatus classifies a purchase's payment state.
type PaymentStatus string

// Payment statuses. "cancelled" is caller-set and sticky; the other three
// are derived from remaining amount and due date.
const (
	StatusPending   PaymentStatus = "pending"
	StatusCompleted PaymentStatus = "completed"
	StatusOverdue   PaymentStatus = "overdue"
	StatusCancelled PaymentStatus = "cancelled"
)

// CustomerAggregates is the result of folding over a customer's purchases.
type CustomerAggregates struct {
	TotalPurchases   int        `json:"total_purchases"`
	TotalSpent       int64      `json:"total_spent"`
	LastPurchaseDate *time.Time `json:"last_purchase_date,omitempty"`
}
