package store

import (
	"context"
	"time"

	"credit-service/internal/models"
)

// PurchaseFilter narrows purchase listings. Zero values mean "no filter".
type PurchaseFilter struct {
	CustomerID string
	Status     models.PaymentStatus
	From       *time.Time
	To         *time.Time
}

// Repository is the persistence boundary for customers and purchases. Every
// read and write is scoped by shop id (created_by); implementations must
// return models.ErrNotFound for ids that do not exist in the given shop,
// including records that exist but belong to another shop.
type Repository interface {
	CreateCustomer(ctx context.Context, c *models.Customer) error
	GetCustomer(ctx context.Context, id, shopID string) (*models.Customer, error)
	ListCustomers(ctx context.Context, shopID string) ([]models.Customer, error)
	UpdateCustomer(ctx context.Context, c *models.Customer) error

	// UpdateCustomerAggregates writes the folded aggregates guarded by an
	// optimistic version check and returns models.ErrConflict on a lost update.
	UpdateCustomerAggregates(ctx context.Context, id, shopID string, agg models.CustomerAggregates, expectedVersion int64) error

	DeactivateCustomer(ctx context.Context, id, shopID string) error
	DeleteCustomer(ctx context.Context, id, shopID string) error

	CreatePurchase(ctx context.Context, p *models.Purchase) error
	GetPurchase(ctx context.Context, id, shopID string) (*models.Purchase, error)
	UpdatePurchase(ctx context.Context, p *models.Purchase) error
	DeletePurchase(ctx context.Context, id, shopID string) error
	ListPurchases(ctx context.Context, shopID string, f PurchaseFilter) ([]models.Purchase, error)
	ListPurchasesByCustomer(ctx context.Context, customerID, shopID string) ([]models.Purchase, error)

	// ListOverdueCandidates returns, across all shops, purchases with a due
	// date set and money still owed. Input for the overdue sweep.
	ListOverdueCandidates(ctx context.Context) ([]models.Purchase, error)

	Close() error
}
