package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"credit-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store is the Postgres-backed repository.
type Store struct {
	db *sqlx.DB
}

// NewStore connects to Postgres and configures the pool.
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// CreateCustomer inserts a new customer row.
func (s *Store) CreateCustomer(ctx context.Context, c *models.Customer) error {
	query := `
		INSERT INTO customers (id, name, phone, address, created_by, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING is_active, total_purchases, total_spent, version, created_at, updated_at`

	return s.db.GetContext(ctx, c, query, c.ID, c.Name, c.Phone, c.Address, c.CreatedBy)
}

// GetCustomer retrieves a customer by id within a shop.
func (s *Store) GetCustomer(ctx context.Context, id, shopID string) (*models.Customer, error) {
	var c models.Customer
	err := s.db.GetContext(ctx, &c,
		"SELECT * FROM customers WHERE id = $1 AND created_by = $2", id, shopID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCustomers retrieves all customers of a shop.
func (s *Store) ListCustomers(ctx context.Context, shopID string) ([]models.Customer, error) {
	var customers []models.Customer
	err := s.db.SelectContext(ctx, &customers,
		"SELECT * FROM customers WHERE created_by = $1 ORDER BY created_at DESC", shopID)
	return customers, err
}

// UpdateCustomer updates the caller-writable contact fields.
func (s *Store) UpdateCustomer(ctx context.Context, c *models.Customer) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE customers SET name = $1, phone = $2, address = $3, updated_at = NOW()
		 WHERE id = $4 AND created_by = $5`,
		c.Name, c.Phone, c.Address, c.ID, c.CreatedBy)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// UpdateCustomerAggregates writes folded aggregates guarded by the version
// column. A row that moved on since the fold was taken yields ErrConflict.
func (s *Store) UpdateCustomerAggregates(ctx context.Context, id, shopID string, agg models.CustomerAggregates, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE customers
		 SET total_purchases = $1, total_spent = $2, last_purchase_date = $3,
		     version = version + 1, updated_at = NOW()
		 WHERE id = $4 AND created_by = $5 AND version = $6`,
		agg.TotalPurchases, agg.TotalSpent, agg.LastPurchaseDate, id, shopID, expectedVersion)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		err := s.db.GetContext(ctx, &exists,
			"SELECT EXISTS(SELECT 1 FROM customers WHERE id = $1 AND created_by = $2)", id, shopID)
		if err != nil {
			return err
		}
		if !exists {
			return models.ErrNotFound
		}
		return models.ErrConflict
	}
	return nil
}

// DeactivateCustomer soft-deletes a customer, preserving its history.
func (s *Store) DeactivateCustomer(ctx context.Context, id, shopID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE customers SET is_active = FALSE, updated_at = NOW() WHERE id = $1 AND created_by = $2",
		id, shopID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// DeleteCustomer removes a customer row. Callers must ensure the customer
// has no purchases; the service enforces this before calling.
func (s *Store) DeleteCustomer(ctx context.Context, id, shopID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM customers WHERE id = $1 AND created_by = $2", id, shopID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}
