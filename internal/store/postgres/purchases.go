package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"credit-service/internal/models"
	"credit-service/internal/store"

	"github.com/jmoiron/sqlx"
)

// CreatePurchase inserts a purchase and its items in one transaction.
func (s *Store) CreatePurchase(ctx context.Context, p *models.Purchase) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO purchases (id, customer_id, total_amount, paid_amount, remaining_amount,
			payment_status, payment_method, due_date, purchase_date, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`

	err = tx.GetContext(ctx, p, query,
		p.ID, p.CustomerID, p.TotalAmount, p.PaidAmount, p.RemainingAmount,
		p.PaymentStatus, p.PaymentMethod, p.DueDate, p.PurchaseDate, p.CreatedBy)
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}

	if err := insertItems(ctx, tx, p.ID, p.Items); err != nil {
		return err
	}

	return tx.Commit()
}

// GetPurchase retrieves a purchase with its items, scoped to a shop.
func (s *Store) GetPurchase(ctx context.Context, id, shopID string) (*models.Purchase, error) {
	var p models.Purchase
	err := s.db.GetContext(ctx, &p,
		"SELECT * FROM purchases WHERE id = $1 AND created_by = $2", id, shopID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := s.attachItems(ctx, []*models.Purchase{&p}); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePurchase rewrites a purchase's mutable and derived columns plus its
// item set (items are replaced wholesale, they carry no independent state).
func (s *Store) UpdatePurchase(ctx context.Context, p *models.Purchase) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE purchases
		 SET total_amount = $1, paid_amount = $2, remaining_amount = $3,
		     payment_status = $4, payment_method = $5, due_date = $6, updated_at = NOW()
		 WHERE id = $7 AND created_by = $8`,
		p.TotalAmount, p.PaidAmount, p.RemainingAmount,
		p.PaymentStatus, p.PaymentMethod, p.DueDate, p.ID, p.CreatedBy)
	if err != nil {
		return err
	}
	if err := checkAffected(res); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM purchase_items WHERE purchase_id = $1", p.ID); err != nil {
		return fmt.Errorf("failed to clear purchase items: %w", err)
	}
	if err := insertItems(ctx, tx, p.ID, p.Items); err != nil {
		return err
	}

	return tx.Commit()
}

// DeletePurchase removes a purchase and its items.
func (s *Store) DeletePurchase(ctx context.Context, id, shopID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM purchase_items WHERE purchase_id = $1", id); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		"DELETE FROM purchases WHERE id = $1 AND created_by = $2", id, shopID)
	if err != nil {
		return err
	}
	if err := checkAffected(res); err != nil {
		return err
	}

	return tx.Commit()
}

// ListPurchases retrieves a shop's purchases, newest first, under a filter.
func (s *Store) ListPurchases(ctx context.Context, shopID string, f store.PurchaseFilter) ([]models.Purchase, error) {
	query := "SELECT * FROM purchases WHERE created_by = $1"
	args := []interface{}{shopID}

	if f.CustomerID != "" {
		args = append(args, f.CustomerID)
		query += " AND customer_id = $" + strconv.Itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += " AND payment_status = $" + strconv.Itoa(len(args))
	}
	if f.From != nil {
		args = append(args, *f.From)
		query += " AND purchase_date >= $" + strconv.Itoa(len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		query += " AND purchase_date <= $" + strconv.Itoa(len(args))
	}
	query += " ORDER BY purchase_date DESC"

	var purchases []models.Purchase
	if err := s.db.SelectContext(ctx, &purchases, query, args...); err != nil {
		return nil, err
	}

	refs := make([]*models.Purchase, len(purchases))
	for i := range purchases {
		refs[i] = &purchases[i]
	}
	if err := s.attachItems(ctx, refs); err != nil {
		return nil, err
	}
	return purchases, nil
}

// ListPurchasesByCustomer retrieves every purchase of one customer.
func (s *Store) ListPurchasesByCustomer(ctx context.Context, customerID, shopID string) ([]models.Purchase, error) {
	return s.ListPurchases(ctx, shopID, store.PurchaseFilter{CustomerID: customerID})
}

// ListOverdueCandidates retrieves purchases that could flip to overdue:
// a due date is set and money is still owed. Spans all shops on purpose,
// the sweep runs process-wide.
func (s *Store) ListOverdueCandidates(ctx context.Context) ([]models.Purchase, error) {
	var purchases []models.Purchase
	err := s.db.SelectContext(ctx, &purchases,
		`SELECT * FROM purchases
		 WHERE due_date IS NOT NULL AND remaining_amount > 0 AND payment_status != $1`,
		models.StatusCancelled)
	if err != nil {
		return nil, err
	}

	refs := make([]*models.Purchase, len(purchases))
	for i := range purchases {
		refs[i] = &purchases[i]
	}
	if err := s.attachItems(ctx, refs); err != nil {
		return nil, err
	}
	return purchases, nil
}

func insertItems(ctx context.Context, tx *sqlx.Tx, purchaseID string, items []models.PurchaseItem) error {
	for i := range items {
		items[i].PurchaseID = purchaseID
		_, err := tx.ExecContext(ctx,
			`INSERT INTO purchase_items (id, purchase_id, product_name, quantity, unit_price, total_price)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			items[i].ID, purchaseID, items[i].ProductName,
			items[i].Quantity, items[i].UnitPrice, items[i].TotalPrice)
		if err != nil {
			return fmt.Errorf("failed to insert purchase item: %w", err)
		}
	}
	return nil
}

// attachItems loads items for a batch of purchases in one query.
func (s *Store) attachItems(ctx context.Context, purchases []*models.Purchase) error {
	if len(purchases) == 0 {
		return nil
	}

	ids := make([]string, len(purchases))
	byID := make(map[string]*models.Purchase, len(purchases))
	for i, p := range purchases {
		ids[i] = p.ID
		byID[p.ID] = p
		p.Items = []models.PurchaseItem{}
	}

	query, args, err := sqlx.In("SELECT * FROM purchase_items WHERE purchase_id IN (?) ORDER BY id", ids)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)

	var items []models.PurchaseItem
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return err
	}

	for _, item := range items {
		if p, ok := byID[item.PurchaseID]; ok {
			p.Items = append(p.Items, item)
		}
	}
	return nil
}
