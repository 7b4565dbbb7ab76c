// Package memory implements the repository in process memory. It backs the
// service tests and the no-Postgres dev mode; behavior mirrors the Postgres
// implementation, including shop scoping and the optimistic version check.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"credit-service/internal/models"
	"credit-service/internal/store"
)

type Store struct {
	mu        sync.RWMutex
	customers map[string]models.Customer
	purchases map[string]models.Purchase
}

func New() *Store {
	return &Store{
		customers: map[string]models.Customer{},
		purchases: map[string]models.Purchase{},
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateCustomer(_ context.Context, c *models.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	c.IsActive = true
	c.CreatedAt = now
	c.UpdatedAt = now
	s.customers[c.ID] = cloneCustomer(*c)
	return nil
}

func (s *Store) GetCustomer(_ context.Context, id, shopID string) (*models.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok || c.CreatedBy != shopID {
		return nil, models.ErrNotFound
	}
	out := cloneCustomer(c)
	return &out, nil
}

func (s *Store) ListCustomers(_ context.Context, shopID string) ([]models.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Customer
	for _, c := range s.customers {
		if c.CreatedBy == shopID {
			out = append(out, cloneCustomer(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateCustomer(_ context.Context, c *models.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.customers[c.ID]
	if !ok || existing.CreatedBy != c.CreatedBy {
		return models.ErrNotFound
	}
	existing.Name = c.Name
	existing.Phone = c.Phone
	existing.Address = c.Address
	existing.UpdatedAt = time.Now().UTC()
	s.customers[c.ID] = existing
	return nil
}

func (s *Store) UpdateCustomerAggregates(_ context.Context, id, shopID string, agg models.CustomerAggregates, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.customers[id]
	if !ok || existing.CreatedBy != shopID {
		return models.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return models.ErrConflict
	}
	existing.TotalPurchases = agg.TotalPurchases
	existing.TotalSpent = agg.TotalSpent
	if agg.LastPurchaseDate != nil {
		d := *agg.LastPurchaseDate
		existing.LastPurchaseDate = &d
	} else {
		existing.LastPurchaseDate = nil
	}
	existing.Version++
	existing.UpdatedAt = time.Now().UTC()
	s.customers[id] = existing
	return nil
}

func (s *Store) DeactivateCustomer(_ context.Context, id, shopID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.customers[id]
	if !ok || existing.CreatedBy != shopID {
		return models.ErrNotFound
	}
	existing.IsActive = false
	existing.UpdatedAt = time.Now().UTC()
	s.customers[id] = existing
	return nil
}

func (s *Store) DeleteCustomer(_ context.Context, id, shopID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.customers[id]
	if !ok || existing.CreatedBy != shopID {
		return models.ErrNotFound
	}
	delete(s.customers, id)
	return nil
}

func (s *Store) CreatePurchase(_ context.Context, p *models.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.purchases[p.ID] = clonePurchase(*p)
	return nil
}

func (s *Store) GetPurchase(_ context.Context, id, shopID string) (*models.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.purchases[id]
	if !ok || p.CreatedBy != shopID {
		return nil, models.ErrNotFound
	}
	out := clonePurchase(p)
	return &out, nil
}

func (s *Store) UpdatePurchase(_ context.Context, p *models.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.purchases[p.ID]
	if !ok || existing.CreatedBy != p.CreatedBy {
		return models.ErrNotFound
	}
	updated := clonePurchase(*p)
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.purchases[p.ID] = updated
	return nil
}

func (s *Store) DeletePurchase(_ context.Context, id, shopID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.purchases[id]
	if !ok || existing.CreatedBy != shopID {
		return models.ErrNotFound
	}
	delete(s.purchases, id)
	return nil
}

func (s *Store) ListPurchases(_ context.Context, shopID string, f store.PurchaseFilter) ([]models.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Purchase
	for _, p := range s.purchases {
		if p.CreatedBy != shopID {
			continue
		}
		if f.CustomerID != "" && p.CustomerID != f.CustomerID {
			continue
		}
		if f.Status != "" && p.PaymentStatus != f.Status {
			continue
		}
		if f.From != nil && p.PurchaseDate.Before(*f.From) {
			continue
		}
		if f.To != nil && p.PurchaseDate.After(*f.To) {
			continue
		}
		out = append(out, clonePurchase(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PurchaseDate.After(out[j].PurchaseDate) })
	return out, nil
}

func (s *Store) ListPurchasesByCustomer(ctx context.Context, customerID, shopID string) ([]models.Purchase, error) {
	return s.ListPurchases(ctx, shopID, store.PurchaseFilter{CustomerID: customerID})
}

func (s *Store) ListOverdueCandidates(_ context.Context) ([]models.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Purchase
	for _, p := range s.purchases {
		if p.DueDate != nil && p.RemainingAmount > 0 && p.PaymentStatus != models.StatusCancelled {
			out = append(out, clonePurchase(p))
		}
	}
	return out, nil
}

func cloneCustomer(c models.Customer) models.Customer {
	if c.LastPurchaseDate != nil {
		d := *c.LastPurchaseDate
		c.LastPurchaseDate = &d
	}
	return c
}

func clonePurchase(p models.Purchase) models.Purchase {
	if p.DueDate != nil {
		d := *p.DueDate
		p.DueDate = &d
	}
	items := make([]models.PurchaseItem, len(p.Items))
	copy(items, p.Items)
	p.Items = items
	return p
}
