package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"credit-service/internal/broker"
	"credit-service/internal/derive"
	"credit-service/internal/models"
	"credit-service/internal/notifier"
	"credit-service/internal/store"
	"credit-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const reconcileRetries = 3

// CustomerService owns customer records and their derived aggregates. All
// aggregate writes go through Reconcile, which folds over the customer's
// live purchase set under a per-customer lock: mutations touching the same
// customer serialize, mutations touching different customers do not.
type CustomerService struct {
	repo      store.Repository
	hub       *notifier.Hub
	publisher *broker.EventPublisher
	logger    *zap.Logger
	now       func() time.Time

	// One mutex per customer id, retained for the process lifetime.
	locks sync.Map
}

// NewCustomerService creates a new customer service.
func NewCustomerService(repo store.Repository, hub *notifier.Hub, publisher *broker.EventPublisher) *CustomerService {
	return &CustomerService{
		repo:      repo,
		hub:       hub,
		publisher: publisher,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (s *CustomerService) SetClock(now func() time.Time) {
	s.now = now
}

// CreateCustomerRequest carries the caller-writable customer fields.
type CreateCustomerRequest struct {
	Name    string `json:"name" binding:"required"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// UpdateCustomerRequest updates contact fields; nil means "leave unchanged".
type UpdateCustomerRequest struct {
	Name    *string `json:"name,omitempty"`
	Phone   *string `json:"phone,omitempty"`
	Address *string `json:"address,omitempty"`
}

// CreateCustomer creates a customer in the caller's shop.
func (s *CustomerService) CreateCustomer(ctx context.Context, shopID string, req *CreateCustomerRequest) (*models.Customer, error) {
	ctx, span := util.StartSpan(ctx, "CustomerService.CreateCustomer")
	defer span.End()

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, &models.ValidationError{Field: "name", Reason: "must not be empty"}
	}

	customer := &models.Customer{
		ID:        uuid.New().String(),
		Name:      name,
		Phone:     strings.TrimSpace(req.Phone),
		Address:   strings.TrimSpace(req.Address),
		CreatedBy: shopID,
		IsActive:  true,
	}

	if err := s.repo.CreateCustomer(ctx, customer); err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}

	s.logger.Info("Customer created",
		zap.String("customer_id", customer.ID),
		zap.String("shop_id", shopID))

	s.emit(models.EntityCustomer, models.OpCreated, shopID, customer)
	return customer, nil
}

// GetCustomer retrieves a customer within the caller's shop.
func (s *CustomerService) GetCustomer(ctx context.Context, id, shopID string) (*models.Customer, error) {
	return s.repo.GetCustomer(ctx, id, shopID)
}

// ListCustomers retrieves all customers of the caller's shop.
func (s *CustomerService) ListCustomers(ctx context.Context, shopID string) ([]models.Customer, error) {
	return s.repo.ListCustomers(ctx, shopID)
}

// UpdateCustomer updates contact fields. Aggregates are not caller-writable.
func (s *CustomerService) UpdateCustomer(ctx context.Context, id, shopID string, req *UpdateCustomerRequest) (*models.Customer, error) {
	ctx, span := util.StartSpan(ctx, "CustomerService.UpdateCustomer")
	defer span.End()

	customer, err := s.repo.GetCustomer(ctx, id, shopID)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, &models.ValidationError{Field: "name", Reason: "must not be empty"}
		}
		customer.Name = name
	}
	if req.Phone != nil {
		customer.Phone = strings.TrimSpace(*req.Phone)
	}
	if req.Address != nil {
		customer.Address = strings.TrimSpace(*req.Address)
	}

	if err := s.repo.UpdateCustomer(ctx, customer); err != nil {
		return nil, fmt.Errorf("failed to update customer: %w", err)
	}

	customer, err = s.repo.GetCustomer(ctx, id, shopID)
	if err != nil {
		return nil, err
	}

	s.emit(models.EntityCustomer, models.OpUpdated, shopID, customer)
	return customer, nil
}

// DeleteCustomer removes a customer. A customer with purchase history is
// soft-deleted (is_active=false) so the history stays intact; only a
// customer with zero purchases is hard-deleted. Returns true when the
// customer was deactivated rather than deleted.
func (s *CustomerService) DeleteCustomer(ctx context.Context, id, shopID string) (deactivated bool, err error) {
	ctx, span := util.StartSpan(ctx, "CustomerService.DeleteCustomer")
	defer span.End()

	unlock := s.lockCustomer(id)
	defer unlock()

	if _, err := s.repo.GetCustomer(ctx, id, shopID); err != nil {
		return false, err
	}

	purchases, err := s.repo.ListPurchasesByCustomer(ctx, id, shopID)
	if err != nil {
		return false, fmt.Errorf("failed to list customer purchases: %w", err)
	}

	if len(purchases) > 0 {
		if err := s.repo.DeactivateCustomer(ctx, id, shopID); err != nil {
			return false, fmt.Errorf("failed to deactivate customer: %w", err)
		}
		s.logger.Info("Customer deactivated, purchase history preserved",
			zap.String("customer_id", id),
			zap.Int("purchases", len(purchases)))
		s.emit(models.EntityCustomer, models.OpDeactivated, shopID, map[string]string{"id": id})
		return true, nil
	}

	if err := s.repo.DeleteCustomer(ctx, id, shopID); err != nil {
		return false, fmt.Errorf("failed to delete customer: %w", err)
	}
	s.emit(models.EntityCustomer, models.OpDeleted, shopID, map[string]string{"id": id})
	return false, nil
}

// Reconcile recomputes a customer's aggregates by folding over its current
// purchase set and persists the result. Safe to call at any time.
func (s *CustomerService) Reconcile(ctx context.Context, customerID, shopID string) (*models.Customer, error) {
	unlock := s.lockCustomer(customerID)
	defer unlock()

	return s.reconcileLocked(ctx, customerID, shopID)
}

// reconcileLocked is Reconcile without taking the customer lock; callers
// must already hold it.
func (s *CustomerService) reconcileLocked(ctx context.Context, customerID, shopID string) (*models.Customer, error) {
	ctx, span := util.StartSpan(ctx, "CustomerService.Reconcile")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReconcileLatency.Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 0; attempt < reconcileRetries; attempt++ {
		customer, err := s.repo.GetCustomer(ctx, customerID, shopID)
		if err != nil {
			util.ReconciliationsTotal.WithLabelValues("error").Inc()
			return nil, err
		}

		purchases, err := s.repo.ListPurchasesByCustomer(ctx, customerID, shopID)
		if err != nil {
			util.ReconciliationsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("failed to load purchases for fold: %w", err)
		}

		agg := derive.CustomerAggregates(purchases)
		changed := customer.TotalPurchases != agg.TotalPurchases ||
			customer.TotalSpent != agg.TotalSpent ||
			!equalDates(customer.LastPurchaseDate, agg.LastPurchaseDate)

		err = s.repo.UpdateCustomerAggregates(ctx, customerID, shopID, agg, customer.Version)
		if errors.Is(err, models.ErrConflict) {
			// Another instance won the write; re-fold against fresh ground truth.
			lastErr = err
			util.ReconciliationsTotal.WithLabelValues("conflict").Inc()
			continue
		}
		if err != nil {
			util.ReconciliationsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("failed to write aggregates: %w", err)
		}

		util.ReconciliationsTotal.WithLabelValues("ok").Inc()

		updated, err := s.repo.GetCustomer(ctx, customerID, shopID)
		if err != nil {
			return nil, err
		}
		if changed {
			s.emit(models.EntityCustomer, models.OpUpdated, shopID, updated)
		}
		return updated, nil
	}

	return nil, fmt.Errorf("reconcile lost update race %d times: %w", reconcileRetries, lastErr)
}

// lockCustomer serializes work on one customer and returns the unlock func.
func (s *CustomerService) lockCustomer(customerID string) func() {
	v, _ := s.locks.LoadOrStore(customerID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *CustomerService) emit(kind, op, shopID string, payload interface{}) {
	event := models.ChangeEvent{
		EventID:    uuid.New().String(),
		EntityKind: kind,
		Operation:  op,
		ShopID:     shopID,
		Payload:    payload,
		Timestamp:  s.now(),
	}
	if s.hub != nil {
		s.hub.Publish(shopID, event)
	}
	if s.publisher != nil {
		s.publisher.PublishChange(event)
	}
}

func equalDates(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
