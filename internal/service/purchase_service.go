package service

import (
	"context"
	"fmt"
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

const idempotencyTTL = 24 * time.Hour

// PurchaseService orchestrates purchase mutations: validate input, run the
// money derivation, persist, reconcile the owning customer's aggregates and
// fan out change events. The customer lock is held from the purchase write
// through the aggregate write, so mutations of one customer serialize and
// the aggregates always converge to the fold of the last mutation.
type PurchaseService struct {
	repo      store.Repository
	redis     Cache
	customers *CustomerService
	hub       *notifier.Hub
	publisher *broker.EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewPurchaseService creates a new purchase service. redis may be nil, in
// which case idempotency keys and report-cache invalidation are skipped.
func NewPurchaseService(
	repo store.Repository,
	redis Cache,
	customers *CustomerService,
	hub *notifier.Hub,
	publisher *broker.EventPublisher,
) *PurchaseService {
	return &PurchaseService{
		repo:      repo,
		redis:     redis,
		customers: customers,
		hub:       hub,
		publisher: publisher,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (s *PurchaseService) SetClock(now func() time.Time) {
	s.now = now
	s.customers.SetClock(now)
}

// PurchaseItemRequest is one line item of a purchase mutation.
type PurchaseItemRequest struct {
	ProductName string `json:"product_name" binding:"required"`
	Quantity    int    `json:"quantity" binding:"required,min=1"`
	UnitPrice   int64  `json:"unit_price" binding:"min=0"`
}

// CreatePurchaseRequest creates a purchase. Either Items or TotalAmount
// must be present; TotalAmount overrides the item sum when both are given
// (non-itemized purchases carry only TotalAmount).
type CreatePurchaseRequest struct {
	CustomerID     string                `json:"customer_id" binding:"required"`
	Items          []PurchaseItemRequest `json:"items"`
	TotalAmount    *int64                `json:"total_amount,omitempty"`
	PaidAmount     int64                 `json:"paid_amount"`
	PaymentMethod  string                `json:"payment_method"`
	DueDate        *time.Time            `json:"due_date,omitempty"`
	PurchaseDate   *time.Time            `json:"purchase_date,omitempty"`
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
}

// UpdatePurchaseRequest carries partial purchase updates; nil leaves a
// field unchanged. ClearDueDate removes the due date.
type UpdatePurchaseRequest struct {
	Items         *[]PurchaseItemRequest `json:"items,omitempty"`
	TotalAmount   *int64                 `json:"total_amount,omitempty"`
	PaidAmount    *int64                 `json:"paid_amount,omitempty"`
	PaymentMethod *string                `json:"payment_method,omitempty"`
	DueDate       *time.Time             `json:"due_date,omitempty"`
	ClearDueDate  bool                   `json:"clear_due_date,omitempty"`
}

// UpdatePaymentRequest updates the payment side of a purchase. Setting
// PaymentStatus to "cancelled" is sticky; derived statuses passed here are
// recomputed and effectively ignored.
type UpdatePaymentRequest struct {
	PaidAmount    *int64                `json:"paid_amount,omitempty"`
	PaymentStatus *models.PaymentStatus `json:"payment_status,omitempty"`
	PaymentMethod *string               `json:"payment_method,omitempty"`
}

// CreatePurchase records a new credit sale for a same-shop customer.
func (s *PurchaseService) CreatePurchase(ctx context.Context, shopID string, req *CreatePurchaseRequest) (*models.Purchase, error) {
	ctx, span := util.StartSpan(ctx, "PurchaseService.CreatePurchase")
	defer span.End()

	items, err := buildItems(req.Items)
	if err != nil {
		util.PurchasesFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}
	if len(items) == 0 && req.TotalAmount == nil {
		util.PurchasesFailedTotal.WithLabelValues("no_amount").Inc()
		return nil, &models.ValidationError{Field: "items", Reason: "either items or total_amount is required"}
	}
	if req.TotalAmount != nil && *req.TotalAmount < 0 {
		util.PurchasesFailedTotal.WithLabelValues("negative_total").Inc()
		return nil, &models.ValidationError{Field: "total_amount", Reason: "must not be negative"}
	}
	if req.PaidAmount < 0 {
		util.PurchasesFailedTotal.WithLabelValues("negative_paid").Inc()
		return nil, &models.ValidationError{Field: "paid_amount", Reason: "must not be negative"}
	}

	purchaseID := uuid.New().String()

	claimedKey := ""
	if req.IdempotencyKey != "" && s.redis != nil {
		existing, claimed, err := s.redis.ClaimIdempotencyKey(ctx, req.IdempotencyKey, purchaseID, idempotencyTTL)
		if err != nil {
			s.logger.Warn("Idempotency check unavailable, proceeding", zap.Error(err))
		} else if !claimed {
			s.logger.Info("Duplicate purchase request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("purchase_id", existing))
			return s.GetPurchase(ctx, existing, shopID)
		} else {
			claimedKey = req.IdempotencyKey
		}
	}

	persisted := false
	defer func() {
		// A key left mapped to a purchase that never got persisted would pin
		// every retry to a missing record for the key's whole TTL.
		if claimedKey != "" && !persisted {
			if err := s.redis.ReleaseIdempotencyKey(context.Background(), claimedKey); err != nil {
				s.logger.Warn("Failed to release idempotency key after failed create",
					zap.String("idempotency_key", claimedKey),
					zap.Error(err))
			}
		}
	}()

	unlock := s.customers.lockCustomer(req.CustomerID)
	defer unlock()

	if _, err := s.repo.GetCustomer(ctx, req.CustomerID, shopID); err != nil {
		util.PurchasesFailedTotal.WithLabelValues("unknown_customer").Inc()
		return nil, err
	}

	now := s.now()
	purchaseDate := now
	if req.PurchaseDate != nil {
		purchaseDate = *req.PurchaseDate
	}

	purchase := &models.Purchase{
		ID:            purchaseID,
		CustomerID:    req.CustomerID,
		Items:         items,
		PaidAmount:    req.PaidAmount,
		PaymentMethod: req.PaymentMethod,
		DueDate:       req.DueDate,
		PurchaseDate:  purchaseDate,
		CreatedBy:     shopID,
		PaymentStatus: models.StatusPending,
	}
	derive.Apply(purchase, req.TotalAmount, now)

	if err := s.repo.CreatePurchase(ctx, purchase); err != nil {
		util.PurchasesFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create purchase: %w", err)
	}
	persisted = true

	if _, err := s.customers.reconcileLocked(ctx, req.CustomerID, shopID); err != nil {
		s.logger.Error("Reconcile after create failed",
			zap.String("customer_id", req.CustomerID),
			zap.Error(err))
	}

	util.PurchasesCreatedTotal.Inc()
	s.logger.Info("Purchase created",
		zap.String("purchase_id", purchase.ID),
		zap.String("customer_id", purchase.CustomerID),
		zap.Int64("total_amount", purchase.TotalAmount))

	s.afterMutation(ctx, shopID, models.OpCreated, purchase)
	return purchase, nil
}

// GetPurchase retrieves a purchase, refreshing its status if it has gone
// stale purely through elapsed time (pending past its due date).
func (s *PurchaseService) GetPurchase(ctx context.Context, id, shopID string) (*models.Purchase, error) {
	purchase, err := s.repo.GetPurchase(ctx, id, shopID)
	if err != nil {
		return nil, err
	}
	s.refreshStatus(ctx, purchase)
	return purchase, nil
}

// ListPurchases retrieves purchases of a shop with optional filters, each
// with a read-time status refresh.
func (s *PurchaseService) ListPurchases(ctx context.Context, shopID string, f store.PurchaseFilter) ([]models.Purchase, error) {
	purchases, err := s.repo.ListPurchases(ctx, shopID, f)
	if err != nil {
		return nil, err
	}
	for i := range purchases {
		s.refreshStatus(ctx, &purchases[i])
	}
	return purchases, nil
}

// UpdatePurchase applies a partial update and re-derives all money fields.
func (s *PurchaseService) UpdatePurchase(ctx context.Context, id, shopID string, req *UpdatePurchaseRequest) (*models.Purchase, error) {
	ctx, span := util.StartSpan(ctx, "PurchaseService.UpdatePurchase")
	defer span.End()

	purchase, err := s.repo.GetPurchase(ctx, id, shopID)
	if err != nil {
		return nil, err
	}

	unlock := s.customers.lockCustomer(purchase.CustomerID)
	defer unlock()

	// Re-read under the lock so a concurrent update cannot be clobbered.
	purchase, err = s.repo.GetPurchase(ctx, id, shopID)
	if err != nil {
		return nil, err
	}

	if req.Items != nil {
		items, err := buildItems(*req.Items)
		if err != nil {
			util.PurchasesFailedTotal.WithLabelValues("invalid_items").Inc()
			return nil, err
		}
		purchase.Items = items
	}
	if req.PaidAmount != nil {
		if *req.PaidAmount < 0 {
			util.PurchasesFailedTotal.WithLabelValues("negative_paid").Inc()
			return nil, &models.ValidationError{Field: "paid_amount", Reason: "must not be negative"}
		}
		purchase.PaidAmount = *req.PaidAmount
	}
	if req.TotalAmount != nil && *req.TotalAmount < 0 {
		util.PurchasesFailedTotal.WithLabelValues("negative_total").Inc()
		return nil, &models.ValidationError{Field: "total_amount", Reason: "must not be negative"}
	}
	if req.PaymentMethod != nil {
		purchase.PaymentMethod = *req.PaymentMethod
	}
	if req.ClearDueDate {
		purchase.DueDate = nil
	} else if req.DueDate != nil {
		purchase.DueDate = req.DueDate
	}

	derive.Apply(purchase, req.TotalAmount, s.now())

	if err := s.repo.UpdatePurchase(ctx, purchase); err != nil {
		util.PurchasesFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to update purchase: %w", err)
	}

	if _, err := s.customers.reconcileLocked(ctx, purchase.CustomerID, shopID); err != nil {
		s.logger.Error("Reconcile after update failed",
			zap.String("customer_id", purchase.CustomerID),
			zap.Error(err))
	}

	util.PurchasesUpdatedTotal.Inc()
	s.afterMutation(ctx, shopID, models.OpUpdated, purchase)
	return purchase, nil
}

// UpdatePayment records a payment change against a purchase.
func (s *PurchaseService) UpdatePayment(ctx context.Context, id, shopID string, req *UpdatePaymentRequest) (*models.Purchase, error) {
	ctx, span := util.StartSpan(ctx, "PurchaseService.UpdatePayment")
	defer span.End()

	purchase, err := s.repo.GetPurchase(ctx, id, shopID)
	if err != nil {
		return nil, err
	}

	unlock := s.customers.lockCustomer(purchase.CustomerID)
	defer unlock()

	purchase, err = s.repo.GetPurchase(ctx, id, shopID)
	if err != nil {
		return nil, err
	}

	if req.PaidAmount != nil {
		if *req.PaidAmount < 0 {
			util.PurchasesFailedTotal.WithLabelValues("negative_paid").Inc()
			return nil, &models.ValidationError{Field: "paid_amount", Reason: "must not be negative"}
		}
		purchase.PaidAmount = *req.PaidAmount
	}
	if req.PaymentMethod != nil {
		purchase.PaymentMethod = *req.PaymentMethod
	}
	if req.PaymentStatus != nil {
		switch *req.PaymentStatus {
		case models.StatusCancelled, models.StatusPending, models.StatusCompleted, models.StatusOverdue:
			purchase.PaymentStatus = *req.PaymentStatus
		default:
			util.PurchasesFailedTotal.WithLabelValues("invalid_status").Inc()
			return nil, &models.ValidationError{Field: "payment_status", Reason: "unknown status"}
		}
	}

	derive.Apply(purchase, nil, s.now())

	if err := s.repo.UpdatePurchase(ctx, purchase); err != nil {
		util.PurchasesFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}

	if _, err := s.customers.reconcileLocked(ctx, purchase.CustomerID, shopID); err != nil {
		s.logger.Error("Reconcile after payment update failed",
			zap.String("customer_id", purchase.CustomerID),
			zap.Error(err))
	}

	util.PurchasesUpdatedTotal.Inc()
	s.afterMutation(ctx, shopID, models.OpUpdated, purchase)
	return purchase, nil
}

// DeletePurchase removes a purchase. The customer lock is held across the
// delete and the aggregate re-fold, so any concurrent mutation of the same
// customer serializes against both steps.
func (s *PurchaseService) DeletePurchase(ctx context.Context, id, shopID string) error {
	ctx, span := util.StartSpan(ctx, "PurchaseService.DeletePurchase")
	defer span.End()

	purchase, err := s.repo.GetPurchase(ctx, id, shopID)
	if err != nil {
		return err
	}

	unlock := s.customers.lockCustomer(purchase.CustomerID)
	defer unlock()

	if err := s.repo.DeletePurchase(ctx, id, shopID); err != nil {
		return err
	}

	if _, err := s.customers.reconcileLocked(ctx, purchase.CustomerID, shopID); err != nil {
		s.logger.Error("Reconcile after delete failed",
			zap.String("customer_id", purchase.CustomerID),
			zap.Error(err))
	}

	util.PurchasesDeletedTotal.Inc()
	s.logger.Info("Purchase deleted",
		zap.String("purchase_id", id),
		zap.String("customer_id", purchase.CustomerID))

	s.afterMutation(ctx, shopID, models.OpDeleted, map[string]string{"id": id, "customer_id": purchase.CustomerID})
	return nil
}

// RefreshOverdueStatus sweeps all purchases that still owe money and have a
// due date, flipping any that have crossed into overdue since their status
// was last derived. Returns the number of purchases updated.
func (s *PurchaseService) RefreshOverdueStatus(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "PurchaseService.RefreshOverdueStatus")
	defer span.End()

	// One sweep at a time across instances. The sweep is idempotent, so a
	// skipped or double-run pass is harmless.
	if s.redis != nil {
		ok, err := s.redis.AcquireLock(ctx, "overdue-sweep", time.Minute)
		if err != nil {
			s.logger.Warn("Sweep lock unavailable, proceeding", zap.Error(err))
		} else if !ok {
			s.logger.Info("Overdue sweep already running on another instance, skipping")
			return 0, nil
		} else {
			defer func() {
				if err := s.redis.ReleaseLock(context.Background(), "overdue-sweep"); err != nil {
					s.logger.Warn("Failed to release sweep lock", zap.Error(err))
				}
			}()
		}
	}

	candidates, err := s.repo.ListOverdueCandidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue candidates: %w", err)
	}

	now := s.now()
	updated := 0
	for i := range candidates {
		p := &candidates[i]
		next := derive.Status(p.PaymentStatus, p.RemainingAmount, p.DueDate, now)
		if next == p.PaymentStatus {
			continue
		}
		p.PaymentStatus = next

		if err := s.repo.UpdatePurchase(ctx, p); err != nil {
			// Last-writer-wins with concurrent explicit updates is fine,
			// derivation is idempotent; a hard store error is just logged.
			s.logger.Error("Failed to persist overdue refresh",
				zap.String("purchase_id", p.ID),
				zap.Error(err))
			continue
		}
		updated++
		util.PurchasesOverdueSweptTotal.Inc()
		s.afterMutation(ctx, p.CreatedBy, models.OpUpdated, p)
	}

	if updated > 0 {
		s.logger.Info("Overdue sweep finished", zap.Int("updated", updated))
	}
	return updated, nil
}

// refreshStatus re-derives a purchase's status at read time and persists a
// change best-effort. The stored status is a cache that can go stale purely
// through elapsed time.
func (s *PurchaseService) refreshStatus(ctx context.Context, p *models.Purchase) {
	next := derive.Status(p.PaymentStatus, p.RemainingAmount, p.DueDate, s.now())
	if next == p.PaymentStatus {
		return
	}
	p.PaymentStatus = next
	if err := s.repo.UpdatePurchase(ctx, p); err != nil {
		s.logger.Warn("Failed to persist read-time status refresh",
			zap.String("purchase_id", p.ID),
			zap.Error(err))
	}
}

// afterMutation fans out the change event and invalidates cached reports.
func (s *PurchaseService) afterMutation(ctx context.Context, shopID, op string, payload interface{}) {
	event := models.ChangeEvent{
		EventID:    uuid.New().String(),
		EntityKind: models.EntityPurchase,
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

	if s.redis != nil {
		if err := s.redis.InvalidateReports(ctx, shopID); err != nil {
			s.logger.Warn("Failed to invalidate report cache",
				zap.String("shop_id", shopID),
				zap.Error(err))
		}
	}
}

func buildItems(reqs []PurchaseItemRequest) ([]models.PurchaseItem, error) {
	items := make([]models.PurchaseItem, 0, len(reqs))
	for _, r := range reqs {
		items = append(items, models.PurchaseItem{
			ID:          uuid.New().String(),
			ProductName: r.ProductName,
			Quantity:    r.Quantity,
			UnitPrice:   r.UnitPrice,
		})
	}
	if err := derive.ValidateItems(items); err != nil {
		return nil, err
	}
	return items, nil
}
