// Package derive holds the pure money-derivation rules for purchases and
// the aggregate fold for customers. Nothing here touches a store, a clock
// or a logger: "now" is always an explicit parameter so that derivation is
// deterministic and idempotent, and can be safely re-run whenever time has
// advanced (a pending purchase silently becoming overdue on the next read).
package derive

import (
	"time"

	"credit-service/internal/models"
)

// ItemTotals recomputes every item's TotalPrice from quantity and unit
// price and returns the sum. Input totals are never trusted.
func ItemTotals(items []models.PurchaseItem) int64 {
	var sum int64
	for i := range items {
		items[i].TotalPrice = int64(items[i].Quantity) * items[i].UnitPrice
		sum += items[i].TotalPrice
	}
	return sum
}

// Overdue reports whether a purchase is overdue: due date set, money still
// owed, and now strictly past the due date. now == dueDate is not overdue.
func Overdue(dueDate *time.Time, remaining int64, now time.Time) bool {
	return dueDate != nil && remaining > 0 && now.After(*dueDate)
}

// Status derives the payment status from the remaining amount and due date.
// "cancelled" is sticky: once set it is never overwritten by derivation.
func Status(current models.PaymentStatus, remaining int64, dueDate *time.Time, now time.Time) models.PaymentStatus {
	if current == models.StatusCancelled {
		return models.StatusCancelled
	}
	if remaining <= 0 {
		return models.StatusCompleted
	}
	if Overdue(dueDate, remaining, now) {
		return models.StatusOverdue
	}
	return models.StatusPending
}

// Apply recomputes all derived fields of p in place: per-item totals, total
// amount, remaining amount and payment status. When overrideTotal is set the
// purchase total is taken from it instead of the item sum, which is how
// non-itemized purchases are represented. Running Apply twice on the same
// inputs yields the same record.
func Apply(p *models.Purchase, overrideTotal *int64, now time.Time) {
	computed := ItemTotals(p.Items)
	if overrideTotal != nil {
		p.TotalAmount = *overrideTotal
	} else if len(p.Items) > 0 {
		p.TotalAmount = computed
	}
	// Remaining is stored unclamped so overpayment stays visible for audit.
	p.RemainingAmount = p.TotalAmount - p.PaidAmount
	p.PaymentStatus = Status(p.PaymentStatus, p.RemainingAmount, p.DueDate, now)
}

// ValidateItems rejects malformed line items before any derivation runs.
func ValidateItems(items []models.PurchaseItem) error {
	for i := range items {
		if items[i].ProductName == "" {
			return &models.ValidationError{Field: "items.product_name", Reason: "must not be empty"}
		}
		if items[i].Quantity < 1 {
			return &models.ValidationError{Field: "items.quantity", Reason: "must be at least 1"}
		}
		if items[i].UnitPrice < 0 {
			return &models.ValidationError{Field: "items.unit_price", Reason: "must not be negative"}
		}
	}
	return nil
}

// CustomerAggregates folds over a customer's live purchase set. It is a full
// fold rather than an incremental delta: recomputing from ground truth cannot
// drift under concurrent edits or partial failures.
func CustomerAggregates(purchases []models.Purchase) models.CustomerAggregates {
	agg := models.CustomerAggregates{}
	for i := range purchases {
		agg.TotalPurchases++
		agg.TotalSpent += purchases[i].TotalAmount
		if agg.LastPurchaseDate == nil || purchases[i].PurchaseDate.After(*agg.LastPurchaseDate) {
			d := purchases[i].PurchaseDate
			agg.LastPurchaseDate = &d
		}
	}
	return agg
}
