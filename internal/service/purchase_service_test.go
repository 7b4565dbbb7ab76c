package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"credit-service/internal/models"
	"credit-service/internal/notifier"
	"credit-service/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	purchases *PurchaseService
	customers *CustomerService
	reports   *ReportService
	hub       *notifier.Hub
	clock     *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := memory.New()
	hub := notifier.NewHub(64)
	t.Cleanup(hub.Close)

	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}

	customers := NewCustomerService(repo, hub, nil)
	purchases := NewPurchaseService(repo, nil, customers, hub, nil)
	reports := NewReportService(repo, nil)
	purchases.SetClock(clock.Now)
	reports.SetClock(clock.Now)

	return &fixture{
		purchases: purchases,
		customers: customers,
		reports:   reports,
		hub:       hub,
		clock:     clock,
	}
}

// fakeCache is an in-memory Cache for tests: real idempotency-key and
// report-cache semantics, no TTLs.
type fakeCache struct {
	mu      sync.Mutex
	idem    map[string]string
	reports map[string][]byte
	locks   map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		idem:    map[string]string{},
		reports: map[string][]byte{},
		locks:   map[string]bool{},
	}
}

func (f *fakeCache) CacheReport(_ context.Context, shopID, key string, value interface{}, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[shopID+":"+key] = data
	return nil
}

func (f *fakeCache) GetCachedReport(_ context.Context, shopID, key string, out interface{}) (bool, error) {
	f.mu.Lock()
	data, ok := f.reports[shopID+":"+key]
	f.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

func (f *fakeCache) InvalidateReports(_ context.Context, shopID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.reports {
		if strings.HasPrefix(key, shopID+":") {
			delete(f.reports, key)
		}
	}
	return nil
}

func (f *fakeCache) ClaimIdempotencyKey(_ context.Context, key, purchaseID string, _ time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.idem[key]; ok {
		return existing, false, nil
	}
	f.idem[key] = purchaseID
	return "", true, nil
}

func (f *fakeCache) ReleaseIdempotencyKey(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.idem, key)
	return nil
}

func (f *fakeCache) AcquireLock(_ context.Context, lockKey string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[lockKey] {
		return false, nil
	}
	f.locks[lockKey] = true
	return true, nil
}

func (f *fakeCache) ReleaseLock(_ context.Context, lockKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, lockKey)
	return nil
}

func (f *fixture) customer(t *testing.T, shopID, name string) *models.Customer {
	t.Helper()
	c, err := f.customers.CreateCustomer(context.Background(), shopID, &CreateCustomerRequest{Name: name})
	require.NoError(t, err)
	return c
}

func TestCreatePurchaseDerivesTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, "shop-1", "Ibu Sari")

	p, err := f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
		CustomerID: c.ID,
		Items: []PurchaseItemRequest{
			{ProductName: "rice 5kg", Quantity: 2, UnitPrice: 65000},
			{ProductName: "cooking oil", Quantity: 1, UnitPrice: 18000},
		},
		PaidAmount: 48000,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(148000), p.TotalAmount)
	assert.Equal(t, int64(100000), p.RemainingAmount)
	assert.Equal(t, models.StatusPending, p.PaymentStatus)
	assert.Equal(t, int64(130000), p.Items[0].TotalPrice)
}

func TestCreatePurchaseTotalOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, "shop-1", "Pak Budi")

	override := int64(75000)
	p, err := f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
		CustomerID:  c.ID,
		TotalAmount: &override,
		PaidAmount:  75000,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(75000), p.TotalAmount)
	assert.Equal(t, models.StatusCompleted, p.PaymentStatus)
}

func TestCreatePurchaseValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, "shop-1", "Pak Budi")

	_, err := f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
		CustomerID: c.ID,
		Items:      []PurchaseItemRequest{{ProductName: "soap", Quantity: 0, UnitPrice: 5000}},
	})
	assert.True(t, models.IsValidation(err), "quantity < 1 must be a validation error")

	_, err = f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
		CustomerID: c.ID,
		Items:      []PurchaseItemRequest{{ProductName: "soap", Quantity: 1, UnitPrice: -5}},
	})
	assert.True(t, models.IsValidation(err), "negative unit price must be a validation error")

	_, err = f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{CustomerID: c.ID})
	assert.True(t, models.IsValidation(err), "no items and no total must be rejected")

	_, err = f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
		CustomerID: c.ID,
		Items:      []PurchaseItemRequest{{ProductName: "soap", Quantity: 1, UnitPrice: 5000}},
		PaidAmount: -1,
	})
	assert.True(t, models.IsValidation(err), "negative paid amount must be rejected")
}

func TestCreatePurchaseUnknownCustomer(t *testing.T) {
	f := newFixture(t)

	_, err := f.purchases.CreatePurchase(context.Background(), "shop-1", &CreatePurchaseRequest{
		CustomerID: "nope",
		Items:      []PurchaseItemRequest{{ProductName: "soap", Quantity: 1, UnitPrice: 5000}},
	})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestCrossShopAccessIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, "shop-1", "Ibu Sari")

	p, err := f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
		CustomerID: c.ID,
		Items:      []PurchaseItemRequest{{ProductName: "soap", Quantity: 1, UnitPrice: 5000}},
	})
	require.NoError(t, err)

	// Another shop must see neither the customer nor the purchase, and the
	// error must not reveal that they exist.
	_, err = f.purchases.GetPurchase(ctx, p.ID, "shop-2")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	_, err = f.purchases.CreatePurchase(ctx, "shop-2", &CreatePurchaseRequest{
		CustomerID: c.ID,
		Items:      []PurchaseItemRequest{{ProductName: "soap", Quantity: 1, UnitPrice: 5000}},
	})
	assert.True(t, errors.Is(err, models.ErrNotFound))

	err = f.purchases.DeletePurchase(ctx, p.ID, "shop-2")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestAggregatesAfterCreateAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, "shop-1", "Ibu Sari")

	d1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	total1 := int64(1000)
	p1, err := f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
		CustomerID: c.ID, TotalAmount: &total1, PaidAmount: 1000, PurchaseDate: &d1,
	})
	require.NoError(t, err)

	total2 := int64(500)
	_, err = f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
		CustomerID: c.ID, TotalAmount: &total2, PurchaseDate: &d2,
	})
	require.NoError(t, err)

	got, err := f.customers.GetCustomer(ctx, c.ID, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalPurchases)
	assert.Equal(t, int64(1500), got.TotalSpent)
	require.NotNil(t, got.LastPurchaseDate)
	assert.True(t, got.LastPurchaseDate.Equal(d2))

	require.NoError(t, f.purchases.DeletePurchase(ctx, p1.ID, "shop-1"))

	got, err = f.customers.GetCustomer(ctx, c.ID, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalPurchases)
	assert.Equal(t, int64(500), got.TotalSpent)
	assert.True(t, got.LastPurchaseDate.Equal(d2))
}

func TestUpdatePaymentRederives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, "shop-1", "Pak Budi")

	p, err := f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
		CustomerID: c.ID,
		Items:      []PurchaseItemRequest{{ProductName: "rice 5kg", Quantity: 2, UnitPrice: 65000}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, p.PaymentStatus)

	paid := int64(130000)
	method := "cash"
	p, err = f.purchases.UpdatePayment(ctx, p.ID, "shop-1", &UpdatePaymentRequest{
		PaidAmount:    &paid,
		PaymentMethod: &method,
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, p.PaymentStatus)
	assert.Equal(t, int64(0), p.RemainingAmount)
	assert.Equal(t, "cash", p.PaymentMethod)
}

func TestOverpaymentKeepsNegativeRemainder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, "shop-1", "Pak Budi")

	p, err := f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
		CustomerID: c.ID,
		Items:      []PurchaseItemRequest{{ProductName: "rice 5kg", Quantity: 1, UnitPrice: 65000}},
		PaidAmount: 70000,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(-5000), p.RemainingAmount)
	assert.Equal(t, models.StatusCompleted, p.PaymentStatus)
}

func TestCancelledIsSticky(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, "shop-1", "Pak Budi")

	due := f.clock.Now().Add(24 * time.Hour)
	p, err := f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
		CustomerID: c.ID,
		Items:      []PurchaseItemRequest{{ProductName: "rice 5kg", Quantity: 1, UnitPrice: 65000}},
		DueDate:    &due,
	})
	require.NoError(t, err)

	cancelled := models.StatusCancelled
	p, err = f.purchases.UpdatePayment(ctx, p.ID, "shop-1", &UpdatePaymentRequest{PaymentStatus: &cancelled})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, p.PaymentStatus)

	// Time passing the due date must not flip a cancelled purchase.
	f.clock.Advance(72 * time.Hour)
	p, err = f.purchases.GetPurchase(ctx, p.ID, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, p.PaymentStatus)

	// Neither does a full payment.
	paid := int64(65000)
	p, err = f.purchases.UpdatePayment(ctx, p.ID, "shop-1", &UpdatePaymentRequest{PaidAmount: &paid})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, p.PaymentStatus)
}

func TestOverdueRefreshOnRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, "shop-1", "Ibu Sari")

	due := f.clock.Now().Add(24 * time.Hour)
	p, err := f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
		CustomerID: c.ID,
		Items:      []PurchaseItemRequest{{ProductName: "rice 5kg", Quantity: 1, UnitPrice: 65000}},
		DueDate:    &due,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, p.PaymentStatus)

	// The stored status is stale once the due date passes; a read refreshes it.
	f.clock.Advance(48 * time.Hour)
	p, err = f.purchases.GetPurchase(ctx, p.ID, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOverdue, p.PaymentStatus)
}

func TestOverdueAtExactDueDateIsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, "shop-1", "Ibu Sari")

	due := f.clock.Now()
	p, err := f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
		CustomerID: c.ID,
		Items:      []PurchaseItemRequest{{ProductName: "rice 5kg", Quantity: 1, UnitPrice: 65000}},
		DueDate:    &due,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, p.PaymentStatus)
}

func TestRefreshOverdueStatusSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, "shop-1", "Ibu Sari")

	due := f.clock.Now().Add(24 * time.Hour)
	for i := 0; i < 3; i++ {
		_, err := f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
			CustomerID: c.ID,
			Items:      []PurchaseItemRequest{{ProductName: "rice 5kg", Quantity: 1, UnitPrice: 65000}},
			DueDate:    &due,
		})
		require.NoError(t, err)
	}
	// One purchase is already fully paid and must stay completed.
	_, err := f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
		CustomerID: c.ID,
		Items:      []PurchaseItemRequest{{ProductName: "sugar", Quantity: 1, UnitPrice: 15000}},
		PaidAmount: 15000,
		DueDate:    &due,
	})
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)

	updated, err := f.purchases.RefreshOverdueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, updated)

	// Idempotent: a second sweep finds nothing new.
	updated, err = f.purchases.RefreshOverdueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, updated)

	dist, err := f.reports.PaymentStatusDistribution(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, 3, dist.Overdue)
	assert.Equal(t, 1, dist.Completed)
}

func TestConcurrentPaymentUpdatesStayConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, "shop-1", "Ibu Sari")

	p, err := f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
		CustomerID: c.ID,
		Items:      []PurchaseItemRequest{{ProductName: "rice 5kg", Quantity: 2, UnitPrice: 65000}},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	amounts := []int64{30000, 60000, 90000, 130000}
	for _, amount := range amounts {
		amount := amount
		wg.Add(1)
		go func() {
			defer wg.Done()
			paid := amount
			_, err := f.purchases.UpdatePayment(ctx, p.ID, "shop-1", &UpdatePaymentRequest{PaidAmount: &paid})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := f.purchases.GetPurchase(ctx, p.ID, "shop-1")
	require.NoError(t, err)

	// One of the writes won; the derived fields must match that write.
	assert.Contains(t, amounts, got.PaidAmount)
	assert.Equal(t, got.TotalAmount-got.PaidAmount, got.RemainingAmount)
	if got.RemainingAmount <= 0 {
		assert.Equal(t, models.StatusCompleted, got.PaymentStatus)
	} else {
		assert.Equal(t, models.StatusPending, got.PaymentStatus)
	}
}

func TestConcurrentCreatesReconcileFully(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, "shop-1", "Ibu Sari")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			total := int64(1000)
			_, err := f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
				CustomerID:  c.ID,
				TotalAmount: &total,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := f.customers.GetCustomer(ctx, c.ID, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, n, got.TotalPurchases)
	assert.Equal(t, int64(n*1000), got.TotalSpent)
}

func TestIdempotentCreateReturnsExistingPurchase(t *testing.T) {
	f := newFixture(t)
	f.purchases.redis = newFakeCache()
	ctx := context.Background()
	c := f.customer(t, "shop-1", "Ibu Sari")

	req := &CreatePurchaseRequest{
		CustomerID:     c.ID,
		Items:          []PurchaseItemRequest{{ProductName: "rice 5kg", Quantity: 1, UnitPrice: 65000}},
		IdempotencyKey: "order-42",
	}
	p1, err := f.purchases.CreatePurchase(ctx, "shop-1", req)
	require.NoError(t, err)

	p2, err := f.purchases.CreatePurchase(ctx, "shop-1", req)
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID, "replay must not create a second purchase")

	got, err := f.customers.GetCustomer(ctx, c.ID, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalPurchases)
}

func TestIdempotencyKeyReleasedOnFailedCreate(t *testing.T) {
	f := newFixture(t)
	f.purchases.redis = newFakeCache()
	ctx := context.Background()

	total := int64(1000)
	req := &CreatePurchaseRequest{
		CustomerID:     "missing",
		TotalAmount:    &total,
		IdempotencyKey: "retry-1",
	}
	_, err := f.purchases.CreatePurchase(ctx, "shop-1", req)
	require.True(t, errors.Is(err, models.ErrNotFound))

	// The failed attempt must not pin the key to a purchase that was never
	// persisted; retrying with the same key creates normally.
	c := f.customer(t, "shop-1", "Ibu Sari")
	req.CustomerID = c.ID
	p, err := f.purchases.CreatePurchase(ctx, "shop-1", req)
	require.NoError(t, err)

	p2, err := f.purchases.CreatePurchase(ctx, "shop-1", req)
	require.NoError(t, err)
	assert.Equal(t, p.ID, p2.ID)
}

func TestIdempotentReplayRefreshesStatus(t *testing.T) {
	f := newFixture(t)
	f.purchases.redis = newFakeCache()
	ctx := context.Background()
	c := f.customer(t, "shop-1", "Ibu Sari")

	due := f.clock.Now().Add(24 * time.Hour)
	req := &CreatePurchaseRequest{
		CustomerID:     c.ID,
		Items:          []PurchaseItemRequest{{ProductName: "rice 5kg", Quantity: 1, UnitPrice: 65000}},
		DueDate:        &due,
		IdempotencyKey: "replay-1",
	}
	p, err := f.purchases.CreatePurchase(ctx, "shop-1", req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, p.PaymentStatus)

	// A replay after the due date must carry the refreshed status, same as
	// any other read.
	f.clock.Advance(48 * time.Hour)
	p, err = f.purchases.CreatePurchase(ctx, "shop-1", req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOverdue, p.PaymentStatus)
}

func TestMutationsPublishOrderedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch, cancel := f.hub.Subscribe("shop-1", 32)
	defer cancel()

	c := f.customer(t, "shop-1", "Ibu Sari")
	total := int64(500)
	p, err := f.purchases.CreatePurchase(ctx, "shop-1", &CreatePurchaseRequest{
		CustomerID: c.ID, TotalAmount: &total,
	})
	require.NoError(t, err)
	require.NoError(t, f.purchases.DeletePurchase(ctx, p.ID, "shop-1"))

	var ops []string
	deadline := time.After(2 * time.Second)
	// customer created, customer updated (aggregates), purchase created,
	// customer updated (aggregates), purchase deleted
	for len(ops) < 5 {
		select {
		case ev := <-ch:
			ops = append(ops, ev.EntityKind+":"+ev.Operation)
		case <-deadline:
			t.Fatalf("timed out, got %v", ops)
		}
	}

	assert.Equal(t, []string{
		"customer:created",
		"customer:updated",
		"purchase:created",
		"customer:updated",
		"purchase:deleted",
	}, ops)
}
