package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"credit-service/internal/derive"
	"credit-service/internal/models"
	"credit-service/internal/store"
	"credit-service/internal/util"

	"go.uber.org/zap"
)

const reportCacheTTL = 30 * time.Second

// DailyRevenue is one day's slice of a shop's revenue.
type DailyRevenue struct {
	Date      string `json:"date"` // YYYY-MM-DD
	Revenue   int64  `json:"revenue"`
	Purchases int    `json:"purchases"`
}

// MonthlyRevenue is one month's slice, with growth against the previous
// month in the series.
type MonthlyRevenue struct {
	Month         string  `json:"month"` // YYYY-MM
	Revenue       int64   `json:"revenue"`
	Purchases     int     `json:"purchases"`
	GrowthPercent float64 `json:"growth_percent"`
}

// StatusDistribution counts purchases per payment status, classified at
// read time so a stale stored status cannot skew the picture.
type StatusDistribution struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Overdue   int `json:"overdue"`
	Cancelled int `json:"cancelled"`
}

// TopCustomer is one row of the top-spenders report.
type TopCustomer struct {
	CustomerID     string `json:"customer_id"`
	Name           string `json:"name"`
	TotalSpent     int64  `json:"total_spent"`
	TotalPurchases int    `json:"total_purchases"`
}

// ReportService computes read-only aggregations over the purchase set.
// It never mutates state; absent data yields zero-valued reports rather
// than errors. Results are cached in Redis for a short TTL when available.
type ReportService struct {
	repo   store.Repository
	redis  Cache
	logger *zap.Logger
	now    func() time.Time
}

// NewReportService creates a new report service. redis may be nil.
func NewReportService(repo store.Repository, redis Cache) *ReportService {
	return &ReportService{
		repo:   repo,
		redis:  redis,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (s *ReportService) SetClock(now func() time.Time) {
	s.now = now
}

// DailySummary sums revenue per day over [from, to].
func (s *ReportService) DailySummary(ctx context.Context, shopID string, from, to time.Time) ([]DailyRevenue, error) {
	util.ReportRequestsTotal.WithLabelValues("daily").Inc()

	// Full timestamps: two ranges on the same days but different times of
	// day are different reports and must not share a cache entry.
	cacheKey := fmt.Sprintf("daily:%s:%s", from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	var cached []DailyRevenue
	if s.fromCache(ctx, shopID, cacheKey, &cached) {
		return cached, nil
	}

	purchases, err := s.repo.ListPurchases(ctx, shopID, store.PurchaseFilter{From: &from, To: &to})
	if err != nil {
		return nil, fmt.Errorf("failed to load purchases for daily summary: %w", err)
	}

	buckets := map[string]*DailyRevenue{}
	for i := range purchases {
		if purchases[i].PaymentStatus == models.StatusCancelled {
			continue
		}
		day := purchases[i].PurchaseDate.UTC().Format("2006-01-02")
		b, ok := buckets[day]
		if !ok {
			b = &DailyRevenue{Date: day}
			buckets[day] = b
		}
		b.Revenue += purchases[i].TotalAmount
		b.Purchases++
	}

	out := make([]DailyRevenue, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })

	s.toCache(ctx, shopID, cacheKey, out)
	return out, nil
}

// MonthlySummary sums revenue per month over [from, to] and annotates each
// month with its growth against the preceding month. Growth against a zero
// month is reported as 0, not infinity.
func (s *ReportService) MonthlySummary(ctx context.Context, shopID string, from, to time.Time) ([]MonthlyRevenue, error) {
	util.ReportRequestsTotal.WithLabelValues("monthly").Inc()

	cacheKey := fmt.Sprintf("monthly:%s:%s", from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	var cached []MonthlyRevenue
	if s.fromCache(ctx, shopID, cacheKey, &cached) {
		return cached, nil
	}

	purchases, err := s.repo.ListPurchases(ctx, shopID, store.PurchaseFilter{From: &from, To: &to})
	if err != nil {
		return nil, fmt.Errorf("failed to load purchases for monthly summary: %w", err)
	}

	buckets := map[string]*MonthlyRevenue{}
	for i := range purchases {
		if purchases[i].PaymentStatus == models.StatusCancelled {
			continue
		}
		month := purchases[i].PurchaseDate.UTC().Format("2006-01")
		b, ok := buckets[month]
		if !ok {
			b = &MonthlyRevenue{Month: month}
			buckets[month] = b
		}
		b.Revenue += purchases[i].TotalAmount
		b.Purchases++
	}

	out := make([]MonthlyRevenue, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })

	for i := range out {
		if i == 0 {
			continue
		}
		out[i].GrowthPercent = Growth(out[i].Revenue, out[i-1].Revenue)
	}

	s.toCache(ctx, shopID, cacheKey, out)
	return out, nil
}

// Growth returns the month-over-month growth percentage, defined as 0 when
// the previous value is 0.
func Growth(current, previous int64) float64 {
	if previous == 0 {
		return 0
	}
	return float64(current-previous) / float64(previous) * 100
}

// PaymentStatusDistribution counts the shop's purchases per status. Status
// is re-derived against the current clock, never read from the stored cache.
func (s *ReportService) PaymentStatusDistribution(ctx context.Context, shopID string) (StatusDistribution, error) {
	util.ReportRequestsTotal.WithLabelValues("status_distribution").Inc()

	var dist StatusDistribution

	purchases, err := s.repo.ListPurchases(ctx, shopID, store.PurchaseFilter{})
	if err != nil {
		return dist, fmt.Errorf("failed to load purchases for distribution: %w", err)
	}

	now := s.now()
	for i := range purchases {
		p := &purchases[i]
		switch derive.Status(p.PaymentStatus, p.RemainingAmount, p.DueDate, now) {
		case models.StatusPending:
			dist.Pending++
		case models.StatusCompleted:
			dist.Completed++
		case models.StatusOverdue:
			dist.Overdue++
		case models.StatusCancelled:
			dist.Cancelled++
		}
	}
	return dist, nil
}

// TopCustomers returns the shop's top n customers by total spent.
func (s *ReportService) TopCustomers(ctx context.Context, shopID string, n int) ([]TopCustomer, error) {
	util.ReportRequestsTotal.WithLabelValues("top_customers").Inc()

	if n <= 0 {
		n = 5
	}

	customers, err := s.repo.ListCustomers(ctx, shopID)
	if err != nil {
		return nil, fmt.Errorf("failed to load customers: %w", err)
	}

	sort.Slice(customers, func(i, j int) bool {
		if customers[i].TotalSpent != customers[j].TotalSpent {
			return customers[i].TotalSpent > customers[j].TotalSpent
		}
		return customers[i].ID < customers[j].ID
	})

	if len(customers) > n {
		customers = customers[:n]
	}

	out := make([]TopCustomer, 0, len(customers))
	for _, c := range customers {
		out = append(out, TopCustomer{
			CustomerID:     c.ID,
			Name:           c.Name,
			TotalSpent:     c.TotalSpent,
			TotalPurchases: c.TotalPurchases,
		})
	}
	return out, nil
}

func (s *ReportService) fromCache(ctx context.Context, shopID, key string, out interface{}) bool {
	if s.redis == nil {
		return false
	}
	hit, err := s.redis.GetCachedReport(ctx, shopID, key, out)
	if err != nil {
		s.logger.Warn("Report cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return hit
}

func (s *ReportService) toCache(ctx context.Context, shopID, key string, value interface{}) {
	if s.redis == nil {
		return
	}
	if err := s.redis.CacheReport(ctx, shopID, key, value, reportCacheTTL); err != nil {
		s.logger.Warn("Report cache write failed", zap.String("key", key), zap.Error(err))
	}
}
