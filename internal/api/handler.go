package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"credit-service/internal/models"
	"credit-service/internal/notifier"
	"credit-service/internal/service"
	"credit-service/internal/store"
	"credit-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	purchases *service.PurchaseService
	customers *service.CustomerService
	reports   *service.ReportService
	hub       *notifier.Hub
}

// NewHandler creates a new HTTP handler
func NewHandler(
	purchases *service.PurchaseService,
	customers *service.CustomerService,
	reports *service.ReportService,
	hub *notifier.Hub,
) *Handler {
	return &Handler{
		purchases: purchases,
		customers: customers,
		reports:   reports,
		hub:       hub,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/purchases", h.createPurchase)
		v1.GET("/purchases", h.listPurchases)
		v1.GET("/purchases/:id", h.getPurchase)
		v1.PUT("/purchases/:id", h.updatePurchase)
		v1.PUT("/purchases/:id/payment", h.updatePayment)
		v1.DELETE("/purchases/:id", h.deletePurchase)
		v1.POST("/purchases/refresh-overdue", h.refreshOverdue)

		v1.POST("/customers", h.createCustomer)
		v1.GET("/customers", h.listCustomers)
		v1.GET("/customers/:id", h.getCustomer)
		v1.PUT("/customers/:id", h.updateCustomer)
		v1.DELETE("/customers/:id", h.deleteCustomer)
		v1.POST("/customers/:id/reconcile", h.reconcileCustomer)

		v1.GET("/reports/daily", h.dailyReport)
		v1.GET("/reports/monthly", h.monthlyReport)
		v1.GET("/reports/status-distribution", h.statusDistribution)
		v1.GET("/reports/top-customers", h.topCustomers)

		v1.GET("/events", h.streamEvents)
	}
}

// shopID resolves the tenant scope for a request. Authentication is an
// external collaborator's concern; the gateway in front of this service
// injects the shop id as a header.
func shopID(c *gin.Context) (string, bool) {
	shop := c.GetHeader("X-Shop-ID")
	if shop == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing X-Shop-ID header"})
		return "", false
	}
	return shop, true
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) createPurchase(c *gin.Context) {
	shop, ok := shopID(c)
	if !ok {
		return
	}

	var req service.CreatePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	purchase, err := h.purchases.CreatePurchase(c.Request.Context(), shop, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, purchase)
}

func (h *Handler) getPurchase(c *gin.Context) {
	shop, ok := shopID(c)
	if !ok {
		return
	}

	purchase, err := h.purchases.GetPurchase(c.Request.Context(), c.Param("id"), shop)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, purchase)
}

func (h *Handler) listPurchases(c *gin.Context) {
	shop, ok := shopID(c)
	if !ok {
		return
	}

	filter := store.PurchaseFilter{
		CustomerID: c.Query("customer_id"),
		Status:     models.PaymentStatus(c.Query("status")),
	}
	if from, ok := parseTimeQuery(c, "from"); ok {
		filter.From = from
	} else {
		return
	}
	if to, ok := parseTimeQuery(c, "to"); ok {
		filter.To = to
	} else {
		return
	}

	purchases, err := h.purchases.ListPurchases(c.Request.Context(), shop, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchases": purchases})
}

func (h *Handler) updatePurchase(c *gin.Context) {
	shop, ok := shopID(c)
	if !ok {
		return
	}

	var req service.UpdatePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	purchase, err := h.purchases.UpdatePurchase(c.Request.Context(), c.Param("id"), shop, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, purchase)
}

func (h *Handler) updatePayment(c *gin.Context) {
	shop, ok := shopID(c)
	if !ok {
		return
	}

	var req service.UpdatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	purchase, err := h.purchases.UpdatePayment(c.Request.Context(), c.Param("id"), shop, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, purchase)
}

func (h *Handler) deletePurchase(c *gin.Context) {
	shop, ok := shopID(c)
	if !ok {
		return
	}

	if err := h.purchases.DeletePurchase(c.Request.Context(), c.Param("id"), shop); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) refreshOverdue(c *gin.Context) {
	updated, err := h.purchases.RefreshOverdueStatus(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *Handler) createCustomer(c *gin.Context) {
	shop, ok := shopID(c)
	if !ok {
		return
	}

	var req service.CreateCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	customer, err := h.customers.CreateCustomer(c.Request.Context(), shop, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, customer)
}

func (h *Handler) getCustomer(c *gin.Context) {
	shop, ok := shopID(c)
	if !ok {
		return
	}

	customer, err := h.customers.GetCustomer(c.Request.Context(), c.Param("id"), shop)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func (h *Handler) listCustomers(c *gin.Context) {
	shop, ok := shopID(c)
	if !ok {
		return
	}

	customers, err := h.customers.ListCustomers(c.Request.Context(), shop)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customers": customers})
}

func (h *Handler) updateCustomer(c *gin.Context) {
	shop, ok := shopID(c)
	if !ok {
		return
	}

	var req service.UpdateCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	customer, err := h.customers.UpdateCustomer(c.Request.Context(), c.Param("id"), shop, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func (h *Handler) deleteCustomer(c *gin.Context) {
	shop, ok := shopID(c)
	if !ok {
		return
	}

	deactivated, err := h.customers.DeleteCustomer(c.Request.Context(), c.Param("id"), shop)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": deactivated})
}

func (h *Handler) reconcileCustomer(c *gin.Context) {
	shop, ok := shopID(c)
	if !ok {
		return
	}

	customer, err := h.customers.Reconcile(c.Request.Context(), c.Param("id"), shop)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func (h *Handler) dailyReport(c *gin.Context) {
	shop, ok := shopID(c)
	if !ok {
		return
	}
	from, to, ok := reportRange(c)
	if !ok {
		return
	}

	daily, err := h.reports.DailySummary(c.Request.Context(), shop, from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"daily": daily})
}

func (h *Handler) monthlyReport(c *gin.Context) {
	shop, ok := shopID(c)
	if !ok {
		return
	}
	from, to, ok := reportRange(c)
	if !ok {
		return
	}

	monthly, err := h.reports.MonthlySummary(c.Request.Context(), shop, from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"monthly": monthly})
}

func (h *Handler) statusDistribution(c *gin.Context) {
	shop, ok := shopID(c)
	if !ok {
		return
	}

	dist, err := h.reports.PaymentStatusDistribution(c.Request.Context(), shop)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dist)
}

func (h *Handler) topCustomers(c *gin.Context) {
	shop, ok := shopID(c)
	if !ok {
		return
	}

	n, _ := strconv.Atoi(c.DefaultQuery("limit", "5"))
	top, err := h.reports.TopCustomers(c.Request.Context(), shop, n)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customers": top})
}

// streamEvents streams the shop's change events as server-sent events until
// the client disconnects. Events published before the subscription are gone;
// there is no replay.
func (h *Handler) streamEvents(c *gin.Context) {
	shop, ok := shopID(c)
	if !ok {
		return
	}

	ch, cancel := h.hub.Subscribe(shop, 32)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")

	c.Stream(func(w io.Writer) bool {
		select {
		case event, open := <-ch:
			if !open {
				return false
			}
			c.SSEvent("change", event)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func reportRange(c *gin.Context) (time.Time, time.Time, bool) {
	now := time.Now().UTC()
	from := now.AddDate(0, -1, 0)
	to := now

	if f, ok := parseTimeQuery(c, "from"); !ok {
		return time.Time{}, time.Time{}, false
	} else if f != nil {
		from = *f
	}
	if t, ok := parseTimeQuery(c, "to"); !ok {
		return time.Time{}, time.Time{}, false
	} else if t != nil {
		to = *t
	}
	return from, to, true
}

// parseTimeQuery reads an optional RFC 3339 or YYYY-MM-DD query parameter.
// The bool is false only when the parameter is present but malformed, in
// which case a 400 has already been written.
func parseTimeQuery(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, true
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return &t, true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name + " parameter"})
	return nil, false
}

func respondError(c *gin.Context, err error) {
	switch {
	case models.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, models.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Conflict, retry the operation"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error", "details": err.Error()})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
