package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PurchasesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_created_total",
		Help: "Total number of purchases created",
	})

	PurchasesUpdatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_updated_total",
		Help: "Total number of purchase updates, including payment updates",
	})

	PurchasesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_deleted_total",
		Help: "Total number of purchases deleted",
	})

	PurchasesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchases_failed_total",
		Help: "Total number of rejected purchase mutations",
	}, []string{"reason"})

	PurchasesOverdueSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_overdue_swept_total",
		Help: "Total number of purchases flipped to overdue by the sweep",
	})

	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "customer_reconciliations_total",
		Help: "Total number of customer aggregate reconciliations",
	}, []string{"outcome"})

	ReconcileLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "customer_reconcile_latency_seconds",
		Help:    "Latency of customer aggregate fold-and-write",
		Buckets: prometheus.DefBuckets,
	})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "change_events_published_total",
		Help: "Total number of change events accepted for fan-out",
	}, []string{"entity_kind", "operation"})

	EventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "change_events_dropped_total",
		Help: "Total number of change events dropped before delivery",
	}, []string{"reason"})

	ReportRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "report_requests_total",
		Help: "Total number of report computations",
	}, []string{"report"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
