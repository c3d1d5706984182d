package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refundsProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studio",
			Name:      "refunds_processed_total",
			Help:      "Total refund requests processed.",
		},
		[]string{"refund_method", "outcome"}, // outcome: "success", "rejected", "gateway_error", "error"
	)

	refundAmountCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studio",
			Name:      "refunded_amount_minor_total",
			Help:      "Sum of refunded amounts in minor currency units.",
		},
		[]string{"currency"},
	)

	gatewayRequestDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "studio",
			Name:      "payment_gateway_request_duration_seconds",
			Help:      "Duration of payment gateway calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"}, // "create_customer", "charge", "refund"
	)

	blockDispositionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studio",
			Name:      "concession_block_dispositions_total",
			Help:      "Concession blocks locked or deleted after a refund.",
		},
		[]string{"outcome"}, // "lock", "delete", "error"
	)

	paymentsProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studio",
			Name:      "payments_processed_total",
			Help:      "Total charge attempts by flow and result.",
		},
		[]string{"kind", "status"},
	)
)

func observeGateway(operation string, start time.Time) {
	gatewayRequestDurationHist.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
