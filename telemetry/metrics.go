// Package telemetry holds the process-wide Prometheus collectors.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsProcessed counts protocol requests by method, whatever their
	// outcome.
	RequestsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "satchel_requests_total",
		Help: "Wallet connect requests processed, by method.",
	}, []string{"method"})

	// PaymentsDispatched counts payments handed to a federation.
	PaymentsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satchel_payments_dispatched_total",
		Help: "Outbound payments dispatched to a federation.",
	})

	// PaymentsMsat accumulates the msat volume of settled outbound payments.
	PaymentsMsat = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satchel_payments_msat_total",
		Help: "Millisatoshi settled on outbound payments.",
	})

	// PolicyDenials counts spending checks that came back negative.
	PolicyDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satchel_policy_denials_total",
		Help: "Payments refused by a spending policy.",
	})
)
