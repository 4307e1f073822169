package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fopgate_orders_total",
		Help: "The total number of orders processed",
	}, []string{"status", "action"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fopgate_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	RiskRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fopgate_risk_rejects_total",
		Help: "Total policy/risk rejections by rule code",
	}, []string{"rule"})

	HaltBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fopgate_halt_blocks_total",
		Help: "Executions blocked by the emergency halt gate",
	})

	FillsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fopgate_fills_ingested_total",
		Help: "Fill ingest results (new vs duplicate)",
	}, []string{"result"})

	RemediationActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fopgate_remediation_actions_total",
		Help: "Auto-remediation decisions by action and outcome",
	}, []string{"action", "outcome"})
)
