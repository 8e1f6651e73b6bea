package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Decisions counts admission outcomes by endpoint class.
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finshield_decisions_total",
			Help: "Admission decisions by endpoint class and outcome",
		},
		[]string{"class", "outcome"},
	)

	// RequestDuration tracks end-to-end latency in milliseconds, handler included.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finshield_request_duration_ms",
			Help:    "Request duration in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"class", "status"},
	)

	// StageDuration tracks the time each admission stage takes.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finshield_stage_duration_ms",
			Help:    "Admission stage duration in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100},
		},
		[]string{"stage"},
	)

	// StageDenials counts hard denials per stage.
	StageDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finshield_stage_denials_total",
			Help: "Hard denials by admission stage",
		},
		[]string{"stage", "code"},
	)

	// RateLimitHits counts sliding-window denials.
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finshield_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"class"},
	)

	// InjectionFindings counts scanner findings per family.
	InjectionFindings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finshield_injection_findings_total",
			Help: "Injection scanner findings by family",
		},
		[]string{"family"},
	)

	// BlocksCreated counts block-list insertions.
	BlocksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finshield_blocks_created_total",
			Help: "Block entries created",
		},
		[]string{"kind"},
	)

	// AlertsRaised counts alerts that survived deduplication.
	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finshield_alerts_total",
			Help: "Alerts raised by type and severity",
		},
		[]string{"type", "severity"},
	)

	// StoreFallbacks counts calls served by the local store because the shared
	// store failed or its circuit was open.
	StoreFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finshield_store_fallbacks_total",
			Help: "Store operations served by the local fallback",
		},
		[]string{"operation"},
	)

	// StoreBreakerState reports the shared store circuit: 0 closed, 1 half-open, 2 open.
	StoreBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "finshield_store_breaker_state",
			Help: "Shared store circuit breaker state",
		},
	)

	// AdminRequests counts admin API calls.
	AdminRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finshield_admin_requests_total",
			Help: "Admin API requests by route and status",
		},
		[]string{"route", "status"},
	)
)
