package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	// Chat metrics
	ChatTurns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_chat_turns_total",
			Help: "Chat turns by outcome",
		},
		[]string{"outcome"}, // "ok", "invalid", "upstream_error", "config_error", "storage_error"
	)

	LLMLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatrelay_llm_latency_seconds",
			Help:    "Chat model completion latency",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	AnalysesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_analyses_delivered_total",
			Help: "Pending analyses handed to the client on a chat turn",
		},
	)

	// Analysis hand-off metrics
	AnalysisDispatch = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_analysis_dispatch_total",
			Help: "Analysis jobs by dispatch outcome",
		},
		[]string{"outcome"},
	)

	AnalysisRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_analysis_runs_total",
			Help: "Analysis pipeline runs by outcome",
		},
		[]string{"outcome"}, // "ok", "invalid", "failed"
	)

	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatrelay_analysis_duration_seconds",
			Help:    "Analysis pipeline duration",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"path"},
	)
)
