package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Report metrics
	ReportsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_helper_reports_started_total",
			Help: "Total number of report graph executions started",
		},
		[]string{"path"},
	)

	ReportsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_helper_reports_completed_total",
			Help: "Total number of report graph executions completed",
		},
		[]string{"path", "status"},
	)

	ReportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "report_helper_report_duration_seconds",
			Help:    "Report graph execution duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"path"},
	)

	// Section metrics
	SectionAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "report_helper_section_attempts_total",
			Help: "Total number of section generate/evaluate cycles",
		},
	)

	SectionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_helper_section_rejections_total",
			Help: "Section drafts rejected by the evaluator, by reason",
		},
		[]string{"reason"},
	)

	// Search metrics
	SearchQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_helper_search_queries_total",
			Help: "Search queries issued, by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	SearchCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_helper_search_cache_lookups_total",
			Help: "Web search cache lookups, by result",
		},
		[]string{"result"},
	)

	// Update metrics
	FragmentsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_helper_fragments_applied_total",
			Help: "Update fragments applied, by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// Completion metrics
	CompletionCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_helper_completion_calls_total",
			Help: "Model completion calls, by outcome",
		},
		[]string{"outcome"},
	)
)
