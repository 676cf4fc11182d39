package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn pipeline
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raven_turns_total",
			Help: "Chat turns by outcome",
		},
		[]string{"outcome"}, // completed, cancelled, provider_error, rejected
	)

	StreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raven_stream_duration_seconds",
			Help:    "Time from stream open to last fragment",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 40, 80},
		},
	)

	ContextTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raven_context_tokens",
			Help:    "History tokens selected for a turn",
			Buckets: prometheus.ExponentialBuckets(64, 2, 9),
		},
	)

	// Token accounting
	TokenCountsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raven_token_counts_total",
			Help: "Text token counts by source",
		},
		[]string{"source"}, // cache, provider, estimate
	)

	// Summaries
	SummariesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raven_summaries_total",
			Help: "Summarization attempts by result",
		},
		[]string{"result"}, // created, skipped, throttled, failed
	)

	// Media
	MediaSelected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raven_media_selected_total",
			Help: "Media items allowed into prompts",
		},
		[]string{"source"}, // current, history
	)

	MediaPlaceholders = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "raven_media_placeholders_total",
			Help: "Media references rendered as text because they could not be normalized",
		},
	)
)
