package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Compositions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "animcompose_compositions_total",
			Help: "Compositions finished, by execution path and outcome",
		},
		[]string{"path", "outcome"},
	)

	CompositionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "animcompose_composition_duration_seconds",
			Help:    "Wall-clock duration of a composition request",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"path"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "animcompose_cache_lookups_total",
			Help: "Conversion cache lookups by result",
		},
		[]string{"result"},
	)

	SourceResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "animcompose_source_resolutions_total",
			Help: "Source resolutions by the strategy that succeeded",
		},
		[]string{"strategy"},
	)

	SynthesisFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "animcompose_synthesis_fallbacks_total",
			Help: "Graph synthesis failures that fell back to frame materialization",
		},
	)

	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "animcompose_tool_invocations_total",
			Help: "External tool invocations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	ReservationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "animcompose_output_reservations_active",
			Help: "Output filenames reserved but not yet released",
		},
	)
)
