package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "relaywatch_"

const (
	streamWrites      = "source_writes"
	streamPropagation = "propagation"
	streamMetrics     = "metrics"
)

const (
	outcomeOK        = "ok"
	outcomeError     = "error"
	outcomeMalformed = "malformed"
	outcomeStale     = "stale"
)

var fetchTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "fetch_total",
		Help: "Number of completed source fetches by stream and outcome",
	},
	[]string{"stream", "outcome"},
)

var fetchDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    metricsPrefix + "fetch_duration_seconds",
		Help:    "Time taken by one source fetch",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"stream"},
)

var skippedTicks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "skipped_ticks_total",
		Help: "Ticks skipped because the previous fetch of the stream was still in flight",
	},
	[]string{"stream"},
)

var newEvents = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "new_events_total",
		Help: "Events added to a buffer after deduplication",
	},
	[]string{"stream"},
)

var bufferedEvents = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: metricsPrefix + "buffered_events",
		Help: "Events currently held in a stream buffer",
	},
	[]string{"stream"},
)

var prunedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: metricsPrefix + "pruned_total",
		Help: "Buffered entries dropped for exceeding the maximum age",
	},
)

var sweptHighlights = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: metricsPrefix + "swept_highlights_total",
		Help: "Expired highlight marks removed by the sweep",
	},
)

var observationActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: metricsPrefix + "observation_active",
		Help: "1 while a metrics observation session is running",
	},
)

func recordFetch(stream, outcome string, seconds float64) {
	fetchTotal.WithLabelValues(stream, outcome).Inc()
	fetchDuration.WithLabelValues(stream).Observe(seconds)
}
