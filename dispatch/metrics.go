package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Profiling counters/histograms, recorded around every dispatch call (spec.md
// §4.3 step 4 "Record profiling", §4.4).
var (
	dispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dpiflow",
		Subsystem: "dispatch",
		Name:      "duration_seconds",
		Help:      "Time spent in one TCP or UDP dispatch call.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"transport"})

	dispatchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dpiflow",
		Subsystem: "dispatch",
		Name:      "failures_total",
		Help:      "Dispatch calls that returned a fail branch, by reason.",
	}, []string{"reason"})

	eventsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dpiflow",
		Subsystem: "dispatch",
		Name:      "events_total",
		Help:      "Anomaly events raised by the dispatch core, by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(dispatchDuration, dispatchFailures, eventsRaised)
}
