package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	StreamsOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mpvserve",
		Name:      "streams_opened_total",
		Help:      "Total tracked file streams opened.",
	})

	ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mpvserve",
		Name:      "active_streams",
		Help:      "Number of tracked file streams currently open.",
	})

	StreamedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mpvserve",
		Name:      "streamed_bytes_total",
		Help:      "Bytes read from media files by tracked streams.",
	})

	PersistTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mpvserve",
		Name:      "progress_persist_total",
		Help:      "Progress upserts by outcome (inserted, updated, failed).",
	}, []string{"result"})

	ProgressLookupFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mpvserve",
		Name:      "progress_lookup_failures_total",
		Help:      "Progress lookups during directory listing that failed with a storage error.",
	})

	ListingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mpvserve",
		Name:      "listing_duration_seconds",
		Help:      "Time spent building a directory listing.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.3, 1, 3},
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		StreamsOpenedTotal,
		ActiveStreams,
		StreamedBytesTotal,
		PersistTotal,
		ProgressLookupFailuresTotal,
		ListingDuration,
	)
}
