package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "lkstream"
var subsystem = "broker"

var (
	// StartupTime stores how long the startup took (in seconds)
	StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "startup_seconds",
			Help:      "Seconds taken by the startup",
		},
	)

	// AppendedRecordsTotal counts accepted records partitioned by topic
	AppendedRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "appended_records_total",
		Help:      "Number of records accepted by the append path partitioned by topic",
	}, []string{"topic"})

	// AppendedBytesTotal counts framed bytes written partitioned by topic
	AppendedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "appended_bytes_total",
		Help:      "Framed bytes written to active segments partitioned by topic",
	}, []string{"topic"})

	// FlushDuration stores the time spent in each group-commit flush
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "flush_duration_seconds",
		Help:      "Time spent syncing segments and indexes per group-commit flush",
	})

	// FlushesTotal counts group-commit flushes partitioned by trigger
	FlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "flushes_total",
		Help:      "Number of group-commit flushes partitioned by trigger (interval|bytes|request|shutdown)",
	}, []string{"trigger"})

	// InflightBytes stores the bytes written but not yet durable
	InflightBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "inflight_bytes",
		Help:      "Bytes written to OS buffers but not yet synced to stable storage",
	})

	// Subscribers stores the number of live subscriptions
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "subscribers",
		Help:      "Number of registered partition subscriptions",
	})

	// TornFramesRecovered counts frames truncated during crash recovery
	TornFramesRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "torn_frames_recovered_total",
		Help:      "Partial frames truncated from segment tails during recovery",
	})

	// SegmentRotationsTotal counts segment rotations partitioned by topic
	SegmentRotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "segment_rotations_total",
		Help:      "Number of segment rotations partitioned by topic",
	}, []string{"topic"})
)
