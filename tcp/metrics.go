package tcp

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus instrumentation surface for a Stack.
// Grounded on the pack's TCP-stats-over-Prometheus exporters: connection
// counters and gauges are the entire purpose of that stack. Here they carry
// no labels: each one aggregates over every TCB that shares this Metrics.
type Metrics struct {
	SegmentsSent     prometheus.Counter
	SegmentsReceived prometheus.Counter
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	Retransmits      prometheus.Counter
	SegmentsDropped  prometheus.Counter
	ActiveTCBs       prometheus.Gauge
	RTO              prometheus.Histogram
}

// NewMetrics registers a Metrics set on reg under the given namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		SegmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "segments_sent_total", Help: "TCP segments transmitted.",
		}),
		SegmentsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "segments_received_total", Help: "TCP segments received and accepted.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total", Help: "Payload bytes transmitted.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total", Help: "Payload bytes delivered to receivers.",
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retransmits_total", Help: "Segments retransmitted after RTO expiry.",
		}),
		SegmentsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "segments_dropped_total", Help: "Segments dropped at admission (bad data offset or checksum).",
		}),
		ActiveTCBs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_tcbs", Help: "TCBs not in the CLOSED state.",
		}),
		RTO: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rto_seconds", Help: "Current retransmit timeout observed on each update.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.SegmentsSent, m.SegmentsReceived, m.BytesSent, m.BytesReceived,
			m.Retransmits, m.SegmentsDropped, m.ActiveTCBs, m.RTO)
	}
	return m
}

// Stats is a point-in-time read-only snapshot of one TCB's counters,
// the non-Prometheus surface spec.md never named but any complete
// implementation exposes for diagnostics.
type Stats struct {
	SegmentsSent     uint64
	SegmentsReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	Retransmits      uint64
	RTO              float64
	State            State
}
