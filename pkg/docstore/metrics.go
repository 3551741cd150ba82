package docstore

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics are registered on [Options.Registerer]. With no registerer the
// collectors still exist but are never exported.
type metrics struct {
	ops            *prometheus.CounterVec
	saveSeconds    prometheus.Histogram
	rebuildSeconds prometheus.Histogram
	records        prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docstore",
			Name:      "operations_total",
			Help:      "Engine operations by operation name and result.",
		}, []string{"op", "result"}),
		saveSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docstore",
			Name:      "save_duration_seconds",
			Help:      "Time spent writing a snapshot, including the backup copy.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		rebuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docstore",
			Name:      "index_rebuild_duration_seconds",
			Help:      "Time spent rebuilding all indexes from the records.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docstore",
			Name:      "records",
			Help:      "Number of records currently held in memory.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.ops, m.saveSeconds, m.rebuildSeconds, m.records} {
		err := reg.Register(c)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	return m, nil
}

func (m *metrics) observeOp(op string, err error) {
	m.ops.WithLabelValues(op, errorClass(err)).Inc()
}

func (m *metrics) observeSave(start time.Time) {
	m.saveSeconds.Observe(time.Since(start).Seconds())
}

func (m *metrics) observeRebuild(start time.Time) {
	m.rebuildSeconds.Observe(time.Since(start).Seconds())
}
