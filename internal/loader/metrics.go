package loader

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK        = "ok"
	resultError     = "error"
	resultCancelled = "cancelled"
)

type metrics struct {
	loads     *prometheus.CounterVec
	cacheHits prometheus.Counter
	joins     prometheus.Counter
	records   prometheus.Counter
	bytes     prometheus.Counter
	inflight  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricing",
			Subsystem: "loader",
			Name:      "loads_total",
			Help:      "Resource loads by result.",
		}, []string{"result"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricing",
			Subsystem: "loader",
			Name:      "cache_hits_total",
			Help:      "Loads answered from the cache.",
		}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricing",
			Subsystem: "loader",
			Name:      "inflight_joins_total",
			Help:      "Loads that joined an in-flight decode of the same resource.",
		}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricing",
			Subsystem: "loader",
			Name:      "records_decoded_total",
			Help:      "Records decoded from streamed resources.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricing",
			Subsystem: "loader",
			Name:      "raw_bytes_total",
			Help:      "Compressed bytes read from the source.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pricing",
			Subsystem: "loader",
			Name:      "inflight_loads",
			Help:      "Resources currently being decoded.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.loads, m.cacheHits, m.joins, m.records, m.bytes, m.inflight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
