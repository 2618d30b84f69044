package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records cart activity. It satisfies cart.Observer.
type Metrics struct {
	registry      *prometheus.Registry
	mutations     *prometheus.CounterVec
	writes        *prometheus.CounterVec
	writeDuration prometheus.Histogram
}

// New registers the cart collectors on a fresh registry. openSessions is
// sampled on every scrape.
func New(openSessions func() int) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cart",
			Name:      "mutations_total",
			Help:      "Committed cart mutations by operation.",
		}, []string{"op"}),
		writes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cart",
			Name:      "snapshot_writes_total",
			Help:      "Finished cart snapshot writes by result.",
		}, []string{"result"}),
		writeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cart",
			Name:      "snapshot_write_duration_seconds",
			Help:      "Time spent writing a snapshot, retries included.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if openSessions != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cart",
			Name:      "open_sessions",
			Help:      "Sessions with a hydrated cart in memory.",
		}, func() float64 { return float64(openSessions()) })
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Metrics) Mutation(op string) {
	m.mutations.WithLabelValues(op).Inc()
}

func (m *Metrics) Persisted(elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.writes.WithLabelValues(result).Inc()
	m.writeDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
