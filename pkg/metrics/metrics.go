package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the crawl counters to Prometheus.
type Metrics struct {
	Lookups            *prometheus.CounterVec
	LastCompletedIndex prometheus.Gauge
	BudgetUsed         prometheus.Gauge
	RowsWritten        prometheus.Counter
}

// New registers the crawl collectors on the default registry.
func New() *Metrics {
	m := &Metrics{
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipv6_crawler_lookups_total",
			Help: "Lookup attempts by classified outcome",
		}, []string{"outcome"}),
		LastCompletedIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ipv6_crawler_last_completed_index",
			Help: "Highest row index with a durably committed result",
		}),
		BudgetUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ipv6_crawler_budget_used",
			Help: "Requests counted against the current exit IP",
		}),
		RowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipv6_crawler_rows_written_total",
			Help: "Rows committed to the result sink",
		}),
	}
	prometheus.MustRegister(m.Lookups, m.LastCompletedIndex, m.BudgetUsed, m.RowsWritten)
	return m
}

// Exporter serves /metrics on addr. Blocks; run it in a goroutine.
func Exporter(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
