// Package metrics exposes query meta model activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"querymeta/internal/qmm"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "qmm"

// Execution duration buckets in milliseconds.
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Metrics is a qmm.Observer that keeps Prometheus collectors current.
type Metrics struct {
	registry *prometheus.Registry

	statementsOpened  *prometheus.CounterVec
	statementsLeaked  prometheus.Counter
	executionsTotal   *prometheus.CounterVec
	transactionsTotal *prometheus.CounterVec
	fetchedRows       prometheus.Counter
	updatedRows       prometheus.Counter

	executionDuration *prometheus.HistogramVec

	openConnections prometheus.Gauge
}

var _ qmm.Observer = (*Metrics)(nil)

// New creates the collectors in a private registry. A nil or empty buckets
// slice selects the default duration buckets.
func New(namespace string, buckets []float64) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		statementsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "statements_opened_total",
				Help:      "Statements opened, by purpose",
			},
			[]string{"purpose"},
		),
		statementsLeaked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "statements_leaked_total",
				Help:      "Statements still open when their connection closed",
			},
		),
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Finished statement executions, by status and transactional flag",
			},
			[]string{"status", "transactional"},
		),
		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Finished transactions and savepoint rollbacks, by outcome",
			},
			[]string{"outcome"},
		),
		fetchedRows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetched_rows_total",
				Help:      "Rows fetched from result sets",
			},
		),
		updatedRows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "updated_rows_total",
				Help:      "Rows reported as affected by executions",
			},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_milliseconds",
				Help:      "Duration of statement executions in milliseconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		openConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_connections",
				Help:      "Recorded connections currently open",
			},
		),
	}

	registry.MustRegister(
		m.statementsOpened,
		m.statementsLeaked,
		m.executionsTotal,
		m.transactionsTotal,
		m.fetchedRows,
		m.updatedRows,
		m.executionDuration,
		m.openConnections,
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe implements qmm.Observer.
func (m *Metrics) Observe(ev qmm.Event) {
	switch ev.Type {
	case qmm.EventConnectionOpened, qmm.EventConnectionReopened:
		m.openConnections.Inc()
	case qmm.EventConnectionClosed:
		m.openConnections.Dec()
	case qmm.EventStatementOpened:
		if s, ok := ev.Record.(qmm.Statement); ok {
			m.statementsOpened.WithLabelValues(s.Purpose.String()).Inc()
		}
	case qmm.EventStatementLeaked:
		m.statementsLeaked.Inc()
	case qmm.EventExecutionEnded:
		if e, ok := ev.Record.(qmm.Execution); ok {
			m.observeExecution(e)
		}
	case qmm.EventFetchEnded:
		if e, ok := ev.Record.(qmm.Execution); ok {
			m.fetchedRows.Add(float64(e.FetchRowCount))
		}
	case qmm.EventCommitted:
		if ev.Record != nil {
			m.transactionsTotal.WithLabelValues("committed").Inc()
		}
	case qmm.EventRolledBack:
		switch ev.Record.(type) {
		case qmm.Transaction:
			m.transactionsTotal.WithLabelValues("rolled_back").Inc()
		case qmm.Savepoint:
			m.transactionsTotal.WithLabelValues("rolled_back_to_savepoint").Inc()
		}
	}
}

func (m *Metrics) observeExecution(e qmm.Execution) {
	status := "ok"
	if e.HasError() {
		status = "error"
	}
	transactional := "false"
	if e.Transactional {
		transactional = "true"
	}
	m.executionsTotal.WithLabelValues(status, transactional).Inc()
	if e.UpdateRowCount > 0 {
		m.updatedRows.Add(float64(e.UpdateRowCount))
	}
	if d, ok := e.Duration(); ok {
		m.executionDuration.WithLabelValues(status).Observe(float64(d.Microseconds()) / 1000)
	}
}
