package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "criptex"

// Prometheus implementa ports.Metrics sobre un registry propio.
type Prometheus struct {
	registry *prometheus.Registry

	created        *prometheus.CounterVec
	settled        *prometheus.CounterVec
	settleLatency  *prometheus.HistogramVec
	ledgerMoves    *prometheus.CounterVec
	ledgerUnits    *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	settleRetries  prometheus.Counter
	adapterErrors  *prometheus.CounterVec
	generationRuns *prometheus.CounterVec
}

// New registra todas las métricas del motor. withRuntime añade los
// collectors de Go y del proceso (se omiten en tests).
func New(withRuntime bool) *Prometheus {
	reg := prometheus.NewRegistry()
	m := &Prometheus{
		registry: reg,
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_created_total",
			Help:      "Predictions created, by kind (manual or automatic).",
		}, []string{"kind"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_settled_total",
			Help:      "Predictions moved to a terminal status.",
		}, []string{"status"}),
		settleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_lag_seconds",
			Help:      "Delay between expiry and the terminal write.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		}, []string{"status"}),
		ledgerMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_movements_total",
			Help:      "Ledger journal entries, by reason.",
		}, []string{"reason"}),
		ledgerUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_units_total",
			Help:      "Absolute credit units moved, by reason.",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_queue_depth",
			Help:      "ACTIVE predictions tracked by the expiry scheduler.",
		}),
		settleRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_retries_total",
			Help:      "Settlement attempts rescheduled after a failure.",
		}),
		adapterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_errors_total",
			Help:      "Failed calls to external adapters.",
		}, []string{"adapter"}),
		generationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_runs_total",
			Help:      "Automatic generation attempts, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.created, m.settled, m.settleLatency,
		m.ledgerMoves, m.ledgerUnits, m.queueDepth,
		m.settleRetries, m.adapterErrors, m.generationRuns,
	)
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Handler expone el registry en formato Prometheus.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry devuelve el registry subyacente.
func (m *Prometheus) Registry() *prometheus.Registry { return m.registry }

func (m *Prometheus) PredictionCreated(kind string) {
	m.created.WithLabelValues(kind).Inc()
}

func (m *Prometheus) PredictionSettled(status string, latency time.Duration) {
	m.settled.WithLabelValues(status).Inc()
	if latency < 0 {
		latency = 0
	}
	m.settleLatency.WithLabelValues(status).Observe(latency.Seconds())
}

func (m *Prometheus) LedgerMovement(reason string, amount int64) {
	m.ledgerMoves.WithLabelValues(reason).Inc()
	if amount < 0 {
		amount = -amount
	}
	m.ledgerUnits.WithLabelValues(reason).Add(float64(amount))
}

func (m *Prometheus) SchedulerQueueDepth(n int) { m.queueDepth.Set(float64(n)) }

func (m *Prometheus) SettlementRetry() { m.settleRetries.Inc() }

func (m *Prometheus) AdapterError(adapter string) {
	m.adapterErrors.WithLabelValues(adapter).Inc()
}

func (m *Prometheus) GenerationRun(result string) {
	m.generationRuns.WithLabelValues(result).Inc()
}
