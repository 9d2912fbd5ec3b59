package telemetry

import "github.com/prometheus/client_golang/prometheus"

// SupplyMetrics counts stock pipeline events. A nil *SupplyMetrics is valid
// and records nothing, which keeps unit tests free of registries.
type SupplyMetrics struct {
	stockUnits       *prometheus.CounterVec
	stockRejections  *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	transfers        *prometheus.CounterVec
	usageRecorded    prometheus.Counter
	usageBatchFailed prometheus.Counter
}

func newSupplyMetrics() *SupplyMetrics {
	return &SupplyMetrics{
		stockUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_units_total",
			Help:      "Units moved through the stock ledger by direction.",
		}, []string{"direction"}),
		stockRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_rejections_total",
			Help:      "Stock decreases refused by the ledger.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requisition_transitions_total",
			Help:      "Requisition state transitions by target status.",
		}, []string{"status"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Store transfers by resulting status.",
		}, []string{"status"}),
		usageRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "procedure_usage_total",
			Help:      "Procedure usage rows written.",
		}),
		usageBatchFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "procedure_usage_batch_failures_total",
			Help:      "Lines of batch usage calls that failed.",
		}),
	}
}

func (m *SupplyMetrics) register(reg prometheus.Registerer) {
	reg.MustRegister(m.stockUnits, m.stockRejections, m.transitions, m.transfers, m.usageRecorded, m.usageBatchFailed)
}

func (m *SupplyMetrics) StockIncreased(qty int64) {
	if m == nil {
		return
	}
	m.stockUnits.WithLabelValues("in").Add(float64(qty))
}

func (m *SupplyMetrics) StockDecreased(qty int64) {
	if m == nil {
		return
	}
	m.stockUnits.WithLabelValues("out").Add(float64(qty))
}

// StockRejected takes "insufficient" or "not_found".
func (m *SupplyMetrics) StockRejected(reason string) {
	if m == nil {
		return
	}
	m.stockRejections.WithLabelValues(reason).Inc()
}

func (m *SupplyMetrics) RequisitionTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *SupplyMetrics) Transfer(status string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(status).Inc()
}

func (m *SupplyMetrics) UsageRecorded() {
	if m == nil {
		return
	}
	m.usageRecorded.Inc()
}

func (m *SupplyMetrics) UsageBatchFailed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.usageBatchFailed.Add(float64(n))
}
