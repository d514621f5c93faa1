package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters/histograms for availability and recurrence flows.
type SchedulingMetrics struct {
	slotsResolved     *prometheus.CounterVec
	resolveLatency    *prometheus.HistogramVec
	installments      *prometheus.CounterVec
	installmentsSkip  *prometheus.CounterVec
	expansionRuns     *prometheus.CounterVec
	expansionDuration *prometheus.HistogramVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		slotsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odonto",
			Subsystem: "availability",
			Name:      "slots_resolved_total",
			Help:      "Total free slots returned by the availability resolver",
		}, []string{"outcome"}),
		resolveLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "odonto",
			Subsystem: "availability",
			Name:      "resolve_duration_seconds",
			Help:      "Latency of availability resolution",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		installments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odonto",
			Subsystem: "recurrence",
			Name:      "installments_generated_total",
			Help:      "Installments inserted by recurrence expansion",
		}, []string{"trigger"}),
		installmentsSkip: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odonto",
			Subsystem: "recurrence",
			Name:      "installments_skipped_total",
			Help:      "Due dates skipped during expansion",
		}, []string{"reason"}),
		expansionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odonto",
			Subsystem: "recurrence",
			Name:      "expansion_runs_total",
			Help:      "Recurrence expansion runs by trigger and result",
		}, []string{"trigger", "status"}),
		expansionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "odonto",
			Subsystem: "recurrence",
			Name:      "expansion_duration_seconds",
			Help:      "Latency of a single recurrence expansion",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.slotsResolved, m.resolveLatency, m.installments, m.installmentsSkip, m.expansionRuns, m.expansionDuration)
	return m
}

// ObserveResolve records one resolver call. outcome is "ok" or "error".
func (m *SchedulingMetrics) ObserveResolve(outcome string, slots int, seconds float64) {
	if m == nil {
		return
	}
	if slots > 0 {
		m.slotsResolved.WithLabelValues(outcome).Add(float64(slots))
	}
	m.resolveLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *SchedulingMetrics) ObserveInstallmentsGenerated(trigger string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.installments.WithLabelValues(trigger).Add(float64(n))
}

func (m *SchedulingMetrics) ObserveInstallmentSkipped(reason string) {
	if m == nil {
		return
	}
	m.installmentsSkip.WithLabelValues(reason).Inc()
}

func (m *SchedulingMetrics) ObserveExpansion(trigger, status string, seconds float64) {
	if m == nil {
		return
	}
	m.expansionRuns.WithLabelValues(trigger, status).Inc()
	m.expansionDuration.WithLabelValues(trigger).Observe(seconds)
}
