package metrics

import "github.com/prometheus/client_golang/prometheus"

// ReconcileMetrics tracks outcomes of subscription reconciliation sweeps.
type ReconcileMetrics struct {
	checked *prometheus.CounterVec
	drift   *prometheus.CounterVec
	errors  *prometheus.CounterVec
}

// NewReconcileMetrics registers reconciliation counters on the provided registerer.
func NewReconcileMetrics(reg prometheus.Registerer) *ReconcileMetrics {
	if reg == nil {
		return &ReconcileMetrics{}
	}
	checked := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_subscriptions_checked",
		Help: "Subscriptions compared against the billing provider.",
	}, []string{"job"})
	drift := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_drift_corrected",
		Help: "Subscriptions whose stored state was corrected from provider state.",
	}, []string{"job"})
	errorsVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_errors",
		Help: "Per-subscription reconciliation failures.",
	}, []string{"job"})
	reg.MustRegister(checked, drift, errorsVec)
	return &ReconcileMetrics{
		checked: checked,
		drift:   drift,
		errors:  errorsVec,
	}
}

// IncChecked counts a subscription compared against the provider.
func (r *ReconcileMetrics) IncChecked(job string) {
	if r == nil || r.checked == nil {
		return
	}
	r.checked.WithLabelValues(normalizeLabel(job)).Inc()
}

// IncDrift counts a stored subscription corrected from provider state.
func (r *ReconcileMetrics) IncDrift(job string) {
	if r == nil || r.drift == nil {
		return
	}
	r.drift.WithLabelValues(normalizeLabel(job)).Inc()
}

// IncError counts a per-subscription reconciliation failure.
func (r *ReconcileMetrics) IncError(job string) {
	if r == nil || r.errors == nil {
		return
	}
	r.errors.WithLabelValues(normalizeLabel(job)).Inc()
}
