package kernel

import "github.com/prometheus/client_golang/prometheus"

// kernelMetrics instruments the dispatcher and object table:
// live objects by type, dispatches by message type and status, and the
// per-capability self-test outcome.
type kernelMetrics struct {
	objectsLive *prometheus.GaugeVec
	dispatches  *prometheus.CounterVec
	selfTests   *prometheus.GaugeVec
}

func newKernelMetrics(namespace string, reg prometheus.Registerer) *kernelMetrics {
	if reg == nil {
		// Kernel-private registry by default so two kernels in one
		// process never fight over collector registration.
		reg = prometheus.NewRegistry()
	}
	m := &kernelMetrics{
		objectsLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "objects_live",
			Help:      "Live objects in the object table, by type.",
		}, []string{"type"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "messages_total",
			Help:      "Messages dispatched, by message type and result status.",
		}, []string{"message", "status"}),
		selfTests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "selftest_ok",
			Help:      "Last self-test outcome per capability (1 pass, 0 fail).",
		}, []string{"algorithm"}),
	}
	reg.MustRegister(m.objectsLive, m.dispatches, m.selfTests)
	return m
}

func (k *Kernel) recordDispatch(msg *message, err error) {
	if k.metrics == nil {
		return
	}
	k.metrics.dispatches.WithLabelValues(msg.typ.String(), StatusOf(err).String()).Inc()
}

func (k *Kernel) recordObjectCreated(typ ObjectType) {
	if k.metrics == nil {
		return
	}
	k.metrics.objectsLive.WithLabelValues(typ.String()).Inc()
}

func (k *Kernel) recordObjectDestroyed(typ ObjectType) {
	if k.metrics == nil {
		return
	}
	k.metrics.objectsLive.WithLabelValues(typ.String()).Dec()
}

func (m *kernelMetrics) recordSelfTest(algo AlgorithmID, ok bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ok {
		v = 1.0
	}
	m.selfTests.WithLabelValues(algo.String()).Set(v)
}
