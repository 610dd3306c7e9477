package kernel

import (
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/cryptlib-go/cryptlib/infrastructure/logging"
)

// capabilityDependencies names, per algorithm, the algorithms it builds
// on. A failing self-test disables the algorithm and, transitively,
// everything that requires it.
var capabilityDependencies = map[AlgorithmID][]AlgorithmID{
	AlgoHMACSHA256: {AlgoSHA256},
}

// healthMonitor tracks per-capability availability, set at init-time
// self-test and optionally re-evaluated on a schedule. It never
// touches live object state: a disabled algorithm only affects future
// context creation.
type healthMonitor struct {
	mu          sync.RWMutex
	unavailable map[AlgorithmID]bool
	cron        *cron.Cron
}

func newHealthMonitor() *healthMonitor {
	return &healthMonitor{unavailable: make(map[AlgorithmID]bool)}
}

// runSelfTests exercises every registered capability's self-test
// function and records the outcome. Failures mark the capability (and
// its transitive dependents) unavailable but leave the kernel up.
func (h *healthMonitor) runSelfTests(reg *capabilityRegistry, log *logging.Logger, metrics *kernelMetrics) {
	reg.mu.RLock()
	descs := make([]*capabilityDescriptor, 0, len(reg.byID))
	for _, d := range reg.byID {
		descs = append(descs, d)
	}
	reg.mu.RUnlock()

	failed := make(map[AlgorithmID]bool)
	for _, d := range descs {
		err := d.selfTest()
		ok := err == nil
		metrics.recordSelfTest(d.info.Algo, ok)
		logging.LogSelfTestResult(log, d.info.Algo.String(), ok, err)
		if !ok {
			failed[d.info.Algo] = true
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for algo := range failed {
		h.unavailable[algo] = true
	}
	// Transitive disable: anything depending on a failed algorithm is
	// unavailable too, even if its own self-test passed.
	for algo, deps := range capabilityDependencies {
		for _, dep := range deps {
			if h.unavailable[dep] {
				h.unavailable[algo] = true
			}
		}
	}
}

// available reports whether contexts may still be created for algo.
func (h *healthMonitor) available(algo AlgorithmID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.unavailable[algo]
}

// markUnavailable exists for tests that need to simulate a self-test
// failure without breaking a real capability.
func (h *healthMonitor) markUnavailable(algo AlgorithmID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unavailable[algo] = true
	for dependent, deps := range capabilityDependencies {
		for _, dep := range deps {
			if dep == algo {
				h.unavailable[dependent] = true
			}
		}
	}
}

// startSchedule begins periodic re-validation. A capability that fails a scheduled run is disabled
// exactly as an init-time failure would be.
func (h *healthMonitor) startSchedule(spec string, reg *capabilityRegistry, log *logging.Logger, metrics *kernelMetrics) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		h.runSelfTests(reg, log, metrics)
	}); err != nil {
		return wrapErr(StatusArgumentValue, LocusNone, "invalid self-test schedule", err)
	}
	h.mu.Lock()
	h.cron = c
	h.mu.Unlock()
	c.Start()
	return nil
}

func (h *healthMonitor) stopSchedule() {
	h.mu.Lock()
	c := h.cron
	h.cron = nil
	h.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}
