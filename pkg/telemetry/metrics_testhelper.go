package telemetry

import "sync"

// ResetMetricsForTest clears the lazily-initialized instruments so tests can
// install their own meter provider.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	attemptCounter = nil
	attemptRejectionCounter = nil
	attemptTimeoutCounter = nil
	attemptRollbackCounter = nil
	reservationCounter = nil
	attemptLatencyHistogram = nil
}
