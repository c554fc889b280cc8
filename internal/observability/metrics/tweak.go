package metrics

import "time"

// RecordRPCCall records one chain JSON-RPC call, including its retries.
func RecordRPCCall(method, outcome string, d time.Duration) {
	if !enabled {
		return
	}
	rpcCallsTotal.WithLabelValues(method, outcome).Inc()
	rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

// TweakRun records a finished tweak run.
func TweakRun(mode, status string) {
	if !enabled {
		return
	}
	tweakRunsTotal.WithLabelValues(mode, status).Inc()
}

// TweakStage records the duration of one pipeline stage.
func TweakStage(stage, status string, d time.Duration) {
	if !enabled {
		return
	}
	tweakStageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

// LayoutFinding records a storage layout incompatibility.
func LayoutFinding(kind string) {
	if !enabled {
		return
	}
	layoutFindings.WithLabelValues(kind).Inc()
}
