package metrics

import "time"

// InstrumentOp records IPC op metrics. Called by internal/ipc around
// every dispatched operation; replaces the ConnectRPC interceptor
// pattern the teacher used since C7's transport is raw NDJSON, not
// ConnectRPC.
func InstrumentOp(op, code string, start time.Time) {
	IPCRequestsTotal.WithLabelValues(op, code).Inc()
	IPCRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
