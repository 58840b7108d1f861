package render

import (
	"context"
	"time"
)

// Metrics reports Engine lifecycle counts and gauges. The observer package
// provides an OTEL-backed implementation via NewMetrics(). When no Metrics
// is configured, reporting is skipped (nil check), mirroring how Tracer is
// treated when absent.
type Metrics interface {
	// RunEnqueued is called once per successful Enqueue.
	RunEnqueued(ctx context.Context)
	// RunFinished is called once a run reaches a terminal status (done,
	// failed, qa_failed, or canceled), with the wall-clock time spent
	// running. duration is zero when the run never had a tracked start
	// (e.g. a restart-time restore of a stuck run).
	RunFinished(ctx context.Context, status RunStatus, duration time.Duration)
	// LogAppended is called once per LogEntry handed to the LogQueue.
	LogAppended(ctx context.Context)
	// QueueDepthDelta reports a change in the ready queue's length.
	QueueDepthDelta(ctx context.Context, delta int)
	// ActiveRunsDelta reports a change in the number of runs occupying a
	// worker slot.
	ActiveRunsDelta(ctx context.Context, delta int)
}
