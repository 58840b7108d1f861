package observer

import (
	"context"
	"time"

	render "github.com/nevindra/renderpipe"

	"go.opentelemetry.io/otel/metric"
)

// engineMetrics adapts Instruments to render.Metrics, the same shape
// NewTracer adapts Instruments' tracer to render.Tracer.
type engineMetrics struct {
	inst *Instruments
}

// NewMetrics returns a render.Metrics backed by inst's counters and gauges.
func NewMetrics(inst *Instruments) render.Metrics {
	return &engineMetrics{inst: inst}
}

func (m *engineMetrics) RunEnqueued(ctx context.Context) {
	m.inst.RunsEnqueued.Add(ctx, 1)
}

func (m *engineMetrics) RunFinished(ctx context.Context, status render.RunStatus, duration time.Duration) {
	attrs := metric.WithAttributes(AttrRunStatusTo.String(string(status)))
	switch status {
	case render.RunDone:
		m.inst.RunsCompleted.Add(ctx, 1)
	case render.RunCanceled:
		m.inst.RunsCanceled.Add(ctx, 1)
	default:
		m.inst.RunsFailed.Add(ctx, 1)
	}
	m.inst.RunDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *engineMetrics) LogAppended(ctx context.Context) {
	m.inst.LogsAppended.Add(ctx, 1)
}

func (m *engineMetrics) QueueDepthDelta(ctx context.Context, delta int) {
	m.inst.QueueDepth.Add(ctx, int64(delta))
}

func (m *engineMetrics) ActiveRunsDelta(ctx context.Context, delta int) {
	m.inst.ActiveRuns.Add(ctx, int64(delta))
}
