package observer

import (
	"context"
	"time"

	render "github.com/nevindra/renderpipe"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	renderlog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedStepExecutor wraps a render.StepExecutor with OTEL instrumentation.
type ObservedStepExecutor struct {
	inner render.StepExecutor
	inst  *Instruments
}

// WrapStepExecutor returns an instrumented StepExecutor.
func WrapStepExecutor(inner render.StepExecutor, inst *Instruments) *ObservedStepExecutor {
	return &ObservedStepExecutor{inner: inner, inst: inst}
}

func (o *ObservedStepExecutor) Run(ctx context.Context, step render.StepName, run render.Run, plan render.PlanVersion) (render.StepResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "stepexec.run", trace.WithAttributes(
		AttrStep.String(string(step)),
		AttrRunID.String(run.ID),
		AttrProjectID.String(run.ProjectID),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Run(ctx, step, run, plan)

	durationMs := float64(time.Since(start).Milliseconds())
	succeeded := err == nil
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrStepSucceeded.Bool(succeeded))

	o.inst.StepExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrStep.String(string(step)),
		attribute.Bool("succeeded", succeeded),
	))
	o.inst.StepDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrStep.String(string(step)),
	))

	var rec renderlog.Record
	rec.SetSeverity(renderlog.SeverityInfo)
	rec.SetBody(renderlog.StringValue("step executed"))
	rec.AddAttributes(
		renderlog.String("render.run_id", run.ID),
		renderlog.String("render.step", string(step)),
		renderlog.Bool("render.step.succeeded", succeeded),
		renderlog.Float64("render.step.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}
