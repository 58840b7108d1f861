// Package observer provides OTEL-based observability for the render
// pipeline engine.
//
// It configures OTLP HTTP exporters for traces, metrics, and logs, and
// exposes the counters/histograms the Engine and LogQueue increment as
// they drive runs through the step state machine. Users export to any
// OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	renderlog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/renderpipe/observer"

// Instruments holds all OTEL instruments the Engine and LogQueue report
// through.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger renderlog.Logger

	// Counters
	RunsEnqueued   metric.Int64Counter
	RunsCompleted  metric.Int64Counter
	RunsFailed     metric.Int64Counter
	RunsCanceled   metric.Int64Counter
	StepExecutions metric.Int64Counter
	LogsAppended   metric.Int64Counter

	// Histograms
	StepDuration metric.Float64Histogram
	RunDuration  metric.Float64Histogram

	// Gauges (up-down counters adjusted by the engine metrics adapter)
	QueueDepth metric.Int64UpDownCounter
	ActiveRuns metric.Int64UpDownCounter
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("render-pipeline-engine")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	runsEnqueued, err := meter.Int64Counter("render.runs.enqueued",
		metric.WithDescription("Runs accepted by Enqueue"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	runsCompleted, err := meter.Int64Counter("render.runs.completed",
		metric.WithDescription("Runs that reached done"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	runsFailed, err := meter.Int64Counter("render.runs.failed",
		metric.WithDescription("Runs that reached failed or qa_failed"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	runsCanceled, err := meter.Int64Counter("render.runs.canceled",
		metric.WithDescription("Runs that reached canceled"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	stepExecutions, err := meter.Int64Counter("render.step.executions",
		metric.WithDescription("StepExecutor.Run invocations"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	logsAppended, err := meter.Int64Counter("render.logs.appended",
		metric.WithDescription("LogEntry rows written by LogQueue"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram("render.step.duration",
		metric.WithDescription("StepExecutor.Run wall-clock duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("render.run.duration",
		metric.WithDescription("Time from running to a terminal state"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64UpDownCounter("render.queue.depth",
		metric.WithDescription("Current length of the ready queue"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	activeRuns, err := meter.Int64UpDownCounter("render.runs.active",
		metric.WithDescription("Runs currently occupying a worker slot"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:         tracer,
		Meter:          meter,
		Logger:         logger,
		RunsEnqueued:   runsEnqueued,
		RunsCompleted:  runsCompleted,
		RunsFailed:     runsFailed,
		RunsCanceled:   runsCanceled,
		StepExecutions: stepExecutions,
		LogsAppended:   logsAppended,
		StepDuration:   stepDuration,
		RunDuration:    runDuration,
		QueueDepth:     queueDepth,
		ActiveRuns:     activeRuns,
	}, nil
}
