package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for render-pipeline spans and metrics.
var (
	AttrRunID     = attribute.Key("render.run_id")
	AttrProjectID = attribute.Key("render.project_id")
	AttrStep      = attribute.Key("render.step")

	AttrRunStatusFrom = attribute.Key("render.transition.from")
	AttrRunStatusTo   = attribute.Key("render.transition.to")

	AttrQueueDepth    = attribute.Key("render.queue.depth")
	AttrActiveRuns    = attribute.Key("render.active_runs")
	AttrStepSucceeded = attribute.Key("render.step.succeeded")
)
