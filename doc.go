// Package render is a durable job engine for turning an approved
// video-production plan into a finished short-form video through a fixed,
// multi-step external-provider pipeline.
//
// It owns the hard part: the durable job queue, the step state machine, the
// resumable execution loop, concurrency and back-pressure control, log-append
// serialization, subscriber broadcast, and the cancellation/shutdown
// protocol. The HTTP surface, auth, the plan generator, and the individual
// media toolchains are external collaborators.
//
// # Quick Start
//
// Create an Engine by composing an initialized Store and a StepExecutor
// (a Clock, Tracer, Metrics and EngineConfig are optional):
//
//	store := sqlite.New("render.db")
//	if err := store.Init(ctx); err != nil {
//		return err
//	}
//	eng := render.New(
//		render.WithStore(store),
//		render.WithStepExecutor(stepexec.NewDryRun("artifacts")),
//		render.WithEngineConfig(render.DefaultEngineConfig()),
//	)
//	eng.RestoreAfterRestart(ctx)
//	run, err := eng.Enqueue(ctx, planVersion)
//
// # Core Interfaces
//
// The root package defines the contracts every component implements:
//
//   - [Store] — transactional persistence for Project/PlanVersion/Scene/Run
//   - [StepExecutor] — implements the seven named pipeline steps
//   - [Clock] — current time for Run timestamps and durations
//   - [Tracer] — optional OTEL-backed span creation
//
// # Included Implementations
//
// Storage: store/sqlite (local/dev), store/postgres (production).
// Steps: stepexec (dry-run fake plus the Docker-backed ffmpeg_render step).
//
// See cmd/renderd for a complete reference application.
package render
