package render

import "context"

// Store abstracts durable, transactional persistence of Project, PlanVersion,
// Scene, and Run entities. All methods are context-first. Implementations
// (store/sqlite, store/postgres) must serialize every multi-row write inside
// one transaction so the Engine never observes or leaves partial state.
type Store interface {
	// --- Projects ---
	CreateProject(ctx context.Context, p Project) error
	GetProject(ctx context.Context, id string) (Project, error)

	// --- PlanVersions + Scenes ---
	// CreatePlanVersion persists pv and its Scenes in one transaction.
	CreatePlanVersion(ctx context.Context, pv PlanVersion) error
	GetPlanVersion(ctx context.Context, id string) (PlanVersion, error)
	// UpdateSceneDurations writes measured scene durations back (e.g. after
	// tts_generate measures actual audio length) in one transaction.
	UpdateSceneDurations(ctx context.Context, planVersionID string, durations map[string]float64) error

	// --- Runs ---
	// CreateRun inserts r as a new Run row with the fields it is given.
	// Engine.Enqueue always passes status=queued, progress=0, empty logs and
	// empty resume state.
	CreateRun(ctx context.Context, r Run) error
	GetRun(ctx context.Context, id string) (Run, error)

	// TransitionRun reads the current Run row, applies fn, and writes the
	// result back — Run fields plus, when fn returns a non-empty
	// ProjectStatus, the owning Project's status — all inside one
	// transaction. fn mutates r in place and returns the desired new
	// ProjectStatus ("" to leave Project unchanged). r.Logs is read-only
	// inside fn: implementations never write the logs column back here,
	// so a transition cannot lose an entry a concurrent AppendLogs commits.
	TransitionRun(ctx context.Context, runID string, fn func(r *Run) (ProjectStatus, error)) (Run, error)

	// AppendLogs appends entries to a Run's log stream in one transaction,
	// in submission order. Used exclusively by LogQueue's per-run appender;
	// it is the only writer of the logs column.
	AppendLogs(ctx context.Context, runID string, entries []LogEntry) error

	// FindQueuedRuns returns every Run with status=queued, ordered by
	// createdAt ascending, used by RestoreAfterRestart to refill the
	// in-memory ready queue.
	FindQueuedRuns(ctx context.Context) ([]Run, error)
	// FindRunningRuns returns every Run with status=running, used by
	// RestoreAfterRestart to find runs to fail after a crash.
	FindRunningRuns(ctx context.Context) ([]Run, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
