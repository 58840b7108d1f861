package render

import "encoding/json"

// --- Domain types (database records) ---

// ProjectStatus is the lifecycle state of a video project.
type ProjectStatus string

const (
	ProjectDraftPlan ProjectStatus = "draft_plan"
	ProjectPlanReady ProjectStatus = "plan_ready"
	ProjectApproved  ProjectStatus = "approved"
	ProjectRendering ProjectStatus = "rendering"
	ProjectDone      ProjectStatus = "done"
	ProjectFailed    ProjectStatus = "failed"
)

// Project is the top-level unit a Run renders. Only the fields the Engine
// reads or writes are modeled; plan-authoring fields are opaque to it.
type Project struct {
	ID                string        `json:"id"`
	Status            ProjectStatus `json:"status"`
	LatestPlanVersion string        `json:"latest_plan_version_id,omitempty"`
	CreatedAt         int64         `json:"created_at"`
	UpdatedAt         int64         `json:"updated_at"`
}

// PlanVersion is an immutable (once referenced by a Run) ordered list of Scenes.
type PlanVersion struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Scenes    []Scene `json:"scenes"`
	CreatedAt int64   `json:"created_at"`
}

// Scene is one ordered beat of a PlanVersion. Idx is dense: 0..N-1.
type Scene struct {
	ID            string  `json:"id"`
	PlanVersionID string  `json:"plan_version_id"`
	Idx           int     `json:"idx"`
	Narration     string  `json:"narration"`
	VisualPrompt  string  `json:"visual_prompt"`
	DurationSec   float64 `json:"duration_sec"`
}

// RunStatus is the Run state-machine position. See Engine for the
// transitions between positions.
type RunStatus string

const (
	RunQueued   RunStatus = "queued"
	RunRunning  RunStatus = "running"
	RunDone     RunStatus = "done"
	RunFailed   RunStatus = "failed"
	RunCanceled RunStatus = "canceled"
	RunQAFailed RunStatus = "qa_failed"
)

// IsTerminal reports whether s is one of the four terminal Run states.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunDone, RunFailed, RunCanceled, RunQAFailed:
		return true
	default:
		return false
	}
}

// LogLevel classifies a LogEntry.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one append-only line in a Run's log stream.
type LogEntry struct {
	Timestamp int64    `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
}

// ResumeState records which steps of a Run attempt have already completed,
// and the opaque per-step data a StepExecutor needs to skip finished
// sub-work on re-entry. Monotonic: within one run attempt, steps are only
// ever added, never removed (Retry with fromStep is the one operation that
// rewinds it, and that happens before a new attempt starts).
type ResumeState struct {
	CompletedSteps []StepName                   `json:"completed_steps"`
	PerStepData    map[StepName]json.RawMessage `json:"per_step_data,omitempty"`
}

// HasCompleted reports whether step is already marked complete.
func (r ResumeState) HasCompleted(step StepName) bool {
	for _, s := range r.CompletedSteps {
		if s == step {
			return true
		}
	}
	return false
}

// clone returns a deep copy so callers never share backing arrays/maps with
// the Engine's own in-memory or persisted copy.
func (r ResumeState) clone() ResumeState {
	out := ResumeState{
		CompletedSteps: append([]StepName(nil), r.CompletedSteps...),
	}
	if r.PerStepData != nil {
		out.PerStepData = make(map[StepName]json.RawMessage, len(r.PerStepData))
		for k, v := range r.PerStepData {
			cp := make(json.RawMessage, len(v))
			copy(cp, v)
			out.PerStepData[k] = cp
		}
	}
	return out
}

// withCompleted returns a copy of r with step appended and data recorded,
// leaving r untouched.
func (r ResumeState) withCompleted(step StepName, data json.RawMessage) ResumeState {
	out := r.clone()
	if !out.HasCompleted(step) {
		out.CompletedSteps = append(out.CompletedSteps, step)
	}
	if data != nil {
		if out.PerStepData == nil {
			out.PerStepData = make(map[StepName]json.RawMessage)
		}
		out.PerStepData[step] = data
	}
	return out
}

// rewoundFrom returns a copy of r with step and every step at-or-after it in
// STEPS order removed from CompletedSteps and PerStepData, as required by
// Retry(runId, fromStep).
func (r ResumeState) rewoundFrom(step StepName) ResumeState {
	cutoff := stepIndex(step)
	out := ResumeState{PerStepData: map[StepName]json.RawMessage{}}
	for _, s := range r.CompletedSteps {
		if stepIndex(s) < cutoff {
			out.CompletedSteps = append(out.CompletedSteps, s)
			if v, ok := r.PerStepData[s]; ok {
				out.PerStepData[s] = v
			}
		}
	}
	return out
}

// Artifacts is the opaque key-value record of output paths/URIs a Run
// accumulates as steps complete (e.g. "audio/scene0.mp3" -> artifact path).
type Artifacts map[string]string

// merge returns a copy of a with every key in delta set (delta wins on
// conflict), leaving a untouched.
func (a Artifacts) merge(delta Artifacts) Artifacts {
	out := make(Artifacts, len(a)+len(delta))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

// Run is one attempt to render one approved PlanVersion.
type Run struct {
	ID            string      `json:"id"`
	ProjectID     string      `json:"project_id"`
	PlanVersionID string      `json:"plan_version_id"`
	Status        RunStatus   `json:"status"`
	Progress      int         `json:"progress"`
	CurrentStep   StepName    `json:"current_step"`
	Logs          []LogEntry  `json:"logs"`
	Artifacts     Artifacts   `json:"artifacts"`
	ResumeState   ResumeState `json:"resume_state"`

	Views              int64   `json:"views"`
	Likes              int64   `json:"likes"`
	Retention          float64 `json:"retention"`
	PostedAt           int64   `json:"posted_at,omitempty"`
	ScheduledPublishAt int64   `json:"scheduled_publish_at,omitempty"`
	PublishedAt        int64   `json:"published_at,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}
