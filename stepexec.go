package render

import (
	"context"
	"encoding/json"
	"path/filepath"
)

// StepResult is what a StepExecutor returns on success: the artifact and
// resume-state deltas to merge into the Run inside the Engine's own
// transaction. Step bodies never write Run/Project status themselves.
type StepResult struct {
	ArtifactsDelta   Artifacts
	ResumeStateDelta json.RawMessage
}

// StepExecutor implements the seven named pipeline steps. Each invocation
// must be:
//
//   - Idempotent given resume state: re-invoking after partial completion
//     either skips completed sub-work (using ResumeState.PerStepData for
//     this step) or reproduces the same outputs.
//   - Cooperatively cancelable: observe ctx.Done() at I/O boundaries and
//     return promptly once it fires.
//   - Confined: side effects are artifact writes under the run's Artifact
//     Root and the StepResult it returns; it never touches Run/Project
//     status directly.
type StepExecutor interface {
	// Run executes step for run against plan. ctx carries the run's
	// cancellation token; Run returning ctx.Err() (or wrapping it) is
	// treated as cancellation, not failure.
	Run(ctx context.Context, step StepName, run Run, plan PlanVersion) (StepResult, error)
}

// ArtifactRoot joins a project and run id into the directory step bodies
// must confine their writes under, per the artifact layout contract.
// Callers resolving a path an external collaborator asked for must verify
// the resolved path still lies under this root (no parent traversal, no
// absolute paths) before touching the filesystem.
func ArtifactRoot(root, projectID, runID string) string {
	return filepath.Join(root, projectID, runID)
}

// ResolveArtifactPath joins root with the requested relative path and
// verifies the result still lies under root — guarding against parent
// traversal and absolute-path escapes from untrusted step output.
func ResolveArtifactPath(root, requested string) (string, error) {
	clean := filepath.Join(root, requested)
	rel, err := filepath.Rel(root, clean)
	if err != nil || rel == ".." || (len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)) {
		return "", &PreconditionError{Reason: "artifact path escapes artifact root: " + requested}
	}
	return clean, nil
}
