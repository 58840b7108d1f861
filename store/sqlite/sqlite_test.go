package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	render "github.com/nevindra/renderpipe"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedProjectAndPlan(t *testing.T, s *Store) render.PlanVersion {
	t.Helper()
	ctx := context.Background()
	proj := render.Project{ID: "proj-1", Status: render.ProjectApproved, CreatedAt: 1, UpdatedAt: 1}
	if err := s.CreateProject(ctx, proj); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	pv := render.PlanVersion{
		ID:        "plan-1",
		ProjectID: proj.ID,
		CreatedAt: 1,
		Scenes: []render.Scene{
			{ID: "scene-0", Idx: 0, Narration: "hello", VisualPrompt: "a cat", DurationSec: 2},
			{ID: "scene-1", Idx: 1, Narration: "world", VisualPrompt: "a dog", DurationSec: 3},
		},
	}
	if err := s.CreatePlanVersion(ctx, pv); err != nil {
		t.Fatalf("CreatePlanVersion: %v", err)
	}
	return pv
}

func TestCreateAndGetProject(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	proj := render.Project{ID: "p1", Status: render.ProjectDraftPlan, CreatedAt: 10, UpdatedAt: 10}
	if err := s.CreateProject(ctx, proj); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	got, err := s.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Status != render.ProjectDraftPlan {
		t.Errorf("status = %v, want %v", got.Status, render.ProjectDraftPlan)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetProject(context.Background(), "missing")
	if _, ok := err.(*render.NotFoundError); !ok {
		t.Errorf("expected *render.NotFoundError, got %T: %v", err, err)
	}
}

func TestCreateAndGetPlanVersion(t *testing.T) {
	s := testStore(t)
	pv := seedProjectAndPlan(t, s)

	got, err := s.GetPlanVersion(context.Background(), pv.ID)
	if err != nil {
		t.Fatalf("GetPlanVersion: %v", err)
	}
	if len(got.Scenes) != 2 {
		t.Fatalf("expected 2 scenes, got %d", len(got.Scenes))
	}
	if got.Scenes[0].Narration != "hello" || got.Scenes[1].Narration != "world" {
		t.Errorf("scenes out of order or wrong content: %+v", got.Scenes)
	}
}

func TestUpdateSceneDurations(t *testing.T) {
	s := testStore(t)
	pv := seedProjectAndPlan(t, s)
	ctx := context.Background()

	if err := s.UpdateSceneDurations(ctx, pv.ID, map[string]float64{"scene-0": 5.5}); err != nil {
		t.Fatalf("UpdateSceneDurations: %v", err)
	}
	got, err := s.GetPlanVersion(ctx, pv.ID)
	if err != nil {
		t.Fatalf("GetPlanVersion: %v", err)
	}
	if got.Scenes[0].DurationSec != 5.5 {
		t.Errorf("duration = %v, want 5.5", got.Scenes[0].DurationSec)
	}
	if got.Scenes[1].DurationSec != 3 {
		t.Errorf("unrelated scene duration changed: %v", got.Scenes[1].DurationSec)
	}
}

func TestCreateAndGetRun(t *testing.T) {
	s := testStore(t)
	pv := seedProjectAndPlan(t, s)
	ctx := context.Background()

	r := render.Run{
		ID: "run-1", ProjectID: pv.ProjectID, PlanVersionID: pv.ID,
		Status: render.RunQueued, Artifacts: render.Artifacts{}, ResumeState: render.ResumeState{},
		CreatedAt: 100, UpdatedAt: 100,
	}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != render.RunQueued {
		t.Errorf("status = %v, want queued", got.Status)
	}
	if len(got.Logs) != 0 {
		t.Errorf("expected no logs, got %d", len(got.Logs))
	}
}

func TestTransitionRunAppliesFnAndProjectStatus(t *testing.T) {
	s := testStore(t)
	pv := seedProjectAndPlan(t, s)
	ctx := context.Background()

	r := render.Run{ID: "run-1", ProjectID: pv.ProjectID, PlanVersionID: pv.ID, Status: render.RunQueued, CreatedAt: 100, UpdatedAt: 100}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	updated, err := s.TransitionRun(ctx, "run-1", func(run *render.Run) (render.ProjectStatus, error) {
		run.Status = render.RunRunning
		return render.ProjectRendering, nil
	})
	if err != nil {
		t.Fatalf("TransitionRun: %v", err)
	}
	if updated.Status != render.RunRunning {
		t.Errorf("run status = %v, want running", updated.Status)
	}

	proj, err := s.GetProject(ctx, pv.ProjectID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if proj.Status != render.ProjectRendering {
		t.Errorf("project status = %v, want rendering", proj.Status)
	}
}

func TestTransitionRunFnErrorAborts(t *testing.T) {
	s := testStore(t)
	pv := seedProjectAndPlan(t, s)
	ctx := context.Background()

	r := render.Run{ID: "run-1", ProjectID: pv.ProjectID, PlanVersionID: pv.ID, Status: render.RunQueued, CreatedAt: 100, UpdatedAt: 100}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	sentinel := &render.NotCancelableError{RunID: "run-1", Status: render.RunQueued}
	_, err := s.TransitionRun(ctx, "run-1", func(run *render.Run) (render.ProjectStatus, error) {
		run.Status = render.RunCanceled
		return "", sentinel
	})
	if err != sentinel {
		t.Fatalf("expected sentinel error passthrough, got %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != render.RunQueued {
		t.Errorf("run status changed despite aborted transition: %v", got.Status)
	}
}

func TestAppendLogs(t *testing.T) {
	s := testStore(t)
	pv := seedProjectAndPlan(t, s)
	ctx := context.Background()

	r := render.Run{ID: "run-1", ProjectID: pv.ProjectID, PlanVersionID: pv.ID, Status: render.RunRunning, CreatedAt: 100, UpdatedAt: 100}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := s.AppendLogs(ctx, "run-1", []render.LogEntry{{Timestamp: 1, Level: render.LogInfo, Message: "a"}}); err != nil {
		t.Fatalf("AppendLogs: %v", err)
	}
	if err := s.AppendLogs(ctx, "run-1", []render.LogEntry{{Timestamp: 2, Level: render.LogWarn, Message: "b"}}); err != nil {
		t.Fatalf("AppendLogs: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if len(got.Logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(got.Logs))
	}
	if got.Logs[0].Message != "a" || got.Logs[1].Message != "b" {
		t.Errorf("logs out of order: %+v", got.Logs)
	}
}

func TestFindQueuedAndRunningRuns(t *testing.T) {
	s := testStore(t)
	pv := seedProjectAndPlan(t, s)
	ctx := context.Background()

	queued := render.Run{ID: "run-q", ProjectID: pv.ProjectID, PlanVersionID: pv.ID, Status: render.RunQueued, CreatedAt: 1, UpdatedAt: 1}
	running := render.Run{ID: "run-r", ProjectID: pv.ProjectID, PlanVersionID: pv.ID, Status: render.RunRunning, CreatedAt: 2, UpdatedAt: 2}
	done := render.Run{ID: "run-d", ProjectID: pv.ProjectID, PlanVersionID: pv.ID, Status: render.RunDone, CreatedAt: 3, UpdatedAt: 3}
	for _, r := range []render.Run{queued, running, done} {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	q, err := s.FindQueuedRuns(ctx)
	if err != nil {
		t.Fatalf("FindQueuedRuns: %v", err)
	}
	if len(q) != 1 || q[0].ID != "run-q" {
		t.Errorf("queued runs = %+v", q)
	}

	runningRuns, err := s.FindRunningRuns(ctx)
	if err != nil {
		t.Fatalf("FindRunningRuns: %v", err)
	}
	if len(runningRuns) != 1 || runningRuns[0].ID != "run-r" {
		t.Errorf("running runs = %+v", runningRuns)
	}
}

func TestGetRunCorruptResumeStateCoercesToZeroValue(t *testing.T) {
	s := testStore(t)
	pv := seedProjectAndPlan(t, s)
	ctx := context.Background()

	r := render.Run{ID: "run-1", ProjectID: pv.ProjectID, PlanVersionID: pv.ID, Status: render.RunRunning, CreatedAt: 1, UpdatedAt: 1}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE runs SET resume_state = 'not json' WHERE id = ?`, "run-1"); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: corrupt resume_state must be coerced, not returned as an error: %v", err)
	}
	if len(got.ResumeState.CompletedSteps) != 0 || len(got.ResumeState.PerStepData) != 0 {
		t.Errorf("ResumeState = %+v, want zero value", got.ResumeState)
	}
}
