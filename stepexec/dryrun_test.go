package stepexec

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	render "github.com/nevindra/renderpipe"
)

func testPlan(projectID string, nScenes int) render.PlanVersion {
	scenes := make([]render.Scene, nScenes)
	for i := range scenes {
		scenes[i] = render.Scene{
			ID:            render.NewID(),
			PlanVersionID: "plan-1",
			Idx:           i,
			Narration:     "hello world this is scene narration",
			VisualPrompt:  "a scene",
		}
	}
	return render.PlanVersion{ID: "plan-1", ProjectID: projectID, Scenes: scenes}
}

func testRun(projectID string) render.Run {
	return render.Run{
		ID:            render.NewID(),
		ProjectID:     projectID,
		PlanVersionID: "plan-1",
		Status:        render.RunRunning,
	}
}

// TestDryRunAllStepsSucceed drives a run through all seven steps in order,
// threading each step's artifact/resume-state deltas into the next call the
// way the engine's step loop does.
func TestDryRunAllStepsSucceed(t *testing.T) {
	root := t.TempDir()
	exec := NewDryRun(root)
	plan := testPlan("proj-1", 3)
	run := testRun("proj-1")

	artifacts := render.Artifacts{}
	perStepData := map[render.StepName]json.RawMessage{}

	for _, step := range render.STEPS {
		run.Artifacts = artifacts
		run.ResumeState = render.ResumeState{PerStepData: perStepData}

		result, err := exec.Run(context.Background(), step, run, plan)
		if err != nil {
			t.Fatalf("step %s: %v", step, err)
		}
		for k, v := range result.ArtifactsDelta {
			artifacts[k] = v
		}
		if result.ResumeStateDelta != nil {
			perStepData[step] = result.ResumeStateDelta
		}
	}

	full := render.ArtifactRoot(root, "proj-1", run.ID)
	for _, rel := range []string{"captions.ass", "music.mp3", "export.json"} {
		if _, err := os.Stat(filepath.Join(full, rel)); err != nil {
			t.Errorf("expected artifact %s: %v", rel, err)
		}
	}
}

func TestDryRunInjectedFailStep(t *testing.T) {
	root := t.TempDir()
	exec := NewDryRun(root, WithFailStep(render.StepCaptionsBuild))
	plan := testPlan("proj-2", 1)
	run := testRun("proj-2")

	if _, err := exec.Run(context.Background(), render.StepTTSGenerate, run, plan); err != nil {
		t.Fatalf("tts_generate: %v", err)
	}
	if _, err := exec.Run(context.Background(), render.StepCaptionsBuild, run, plan); err == nil {
		t.Fatal("expected injected failure at captions_build, got nil")
	}
}

// TestDryRunIdempotentOnReentry exercises the filesystem-existence-check
// idempotency mechanism: re-running a step after a simulated restart must
// not rewrite an artifact it already produced.
func TestDryRunIdempotentOnReentry(t *testing.T) {
	root := t.TempDir()
	exec := NewDryRun(root)
	plan := testPlan("proj-3", 2)
	run := testRun("proj-3")

	first, err := exec.Run(context.Background(), render.StepTTSGenerate, run, plan)
	if err != nil {
		t.Fatal(err)
	}
	full := render.ArtifactRoot(root, "proj-3", run.ID)
	audioPath := filepath.Join(full, "audio", "scene0.mp3")
	info1, err := os.Stat(audioPath)
	if err != nil {
		t.Fatalf("scene0 audio missing: %v", err)
	}

	second, err := exec.Run(context.Background(), render.StepTTSGenerate, run, plan)
	if err != nil {
		t.Fatal(err)
	}
	info2, err := os.Stat(audioPath)
	if err != nil {
		t.Fatal(err)
	}
	if !info1.ModTime().Equal(info2.ModTime()) {
		t.Error("artifact was rewritten on re-entry, expected idempotent skip")
	}
	if len(first.ArtifactsDelta) != len(second.ArtifactsDelta) {
		t.Errorf("artifact set changed between entries: %v vs %v", first.ArtifactsDelta, second.ArtifactsDelta)
	}
}

func TestDryRunImagesGenerateRecordsDoneScenes(t *testing.T) {
	root := t.TempDir()
	exec := NewDryRun(root, WithImageConcurrency(2))
	plan := testPlan("proj-4", 4)
	run := testRun("proj-4")

	result, err := exec.Run(context.Background(), render.StepImagesGenerate, run, plan)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.ArtifactsDelta) != 4 {
		t.Fatalf("expected 4 image artifacts, got %d", len(result.ArtifactsDelta))
	}

	done := decodeDoneIndices(result.ResumeStateDelta)
	if len(done) != 4 {
		t.Fatalf("expected all 4 scenes recorded done, got %d", len(done))
	}
}

// TestDryRunImagesGenerateSkipsPreviouslyDoneScenes verifies the per-step
// resume-state idempotency contract: scenes already recorded done are not
// regenerated on a resumed attempt.
func TestDryRunImagesGenerateSkipsPreviouslyDoneScenes(t *testing.T) {
	root := t.TempDir()
	exec := NewDryRun(root)
	plan := testPlan("proj-4b", 3)
	run := testRun("proj-4b")

	doneIdx, _ := json.Marshal([]int{0, 1})
	run.ResumeState = render.ResumeState{
		PerStepData: map[render.StepName]json.RawMessage{
			render.StepImagesGenerate: doneIdx,
		},
	}

	result, err := exec.Run(context.Background(), render.StepImagesGenerate, run, plan)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.ArtifactsDelta) != 1 {
		t.Fatalf("expected only scene 2 to be (re)generated, got %d artifacts: %v", len(result.ArtifactsDelta), result.ArtifactsDelta)
	}
}

func TestDryRunStepDelayObservesCancellation(t *testing.T) {
	root := t.TempDir()
	exec := NewDryRun(root, WithStepDelay(time.Hour))
	plan := testPlan("proj-5", 1)
	run := testRun("proj-5")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := exec.Run(ctx, render.StepTTSGenerate, run, plan); err == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestDryRunFFmpegRenderWithoutDockerProducesManifest(t *testing.T) {
	root := t.TempDir()
	exec := NewDryRun(root)
	plan := testPlan("proj-6", 1)
	run := testRun("proj-6")

	result, err := exec.Run(context.Background(), render.StepFFmpegRender, run, plan)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := result.ArtifactsDelta["dry-run-report.json"]; !ok {
		t.Error("expected dry-run-report.json artifact when no Docker backend wired")
	}
}

func TestNormalizeNarrationFoldsFullwidth(t *testing.T) {
	got := normalizeNarration("ﬀＡＢ")
	if got != "ﬀAB" {
		t.Fatalf("normalizeNarration = %q, want %q", got, "ﬀAB")
	}
}
