package stepexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	render "github.com/nevindra/renderpipe"
	"golang.org/x/sync/errgroup"
)

// ttsGenerate produces one placeholder narration-audio file per scene and
// measures a fake duration from narration length, writing it back through
// Store.UpdateSceneDurations when a Store was configured.
func (e *DryRunExecutor) ttsGenerate(ctx context.Context, root string, run render.Run, plan render.PlanVersion) (render.StepResult, error) {
	artifacts := render.Artifacts{}
	durations := make(map[string]float64, len(plan.Scenes))

	for _, sc := range plan.Scenes {
		if err := ctx.Err(); err != nil {
			return render.StepResult{}, err
		}
		rel := fmt.Sprintf("audio/scene%d.mp3", sc.Idx)
		if !artifactExists(root, rel) {
			narration := normalizeNarration(sc.Narration)
			if _, err := writeArtifact(root, rel, []byte("dry-run-audio:"+narration)); err != nil {
				return render.StepResult{}, err
			}
		}
		artifacts[rel] = rel
		durations[sc.ID] = measuredDuration(sc)
	}

	if e.store != nil && len(durations) > 0 {
		if err := e.store.UpdateSceneDurations(ctx, plan.ID, durations); err != nil {
			return render.StepResult{}, fmt.Errorf("write scene durations: %w", err)
		}
	}

	return render.StepResult{ArtifactsDelta: artifacts}, nil
}

// measuredDuration fakes a measured TTS duration when the plan didn't
// already carry one: a small fixed overhead plus a per-character estimate.
func measuredDuration(sc render.Scene) float64 {
	if sc.DurationSec > 0 {
		return sc.DurationSec
	}
	return 1.5 + float64(len(sc.Narration))*0.06
}

// asrAlign produces one placeholder word-timestamp file per scene from the
// scene's (already generated) audio and narration text.
func (e *DryRunExecutor) asrAlign(ctx context.Context, root string, run render.Run, plan render.PlanVersion) (render.StepResult, error) {
	artifacts := render.Artifacts{}
	for _, sc := range plan.Scenes {
		if err := ctx.Err(); err != nil {
			return render.StepResult{}, err
		}
		rel := fmt.Sprintf("align/scene%d.json", sc.Idx)
		if !artifactExists(root, rel) {
			words := splitWords(sc.Narration)
			data, err := marshalJSON(wordTimestamps(words, measuredDuration(sc)))
			if err != nil {
				return render.StepResult{}, err
			}
			if _, err := writeArtifact(root, rel, data); err != nil {
				return render.StepResult{}, err
			}
		}
		artifacts[rel] = rel
	}
	return render.StepResult{ArtifactsDelta: artifacts}, nil
}

type wordTiming struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// wordTimestamps distributes duration evenly across words — a deterministic
// stand-in for a real forced-aligner.
func wordTimestamps(words []string, duration float64) []wordTiming {
	if len(words) == 0 {
		return nil
	}
	per := duration / float64(len(words))
	out := make([]wordTiming, len(words))
	for i, w := range words {
		out[i] = wordTiming{Word: w, Start: float64(i) * per, End: float64(i+1) * per}
	}
	return out
}

// imagesGenerate fans scene image generation out with bounded concurrency
// (MAX_CONCURRENT_IMAGE_GENERATION), using errgroup.SetLimit. Scenes already
// recorded in ResumeState.PerStepData for this step are skipped, the
// concrete illustration of the per-step-data idempotency contract.
func (e *DryRunExecutor) imagesGenerate(ctx context.Context, root string, run render.Run, plan render.PlanVersion) (render.StepResult, error) {
	done := decodeDoneIndices(run.ResumeState.PerStepData[render.StepImagesGenerate])

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.imageConcurrency)

	artifacts := make([]render.Artifacts, len(plan.Scenes))
	newlyDone := make([]int, 0, len(plan.Scenes))
	var mu lockedSlice

	for i, sc := range plan.Scenes {
		i, sc := i, sc
		if done[sc.Idx] {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rel := fmt.Sprintf("images/scene%d.png", sc.Idx)
			if !artifactExists(root, rel) {
				if _, err := writeArtifact(root, rel, []byte("dry-run-image:"+sc.VisualPrompt)); err != nil {
					return err
				}
			}
			artifacts[i] = render.Artifacts{rel: rel}
			mu.append(sc.Idx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return render.StepResult{}, err
	}

	merged := render.Artifacts{}
	for _, a := range artifacts {
		for k, v := range a {
			merged[k] = v
		}
	}
	for idx := range done {
		newlyDone = append(newlyDone, idx)
	}
	newlyDone = append(newlyDone, mu.values()...)

	resumeDelta, err := marshalJSON(encodeDoneIndices(newlyDone))
	if err != nil {
		return render.StepResult{}, err
	}
	return render.StepResult{ArtifactsDelta: merged, ResumeStateDelta: resumeDelta}, nil
}

// captionsBuild emits a single subtitle artifact with one line per scene,
// built from the scene's narration text after normalizing it.
func (e *DryRunExecutor) captionsBuild(ctx context.Context, root string, run render.Run, plan render.PlanVersion) (render.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return render.StepResult{}, err
	}
	var sb []byte
	sb = append(sb, []byte("[Script Info]\n; dry-run captions\n\n")...)
	for _, sc := range plan.Scenes {
		line := fmt.Sprintf("Scene %d: %s\n", sc.Idx, normalizeNarration(sc.Narration))
		sb = append(sb, line...)
	}
	if _, err := writeArtifact(root, "captions.ass", sb); err != nil {
		return render.StepResult{}, err
	}
	return render.StepResult{ArtifactsDelta: render.Artifacts{"captions.ass": "captions.ass"}}, nil
}

// musicBuild emits a single placeholder background-audio artifact.
func (e *DryRunExecutor) musicBuild(ctx context.Context, root string, run render.Run) (render.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return render.StepResult{}, err
	}
	if !artifactExists(root, "music.mp3") {
		if _, err := writeArtifact(root, "music.mp3", []byte("dry-run-music")); err != nil {
			return render.StepResult{}, err
		}
	}
	return render.StepResult{ArtifactsDelta: render.Artifacts{"music.mp3": "music.mp3"}}, nil
}

// ffmpegRender composes the final video. In dry-run mode (no DockerFFmpeg
// wired) it is skipped and a placeholder manifest is produced instead, per
// the step catalog requires.
func (e *DryRunExecutor) ffmpegRender(ctx context.Context, root string, run render.Run) (render.StepResult, error) {
	if e.docker != nil {
		return e.docker.Render(ctx, root, run)
	}
	report := map[string]any{
		"skipped":    true,
		"reason":     "dry-run mode: ffmpeg_render produces a placeholder manifest",
		"run_id":     run.ID,
		"project_id": run.ProjectID,
		"generated":  time.Now().UTC().Format(time.RFC3339),
	}
	data, err := marshalJSON(report)
	if err != nil {
		return render.StepResult{}, err
	}
	if _, err := writeArtifact(root, "dry-run-report.json", data); err != nil {
		return render.StepResult{}, err
	}
	return render.StepResult{ArtifactsDelta: render.Artifacts{"dry-run-report.json": "dry-run-report.json"}}, nil
}

// finalizeArtifacts gathers the Run's accumulated artifact paths into one
// export manifest. It never writes Run/Project status — that is the
// Engine's exclusive responsibility.
func (e *DryRunExecutor) finalizeArtifacts(ctx context.Context, root string, run render.Run) (render.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return render.StepResult{}, err
	}
	export := map[string]any{
		"run_id":     run.ID,
		"project_id": run.ProjectID,
		"artifacts":  run.Artifacts,
	}
	data, err := marshalJSON(export)
	if err != nil {
		return render.StepResult{}, err
	}
	if _, err := writeArtifact(root, "export.json", data); err != nil {
		return render.StepResult{}, err
	}
	return render.StepResult{ArtifactsDelta: render.Artifacts{"export.json": "export.json"}}, nil
}

// --- small helpers ---

// lockedSlice collects ints from concurrent errgroup goroutines.
type lockedSlice struct {
	mu sync.Mutex
	v  []int
}

func (l *lockedSlice) append(i int) {
	l.mu.Lock()
	l.v = append(l.v, i)
	l.mu.Unlock()
}

func (l *lockedSlice) values() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.v...)
}

func decodeDoneIndices(raw []byte) map[int]bool {
	out := map[int]bool{}
	if len(raw) == 0 {
		return out
	}
	var indices []int
	if err := json.Unmarshal(raw, &indices); err != nil {
		return out
	}
	for _, i := range indices {
		out[i] = true
	}
	return out
}

func encodeDoneIndices(indices []int) []int {
	seen := map[int]bool{}
	out := make([]int, 0, len(indices))
	for _, i := range indices {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	return out
}
