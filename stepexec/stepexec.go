// Package stepexec provides render.StepExecutor implementations: a
// deterministic dry-run fake for tests and local development, plus a
// Docker-backed ffmpeg_render step for real deployments.
package stepexec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	render "github.com/nevindra/renderpipe"
)

// DryRunOption configures a DryRunExecutor.
type DryRunOption func(*DryRunExecutor)

// WithStore lets the dry-run executor write measured scene durations back
// through Store.UpdateSceneDurations after tts_generate, exercising the
// "step bodies may write durations back into Scene rows transactionally"
// contract even though the StepExecutor.Run signature itself carries
// no Store handle.
func WithStore(s render.Store) DryRunOption {
	return func(e *DryRunExecutor) { e.store = s }
}

// WithFailStep configures APP_DRY_RUN_FAIL_STEP: the named step returns an
// error instead of succeeding. Empty disables injected failure.
func WithFailStep(step render.StepName) DryRunOption {
	return func(e *DryRunExecutor) { e.failStep = step }
}

// WithStepDelay configures APP_DRY_RUN_STEP_DELAY_MS: a sleep observed
// before each step starts its (fake) work, bounded 0..5s by the caller.
func WithStepDelay(d time.Duration) DryRunOption {
	return func(e *DryRunExecutor) { e.delay = d }
}

// WithImageConcurrency bounds images_generate's fan-out
// (MAX_CONCURRENT_IMAGE_GENERATION). Values <= 0 fall back to 3.
func WithImageConcurrency(n int) DryRunOption {
	return func(e *DryRunExecutor) {
		if n > 0 {
			e.imageConcurrency = n
		}
	}
}

// WithDocker wires a DockerFFmpeg so ffmpeg_render composes the final video
// through a real container instead of emitting a placeholder manifest.
func WithDocker(d *DockerFFmpeg) DryRunOption {
	return func(e *DryRunExecutor) { e.docker = d }
}

// DryRunExecutor implements render.StepExecutor by replacing every external
// provider call with a deterministic sleep and a fixed, filesystem-confined
// artifact. It is first-class: used by this package's tests and local
// development so the pipeline can be exercised without TTS/ASR/image/music
// providers.
type DryRunExecutor struct {
	artifactRoot     string
	failStep         render.StepName
	delay            time.Duration
	imageConcurrency int
	store            render.Store
	docker           *DockerFFmpeg
}

var _ render.StepExecutor = (*DryRunExecutor)(nil)

// NewDryRun constructs a DryRunExecutor rooted at artifactRoot.
func NewDryRun(artifactRoot string, opts ...DryRunOption) *DryRunExecutor {
	e := &DryRunExecutor{
		artifactRoot:     artifactRoot,
		imageConcurrency: 3,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run dispatches to the named step's dry-run implementation. Every step
// first sleeps the configured delay, observing ctx, then either performs
// its placeholder work or returns the injected failure for this step.
func (e *DryRunExecutor) Run(ctx context.Context, step render.StepName, run render.Run, plan render.PlanVersion) (render.StepResult, error) {
	if err := sleepCtx(ctx, e.delay); err != nil {
		return render.StepResult{}, err
	}
	if e.failStep != "" && step == e.failStep {
		return render.StepResult{}, fmt.Errorf("dry-run: injected failure at step %q", step)
	}

	root := render.ArtifactRoot(e.artifactRoot, run.ProjectID, run.ID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return render.StepResult{}, fmt.Errorf("create artifact root: %w", err)
	}

	switch step {
	case render.StepTTSGenerate:
		return e.ttsGenerate(ctx, root, run, plan)
	case render.StepASRAlign:
		return e.asrAlign(ctx, root, run, plan)
	case render.StepImagesGenerate:
		return e.imagesGenerate(ctx, root, run, plan)
	case render.StepCaptionsBuild:
		return e.captionsBuild(ctx, root, run, plan)
	case render.StepMusicBuild:
		return e.musicBuild(ctx, root, run)
	case render.StepFFmpegRender:
		return e.ffmpegRender(ctx, root, run)
	case render.StepFinalizeArtifact:
		return e.finalizeArtifacts(ctx, root, run)
	default:
		return render.StepResult{}, fmt.Errorf("dry-run: unknown step %q", step)
	}
}

// sleepCtx sleeps d unless ctx is canceled first, in which case it returns
// ctx.Err() so callers observe cancellation at this suspension point.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// writeArtifact writes data to root/relPath after validating the path stays
// confined, creating parent directories as needed.
func writeArtifact(root, relPath string, data []byte) (string, error) {
	full, err := render.ResolveArtifactPath(root, relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return relPath, nil
}

// artifactExists reports whether relPath already exists under root,
// allowing a step to skip regenerating sub-work it already produced on a
// prior attempt, per the idempotent-given-resume-state contract.
func artifactExists(root, relPath string) bool {
	full, err := render.ResolveArtifactPath(root, relPath)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

func marshalJSON(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
