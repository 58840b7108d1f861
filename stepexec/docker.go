package stepexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	render "github.com/nevindra/renderpipe"
)

// DockerFFmpeg renders ffmpeg_render by running a short-lived ffmpeg
// container against the run's Artifact Root, confining the container's
// only side effect to a bind mount rooted at that directory. This is the
// one step with a genuinely heavy external dependency:
// everything else in this package is a pure filesystem fake.
type DockerFFmpeg struct {
	cli      client.APIClient
	image    string
	hostRoot string // host-side path corresponding to the container's artifact mount
	timeout  time.Duration
}

// NewDockerFFmpeg constructs a DockerFFmpeg using ffmpegImage (e.g.
// "linuxserver/ffmpeg") to render, bind-mounting hostArtifactRoot (the
// host-visible path of the Artifact Root) into the container at /artifacts.
func NewDockerFFmpeg(cli client.APIClient, ffmpegImage, hostArtifactRoot string) *DockerFFmpeg {
	return &DockerFFmpeg{cli: cli, image: ffmpegImage, hostRoot: hostArtifactRoot, timeout: 10 * time.Minute}
}

// NewDockerFFmpegFromEnv dials the Docker daemon using the standard
// DOCKER_HOST/DOCKER_TLS_VERIFY environment variables and pings it,
// returning an error when the daemon does not answer within 5s.
func NewDockerFFmpegFromEnv(ffmpegImage, hostArtifactRoot string) (*DockerFFmpeg, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return NewDockerFFmpeg(cli, ffmpegImage, hostArtifactRoot), nil
}

// Render composes final.mp4 from the run's images/audio/captions/music
// artifacts by pulling (if needed), creating, starting, waiting on, and
// removing one container scoped to this run's Artifact Root.
func (d *DockerFFmpeg) Render(ctx context.Context, root string, run render.Run) (render.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return render.StepResult{}, err
	}

	hostMount := d.hostRoot
	if hostMount == "" {
		hostMount = root
	}

	if err := d.pullImage(ctx); err != nil {
		return render.StepResult{}, err
	}

	cmd := []string{
		"-y",
		"-framerate", "1/3",
		"-pattern_type", "glob", "-i", "/artifacts/images/*.png",
		"-i", "/artifacts/music.mp3",
		"-vf", "ass=/artifacts/captions.ass",
		"-shortest",
		"/artifacts/final.mp4",
	}

	created, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image: d.image,
			Cmd:   cmd,
			Labels: map[string]string{
				"render.run_id":     run.ID,
				"render.project_id": run.ProjectID,
			},
		},
		&container.HostConfig{
			Binds:      []string{hostMount + ":/artifacts"},
			AutoRemove: false,
		},
		nil, nil, "",
	)
	if err != nil {
		return render.StepResult{}, fmt.Errorf("create ffmpeg container: %w", err)
	}
	containerID := created.ID
	defer func() {
		_ = d.cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return render.StepResult{}, fmt.Errorf("start ffmpeg container: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	statusCh, errCh := d.cli.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return render.StepResult{}, fmt.Errorf("wait ffmpeg container: %w", err)
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			logs, _ := d.containerLogs(context.Background(), containerID)
			return render.StepResult{}, fmt.Errorf("ffmpeg exited %d: %s", status.StatusCode, logs)
		}
	case <-ctx.Done():
		return render.StepResult{}, ctx.Err()
	}

	return render.StepResult{ArtifactsDelta: render.Artifacts{"final.mp4": "final.mp4"}}, nil
}

// pullImage pulls the ffmpeg image, absorbing transient registry failures
// with bounded retries before giving up. Registry flakes (timeouts, 5xx,
// connection resets) are the dominant failure mode of a pull; anything the
// daemon reports is treated as retry-worthy except cancellation.
func (d *DockerFFmpeg) pullImage(ctx context.Context) error {
	rc, err := RetryTransient(ctx, "docker", func() (io.ReadCloser, error) {
		rc, err := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
		if err != nil {
			return nil, &render.TransientError{Provider: "docker", Message: err.Error()}
		}
		return rc, nil
	}, RetryBaseDelay(2*time.Second))
	if err != nil {
		return fmt.Errorf("pull ffmpeg image %s: %w", d.image, err)
	}
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()
	return nil
}

func (d *DockerFFmpeg) containerLogs(ctx context.Context, containerID string) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer rc.Close()
	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, rc)
	return stdout.String() + stderr.String(), nil
}
