package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const labelPrefix = "swarmflow"

// DockerRunner runs each command in a throwaway container with the sandbox
// workspace bind-mounted at /workspace. Memory and CPU ceilings become
// container limits, so they are enforced by the kernel on this runner.
type DockerRunner struct {
	docker *client.Client
	image  string
}

func NewDockerRunner(ctx context.Context, image string) (*DockerRunner, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if err := ensureImage(ctx, docker, image); err != nil {
		docker.Close()
		return nil, fmt.Errorf("pull image %s: %w", image, err)
	}
	return &DockerRunner{docker: docker, image: image}, nil
}

func (r *DockerRunner) Close() error {
	return r.docker.Close()
}

func (r *DockerRunner) Run(ctx context.Context, inv Invocation) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, inv.Timeout)
	defer cancel()

	network := "none"
	if inv.Network {
		network = "bridge"
	}

	containerCfg := &dockercontainer.Config{
		Image:      r.image,
		Cmd:        []string{"sh", "-c", inv.Script},
		WorkingDir: "/workspace",
		Env:        []string{"HOME=/workspace", "TMPDIR=/tmp", "LANG=C.UTF-8"},
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".sandbox": inv.SandboxID,
		},
	}
	hostCfg := &dockercontainer.HostConfig{
		Binds:       []string{inv.Workspace + ":/workspace"},
		NetworkMode: dockercontainer.NetworkMode(network),
		Resources: dockercontainer.Resources{
			Memory:   int64(inv.Limits.MemoryMB) << 20,
			NanoCPUs: int64(inv.Limits.CPU * 1e9),
		},
	}

	name := fmt.Sprintf("swarmflow-sb-%s-%d", inv.SandboxID, time.Now().UnixNano())
	resp, err := r.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		// The run context may already be expired.
		_ = r.docker.ContainerRemove(context.Background(), resp.ID, dockercontainer.RemoveOptions{Force: true})
	}()

	start := time.Now()
	if err := r.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	out := &Outcome{}
	waitCh, errCh := r.docker.ContainerWait(ctx, resp.ID, dockercontainer.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		out.ExitCode = int(res.StatusCode)
	case err := <-errCh:
		if ctx.Err() != context.DeadlineExceeded {
			return nil, fmt.Errorf("wait container: %w", err)
		}
		out.TimedOut = true
		out.ExitCode = -1
	}
	out.Duration = time.Since(start)

	logs, err := r.docker.ContainerLogs(context.Background(), resp.ID, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return out, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		slog.Warn("failed to demux container logs", "container", resp.ID[:12], "error", err)
	}
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	return out, nil
}

// CleanupStale removes sandbox containers left behind by a previous process.
func (r *DockerRunner) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := r.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, c := range containers {
		slog.Info("cleaning up stale sandbox container", "container", c.ID[:12])
		_ = r.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
	}
	return nil
}

func ensureImage(ctx context.Context, docker *client.Client, image string) error {
	if _, err := docker.ImageInspect(ctx, image); err == nil {
		return nil
	}

	slog.Info("pulling sandbox image", "image", image)
	reader, err := docker.ImagePull(ctx, image, dockerimage.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}
