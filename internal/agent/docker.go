package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime runs the agent inside a throwaway container. The sandbox
// workspace is bind-mounted at /workspace, so the agent sees exactly the
// same files the CLI runtime would, with the host otherwise hidden.
type DockerRuntime struct {
	client *client.Client
	// Image is the container image with the agent CLI installed.
	Image string
	// Command is the agent argument template, same shape as CLIRuntime.
	Command  []string
	AutoPull bool
	Logger   *slog.Logger
}

// NewDockerRuntime creates a Docker-backed runtime and verifies the daemon
// is accessible.
func NewDockerRuntime(img string, command []string, autoPull bool, logger *slog.Logger) (*DockerRuntime, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("agent command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	// Verify Docker daemon is accessible immediately to fail fast
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon not accessible (is Docker running?): %w", err)
	}

	return &DockerRuntime{client: cli, Image: img, Command: command, AutoPull: autoPull, Logger: logger}, nil
}

// Close closes the Docker client.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

// ensureImage makes the agent image available locally, pulling if allowed.
func (d *DockerRuntime) ensureImage(ctx context.Context) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("listing images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == d.Image {
				return nil
			}
		}
	}

	if !d.AutoPull {
		return fmt.Errorf("image %s not found locally and auto-pull is disabled", d.Image)
	}

	reader, err := d.client.ImagePull(ctx, d.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", d.Image, err)
	}
	defer func() { _ = reader.Close() }()

	// Consume the output to wait for completion
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}
	return nil
}

// Execute runs the agent in a fresh container. Like the CLI runtime, a
// fired deadline comes back as TimedOut on the result rather than as an
// error.
func (d *DockerRuntime) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	if err := d.ensureImage(ctx); err != nil {
		return nil, err
	}

	containerCfg := &container.Config{
		Image: d.Image,
		Cmd:   []string{"sleep", "infinity"},
		Tty:   false,
		Env:   append([]string{"HOME=/tmp"}, inv.Env...),
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: inv.WorkDir,
			Target: "/workspace",
		}},
	}

	name := fmt.Sprintf("lapbench-%d", time.Now().UnixNano())
	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	containerID := resp.ID
	defer func() {
		d.Logger.Debug("cleaning up container", "id", containerID[:12])
		_ = d.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	cmd := d.renderArgs(inv)
	return d.exec(ctx, containerID, cmd, inv.Timeout)
}

// renderArgs substitutes the prompt path, translated into the container's
// /workspace mount.
func (d *DockerRuntime) renderArgs(inv Invocation) []string {
	args := make([]string, 0, len(d.Command)+4)
	for _, a := range d.Command {
		if strings.Contains(a, "{prompt}") {
			a = strings.ReplaceAll(a, "{prompt}", "@/workspace/prompt.txt")
		}
		args = append(args, a)
	}
	if inv.Model != "" && !contains(args, "--model") {
		args = append(args, "--model", inv.Model)
	}
	if len(inv.AllowedTools) > 0 && !contains(args, "--allowedTools") {
		args = append(args, "--allowedTools", strings.Join(inv.AllowedTools, ","))
	}
	return args
}

type copyResult struct {
	err error
}

// exec runs the agent command in the container and demuxes its output.
func (d *DockerRuntime) exec(ctx context.Context, containerID string, cmd []string, timeout time.Duration) (*Result, error) {
	start := time.Now()

	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execConfig := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   "/workspace",
	}
	execResp, err := d.client.ContainerExecCreate(execCtx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}
	attachResp, err := d.client.ContainerExecAttach(execCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec: %w", err)
	}

	// Read output in a goroutine so we can respect context timeout.
	// stdcopy.StdCopy blocks until EOF (process exits) and does not
	// check context cancellation, so we run it in a separate goroutine
	// and close the connection if the timeout fires.
	//
	// The mutex protects buffer access since the goroutine writes to
	// them and the main goroutine reads on timeout.
	var stdout, stderr bytes.Buffer
	var bufMu sync.Mutex
	copyDone := make(chan copyResult, 1)

	go func() {
		bufMu.Lock()
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader)
		bufMu.Unlock()
		copyDone <- copyResult{err: copyErr}
	}()

	var interrupted bool
	select {
	case res := <-copyDone:
		if res.err != nil {
			attachResp.Close()
			return nil, fmt.Errorf("reading exec output: %w", res.err)
		}
	case <-execCtx.Done():
		// Close the connection to unblock the copy goroutine.
		interrupted = true
		attachResp.Close()
		<-copyDone
	}

	if interrupted {
		// Only the per-run deadline counts as a timeout. A cancelled
		// parent context is a batch interrupt, which the caller handles
		// differently.
		timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		bufMu.Lock()
		res := &Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			WallTime: time.Since(start),
			TimedOut: timedOut,
		}
		bufMu.Unlock()
		if timedOut {
			d.Logger.Warn("agent timed out in container", "after", timeout)
		}
		parseStdout(res)
		return res, nil
	}

	attachResp.Close()

	// Get exit code - use a fresh context since execCtx may be close to
	// expiring.
	inspectCtx, inspectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer inspectCancel()

	var exitCode int
	for {
		inspectResp, err := d.client.ContainerExecInspect(inspectCtx, execResp.ID)
		if err != nil {
			return nil, fmt.Errorf("inspecting exec: %w", err)
		}
		if !inspectResp.Running {
			exitCode = inspectResp.ExitCode
			break
		}
		select {
		case <-inspectCtx.Done():
			return nil, fmt.Errorf("timeout waiting for exec exit code")
		case <-time.After(50 * time.Millisecond):
		}
	}

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		WallTime: time.Since(start),
	}
	parseStdout(res)
	return res, nil
}
