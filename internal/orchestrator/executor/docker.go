package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/common/stringutil"
	"github.com/kandev/orchestrator/internal/task/models"
)

// Docker is the Custom("docker") strategy of spec.md §4.4.3: it runs the
// task's prompt inside a fresh, disposable container, bind-mounting
// work_directory so the task can read and write its own workspace.
type Docker struct {
	cli    *client.Client
	logger *logger.Logger
	image  string
}

// NewDocker constructs a Docker strategy using image for every container it
// launches. An empty host falls back to the daemon's default connection.
func NewDocker(host, image string, log *logger.Logger) (*Docker, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{cli: cli, logger: log, image: image}, nil
}

// Execute creates a disposable container bind-mounting task.WorkDirectory at
// /workspace, feeds task.Prompt on the attached stdin, and waits for the
// container to exit, classifying a non-zero exit code as failure.
func (d *Docker) Execute(ctx context.Context, task *models.Task) (*models.Result, error) {
	containerCfg := &container.Config{
		Image:        d.image,
		Cmd:          []string{"sh", "-c", "cat | sh"},
		WorkingDir:   "/workspace",
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		StdinOnce:    true,
		Tty:          false,
		Labels: map[string]string{
			"orchestrator.task_id": task.ID,
		},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: task.WorkDirectory,
				Target: "/workspace",
			},
		},
		AutoRemove: false,
	}

	created, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	id := created.ID
	defer d.cli.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true, RemoveVolumes: true})

	attachResp, err := d.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}
	defer attachResp.Close()

	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	go func() {
		io.Copy(attachResp.Conn, bytesReader(task.Prompt))
		attachResp.CloseWrite()
	}()

	var stdout, stderr bytes.Buffer
	demuxDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader)
		demuxDone <- err
	}()

	start := time.Now()
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	var exitCode int64
	select {
	case waitErr := <-errCh:
		if ctx.Err() != nil {
			d.killOnTimeout(id)
			return &models.Result{Status: models.ResultFailure, Output: stdout.String(), DurationMs: time.Since(start).Milliseconds()}, fmt.Errorf("timeout")
		}
		if waitErr != nil {
			return nil, fmt.Errorf("wait container: %w", waitErr)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		d.killOnTimeout(id)
		return &models.Result{Status: models.ResultFailure, Output: stdout.String(), DurationMs: time.Since(start).Milliseconds()}, fmt.Errorf("timeout")
	}
	<-demuxDone
	elapsed := time.Since(start)

	if exitCode != 0 {
		tail := stringutil.TruncateStringWithEllipsis(stderr.String(), stderrTailBytes)
		return &models.Result{
			Status:     models.ResultFailure,
			Output:     stdout.String(),
			DurationMs: elapsed.Milliseconds(),
		}, fmt.Errorf("container exited %d: %s", exitCode, tail)
	}

	return &models.Result{
		Status:     models.ResultSuccess,
		Output:     stdout.String(),
		DurationMs: elapsed.Milliseconds(),
	}, nil
}

// killOnTimeout force-kills a container whose task context expired, since
// ContainerWait does not stop the container itself.
func (d *Docker) killOnTimeout(id string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.cli.ContainerKill(killCtx, id, "SIGKILL")
}

func bytesReader(s string) io.Reader {
	return bytes.NewReader([]byte(s))
}

// Close releases the underlying Docker client connection.
func (d *Docker) Close() error {
	return d.cli.Close()
}
