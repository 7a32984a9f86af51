package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/tlsconfig"

	"github.com/loomworks/loom/internal/config"
)

// workspaceMount is where the task workspace appears inside the container.
const workspaceMount = "/workspace"

// DockerRuntime implements ContainerRuntime on the Docker Engine API.
type DockerRuntime struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDockerRuntime connects to the Docker engine described by the config.
// An empty host uses the DOCKER_HOST environment; a cert path enables TLS
// for remote engines.
func NewDockerRuntime(cfg config.DockerConfig, logger *slog.Logger) (*DockerRuntime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.CertPath != "" {
		tlsCfg, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:             filepath.Join(cfg.CertPath, "ca.pem"),
			CertFile:           filepath.Join(cfg.CertPath, "cert.pem"),
			KeyFile:            filepath.Join(cfg.CertPath, "key.pem"),
			InsecureSkipVerify: !cfg.TLSVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build docker TLS config: %w", err)
		}
		opts = append(opts, client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{
		cli:    cli,
		logger: logger.With("component", "docker_runtime"),
	}, nil
}

func (d *DockerRuntime) Start(ctx context.Context, spec StartSpec) (string, error) {
	env := append([]string{
		"LOOM_TASK_ID=" + spec.TaskID,
		"LOOM_TASK_MODE=" + string(spec.Mode),
		"LOOM_TASK_PROMPT=" + spec.Prompt,
	}, spec.Env...)

	cfg := &container.Config{
		Image:      spec.Image,
		Env:        env,
		WorkingDir: workspaceMount,
		Labels: map[string]string{
			"loom.task_id": spec.TaskID,
		},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{spec.WorkspaceDir + ":" + workspaceMount},
		Resources: container.Resources{
			NanoCPUs: int64(spec.Resources.CPUs * 1e9),
			Memory:   spec.Resources.MemoryMB << 20,
		},
	}
	if spec.Resources.PidsMax > 0 {
		pids := spec.Resources.PidsMax
		hostCfg.Resources.PidsLimit = &pids
	}

	name := "loom-task-" + spec.TaskID
	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if client.IsErrNotFound(err) {
		if perr := d.pullImage(ctx, spec.Image); perr != nil {
			return "", perr
		}
		created, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Clean up the created-but-unstarted container so the name frees up.
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	d.logger.Info("container started", "task_id", spec.TaskID, "container", shortRef(created.ID))
	return created.ID, nil
}

func (d *DockerRuntime) pullImage(ctx context.Context, ref string) error {
	d.logger.Info("pulling task image", "image", ref)
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull completes when the progress stream drains.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

func (d *DockerRuntime) Probe(ctx context.Context, containerRef string) (Probe, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerRef)
	if err != nil {
		return Probe{}, fmt.Errorf("failed to inspect container: %w", err)
	}
	p := Probe{}
	if inspect.State != nil {
		p.Running = inspect.State.Running
		p.ExitCode = inspect.State.ExitCode
	}
	return p, nil
}

func (d *DockerRuntime) Logs(ctx context.Context, containerRef string) (io.ReadCloser, error) {
	raw, err := d.cli.ContainerLogs(ctx, containerRef, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open container logs: %w", err)
	}

	// The engine multiplexes stdout/stderr on one stream for non-TTY
	// containers; demux both onto a single pipe in arrival order.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, raw)
		raw.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (d *DockerRuntime) Kill(ctx context.Context, containerRef string) error {
	err := d.cli.ContainerKill(ctx, containerRef, "SIGKILL")
	if err == nil || client.IsErrNotFound(err) {
		return nil
	}
	// Killing a container that already exited reports a conflict; that is
	// the state we wanted.
	if probe, perr := d.Probe(ctx, containerRef); perr == nil && !probe.Running {
		return nil
	}
	return fmt.Errorf("failed to kill container: %w", err)
}

func (d *DockerRuntime) Remove(ctx context.Context, containerRef string) error {
	err := d.cli.ContainerRemove(ctx, containerRef, container.RemoveOptions{Force: true})
	if err == nil || client.IsErrNotFound(err) {
		return nil
	}
	return fmt.Errorf("failed to remove container: %w", err)
}

func (d *DockerRuntime) OpenTerminal(ctx context.Context, containerRef string, rows, cols uint) (TerminalConn, error) {
	created, err := d.cli.ContainerExecCreate(ctx, containerRef, container.ExecOptions{
		Cmd:          []string{"/bin/sh"},
		Env:          []string{"TERM=xterm-256color"},
		WorkingDir:   workspaceMount,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attached, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	if rows > 0 && cols > 0 {
		// Best effort; the client can resize again once attached.
		_ = d.cli.ContainerExecResize(ctx, created.ID, container.ResizeOptions{Height: rows, Width: cols})
	}
	return &dockerTerminal{cli: d.cli, execID: created.ID, resp: attached}, nil
}

// dockerTerminal adapts a hijacked exec stream to TerminalConn.
type dockerTerminal struct {
	cli    *client.Client
	execID string
	resp   types.HijackedResponse
}

func (t *dockerTerminal) Read(p []byte) (int, error) {
	return t.resp.Reader.Read(p)
}

func (t *dockerTerminal) Write(p []byte) (int, error) {
	return t.resp.Conn.Write(p)
}

func (t *dockerTerminal) Resize(ctx context.Context, rows, cols uint) error {
	return t.cli.ContainerExecResize(ctx, t.execID, container.ResizeOptions{Height: rows, Width: cols})
}

func (t *dockerTerminal) Close() error {
	t.resp.Close()
	return nil
}

func shortRef(ref string) string {
	if len(ref) > 12 {
		return ref[:12]
	}
	return ref
}
