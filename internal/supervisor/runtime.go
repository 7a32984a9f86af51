package supervisor

import (
	"context"
	"io"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/pkg/models"
)

// StartSpec describes the container for one task run.
type StartSpec struct {
	TaskID       string
	Image        string
	WorkspaceDir string // host path bind-mounted at /workspace
	Prompt       string
	Mode         models.TaskMode
	Env          []string
	Resources    config.ResourceLimits
}

// Probe is a point-in-time container status observation.
type Probe struct {
	Running  bool
	ExitCode int
}

// TerminalConn is an attached interactive exec: writes go to the PTY's
// stdin, reads come from its combined output.
type TerminalConn interface {
	io.ReadWriteCloser
	Resize(ctx context.Context, rows, cols uint) error
}

// ContainerRuntime abstracts the container engine the supervisor drives.
// The production implementation is DockerRuntime; tests use a fake.
type ContainerRuntime interface {
	// Start creates and starts the task container, returning its engine
	// reference.
	Start(ctx context.Context, spec StartSpec) (containerRef string, err error)
	// Probe reports whether the container is still running and, once it
	// is not, its exit code.
	Probe(ctx context.Context, containerRef string) (Probe, error)
	// Logs streams the container's demultiplexed combined output from the
	// beginning, following until the container stops or ctx is cancelled.
	Logs(ctx context.Context, containerRef string) (io.ReadCloser, error)
	// Kill force-stops the container. Killing an already-dead container
	// is not an error.
	Kill(ctx context.Context, containerRef string) error
	// Remove deletes the stopped container. The workspace bind mount
	// survives removal.
	Remove(ctx context.Context, containerRef string) error
	// OpenTerminal starts an interactive shell inside the running
	// container and attaches to it.
	OpenTerminal(ctx context.Context, containerRef string, rows, cols uint) (TerminalConn, error)
}
