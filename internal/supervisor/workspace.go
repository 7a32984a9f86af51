package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrOutsideWorkspace is returned when a relative path escapes the task
// workspace.
var ErrOutsideWorkspace = errors.New("path escapes the workspace")

// maxWorkspaceRead bounds a single file read through the API.
const maxWorkspaceRead = 1 << 20 // 1 MiB

// gitTimeout bounds a single git invocation against a workspace.
const gitTimeout = 2 * time.Minute

// WorkspaceEntry is one directory listing row.
type WorkspaceEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// workspacePath resolves a user-supplied relative path inside root,
// rejecting anything that climbs out. Symlinks inside the workspace are
// resolved and re-checked so a planted link cannot reach the host.
func workspacePath(root, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" || rel == "." {
		rel = "."
	}
	if filepath.IsAbs(rel) {
		return "", ErrOutsideWorkspace
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrOutsideWorkspace
	}

	joined := filepath.Join(root, clean)
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if os.IsNotExist(err) {
			// New files have no symlinks to resolve; check the parent.
			parent, perr := filepath.EvalSymlinks(filepath.Dir(joined))
			if perr != nil {
				return "", fmt.Errorf("failed to resolve path: %w", perr)
			}
			resolved = filepath.Join(parent, filepath.Base(joined))
		} else {
			return "", fmt.Errorf("failed to resolve path: %w", err)
		}
	}

	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if resolved != rootResolved && !strings.HasPrefix(resolved, rootResolved+string(filepath.Separator)) {
		return "", ErrOutsideWorkspace
	}
	return resolved, nil
}

// BrowseWorkspace lists one directory of a task's workspace,
// directories first.
func (s *Supervisor) BrowseWorkspace(ctx context.Context, taskID, userID, rel string) ([]WorkspaceEntry, error) {
	task, err := s.Task(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	dir, err := workspacePath(task.WorkspacePath, rel)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	out := make([]WorkspaceEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, WorkspaceEntry{
			Name:  e.Name(),
			IsDir: e.IsDir(),
			Size:  info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// ReadWorkspaceFile returns a workspace file's contents, capped at 1 MiB.
func (s *Supervisor) ReadWorkspaceFile(ctx context.Context, taskID, userID, rel string) ([]byte, error) {
	task, err := s.Task(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	path, err := workspacePath(task.WorkspacePath, rel)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", rel)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxWorkspaceRead))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// WriteWorkspaceFile places uploaded content into the workspace, creating
// parent directories as needed.
func (s *Supervisor) WriteWorkspaceFile(ctx context.Context, taskID, userID, rel string, content io.Reader) (int64, error) {
	task, err := s.Task(ctx, taskID, userID)
	if err != nil {
		return 0, err
	}
	path, err := workspacePath(task.WorkspacePath, rel)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	n, err := io.Copy(f, content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to write file: %w", err)
	}
	return n, nil
}

// GitStatus reports the workspace's branch and porcelain status.
func (s *Supervisor) GitStatus(ctx context.Context, taskID, userID string) (string, error) {
	task, err := s.Task(ctx, taskID, userID)
	if err != nil {
		return "", err
	}
	branch, err := s.git(ctx, task.WorkspacePath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	status, err := s.git(ctx, task.WorkspacePath, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if status == "" {
		return fmt.Sprintf("On branch %s\nworking tree clean", branch), nil
	}
	return fmt.Sprintf("On branch %s\n%s", branch, status), nil
}

// GitPush pushes the workspace's current branch to its origin remote. An
// empty branch pushes HEAD.
func (s *Supervisor) GitPush(ctx context.Context, taskID, userID, branch string) (string, error) {
	task, err := s.Task(ctx, taskID, userID)
	if err != nil {
		return "", err
	}
	ref := "HEAD"
	if branch != "" {
		if strings.ContainsAny(branch, " \t\n") || strings.HasPrefix(branch, "-") {
			return "", fmt.Errorf("invalid branch name %q", branch)
		}
		ref = branch
	}
	out, err := s.git(ctx, task.WorkspacePath, "push", "origin", ref)
	if err != nil {
		return "", err
	}
	if out == "" {
		out = "pushed " + ref
	}
	return out, nil
}

// git runs one git command rooted in the workspace with a bounded
// timeout. Stderr is folded into the error for the caller to surface.
func (s *Supervisor) git(ctx context.Context, workspace string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workspace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s failed: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}
