package supervisor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

func workspaceFixture(t *testing.T) (*Supervisor, *models.Task) {
	t.Helper()
	cfg := testConfig(t)
	rt := newFakeRuntime()
	sup, store := newTestSupervisor(t, cfg, rt, nil)

	ws := filepath.Join(cfg.WorkspaceRoot, "ws")
	if err := os.MkdirAll(filepath.Join(ws, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "README.md"), []byte("# hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "src", "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	task := &models.Task{
		OwnerUserID:   "u1",
		Prompt:        "p",
		WorkspacePath: ws,
		Status:        models.TaskCompleted,
		CreatedAt:     time.Now(),
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return sup, task
}

func TestBrowseWorkspace(t *testing.T) {
	sup, task := workspaceFixture(t)
	ctx := context.Background()

	entries, err := sup.BrowseWorkspace(ctx, task.ID, "u1", "")
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	// Directories sort first.
	if len(entries) != 2 || !entries[0].IsDir || entries[0].Name != "src" || entries[1].Name != "README.md" {
		t.Fatalf("entries = %+v", entries)
	}

	nested, err := sup.BrowseWorkspace(ctx, task.ID, "u1", "src")
	if err != nil {
		t.Fatalf("browse src: %v", err)
	}
	if len(nested) != 1 || nested[0].Name != "main.go" {
		t.Fatalf("nested = %+v", nested)
	}

	if _, err := sup.BrowseWorkspace(ctx, task.ID, "u2", ""); !errors.Is(err, ErrNotOwner) {
		t.Errorf("foreign browse err = %v, want ErrNotOwner", err)
	}
}

func TestReadWorkspaceFile(t *testing.T) {
	sup, task := workspaceFixture(t)
	ctx := context.Background()

	data, err := sup.ReadWorkspaceFile(ctx, task.ID, "u1", "README.md")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "# hello\n" {
		t.Errorf("content = %q", data)
	}

	if _, err := sup.ReadWorkspaceFile(ctx, task.ID, "u1", "src"); err == nil {
		t.Error("reading a directory should fail")
	}
	if _, err := sup.ReadWorkspaceFile(ctx, task.ID, "u1", "missing.txt"); err == nil {
		t.Error("reading a missing file should fail")
	}
}

func TestWriteWorkspaceFile(t *testing.T) {
	sup, task := workspaceFixture(t)
	ctx := context.Background()

	n, err := sup.WriteWorkspaceFile(ctx, task.ID, "u1", "docs/notes.txt", bytes.NewBufferString("uploaded"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != int64(len("uploaded")) {
		t.Errorf("wrote %d bytes", n)
	}
	data, err := os.ReadFile(filepath.Join(task.WorkspacePath, "docs", "notes.txt"))
	if err != nil || string(data) != "uploaded" {
		t.Fatalf("read back = %q, %v", data, err)
	}
}

func TestWorkspacePathJail(t *testing.T) {
	sup, task := workspaceFixture(t)
	ctx := context.Background()

	escapes := []string{
		"../outside.txt",
		"../../etc/passwd",
		"src/../../outside.txt",
		"/etc/passwd",
	}
	for _, rel := range escapes {
		if _, err := sup.ReadWorkspaceFile(ctx, task.ID, "u1", rel); !errors.Is(err, ErrOutsideWorkspace) {
			t.Errorf("read %q err = %v, want ErrOutsideWorkspace", rel, err)
		}
		if _, err := sup.WriteWorkspaceFile(ctx, task.ID, "u1", rel, bytes.NewBufferString("x")); !errors.Is(err, ErrOutsideWorkspace) {
			t.Errorf("write %q err = %v, want ErrOutsideWorkspace", rel, err)
		}
	}

	// A symlink planted inside the workspace cannot reach the host.
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(task.WorkspacePath, "sneaky")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := sup.ReadWorkspaceFile(ctx, task.ID, "u1", "sneaky"); !errors.Is(err, ErrOutsideWorkspace) {
		t.Errorf("symlink escape err = %v, want ErrOutsideWorkspace", err)
	}
}

func TestWorkspacePathNormalization(t *testing.T) {
	sup, task := workspaceFixture(t)
	ctx := context.Background()

	// Interior dot segments that stay inside are fine.
	data, err := sup.ReadWorkspaceFile(ctx, task.ID, "u1", "src/../README.md")
	if err != nil {
		t.Fatalf("normalized read: %v", err)
	}
	if string(data) != "# hello\n" {
		t.Errorf("content = %q", data)
	}
}
