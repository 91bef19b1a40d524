package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func initRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-q")
	run("config", "user.name", "test")
	run("config", "user.email", "test@example.com")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-q", "-m", "initial")
}

func TestBranchNameUsesShortPrefix(t *testing.T) {
	if got := BranchName("exec-1234567890abcdef"); got != "goyais-exec-1234567" {
		t.Fatalf("BranchName = %q", got)
	}
	if got := BranchName("short"); got != "goyais-short" {
		t.Fatalf("BranchName(short) = %q", got)
	}
}

func TestRootJoinsProjectPathAndExecutionID(t *testing.T) {
	got := Root("/repo", "exec-1")
	want := filepath.Join("/repo", ".goyais-worktrees", "exec-1")
	if got != want {
		t.Fatalf("Root = %q, want %q", got, want)
	}
}

func TestPrepareFallsBackWhenNotGit(t *testing.T) {
	dir := t.TempDir()
	ctx := Prepare(context.Background(), "exec-1", dir, false)
	if ctx.Created || ctx.Path != dir {
		t.Fatalf("ctx = %+v, want fallback to project path", ctx)
	}
}

func TestPrepareFallsBackWhenPathMissing(t *testing.T) {
	ctx := Prepare(context.Background(), "exec-1", "/definitely/does/not/exist", true)
	if ctx.Created {
		t.Fatalf("ctx = %+v, want Created false", ctx)
	}
}

func TestPrepareCreatesWorktreeLane(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()
	initRepo(t, dir)

	ctx := Prepare(context.Background(), "exec-abc", dir, true)
	if !ctx.Created {
		t.Fatalf("ctx = %+v, want Created true", ctx)
	}
	if _, err := os.Stat(ctx.Path); err != nil {
		t.Fatalf("worktree path missing: %v", err)
	}
}

func TestCommitAndRemove(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()
	initRepo(t, dir)

	ctx := Prepare(context.Background(), "exec-commit", dir, true)
	if !ctx.Created {
		t.Fatalf("ctx = %+v, want Created true", ctx)
	}

	if err := os.WriteFile(filepath.Join(ctx.Path, "new.txt"), []byte("new content"), 0o644); err != nil {
		t.Fatal(err)
	}

	sha, err := Commit(context.Background(), ctx.Path, "add file", "test", "test@example.com")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if strings.TrimSpace(sha) == "" {
		t.Fatal("Commit returned empty sha")
	}

	if _, err := Commit(context.Background(), ctx.Path, "no-op", "test", "test@example.com"); err != ErrNothingToCommit {
		t.Fatalf("second Commit err = %v, want ErrNothingToCommit", err)
	}

	if err := Remove(context.Background(), dir, "exec-commit", true); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(ctx.Path); !os.IsNotExist(err) {
		t.Fatalf("worktree path still exists after Remove: %v", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	if err := Remove(context.Background(), dir, "never-existed", true); err != nil {
		t.Fatalf("Remove on missing lane: %v", err)
	}
}
