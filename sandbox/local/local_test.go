package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quayrun/quay"
)

func newTestSandbox(t *testing.T, opts ...Option) *Sandbox {
	t.Helper()
	s, err := New(t.TempDir(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestResolveRejectsEscapes(t *testing.T) {
	s := newTestSandbox(t)
	ctx := context.Background()

	escapes := []string{
		"../outside.txt",
		"a/../../outside.txt",
		"/etc/passwd",
	}
	for _, p := range escapes {
		_, err := s.ReadFile(ctx, p)
		var bv *quay.BoundaryViolation
		if !errors.As(err, &bv) {
			t.Errorf("ReadFile(%q) err = %v, want BoundaryViolation", p, err)
		}
		if err := s.WriteFile(ctx, p, []byte("x")); !errors.As(err, &bv) {
			t.Errorf("WriteFile(%q) err = %v, want BoundaryViolation", p, err)
		}
	}

	// The violation fires before any IO: nothing was created outside.
	if _, err := os.Stat(filepath.Join(s.Root(), "..", "outside.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("escape write reached the filesystem: %v", err)
	}
}

func TestAllowedDirsExtendBoundary(t *testing.T) {
	extra := t.TempDir()
	if err := os.WriteFile(filepath.Join(extra, "shared.txt"), []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := newTestSandbox(t, WithAllowedDirs(extra))

	data, err := s.ReadFile(context.Background(), filepath.Join(extra, "shared.txt"))
	if err != nil || string(data) != "ok" {
		t.Fatalf("data=%q err=%v", data, err)
	}
}

func TestSymlinkEscapeRejected(t *testing.T) {
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := newTestSandbox(t)
	ctx := context.Background()

	if err := os.Symlink(outside, filepath.Join(s.Root(), "link")); err != nil {
		t.Skipf("symlink: %v", err)
	}
	var bv *quay.BoundaryViolation
	if _, err := s.ReadFile(ctx, "link/secret.txt"); !errors.As(err, &bv) {
		t.Fatalf("err = %v, want BoundaryViolation", err)
	}
	if err := s.WriteFile(ctx, "link/new.txt", []byte("x")); !errors.As(err, &bv) {
		t.Fatalf("err = %v, want BoundaryViolation", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "new.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("escape write reached the filesystem: %v", err)
	}

	// Symlinks that stay inside the root still resolve.
	if err := s.WriteFile(ctx, "real/inner.txt", []byte("in")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(s.Root(), "real"), filepath.Join(s.Root(), "alias")); err != nil {
		t.Fatal(err)
	}
	data, err := s.ReadFile(ctx, "alias/inner.txt")
	if err != nil || string(data) != "in" {
		t.Fatalf("data=%q err=%v", data, err)
	}
}

func TestFileOperations(t *testing.T) {
	s := newTestSandbox(t)
	ctx := context.Background()

	if err := s.WriteFile(ctx, "sub/a.txt", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	data, err := s.ReadFile(ctx, "sub/a.txt")
	if err != nil || string(data) != "hello" {
		t.Fatalf("data=%q err=%v", data, err)
	}

	entries, err := s.ListDir(ctx, "sub")
	if err != nil || len(entries) != 1 || entries[0].Name != "a.txt" || entries[0].IsDir {
		t.Fatalf("entries=%+v err=%v", entries, err)
	}
	if entries[0].Size != 5 {
		t.Fatalf("size = %d", entries[0].Size)
	}

	if err := s.DeleteFile(ctx, "sub/a.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadFile(ctx, "sub/a.txt"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not-exist", err)
	}
}

func TestGlobReturnsRootRelativePaths(t *testing.T) {
	s := newTestSandbox(t)
	ctx := context.Background()

	for _, p := range []string{"a.go", "b.go", "c.txt", "pkg/d.go"} {
		if err := s.WriteFile(ctx, p, nil); err != nil {
			t.Fatal(err)
		}
	}

	matches, err := s.Glob(ctx, "*.go")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 || matches[0] != "a.go" || matches[1] != "b.go" {
		t.Fatalf("matches = %v", matches)
	}

	matches, err = s.Glob(ctx, "pkg/*.go")
	if err != nil || len(matches) != 1 || matches[0] != filepath.Join("pkg", "d.go") {
		t.Fatalf("matches=%v err=%v", matches, err)
	}

	var bv *quay.BoundaryViolation
	if _, err := s.Glob(ctx, "../*"); !errors.As(err, &bv) {
		t.Fatalf("err = %v, want BoundaryViolation", err)
	}
	if _, err := s.Glob(ctx, "/etc/*"); !errors.As(err, &bv) {
		t.Fatalf("err = %v, want BoundaryViolation", err)
	}
}

func TestGrep(t *testing.T) {
	s := newTestSandbox(t)
	ctx := context.Background()

	if err := s.WriteFile(ctx, "x.txt", []byte("alpha\nbeta one\ngamma")); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFile(ctx, "sub/y.txt", []byte("beta two")); err != nil {
		t.Fatal(err)
	}
	// Binary files are skipped.
	if err := s.WriteFile(ctx, "bin.dat", []byte{0x62, 0x65, 0x74, 0x61, 0x00}); err != nil {
		t.Fatal(err)
	}

	matches, err := s.Grep(ctx, `beta \w+`, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %+v", matches)
	}
	for _, m := range matches {
		if filepath.IsAbs(m.Path) {
			t.Fatalf("absolute path leaked: %+v", m)
		}
		if m.Path == "x.txt" && m.Line != 2 {
			t.Fatalf("line = %d", m.Line)
		}
	}

	if _, err := s.Grep(ctx, `[unclosed`, ""); err == nil {
		t.Fatal("invalid pattern accepted")
	}
}

func TestExecForeground(t *testing.T) {
	s := newTestSandbox(t)
	ctx := context.Background()

	res, err := s.Exec(ctx, quay.ExecRequest{Command: "sh", Args: []string{"-c", "echo out; echo err >&2"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "out\n" || res.Stderr != "err\n" || res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}

	// Non-zero exits are results, not errors.
	res, err = s.Exec(ctx, quay.ExecRequest{Command: "sh", Args: []string{"-c", "exit 3"}})
	if err != nil || res.ExitCode != 3 {
		t.Fatalf("result=%+v err=%v", res, err)
	}

	// Commands run inside the root.
	res, err = s.Exec(ctx, quay.ExecRequest{Command: "pwd"})
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := filepath.EvalSymlinks(s.Root()); res.Stdout != got+"\n" && res.Stdout != s.Root()+"\n" {
		t.Fatalf("pwd = %q, root = %q", res.Stdout, s.Root())
	}

	if _, err := s.Exec(ctx, quay.ExecRequest{}); err == nil {
		t.Fatal("empty command accepted")
	}
}

func TestExecBackgroundLifecycle(t *testing.T) {
	s := newTestSandbox(t)
	ctx := context.Background()

	res, err := s.Exec(ctx, quay.ExecRequest{
		Command:    "sh",
		Args:       []string{"-c", "echo started; sleep 30"},
		Background: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ProcessID == 0 {
		t.Fatalf("result = %+v", res)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		procs, err := s.Processes(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(procs) == 1 && procs[0].Output == "started\n" {
			if !procs[0].Running {
				t.Fatalf("process not running: %+v", procs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("output never arrived: %+v", procs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := s.Kill(ctx, res.ProcessID); err != nil {
		t.Fatal(err)
	}
	procs, _ := s.Processes(ctx)
	if len(procs) != 0 {
		t.Fatalf("process table = %+v", procs)
	}
	if err := s.Kill(ctx, res.ProcessID); !errors.Is(err, quay.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
