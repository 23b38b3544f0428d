// Package local implements the quay Sandbox as a directory-rooted process
// sandbox on the host. Every path is normalized and checked against the root
// (plus an optional allow-list) before any IO; command execution inherits
// the root as working directory.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/quayrun/quay"
)

// Sandbox is a local-filesystem quay.Sandbox.
type Sandbox struct {
	root    string
	allowed []string // extra absolute directories paths may resolve into
	env     []string
	logger  *slog.Logger

	mu     sync.Mutex
	nextID int
	procs  map[int]*bgProcess
}

// bgProcess tracks one background command and its side-channel output.
type bgProcess struct {
	id      int
	command string
	cmd     *exec.Cmd
	out     *lockedBuffer
	done    chan struct{}
}

// lockedBuffer is a concurrency-safe output accumulator shared between the
// running command and Processes readers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Option configures New.
type Option func(*Sandbox)

// WithAllowedDirs adds absolute directories outside the root that paths may
// resolve into.
func WithAllowedDirs(dirs ...string) Option {
	return func(s *Sandbox) { s.allowed = append(s.allowed, dirs...) }
}

// WithEnv appends environment entries ("KEY=value") to every execution.
func WithEnv(env ...string) Option {
	return func(s *Sandbox) { s.env = append(s.env, env...) }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// New creates a sandbox rooted at dir, creating it if absent.
func New(dir string, opts ...Option) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create root: %w", err)
	}
	// Anchor the boundary at the physical root so symlinked tmp dirs do not
	// defeat the containment check.
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	s := &Sandbox{
		root:   abs,
		logger: slog.New(slog.DiscardHandler),
		procs:  make(map[int]*bgProcess),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the sandbox working directory.
func (s *Sandbox) Root() string { return s.root }

// resolve normalizes path inside the boundary. Violations fail before any
// IO with *quay.BoundaryViolation.
func (s *Sandbox) resolve(path string) (string, error) {
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	p = filepath.Clean(p)
	if !s.contained(p) {
		return "", &quay.BoundaryViolation{Path: path}
	}
	// Lexical containment is not enough: a symlink inside the root can point
	// anywhere. Resolve the longest existing prefix and re-check.
	real, err := resolveExisting(p)
	if err != nil {
		return "", fmt.Errorf("sandbox: resolve %s: %w", path, err)
	}
	if !s.contained(real) {
		return "", &quay.BoundaryViolation{Path: path}
	}
	return p, nil
}

func (s *Sandbox) contained(p string) bool {
	if inside(p, s.root) {
		return true
	}
	for _, dir := range s.allowed {
		if inside(p, dir) {
			return true
		}
		if real, err := filepath.EvalSymlinks(dir); err == nil && inside(p, real) {
			return true
		}
	}
	return false
}

// resolveExisting evaluates symlinks on the longest existing prefix of p and
// rejoins the remainder, so paths that do not exist yet still resolve.
func resolveExisting(p string) (string, error) {
	suffix := ""
	for cur := p; ; {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(real, suffix), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}

func inside(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// --- Execution ---

// Exec runs a command. Foreground commands block until exit and return the
// captured output; background commands return a process id immediately and
// keep writing to a side channel readable via Processes.
func (s *Sandbox) Exec(ctx context.Context, req quay.ExecRequest) (quay.ExecResult, error) {
	if req.Command == "" {
		return quay.ExecResult{}, errors.New("sandbox: empty command")
	}
	dir := s.root
	if req.Dir != "" {
		d, err := s.resolve(req.Dir)
		if err != nil {
			return quay.ExecResult{}, err
		}
		dir = d
	}

	env := append(os.Environ(), s.env...)
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	if req.Background {
		return s.execBackground(req, dir, env)
	}

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = dir
	cmd.Env = env
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := quay.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("sandbox: exec %s: %w", req.Command, err)
	}
	return res, nil
}

func (s *Sandbox) execBackground(req quay.ExecRequest, dir string, env []string) (quay.ExecResult, error) {
	// Background commands outlive the request; they stop via Kill, not ctx.
	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = dir
	cmd.Env = env
	out := &lockedBuffer{}
	cmd.Stdout = out
	cmd.Stderr = out
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	if err := cmd.Start(); err != nil {
		return quay.ExecResult{}, fmt.Errorf("sandbox: start %s: %w", req.Command, err)
	}

	s.mu.Lock()
	s.nextID++
	p := &bgProcess{
		id:      s.nextID,
		command: strings.TrimSpace(req.Command + " " + strings.Join(req.Args, " ")),
		cmd:     cmd,
		out:     out,
		done:    make(chan struct{}),
	}
	s.procs[p.id] = p
	s.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	s.logger.Debug("background process started", "pid", p.id, "command", p.command)
	return quay.ExecResult{ProcessID: p.id}, nil
}

// Processes lists background processes with their accumulated output.
func (s *Sandbox) Processes(_ context.Context) ([]quay.ProcessInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]quay.ProcessInfo, 0, len(s.procs))
	for _, p := range s.procs {
		running := true
		select {
		case <-p.done:
			running = false
		default:
		}
		out = append(out, quay.ProcessInfo{
			ID: p.id, Command: p.command, Running: running, Output: p.out.String(),
		})
	}
	return out, nil
}

// Kill terminates a background process. Finished processes are removed from
// the table; unknown ids return ErrNotFound.
func (s *Sandbox) Kill(_ context.Context, processID int) error {
	s.mu.Lock()
	p, ok := s.procs[processID]
	if ok {
		delete(s.procs, processID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("sandbox: process %d: %w", processID, quay.ErrNotFound)
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	if p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

// --- Files ---

func (s *Sandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (s *Sandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (s *Sandbox) DeleteFile(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.resolve(path)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

func (s *Sandbox) ListDir(ctx context.Context, path string) ([]quay.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path == "" {
		path = "."
	}
	p, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	out := make([]quay.FileEntry, 0, len(entries))
	for _, e := range entries {
		fe := quay.FileEntry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			fe.Size = info.Size()
		}
		out = append(out, fe)
	}
	return out, nil
}

// Glob matches pattern relative to the root and returns root-relative paths.
func (s *Sandbox) Glob(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.Contains(pattern, "..") || filepath.IsAbs(pattern) {
		return nil, &quay.BoundaryViolation{Path: pattern}
	}
	matches, err := filepath.Glob(filepath.Join(s.root, pattern))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(s.root, m)
		if err != nil {
			continue
		}
		out = append(out, rel)
	}
	return out, nil
}

// Grep searches files under path for a regular expression, returning
// root-relative matches. Binary-looking files are skipped.
func (s *Sandbox) Grep(ctx context.Context, pattern, path string) ([]quay.GrepMatch, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("sandbox: grep pattern: %w", err)
	}
	if path == "" {
		path = "."
	}
	start, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	var out []quay.GrepMatch
	err = filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil || bytes.IndexByte(data, 0) >= 0 {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			rel = p
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				out = append(out, quay.GrepMatch{Path: rel, Line: i + 1, Text: line})
			}
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

var _ quay.Sandbox = (*Sandbox)(nil)
