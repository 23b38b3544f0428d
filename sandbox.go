package quay

import "context"

// ExecRequest describes a command execution inside the sandbox.
type ExecRequest struct {
	Command string
	Args    []string
	Dir     string            // relative to the sandbox root; "" = root
	Env     map[string]string // appended to the sandbox baseline
	Stdin   string
	// Background starts the command without waiting; the result carries a
	// process id and output continues to a side channel owned by the sandbox.
	Background bool
}

// ExecResult is the outcome of a foreground execution, or the handle of a
// background one.
type ExecResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	ProcessID int // set for background commands
}

// FileEntry is one directory listing entry.
type FileEntry struct {
	Name  string
	IsDir bool
	Size  int64
}

// GrepMatch is one matching line from Grep.
type GrepMatch struct {
	Path string
	Line int
	Text string
}

// ProcessInfo describes a background process started in the sandbox.
type ProcessInfo struct {
	ID      int
	Command string
	Running bool
	// Output is the accumulated side-channel output captured so far.
	Output string
}

// Sandbox is the bounded execution surface tools run against. Whether it is
// a local process tree, a container, or a remote VM is opaque to the core.
//
// Boundary enforcement: every path must normalize inside the sandbox working
// directory or an explicit allow-list; violations fail with
// *BoundaryViolation before any IO.
type Sandbox interface {
	Exec(ctx context.Context, req ExecRequest) (ExecResult, error)

	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	DeleteFile(ctx context.Context, path string) error
	ListDir(ctx context.Context, path string) ([]FileEntry, error)
	Glob(ctx context.Context, pattern string) ([]string, error)
	Grep(ctx context.Context, pattern, path string) ([]GrepMatch, error)

	Processes(ctx context.Context) ([]ProcessInfo, error)
	Kill(ctx context.Context, processID int) error
}
