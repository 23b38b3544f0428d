// Package fs provides the built-in sandbox-backed file tools: fs_read,
// fs_write, fs_rm, fs_list, fs_glob, fs_grep. All paths are interpreted by
// the sandbox, which enforces the workspace boundary.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/quayrun/quay"
)

// Descriptors returns the file tool set for registration.
func Descriptors() []quay.ToolDescriptor {
	return []quay.ToolDescriptor{
		readDescriptor(),
		writeDescriptor(),
		rmDescriptor(),
		listDescriptor(),
		globDescriptor(),
		grepDescriptor(),
	}
}

// Register adds all file tools to r.
func Register(r *quay.Registry) error {
	for _, d := range Descriptors() {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func requireSandbox(tc quay.ToolContext) (quay.Sandbox, error) {
	if tc.Sandbox == nil {
		return nil, errors.New("no sandbox configured")
	}
	return tc.Sandbox, nil
}

type pathArgs struct {
	Path string `json:"path"`
}

func decodePath(input json.RawMessage) (string, error) {
	var a pathArgs
	if err := json.Unmarshal(input, &a); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if a.Path == "" {
		return "", errors.New("path is required")
	}
	return a.Path, nil
}

func readDescriptor() quay.ToolDescriptor {
	return quay.ToolDescriptor{
		Name:        "fs_read",
		Description: "Read a file from the workspace and return its contents.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace"}},"required":["path"]}`),
		Attributes:  quay.ToolAttributes{ReadOnly: true, ConcurrencySafe: true},
		Invoke: func(ctx context.Context, input json.RawMessage, tc quay.ToolContext) (string, error) {
			sb, err := requireSandbox(tc)
			if err != nil {
				return "", err
			}
			path, err := decodePath(input)
			if err != nil {
				return "", err
			}
			data, err := sb.ReadFile(ctx, path)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
}

func writeDescriptor() quay.ToolDescriptor {
	return quay.ToolDescriptor{
		Name:        "fs_write",
		Description: "Write content to a file in the workspace, creating parent directories as needed.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
		Attributes:  quay.ToolAttributes{ConcurrencySafe: true},
		Invoke: func(ctx context.Context, input json.RawMessage, tc quay.ToolContext) (string, error) {
			sb, err := requireSandbox(tc)
			if err != nil {
				return "", err
			}
			var a struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(input, &a); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			if a.Path == "" {
				return "", errors.New("path is required")
			}
			if err := sb.WriteFile(ctx, a.Path, []byte(a.Content)); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(a.Content), a.Path), nil
		},
	}
}

func rmDescriptor() quay.ToolDescriptor {
	return quay.ToolDescriptor{
		Name:        "fs_rm",
		Description: "Delete a file from the workspace. Destructive; requires approval.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		Attributes:  quay.ToolAttributes{RequiresApproval: true, ConcurrencySafe: true},
		Invoke: func(ctx context.Context, input json.RawMessage, tc quay.ToolContext) (string, error) {
			sb, err := requireSandbox(tc)
			if err != nil {
				return "", err
			}
			path, err := decodePath(input)
			if err != nil {
				return "", err
			}
			if err := sb.DeleteFile(ctx, path); err != nil {
				return "", err
			}
			return "deleted " + path, nil
		},
	}
}

func listDescriptor() quay.ToolDescriptor {
	return quay.ToolDescriptor{
		Name:        "fs_list",
		Description: "List a workspace directory. Directories are suffixed with /.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path, default workspace root"}}}`),
		Attributes:  quay.ToolAttributes{ReadOnly: true, ConcurrencySafe: true},
		Invoke: func(ctx context.Context, input json.RawMessage, tc quay.ToolContext) (string, error) {
			sb, err := requireSandbox(tc)
			if err != nil {
				return "", err
			}
			var a pathArgs
			if len(input) > 0 {
				if err := json.Unmarshal(input, &a); err != nil {
					return "", fmt.Errorf("invalid args: %w", err)
				}
			}
			if a.Path == "" {
				a.Path = "."
			}
			entries, err := sb.ListDir(ctx, a.Path)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "(empty)", nil
			}
			var b strings.Builder
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(&b, "%s/\n", e.Name)
				} else {
					fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name, e.Size)
				}
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}

func globDescriptor() quay.ToolDescriptor {
	return quay.ToolDescriptor{
		Name:        "fs_glob",
		Description: "Find workspace files matching a glob pattern, e.g. \"**/*.go\".",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"}},"required":["pattern"]}`),
		Attributes:  quay.ToolAttributes{ReadOnly: true, ConcurrencySafe: true},
		Invoke: func(ctx context.Context, input json.RawMessage, tc quay.ToolContext) (string, error) {
			sb, err := requireSandbox(tc)
			if err != nil {
				return "", err
			}
			var a struct {
				Pattern string `json:"pattern"`
			}
			if err := json.Unmarshal(input, &a); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			if a.Pattern == "" {
				return "", errors.New("pattern is required")
			}
			matches, err := sb.Glob(ctx, a.Pattern)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "no matches", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	}
}

func grepDescriptor() quay.ToolDescriptor {
	return quay.ToolDescriptor{
		Name:        "fs_grep",
		Description: "Search workspace files for a regular expression. Returns path:line: text matches.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"},"path":{"type":"string","description":"Directory to search, default workspace root"}},"required":["pattern"]}`),
		Attributes:  quay.ToolAttributes{ReadOnly: true, ConcurrencySafe: true},
		Invoke: func(ctx context.Context, input json.RawMessage, tc quay.ToolContext) (string, error) {
			sb, err := requireSandbox(tc)
			if err != nil {
				return "", err
			}
			var a struct {
				Pattern string `json:"pattern"`
				Path    string `json:"path"`
			}
			if err := json.Unmarshal(input, &a); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			if a.Pattern == "" {
				return "", errors.New("pattern is required")
			}
			matches, err := sb.Grep(ctx, a.Pattern, a.Path)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "no matches", nil
			}
			var b strings.Builder
			for _, m := range matches {
				fmt.Fprintf(&b, "%s:%d: %s\n", m.Path, m.Line, m.Text)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}
