// Package shell provides the built-in shell execution tool, backed by the
// sandbox. Foreground commands block and return combined output; background
// commands return a process id for later inspection via shell_ps/shell_kill.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/quayrun/quay"
)

// Descriptors returns the shell tool set for registration.
func Descriptors() []quay.ToolDescriptor {
	return []quay.ToolDescriptor{execDescriptor(), psDescriptor(), killDescriptor()}
}

// Register adds all shell tools to r.
func Register(r *quay.Registry) error {
	for _, d := range Descriptors() {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func execDescriptor() quay.ToolDescriptor {
	return quay.ToolDescriptor{
		Name:        "shell",
		Description: "Run a command in the workspace. Set background=true for long-running processes and inspect them with shell_ps.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"},"args":{"type":"array","items":{"type":"string"}},"dir":{"type":"string"},"stdin":{"type":"string"},"background":{"type":"boolean"}},"required":["command"]}`),
		// Shell commands can touch anything in the workspace; run them one
		// at a time and behind the approval gate.
		Attributes: quay.ToolAttributes{RequiresApproval: true, ConcurrencySafe: false},
		Invoke: func(ctx context.Context, input json.RawMessage, tc quay.ToolContext) (string, error) {
			if tc.Sandbox == nil {
				return "", errors.New("no sandbox configured")
			}
			var a struct {
				Command    string   `json:"command"`
				Args       []string `json:"args"`
				Dir        string   `json:"dir"`
				Stdin      string   `json:"stdin"`
				Background bool     `json:"background"`
			}
			if err := json.Unmarshal(input, &a); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			if a.Command == "" {
				return "", errors.New("command is required")
			}
			res, err := tc.Sandbox.Exec(ctx, quay.ExecRequest{
				Command:    a.Command,
				Args:       a.Args,
				Dir:        a.Dir,
				Stdin:      a.Stdin,
				Background: a.Background,
			})
			if err != nil {
				return "", err
			}
			if a.Background {
				return fmt.Sprintf("started background process %d", res.ProcessID), nil
			}
			out := res.Stdout
			if res.Stderr != "" {
				out += "\n" + res.Stderr
			}
			out = strings.TrimSpace(out)
			if res.ExitCode != 0 {
				return "", fmt.Errorf("exit %d: %s", res.ExitCode, out)
			}
			if out == "" {
				return "(no output)", nil
			}
			return out, nil
		},
	}
}

func psDescriptor() quay.ToolDescriptor {
	return quay.ToolDescriptor{
		Name:        "shell_ps",
		Description: "List background processes started with the shell tool, including their captured output.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		Attributes:  quay.ToolAttributes{ReadOnly: true, ConcurrencySafe: true},
		Invoke: func(ctx context.Context, _ json.RawMessage, tc quay.ToolContext) (string, error) {
			if tc.Sandbox == nil {
				return "", errors.New("no sandbox configured")
			}
			procs, err := tc.Sandbox.Processes(ctx)
			if err != nil {
				return "", err
			}
			if len(procs) == 0 {
				return "no background processes", nil
			}
			var b strings.Builder
			for _, p := range procs {
				state := "running"
				if !p.Running {
					state = "exited"
				}
				fmt.Fprintf(&b, "[%d] %s (%s)\n", p.ID, p.Command, state)
				if p.Output != "" {
					fmt.Fprintf(&b, "%s\n", strings.TrimSpace(p.Output))
				}
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}

func killDescriptor() quay.ToolDescriptor {
	return quay.ToolDescriptor{
		Name:        "shell_kill",
		Description: "Terminate a background process started with the shell tool.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"process_id":{"type":"integer"}},"required":["process_id"]}`),
		Attributes:  quay.ToolAttributes{ConcurrencySafe: true},
		Invoke: func(ctx context.Context, input json.RawMessage, tc quay.ToolContext) (string, error) {
			if tc.Sandbox == nil {
				return "", errors.New("no sandbox configured")
			}
			var a struct {
				ProcessID int `json:"process_id"`
			}
			if err := json.Unmarshal(input, &a); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			if err := tc.Sandbox.Kill(ctx, a.ProcessID); err != nil {
				return "", err
			}
			return fmt.Sprintf("killed process %d", a.ProcessID), nil
		},
	}
}
