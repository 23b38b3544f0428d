// Package mcp bridges tools from Model Context Protocol servers into the
// quay tool registry. Each connected server's tools are registered as
// ordinary descriptors; the dispatcher cannot tell them apart from built-ins.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/quayrun/quay"
)

// ServerConfig describes one MCP server connection.
type ServerConfig struct {
	Name      string            `toml:"name"`
	Transport string            `toml:"transport"` // stdio | sse | http
	Command   string            `toml:"command"`   // stdio
	Args      []string          `toml:"args"`
	Env       map[string]string `toml:"env"`
	URL       string            `toml:"url"` // sse, http
	Headers   map[string]string `toml:"headers"`
	// ToolPrefix prepends "<prefix>_" to every bridged tool name. Defaults
	// to the server name, keeping names collision-free across servers.
	ToolPrefix string `toml:"tool_prefix"`
	TimeoutSec int    `toml:"timeout_sec"`
	// RequireApproval gates every tool of this server behind the approval
	// gate; remote tools are not trusted by default.
	RequireApproval bool `toml:"require_approval"`
}

type server struct {
	name   string
	client *mcpclient.Client
	tools  []string
}

// Manager owns the MCP client connections and the registrations they
// contributed.
type Manager struct {
	registry *quay.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	servers map[string]*server
}

// Option configures NewManager.
type Option func(*Manager)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager registering bridged tools into registry.
func NewManager(registry *quay.Registry, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		logger:   slog.New(slog.DiscardHandler),
		servers:  make(map[string]*server),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect dials one server, performs the MCP handshake, discovers its tools,
// and registers a bridge descriptor per tool.
func (m *Manager) Connect(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp: server name required")
	}
	client, err := newClient(cfg)
	if err != nil {
		return fmt.Errorf("mcp: %s: create client: %w", cfg.Name, err)
	}
	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("mcp: %s: start transport: %w", cfg.Name, err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "quay", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("mcp: %s: initialize: %w", cfg.Name, err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("mcp: %s: list tools: %w", cfg.Name, err)
	}

	prefix := cfg.ToolPrefix
	if prefix == "" {
		prefix = cfg.Name
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	sv := &server{name: cfg.Name, client: client}
	for _, t := range listed.Tools {
		d := m.bridgeDescriptor(client, cfg, prefix, timeout, t)
		if err := m.registry.Register(d); err != nil {
			m.logger.Warn("skipping mcp tool", "server", cfg.Name, "tool", d.Name, "error", err)
			continue
		}
		sv.tools = append(sv.tools, d.Name)
	}

	m.mu.Lock()
	m.servers[cfg.Name] = sv
	m.mu.Unlock()
	m.logger.Info("mcp server connected", "server", cfg.Name, "transport", cfg.Transport, "tools", len(sv.tools))
	return nil
}

func newClient(cfg ServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio", "":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)
	case "http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// bridgeDescriptor wraps one remote tool as a registry descriptor. Remote
// failures and MCP-level isError results both surface as failed tool
// results, never as loop-fatal errors.
func (m *Manager) bridgeDescriptor(client *mcpclient.Client, cfg ServerConfig, prefix string, timeout time.Duration, t mcpgo.Tool) quay.ToolDescriptor {
	name := prefix + "_" + t.Name
	schema := t.RawInputSchema
	if len(schema) == 0 {
		if data, err := json.Marshal(t.InputSchema); err == nil {
			schema = data
		}
	}
	remote := t.Name
	return quay.ToolDescriptor{
		Name:        name,
		Description: t.Description,
		InputSchema: schema,
		Attributes: quay.ToolAttributes{
			RequiresApproval: cfg.RequireApproval,
			ConcurrencySafe:  true,
		},
		Invoke: func(ctx context.Context, input json.RawMessage, tc quay.ToolContext) (string, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			var args map[string]any
			if len(input) > 0 {
				if err := json.Unmarshal(input, &args); err != nil {
					return "", fmt.Errorf("invalid args: %w", err)
				}
			}
			req := mcpgo.CallToolRequest{}
			req.Params.Name = remote
			req.Params.Arguments = args

			res, err := client.CallTool(ctx, req)
			if err != nil {
				return "", fmt.Errorf("mcp %s: %w", cfg.Name, err)
			}
			text := flattenContent(res.Content)
			if res.IsError {
				return "", fmt.Errorf("mcp %s: %s", cfg.Name, text)
			}
			return text, nil
		},
	}
}

// flattenContent joins the text parts of an MCP result; non-text parts are
// represented by their type tag.
func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, v.Text)
		case *mcpgo.TextContent:
			parts = append(parts, v.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%T]", c))
		}
	}
	return strings.Join(parts, "\n")
}

// Close disconnects every server and unregisters its tools.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, sv := range m.servers {
		for _, tool := range sv.tools {
			m.registry.Unregister(tool)
		}
		if err := sv.client.Close(); err != nil {
			m.logger.Warn("mcp close failed", "server", name, "error", err)
		}
		delete(m.servers, name)
	}
}
