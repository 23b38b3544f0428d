// Package config loads the quay.toml configuration file.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/quayrun/quay"
	"github.com/quayrun/quay/mcp"
)

type Config struct {
	Store    StoreConfig        `toml:"store"`
	Provider ProviderConfig     `toml:"provider"`
	Runtime  RuntimeConfig      `toml:"runtime"`
	Pool     PoolConfig         `toml:"pool"`
	Sandbox  SandboxConfig      `toml:"sandbox"`
	Skills   SkillsConfig       `toml:"skills"`
	MCP      []mcp.ServerConfig `toml:"mcp"`
	Observer ObserverConfig     `toml:"observer"`
}

type StoreConfig struct {
	Root string `toml:"root"`
	// IndexPath is the sqlite database backing the session router's
	// thread-key index.
	IndexPath string `toml:"index_path"`
}

type ProviderConfig struct {
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	// RPS and Burst bound outgoing request rate; zero disables the limiter.
	RPS   float64 `toml:"rps"`
	Burst int     `toml:"burst"`
}

type RuntimeConfig struct {
	MaxIterations        int      `toml:"max_iterations"`
	PermissionMode       string   `toml:"permission_mode"`
	AllowTools           []string `toml:"allow_tools"`
	DenyTools            []string `toml:"deny_tools"`
	RequireApprovalTools []string `toml:"require_approval_tools"`
	Concurrency          int      `toml:"concurrency"`
	ToolTimeoutMs        int64    `toml:"tool_timeout_ms"`
	RetryMaxAttempts     int      `toml:"retry_max_attempts"`
	RetryBaseMs          int64    `toml:"retry_base_ms"`
	RetryCapMs           int64    `toml:"retry_cap_ms"`
	EventBuffer          int      `toml:"event_buffer"`
	CompressThreshold    int      `toml:"compress_threshold"`
	MaxTokens            int      `toml:"max_tokens"`
	SystemPrompt         string   `toml:"system_prompt"`
}

type PoolConfig struct {
	IdleTTLSec int `toml:"idle_ttl_sec"`
}

type SandboxConfig struct {
	Root        string   `toml:"root"`
	AllowedDirs []string `toml:"allowed_dirs"`
}

type SkillsConfig struct {
	Dir   string `toml:"dir"`
	Watch bool   `toml:"watch"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	root := filepath.Join(home, ".quay")
	return Config{
		Store: StoreConfig{
			Root:      filepath.Join(root, "agents"),
			IndexPath: filepath.Join(root, "threads.db"),
		},
		Provider: ProviderConfig{
			Model:   "gpt-4o-mini",
			BaseURL: "https://api.openai.com/v1",
		},
		Pool:    PoolConfig{IdleTTLSec: 300},
		Sandbox: SandboxConfig{Root: filepath.Join(home, "quay-workspace")},
		Skills:  SkillsConfig{Dir: filepath.Join(root, "skills")},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "quay.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("QUAY_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("QUAY_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("QUAY_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("QUAY_STORE_ROOT"); v != "" {
		cfg.Store.Root = v
	}
	if v := os.Getenv("QUAY_SANDBOX_ROOT"); v != "" {
		cfg.Sandbox.Root = v
	}
	if v := os.Getenv("QUAY_OBSERVER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Observer.Enabled = b
		}
	}

	return cfg
}

// RuntimeConfig converts the TOML runtime section into the agent surface.
func (c Config) RuntimeConfig() quay.RuntimeConfig {
	r := c.Runtime
	return quay.RuntimeConfig{
		MaxIterations:        r.MaxIterations,
		PermissionMode:       quay.PermissionMode(r.PermissionMode),
		AllowTools:           r.AllowTools,
		DenyTools:            r.DenyTools,
		RequireApprovalTools: r.RequireApprovalTools,
		Concurrency:          r.Concurrency,
		ToolTimeoutMs:        r.ToolTimeoutMs,
		Retry: quay.RetryPolicy{
			MaxAttempts: r.RetryMaxAttempts,
			BaseMs:      r.RetryBaseMs,
			CapMs:       r.RetryCapMs,
		},
		EventBuffer:       r.EventBuffer,
		CompressThreshold: r.CompressThreshold,
		MaxTokens:         r.MaxTokens,
		SystemPrompt:      r.SystemPrompt,
	}
}
