package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/quayrun/quay"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Provider.Model != "gpt-4o-mini" || cfg.Provider.BaseURL != "https://api.openai.com/v1" {
		t.Fatalf("provider = %+v", cfg.Provider)
	}
	if cfg.Pool.IdleTTLSec != 300 {
		t.Fatalf("pool = %+v", cfg.Pool)
	}
	if cfg.Store.Root == "" || cfg.Store.IndexPath == "" || cfg.Sandbox.Root == "" {
		t.Fatalf("paths = %+v", cfg)
	}
}

func TestLoadTOMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quay.toml")
	body := `
[provider]
model = "llama3"
base_url = "http://localhost:11434/v1"
rps = 2.5
burst = 4

[runtime]
max_iterations = 7
permission_mode = "readonly"
deny_tools = ["fs_rm"]
retry_max_attempts = 5

[observer]
enabled = true

[observer.pricing."llama3"]
input = 0.1
output = 0.2

[[mcp]]
name = "docs"
transport = "stdio"
command = "docs-server"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.Provider.Model != "llama3" || cfg.Provider.RPS != 2.5 || cfg.Provider.Burst != 4 {
		t.Fatalf("provider = %+v", cfg.Provider)
	}
	if cfg.Runtime.MaxIterations != 7 || cfg.Runtime.PermissionMode != "readonly" {
		t.Fatalf("runtime = %+v", cfg.Runtime)
	}
	if len(cfg.MCP) != 1 || cfg.MCP[0].Name != "docs" || cfg.MCP[0].Command != "docs-server" {
		t.Fatalf("mcp = %+v", cfg.MCP)
	}
	if !cfg.Observer.Enabled || cfg.Observer.Pricing["llama3"].Output != 0.2 {
		t.Fatalf("observer = %+v", cfg.Observer)
	}

	rc := cfg.RuntimeConfig()
	if rc.MaxIterations != 7 || rc.PermissionMode != quay.PermissionReadonly {
		t.Fatalf("runtime config = %+v", rc)
	}
	if rc.Retry.MaxAttempts != 5 {
		t.Fatalf("retry = %+v", rc.Retry)
	}
	if len(rc.DenyTools) != 1 || rc.DenyTools[0] != "fs_rm" {
		t.Fatalf("deny = %v", rc.DenyTools)
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Provider.Model != "gpt-4o-mini" {
		t.Fatalf("provider = %+v", cfg.Provider)
	}
}

func TestEnvOverridesWin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quay.toml")
	if err := os.WriteFile(path, []byte("[provider]\nmodel = \"from-file\"\napi_key = \"file-key\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QUAY_MODEL", "from-env")
	t.Setenv("QUAY_API_KEY", "env-key")
	t.Setenv("QUAY_STORE_ROOT", "/tmp/quay-agents")
	t.Setenv("QUAY_OBSERVER_ENABLED", "true")

	cfg := Load(path)
	if cfg.Provider.Model != "from-env" || cfg.Provider.APIKey != "env-key" {
		t.Fatalf("provider = %+v", cfg.Provider)
	}
	if cfg.Store.Root != "/tmp/quay-agents" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if !cfg.Observer.Enabled {
		t.Fatal("observer not enabled")
	}
}
