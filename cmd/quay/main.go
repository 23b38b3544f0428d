// Command quay runs a one-shot agent turn against the configured provider.
//
// Usage:
//
//	quay [flags] <prompt...>
//	quay -show-config
//
// Streaming output goes to stdout; tool approvals are prompted on stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quayrun/quay"
	"github.com/quayrun/quay/internal/config"
	"github.com/quayrun/quay/mcp"
	"github.com/quayrun/quay/observer"
	"github.com/quayrun/quay/provider/openaicompat"
	"github.com/quayrun/quay/sandbox/local"
	"github.com/quayrun/quay/skills"
	filestore "github.com/quayrun/quay/store/file"
	"github.com/quayrun/quay/store/sqlite"
	fstools "github.com/quayrun/quay/tools/fs"
	"github.com/quayrun/quay/tools/shell"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("QUAY_CONFIG"), "path to quay.toml")
		sessionID  = flag.String("session", "", "explicit agent id to resume")
		threadKey  = flag.String("thread", "", "stable thread key for session routing")
		userID     = flag.String("user", "", "user id scoping the thread key")
		showConfig = flag.Bool("show-config", false, "print resolved configuration and exit")
	)
	flag.Parse()

	cfg := config.Load(*configPath)
	if *showConfig {
		printConfig(cfg)
		return
	}

	prompt := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "usage: quay [flags] <prompt>")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if err := run(ctx, cfg, logger, prompt, *sessionID, *threadKey, *userID); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, prompt, sessionID, threadKey, userID string) error {
	// 1. Observability
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return fmt.Errorf("observer: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	// 2. Provider
	var provider quay.Provider = openaicompat.New(cfg.Provider.APIKey, cfg.Provider.Model, cfg.Provider.BaseURL)
	if cfg.Provider.RPS > 0 {
		provider = quay.RateLimited(provider, cfg.Provider.RPS, cfg.Provider.Burst)
	}
	if inst != nil {
		provider = observer.WrapProvider(provider, cfg.Provider.Model, inst)
	}

	// 3. Store + thread index
	store, err := filestore.New(cfg.Store.Root, filestore.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	index, err := sqlite.Open(cfg.Store.IndexPath)
	if err != nil {
		return fmt.Errorf("thread index: %w", err)
	}
	defer index.Close()
	router := quay.NewRouter(store, index)

	// 4. Sandbox + tools
	sandbox, err := local.New(cfg.Sandbox.Root,
		local.WithAllowedDirs(cfg.Sandbox.AllowedDirs...),
		local.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	registry := quay.NewRegistry()
	builtin := append(fstools.Descriptors(), shell.Descriptors()...)
	for _, d := range builtin {
		if inst != nil {
			d = observer.WrapTool(d, inst)
		}
		if err := registry.Register(d); err != nil {
			return fmt.Errorf("register %s: %w", d.Name, err)
		}
	}

	// 5. MCP servers
	mcpMgr := mcp.NewManager(registry, mcp.WithLogger(logger))
	defer mcpMgr.Close()
	for _, sc := range cfg.MCP {
		if err := mcpMgr.Connect(ctx, sc); err != nil {
			logger.Warn("mcp server unavailable", "server", sc.Name, "error", err)
		}
	}

	// 6. Skills
	skillReg, err := skills.New(cfg.Skills.Dir, skills.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("skills: %w", err)
	}
	if cfg.Skills.Watch {
		go func() { _ = skillReg.Watch(ctx) }()
	}

	// 7. Agent pool
	pool := quay.NewPool(store, provider,
		quay.PoolIdleTTL(time.Duration(cfg.Pool.IdleTTLSec)*time.Second),
		quay.PoolLogger(logger),
		quay.PoolAgentOptions(
			quay.WithRegistry(registry),
			quay.WithSandbox(sandbox),
			quay.WithSkills(skillReg),
			quay.WithRuntimeConfig(cfg.RuntimeConfig()),
			quay.WithModel(cfg.Provider.Model),
			quay.WithLogger(logger),
		))
	defer pool.Shutdown()

	// 8. Route to a session
	agentID, created, err := router.Resolve(ctx, quay.RouteRequest{
		PathSessionID: sessionID,
		ThreadKey:     threadKey,
		UserID:        userID,
		Messages:      []quay.Message{quay.UserMessage(prompt)},
	})
	if err != nil {
		return fmt.Errorf("route: %w", err)
	}
	if created {
		fmt.Fprintf(os.Stderr, "session %s\n", agentID)
	}

	lease, err := pool.Lease(ctx, agentID)
	if err != nil {
		return fmt.Errorf("lease: %w", err)
	}
	defer lease.Release()
	agent := lease.Agent()

	// 9. Stream output and answer approval prompts while the turn runs.
	progress, err := agent.Bus().Subscribe(ctx, quay.ChannelProgress, nil)
	if err != nil {
		return err
	}
	defer progress.Close()
	control, err := agent.Bus().Subscribe(ctx, quay.ChannelControl, nil)
	if err != nil {
		return err
	}
	defer control.Close()

	go printProgress(progress)
	go answerApprovals(ctx, agent, control)

	result, err := agent.Chat(ctx, []quay.Message{quay.UserMessage(prompt)})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "\n[%s] in=%d out=%d tokens\n",
		result.StopReason, result.Usage.InputTokens, result.Usage.OutputTokens)
	return nil
}

func printProgress(sub *quay.Subscription) {
	for tl := range sub.Events() {
		switch tl.Event.Type {
		case quay.EventTextDelta:
			fmt.Print(tl.Event.Text)
		case quay.EventToolStart:
			fmt.Fprintf(os.Stderr, "\n→ %s %s\n", tl.Event.Name, tl.Event.InputPreview)
		case quay.EventToolEnd:
			if !tl.Event.Success {
				fmt.Fprintf(os.Stderr, "✗ %s failed\n", tl.Event.Name)
			}
		case quay.EventDone:
			fmt.Println()
			return
		}
	}
}

// answerApprovals prompts on stdin for each permission_required event.
func answerApprovals(ctx context.Context, agent *quay.Agent, sub *quay.Subscription) {
	stdin := bufio.NewReader(os.Stdin)
	for tl := range sub.Events() {
		if tl.Event.Type != quay.EventPermissionRequired {
			continue
		}
		fmt.Fprintf(os.Stderr, "approve %s %s? [y/N] ", tl.Event.Name, tl.Event.InputPreview)
		line, err := stdin.ReadString('\n')
		if err != nil {
			return
		}
		answer := strings.TrimSpace(strings.ToLower(line))
		if answer == "y" || answer == "yes" {
			_, _ = agent.ApproveToolCall(ctx, tl.Event.CallID, "cli", "")
		} else {
			_, _ = agent.DenyToolCall(ctx, tl.Event.CallID, "cli", "no")
		}
	}
}

func printConfig(cfg config.Config) {
	fmt.Printf("store.root        %s\n", cfg.Store.Root)
	fmt.Printf("store.index_path  %s\n", cfg.Store.IndexPath)
	fmt.Printf("provider.model    %s\n", cfg.Provider.Model)
	fmt.Printf("provider.base_url %s\n", cfg.Provider.BaseURL)
	fmt.Printf("provider.api_key  %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Printf("sandbox.root      %s\n", cfg.Sandbox.Root)
	fmt.Printf("skills.dir        %s\n", cfg.Skills.Dir)
	fmt.Printf("observer.enabled  %v\n", cfg.Observer.Enabled)
	fmt.Printf("mcp servers       %d\n", len(cfg.MCP))
}

func maskKey(k string) string {
	if k == "" {
		return "(unset)"
	}
	if len(k) <= 8 {
		return "****"
	}
	return k[:4] + "…" + k[len(k)-4:]
}
