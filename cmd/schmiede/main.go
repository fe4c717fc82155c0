package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/schmiede/internal/approval"
	"github.com/codefionn/schmiede/internal/channel"
	"github.com/codefionn/schmiede/internal/config"
	"github.com/codefionn/schmiede/internal/history"
	"github.com/codefionn/schmiede/internal/llm"
	"github.com/codefionn/schmiede/internal/lockfile"
	"github.com/codefionn/schmiede/internal/logger"
	"github.com/codefionn/schmiede/internal/policy"
	"github.com/codefionn/schmiede/internal/protocol"
	"github.com/codefionn/schmiede/internal/provider"
	"github.com/codefionn/schmiede/internal/sandbox"
	"github.com/codefionn/schmiede/internal/server"
	"github.com/codefionn/schmiede/internal/session"
	"github.com/codefionn/schmiede/internal/store"
	"github.com/codefionn/schmiede/internal/tools"
)

type stringSlice []string

func (s *stringSlice) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	if value == "" {
		return fmt.Errorf("value cannot be empty")
	}
	*s = append(*s, value)
	return nil
}

func main() {
	// The hidden helper argv[1] turns this binary into the sandbox
	// child that restricts itself before exec. It must run before flag
	// parsing and logging touch anything.
	if len(os.Args) > 1 && os.Args[1] == sandbox.HelperSubcommand {
		if err := sandbox.HelperMain(); err != nil {
			fmt.Fprintf(os.Stderr, "sandbox helper: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	var (
		configPath      = flag.String("config", config.GetConfigPath(), "config file path")
		prompt          = flag.String("prompt", "", "run one task and exit")
		serve           = flag.Bool("serve", false, "accept WebSocket sessions instead of reading stdin")
		listen          = flag.String("listen", "", "listen address for serve mode")
		workDir         = flag.String("workdir", "", "working directory (default: current)")
		providerName    = flag.String("provider", "", "model provider: anthropic or openai")
		model           = flag.String("model", "", "model id")
		rulesPath       = flag.String("rules", "", "policy rules file (JSON)")
		allowUnconfined = flag.Bool("allow-unconfined", false, "run commands without isolation when the system cannot enforce it")
		logLevel        = flag.String("log-level", "", "debug, info, warn, error or none")
		writableRoots   stringSlice
		readableRoots   stringSlice
	)
	flag.Var(&writableRoots, "writable-root", "extra writable root (repeatable)")
	flag.Var(&readableRoots, "readable-root", "extra readable root (repeatable)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cfg, *prompt, *listen, *workDir, *providerName, *model, *rulesPath,
		*allowUnconfined, *logLevel, writableRoots, readableRoots)

	if level := os.Getenv("SCHMIEDE_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if path := os.Getenv("SCHMIEDE_LOG_PATH"); path != "" {
		cfg.LogPath = path
	}
	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: logging to file disabled: %v\n", err)
	}
	// Library code logging through log/slog lands in the engine log too.
	slog.SetDefault(slog.New(logger.NewSlogHandler(logger.Global())))
	defer func() {
		if err != nil {
			logger.Error("fatal: %v", err)
		}
		_ = logger.Global().Close()
	}()

	if cfg.WorkingDir == "" || cfg.WorkingDir == "." {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			cfg.WorkingDir = cwd
		}
	}

	lock, err := lockfile.Acquire(config.LockPath(cfg.WorkingDir))
	if err != nil {
		return fmt.Errorf("failed to lock workspace %s: %w", cfg.WorkingDir, err)
	}
	defer lock.Release()

	caps := sandbox.DetectCapabilities()
	logger.Info("sandbox capabilities: landlock=%v nested=%v",
		caps.LandlockAvailable, caps.InsideSandbox)

	executor, err := sandbox.NewLocal(caps, cfg.AllowUnconfined)
	if err != nil {
		return fmt.Errorf("failed to set up executor: %w", err)
	}

	engine := policy.NewEngine()
	if cfg.PolicyRulesPath != "" {
		rules, err := policy.LoadRules(cfg.PolicyRulesPath)
		if err != nil {
			return fmt.Errorf("failed to load policy rules: %w", err)
		}
		engine.SetRules(rules)

		watcher, err := policy.WatchRules(engine, cfg.PolicyRulesPath)
		if err != nil {
			logger.Warn("policy rules hot-reload disabled: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	var persister approval.Persister
	if cfg.ApprovalDBPath != "" {
		st, err := store.Open(cfg.ApprovalDBPath)
		if err != nil {
			logger.Warn("approval persistence disabled: %v", err)
		} else {
			defer st.Close()
			persister = st
		}
	}

	client, err := provider.New(cfg.Provider, cfg.APIKey, cfg.Model)
	if err != nil {
		return fmt.Errorf("failed to set up model provider: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *serve {
		return runServe(ctx, cfg, engine, executor, caps, persister, client)
	}
	return runConsole(ctx, cfg, engine, executor, caps, persister, client, *prompt)
}

func applyFlags(cfg *config.Config, prompt, listen, workDir, providerName, model, rulesPath string,
	allowUnconfined bool, logLevel string, writableRoots, readableRoots stringSlice) {
	_ = prompt
	if listen != "" {
		cfg.Listen = listen
	}
	if workDir != "" {
		cfg.WorkingDir = workDir
	}
	if providerName != "" {
		cfg.Provider = providerName
	}
	if model != "" {
		cfg.Model = model
	}
	if rulesPath != "" {
		cfg.PolicyRulesPath = rulesPath
	}
	if allowUnconfined {
		cfg.AllowUnconfined = true
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	cfg.WritableRoots = append(cfg.WritableRoots, writableRoots...)
	cfg.ReadableRoots = append(cfg.ReadableRoots, readableRoots...)
}

func buildRegistry(cfg *config.Config) *tools.Registry {
	registry := tools.NewRegistry()
	_ = registry.Register(tools.NewReadFileTool(cfg.WorkingDir, cfg.ReadableRoots))
	_ = registry.Register(tools.NewListDirTool(cfg.WorkingDir, cfg.ReadableRoots))
	return registry
}

func sessionOptions(cfg *config.Config, ch *channel.Channel, engine *policy.Engine,
	executor sandbox.Executor, caps *sandbox.Capabilities, persister approval.Persister,
	client llm.Client) session.Options {
	return session.Options{
		WorkingDir:     cfg.WorkingDir,
		WritableRoots:  cfg.WritableRoots,
		ReadableRoots:  cfg.ReadableRoots,
		ModelMaxTokens: cfg.MaxTokens,
		Temperature:    cfg.Temperature,
		CommandTimeout: cfg.CommandTimeout(),
		Channel:        ch,
		Engine:         engine,
		Executor:       executor,
		Capabilities:   caps,
		Negotiator:     approval.NewNegotiator(cfg.ApprovalTimeout()),
		Cache:          approval.NewCache(persister),
		Client:         client,
		Registry:       buildRegistry(cfg),
		History:        history.New(client.ModelName(), cfg.MaxHistoryTokens),
	}
}

// runServe exposes sessions over WebSocket until the context ends.
func runServe(ctx context.Context, cfg *config.Config, engine *policy.Engine,
	executor sandbox.Executor, caps *sandbox.Capabilities, persister approval.Persister,
	client llm.Client) error {

	factory := func(ch *channel.Channel) (*session.Manager, error) {
		return session.NewManager(sessionOptions(cfg, ch, engine, executor, caps, persister, client))
	}

	srv := server.New(cfg.Listen, factory)
	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Printf("Listening on ws://%s/v1/session\n", cfg.Listen)

	<-ctx.Done()
	return srv.Stop()
}

// runConsole drives one session on the terminal. With a prompt it runs
// one task and exits; otherwise it reads tasks from stdin.
func runConsole(ctx context.Context, cfg *config.Config, engine *policy.Engine,
	executor sandbox.Executor, caps *sandbox.Capabilities, persister approval.Persister,
	client llm.Client, prompt string) error {

	ch := channel.New(channel.DefaultBuffer)
	mgr, err := session.NewManager(sessionOptions(cfg, ch, engine, executor, caps, persister, client))
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- mgr.Run(ctx) }()

	console := newConsole(ch)
	go console.pumpEvents(ctx)
	go console.pumpInput(ctx, prompt == "")

	if prompt != "" {
		if err := console.submit(ctx, protocol.UserInputOp{Text: prompt}); err != nil {
			return err
		}
		console.waitTurnDone(ctx)
		_ = console.submit(ctx, protocol.ShutdownOp{})
	}

	select {
	case err := <-runErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
		select {
		case <-runErr:
		case <-time.After(5 * time.Second):
		}
		return nil
	}
}
