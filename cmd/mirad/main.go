// Package main provides the CLI entry point for mirad, the Mira memory
// and advisory-council daemon.
//
// mirad indexes a project's code and durable memories into a local
// SQLite database, serves the hook front-end over a Unix domain socket,
// and can convene its advisory council of LLM providers on demand.
//
// # Basic Usage
//
// Start the daemon:
//
//	mirad serve --config mira.yaml
//
// Apply or inspect database migrations:
//
//	mirad migrate up
//	mirad migrate status
//
// Ask the council a one-off question:
//
//	mirad council ask "should we cache this lookup?"
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conarylabs/mira/internal/codeintel"
	"github.com/conarylabs/mira/internal/config"
	"github.com/conarylabs/mira/internal/contextassembler"
	"github.com/conarylabs/mira/internal/council"
	"github.com/conarylabs/mira/internal/embedclient"
	"github.com/conarylabs/mira/internal/ipc"
	"github.com/conarylabs/mira/internal/memory"
	"github.com/conarylabs/mira/internal/storage"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mirad",
		Short:        "Mira memory and advisory-council daemon",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildDoctorCmd(),
		buildCouncilCmd(),
	)
	return root
}

func configPathFlag(cmd *cobra.Command) *string {
	var path string
	cmd.Flags().StringVarP(&path, "config", "c", "mira.yaml", "Path to YAML configuration file")
	return &path
}

func setLogLevel(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func buildServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Mira daemon",
		Long: `Start mirad: open the database, construct the memory and code-intel
stores, and serve the hook protocol over the configured Unix domain
socket until interrupted.`,
	}
	path := configPathFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), *path)
	}
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setLogLevel(cfg)

	slog.Info("starting mirad", "version", version, "config", configPath, "socket", cfg.IPC.SocketPath)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := storage.Open(ctx, storage.Config{Path: cfg.Storage.Path, Logger: slog.Default()})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	emb, err := embedclient.New(embedclient.Config{
		Provider:          cfg.Embedding.Provider,
		APIKey:            cfg.Embedding.APIKey,
		BaseURL:           cfg.Embedding.BaseURL,
		Model:             cfg.Embedding.Model,
		CacheSize:         cfg.Embedding.CacheSize,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
	})
	if err != nil {
		return fmt.Errorf("construct embedding provider: %w", err)
	}

	mem := memory.New(db, emb, slog.Default())
	code := codeintel.New(db, emb, slog.Default())
	assembler := contextassembler.New(mem, code)

	server, err := ipc.NewServer(cfg.IPC.SocketPath, slog.Default())
	if err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}
	ipc.RegisterOps(server, ipc.Deps{DB: db, Mem: mem, Code: code, Assembler: assembler, Log: slog.Default()})

	slog.Info("mirad ready", "socket", cfg.IPC.SocketPath)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("ipc server: %w", err)
		}
	}

	if err := server.Close(); err != nil {
		slog.Warn("error closing ipc server", "error", err)
	}
	slog.Info("mirad stopped")
	return nil
}

func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "up", Short: "Apply any pending migrations"}
	path := configPathFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(*path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		// storage.Open applies every pending migration on open; there is
		// no separate "up" step to run.
		db, err := storage.Open(cmd.Context(), storage.Config{Path: cfg.Storage.Path})
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer db.Close()
		slog.Info("migrations up to date", "path", cfg.Storage.Path)
		return nil
	}
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "status", Short: "List applied migrations"}
	path := configPathFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(*path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		db, err := storage.Open(cmd.Context(), storage.Config{Path: cfg.Storage.Path})
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer db.Close()

		applied, err := db.AppliedMigrations(cmd.Context())
		if err != nil {
			return fmt.Errorf("list migrations: %w", err)
		}
		if len(applied) == 0 {
			fmt.Println("no migrations applied")
			return nil
		}
		for _, name := range applied {
			fmt.Println(name)
		}
		return nil
	}
	return cmd
}

func buildDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check daemon configuration and connectivity",
		Long:  `Verify the config file parses, the database opens, and the council has at least one usable provider.`,
	}
	path := configPathFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(*path)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		fmt.Printf("config: ok (%s)\n", *path)

		db, err := storage.Open(cmd.Context(), storage.Config{Path: cfg.Storage.Path})
		if err != nil {
			fmt.Printf("storage: FAILED: %v\n", err)
		} else {
			fmt.Printf("storage: ok (%s)\n", cfg.Storage.Path)
			db.Close()
		}

		if _, err := embedclient.New(embedclient.Config{Provider: cfg.Embedding.Provider, APIKey: cfg.Embedding.APIKey, BaseURL: cfg.Embedding.BaseURL, Model: cfg.Embedding.Model}); err != nil {
			fmt.Printf("embedding: FAILED: %v\n", err)
		} else {
			fmt.Printf("embedding: ok (provider=%s)\n", cfg.Embedding.Provider)
		}

		svc, closeSvc, err := buildCouncilService(cmd.Context(), cfg)
		if err != nil {
			fmt.Printf("council: FAILED: %v\n", err)
		} else {
			_ = svc
			closeSvc()
			fmt.Println("council: ok (at least one provider configured)")
		}
		return nil
	}
	return cmd
}

func buildCouncilCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "council",
		Short: "Talk to the advisory council directly",
	}
	cmd.AddCommand(buildCouncilAskCmd())
	return cmd
}

func buildCouncilAskCmd() *cobra.Command {
	var rounds int
	var tools bool
	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Run one deliberation and print the synthesis",
		Args:  cobra.ExactArgs(1),
	}
	path := configPathFlag(cmd)
	cmd.Flags().IntVar(&rounds, "rounds", 1, "Maximum deliberation rounds")
	cmd.Flags().BoolVar(&tools, "tools", false, "Let providers call recall_memories/search_code/list_tasks/list_goals")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(*path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		svc, closeSvc, err := buildCouncilService(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeSvc()

		result, err := svc.Deliberate(cmd.Context(), args[0], council.DeliberationConfig{MaxRounds: rounds, EnableTools: tools, ToolBudget: cfg.Council.ToolBudget})
		if err != nil {
			return fmt.Errorf("deliberate: %w", err)
		}
		out, err := json.MarshalIndent(result.Synthesis, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	return cmd
}

// buildCouncilService constructs a council.Service and the storage engine
// that backs its tool bridge. The returned closer releases that engine
// and must be called once the service is no longer needed.
func buildCouncilService(ctx context.Context, cfg *config.Config) (*council.Service, func(), error) {
	noop := func() {}
	councilCfg := council.Config{
		Synthesizer:     council.Model(cfg.Council.Synthesizer),
		Moderator:       council.Model(cfg.Council.Moderator),
		ProviderTimeout: cfg.Council.ProviderTimeout,
		Logger:          slog.Default(),
	}
	if cfg.Council.Claude != nil {
		councilCfg.Claude = &council.ClaudeConfig{APIKey: cfg.Council.Claude.APIKey, Model: cfg.Council.Claude.Model}
	}
	if cfg.Council.GPT != nil {
		councilCfg.GPT = &council.GPTConfig{APIKey: cfg.Council.GPT.APIKey, Model: cfg.Council.GPT.Model}
	}
	if cfg.Council.Bedrock != nil {
		councilCfg.Bedrock = &council.BedrockCouncilConfig{Region: cfg.Council.Bedrock.Region, Model: cfg.Council.Bedrock.Model}
	}

	db, err := storage.Open(ctx, storage.Config{Path: cfg.Storage.Path, Logger: slog.Default()})
	if err != nil {
		return nil, noop, fmt.Errorf("open storage: %w", err)
	}
	emb, err := embedclient.New(embedclient.Config{
		Provider:          cfg.Embedding.Provider,
		APIKey:            cfg.Embedding.APIKey,
		BaseURL:           cfg.Embedding.BaseURL,
		Model:             cfg.Embedding.Model,
		CacheSize:         cfg.Embedding.CacheSize,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
	})
	if err != nil {
		db.Close()
		return nil, noop, fmt.Errorf("construct embedding provider: %w", err)
	}
	councilCfg.Mem = memory.New(db, emb, slog.Default())
	councilCfg.Code = codeintel.New(db, emb, slog.Default())

	svc, err := council.New(ctx, councilCfg)
	if err != nil {
		db.Close()
		return nil, noop, err
	}
	return svc, func() { db.Close() }, nil
}
