package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/qraft-dev/qraft/internal/archive"
	"github.com/qraft-dev/qraft/internal/config"
	"github.com/qraft-dev/qraft/internal/events"
	"github.com/qraft-dev/qraft/internal/llm"
	"github.com/qraft-dev/qraft/internal/logger"
	"github.com/qraft-dev/qraft/internal/pidfile"
	"github.com/qraft-dev/qraft/internal/queue"
	"github.com/qraft-dev/qraft/internal/runner"
	"github.com/qraft-dev/qraft/internal/session"
	"github.com/qraft-dev/qraft/internal/summarizer"
	"github.com/qraft-dev/qraft/internal/web"
	"github.com/qraft-dev/qraft/internal/worktree"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	var (
		configPath  = flag.String("config", "", "path to the config file")
		host        = flag.String("host", "", "listen host (overrides config)")
		port        = flag.Int("port", 0, "listen port (overrides config)")
		projectPath = flag.String("project", "", "project repository path (overrides config)")
		logLevel    = flag.String("log-level", "", "log level: debug, info, warn, error, none")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *projectPath != "" {
		cfg.ProjectPath = *projectPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	pf := pidfile.New(filepath.Join(filepath.Dir(cfg.ArchivePath), "qraftd.pid"))
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer pf.Release()

	store, err := archive.NewStore(cfg.ArchivePath)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.PurgeAfterDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -cfg.PurgeAfterDays)
		if n, evictErr := store.EvictOlderThan(cutoff); evictErr != nil {
			logger.Warn("Archive eviction failed: %v", evictErr)
		} else if n > 0 {
			logger.Info("Evicted %d archived sessions older than %d days", n, cfg.PurgeAfterDays)
		}
	}

	provisioner, err := worktree.NewGitProvisioner(cfg.ProjectPath, cfg.WorktreeDir)
	if err != nil {
		return fmt.Errorf("project path is not a git repository: %w", err)
	}

	manager := queue.NewManager(cfg,
		session.NewRegistry(),
		events.NewBroadcaster(),
		runner.NewExecRunner(),
		provisioner,
		store,
		summarizer.NewAnnotator(newLLMClient(cfg)))
	defer manager.Close()

	server := web.NewServer(manager, store, cfg.Host, cfg.Port)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received %s, shutting down", sig)
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	if stopErr := server.Stop(); stopErr != nil {
		logger.Warn("Server shutdown: %v", stopErr)
	}
	return nil
}

// newLLMClient builds the purpose-annotation client from the configured
// vendor and keys. Without a usable key the purpose falls back to a
// deterministic summary.
func newLLMClient(cfg *config.Config) llm.Client {
	var key string
	switch cfg.Model.ResolveAgent() {
	case "codex":
		key = cfg.OpenAIAPIKey
	default:
		key = cfg.AnthropicAPIKey
	}
	if key == "" {
		logger.Info("No API key configured, purpose summaries use the fallback only")
		return nil
	}

	client, err := llm.NewClient(cfg.Model.Vendor, cfg.Model.Model, key)
	if err != nil {
		logger.Warn("Failed to create LLM client: %v", err)
		return nil
	}
	return client
}
