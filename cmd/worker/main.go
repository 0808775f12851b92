// Command worker is the execution node of the agent platform. It consumes
// work from the JetStream bus (runs, tasks, retrieval, graph, memory,
// evaluation), executes it against sandboxed workspaces and the LLM gateway,
// and publishes results back on the bus.
//
// Usage:
//
//	worker run
//	worker run --nats-url nats://localhost:4222 --health-port 8081
//	worker version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	_ "github.com/lib/pq"

	"github.com/codeforge-ai/worker/pkg/bus"
	"github.com/codeforge-ai/worker/pkg/config"
	"github.com/codeforge-ai/worker/pkg/consumer"
	"github.com/codeforge-ai/worker/pkg/graph"
	"github.com/codeforge-ai/worker/pkg/health"
	"github.com/codeforge-ai/worker/pkg/llm"
	"github.com/codeforge-ai/worker/pkg/logger"
	"github.com/codeforge-ai/worker/pkg/memory"
	"github.com/codeforge-ai/worker/pkg/observability"
	"github.com/codeforge-ai/worker/pkg/qualitygate"
	"github.com/codeforge-ai/worker/pkg/repomap"
	"github.com/codeforge-ai/worker/pkg/retrieval"
	"github.com/codeforge-ai/worker/version"
)

// CLI defines the command-line interface.
type CLI struct {
	Run     RunCmd     `cmd:"" default:"1" help:"Start the worker."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("codeforge-worker %s\n", version.Version)
	return nil
}

// RunCmd starts the worker. Flags override the corresponding environment
// variables.
type RunCmd struct {
	NATSURL     string `name:"nats-url" help:"NATS server URL."`
	DatabaseURL string `name:"database-url" help:"Postgres DSN for graph and memory stores."`
	HealthPort  int    `name:"health-port" help:"Port for /health and /metrics."`
	LogLevel    string `name:"log-level" help:"Log level (debug, info, warn, error)."`
	Watch       bool   `help:"Watch indexed workspaces and rebuild on change."`
}

func (c *RunCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.NATSURL != "" {
		cfg.NATSURL = c.NATSURL
	}
	if c.DatabaseURL != "" {
		cfg.DatabaseURL = c.DatabaseURL
	}
	if c.HealthPort != 0 {
		cfg.HealthPort = c.HealthPort
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}

	logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogService, os.Stdout)
	log := logger.Get()
	log.Info("worker starting", "version", version.Version, "nats_url", cfg.NATSURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := observability.Init()
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics shutdown failed", "error", err)
		}
	}()

	healthSrv := health.NewServer(cfg.HealthPort, log)
	go func() {
		if err := healthSrv.Start(); err != nil {
			log.Error("health server exited", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("health server shutdown failed", "error", err)
		}
	}()

	b, err := bus.Connect(cfg.NATSURL, cfg.StreamName, cfg.LogService, log,
		bus.WithMaxRetries(cfg.MaxRetries),
		bus.WithDrainTimeout(cfg.DrainTimeout))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer b.Close()
	if err := b.EnsureStream(ctx); err != nil {
		return fmt.Errorf("failed to ensure stream: %w", err)
	}

	llmClient := llm.New(cfg.LiteLLMURL, cfg.LiteLLMKey, cfg.Model, cfg.LLMTimeout)

	metaStore, err := retrieval.OpenMetaStore(cfg.IndexMetadataPath)
	if err != nil {
		return fmt.Errorf("failed to open index metadata store: %w", err)
	}
	defer metaStore.Close()

	indexer := retrieval.NewIndexer(llmClient, cfg.EmbeddingModel, metaStore, log)
	subagent := retrieval.NewSubagent(llmClient, indexer, log)

	var watcher *retrieval.Watcher
	if c.Watch {
		watcher = retrieval.NewWatcher(indexer, log)
		defer watcher.Stop()
	}

	deps := consumer.Deps{
		Conn:      b.Conn(),
		Publisher: b,
		LLM:       llmClient,
		Indexer:   indexer,
		Subagent:  subagent,
		Watcher:   watcher,
		RepoMap:   repomap.NewGenerator(log),
		Gates:     qualitygate.NewRunner(log),
		Metrics:   metrics,
		Config:    cfg,
		Logger:    log,
	}

	// Graph and memory need Postgres. Without a DSN the worker still serves
	// everything else; their handlers reply "not configured".
	if cfg.DatabaseURL != "" {
		db, err := openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer db.Close()
		deps.Graph = graph.NewService(graph.NewPostgresStore(db), log)
		deps.Memory = memory.NewService(memory.NewPostgresStore(db), llmClient, cfg.EmbeddingModel, log)
	} else {
		log.Warn("DATABASE_URL not set, graph and memory subsystems disabled")
	}

	consumer.New(deps).Register(b)

	log.Info("worker ready",
		"stream", cfg.StreamName,
		"health_port", cfg.HealthPort,
		"graph_enabled", deps.Graph != nil)

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("bus consumer failed: %w", err)
	}
	log.Info("worker stopped")
	return nil
}

// openPostgres opens one pool shared by the graph and memory stores.
func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("worker"),
		kong.Description("CodeForge agent execution worker"),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}
