package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/overseer/internal/agent"
	"github.com/zjrosen/overseer/internal/config"
	"github.com/zjrosen/overseer/internal/event"
	"github.com/zjrosen/overseer/internal/fanout"
	"github.com/zjrosen/overseer/internal/graph"
	"github.com/zjrosen/overseer/internal/log"
	"github.com/zjrosen/overseer/internal/orchestrator"
	"github.com/zjrosen/overseer/internal/server"
	"github.com/zjrosen/overseer/internal/tracing"
	"github.com/zjrosen/overseer/internal/tracker"
	"github.com/zjrosen/overseer/internal/workflow/sqlite"
)

// shutdownTimeout bounds the graceful drain at exit: in-flight requests,
// workflow cancellation, and the event bus flush all share it.
const shutdownTimeout = 30 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the overseer daemon",
	Long: `Run the daemon: REST API, websocket event stream, and the workflow
supervisors. Workflows survive restarts; interrupted ones are failed with a
recoverable marker at boot and blocked ones re-announce their pending gate.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}

	if cfg.Log.Path != "" {
		cleanup, err := log.Init(cfg.Log.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		defer cleanup()
	} else {
		log.InitStderr()
	}
	log.SetMinLevel(cfg.LogLevel())
	log.Info(log.CatConfig, "overseer starting", "version", version, "addr", cfg.ListenAddr)

	db, err := sqlite.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	store := sqlite.NewStore(db)

	bus := event.NewBus(store)
	hub := fanout.NewHub(store)

	runner := agent.NewCommandRunner(cfg.Agent.Commands, cfg.Agent.Timeout)
	g, err := buildPipeline(db, runner, cfg.Agent.Pipeline)
	if err != nil {
		return err
	}

	var issues tracker.Tracker
	if cfg.Tracker.DBPath != "" {
		dbt, err := tracker.NewDBTracker(cfg.Tracker.DBPath)
		if err != nil {
			// The tracker only feeds the issue cache; run without it.
			log.Warn(log.CatTracker, "tracker unavailable", "path", cfg.Tracker.DBPath, "error", err.Error())
		} else {
			defer dbt.Close()
			issues = tracker.NewCachedWithTTL(dbt, cfg.Tracker.CacheTTL, cfg.Tracker.CacheTTL)
		}
	}

	orch := orchestrator.New(store, bus, g, issues, orchestrator.Config{
		MaxConcurrent: cfg.Orchestrator.MaxConcurrent,
		Gates:         cfg.Orchestrator.Gates,
		Retry: orchestrator.RetryPolicy{
			MaxAttempts: cfg.Orchestrator.MaxAttempts,
			BaseDelay:   cfg.Orchestrator.RetryBaseDelay,
			MaxDelay:    cfg.Orchestrator.RetryMaxDelay,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	watchdog := orchestrator.NewWatchdog(orch, cfg.Orchestrator.WatchdogInterval)
	log.SafeGo("watchdog", func() { watchdog.Run(ctx) })

	handler := server.NewHandler(orch, store, hub, bus)
	log.SafeGo("stream-pump", func() { handler.PumpStream(ctx) })

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           provider.Middleware(handler.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	fmt.Printf("overseer listening on %s\n", cfg.ListenAddr)

	select {
	case <-ctx.Done():
		fmt.Println("\nshutting down...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatAPI, "http shutdown failed", err)
	}
	if err := orch.CancelAll(shutdownCtx, "daemon shutting down"); err != nil {
		log.ErrorErr(log.CatOrch, "cancel-all failed", err)
	}
	if err := bus.Flush(shutdownCtx); err != nil {
		log.ErrorErr(log.CatBus, "event flush failed", err)
	}
	bus.Close()
	hub.CloseAll()
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatConfig, "tracing shutdown failed", err)
	}

	fmt.Println("daemon stopped")
	return nil
}

// buildPipeline assembles the agent graph: the configured stages in order,
// checkpointed to the daemon database.
func buildPipeline(db *sql.DB, runner agent.Runner, stages []string) (*graph.Graph, error) {
	b := graph.NewBuilder(graph.NewSQLiteStore(db))
	for _, stage := range stages {
		b.AddNode(stage, agent.Node(runner, stage))
	}
	b.SetEntry(stages[0])
	for i, stage := range stages {
		if i+1 < len(stages) {
			b.AddEdge(stage, stages[i+1])
		} else {
			b.AddEdge(stage, graph.End)
		}
	}
	g, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build agent pipeline: %w", err)
	}
	return g, nil
}
