package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aidekit/aide/internal/agent"
	"github.com/aidekit/aide/internal/api"
	"github.com/aidekit/aide/internal/config"
	"github.com/aidekit/aide/internal/db"
	"github.com/aidekit/aide/internal/executor"
	"github.com/aidekit/aide/internal/notify"
	"github.com/aidekit/aide/internal/plan"
	"github.com/aidekit/aide/internal/scheduler"
	"github.com/aidekit/aide/internal/stream"
	"github.com/aidekit/aide/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Println(version.Info())
			return
		case "daemon":
			if err := runDaemon(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "serve":
			if err := runServer(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "help", "--help", "-h":
			printHelp()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
			printHelp()
			os.Exit(1)
		}
	}

	printHelp()
}

// runtime bundles the wired components shared by daemon and serve.
type runtime struct {
	cfg      config.Config
	log      *slog.Logger
	database *db.DB
	sched    *scheduler.Scheduler
	engine   *plan.Engine
	events   *stream.Manager
}

func setup() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	database, err := db.New(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	cliAgent := agent.NewCLI(cfg.AgentBin, cfg.AgentWorkDir, defaultTools())
	exec := executor.New(cliAgent)

	sched := scheduler.New(database, scheduler.Config{
		DefaultTimeout: cfg.DefaultTimeout,
		SyncInterval:   cfg.SyncInterval,
		HistoryKeep:    cfg.HistoryKeep,
	}, logger)
	sched.SetExecutor(exec.Execute)
	sched.SetBridge(notify.New(notify.NewService(database), logger))

	if err := sched.Initialize(); err != nil {
		database.Close()
		return nil, fmt.Errorf("initializing scheduler: %w", err)
	}

	events := stream.NewManager()
	engine := plan.New(database, logger)
	engine.SetEventStream(events)

	return &runtime{
		cfg:      cfg,
		log:      logger,
		database: database,
		sched:    sched,
		engine:   engine,
		events:   events,
	}, nil
}

func runDaemon() error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.database.Close()

	if err := rt.sched.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer rt.sched.Stop()

	rt.log.Info("aide daemon started",
		"pid", os.Getpid(),
		"database", rt.cfg.DBPath())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	rt.log.Info("shutting down")
	return nil
}

func runServer() error {
	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	port := serveCmd.Int("port", 0, "HTTP server port")
	_ = serveCmd.Parse(os.Args[2:])

	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.database.Close()

	if err := rt.sched.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer rt.sched.Stop()

	server := api.NewServer(rt.database, rt.sched, rt.engine, rt.events)

	if *port == 0 {
		*port = rt.cfg.Port
	}
	addr := fmt.Sprintf(":%d", *port)
	rt.log.Info("aide API server starting",
		"addr", addr,
		"database", rt.cfg.DBPath())

	srv := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			rt.log.Error("server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	rt.log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return srv.Shutdown(ctx)
}

// defaultTools is the tool set exposed to tool_call tasks.
func defaultTools() []agent.Tool {
	return []agent.Tool{
		{Name: "web_search", Description: "Search the web and summarize results"},
		{Name: "read_file", Description: "Read a file from the agent working directory"},
		{Name: "run_command", Description: "Run a shell command in the agent working directory"},
	}
}

func printHelp() {
	fmt.Println(`aide - Personal assistant task scheduling and plan execution backend

Usage:
  aide daemon       Run scheduler in foreground (for services)
  aide serve        Run HTTP API server
  aide version      Show version information
  aide help         Show this help message

Serve Options:
  --port            HTTP server port (default: 8080, or AIDE_PORT)

Environment Variables:
  AIDE_DATA             Override data directory (default: ~/.aide)
  AIDE_PORT             HTTP server port
  AIDE_DEFAULT_TIMEOUT  Default task timeout (default: 30m)
  AIDE_SYNC_INTERVAL    DB reconcile interval (default: 10s)
  AIDE_HISTORY_KEEP     Run history retained per task (default: 50)
  AIDE_AGENT_BIN        Agent CLI binary (default: claude)
  AIDE_AGENT_WORKDIR    Agent working directory`)
}
