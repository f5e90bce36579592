package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/orchestrator"
	"github.com/deepnoodle-ai/orchestrator/email"
	"github.com/deepnoodle-ai/orchestrator/server"
	"github.com/deepnoodle-ai/orchestrator/slack"
	"github.com/deepnoodle-ai/orchestrator/sqlite"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
)

// CLI configuration
type Config struct {
	Addr       string
	DBPath     string
	PolicyFile string
	LogsDir    string
	JSONLogs   bool
	Verbose    bool
}

func main() {
	// Load .env if present; real environment wins
	_ = godotenv.Load()

	config := parseFlags()
	logger := setupLogger(config)

	policy := orchestrator.DefaultPolicy()
	if config.PolicyFile != "" {
		var err error
		policy, err = orchestrator.LoadPolicy(config.PolicyFile)
		if err != nil {
			log.Fatalf("Failed to load policy: %v", err)
		}
		color.Blue("Policy: %s", config.PolicyFile)
	}

	opts := orchestrator.OrchestratorOptions{
		Stages: orchestrator.Stages{
			Analysis:      &devAnalysisStage{},
			Decider:       &devDecider{},
			Visualization: &devVisualizationStage{},
		},
		Logger: logger,
		Policy: &policy,
	}

	// Durable stores when a database path is given, in-memory otherwise
	if config.DBPath != "" {
		store, err := sqlite.Open(config.DBPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer store.Close()
		opts.Checkpoints = store.Checkpoints()
		opts.Requests = store.Requests()
		color.Blue("Database: %s", config.DBPath)
	}

	if config.LogsDir != "" {
		opts.StageLogger = orchestrator.NewFileStageLogger(config.LogsDir)
		color.Blue("Stage logs: %s", config.LogsDir)
	}

	if token := os.Getenv("SLACK_TOKEN"); token != "" {
		notifier, err := slack.NewNotifier(slack.NotifierOptions{
			Token:   token,
			Channel: os.Getenv("SLACK_CHANNEL"),
			Logger:  logger,
		})
		if err != nil {
			log.Fatalf("Failed to create slack notifier: %v", err)
		}
		opts.Notifiers = append(opts.Notifiers, notifier)
		color.Blue("Slack notifications: %s", os.Getenv("SLACK_CHANNEL"))
	}
	if host := os.Getenv("SMTP_HOST"); host != "" {
		port, _ := strconv.Atoi(os.Getenv("SMTP_PORT"))
		var recipients []string
		for _, addr := range strings.Split(os.Getenv("EMAIL_TO"), ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				recipients = append(recipients, addr)
			}
		}
		notifier, err := email.NewNotifier(email.NotifierOptions{
			Host:       host,
			Port:       port,
			Username:   os.Getenv("SMTP_USER"),
			Password:   os.Getenv("SMTP_PASSWORD"),
			From:       os.Getenv("SMTP_FROM"),
			Recipients: recipients,
			Logger:     logger,
		})
		if err != nil {
			log.Fatalf("Failed to create email notifier: %v", err)
		}
		opts.Notifiers = append(opts.Notifiers, notifier)
		color.Blue("Email notifications: %s", os.Getenv("EMAIL_TO"))
	}
	opts.Notifiers = append(opts.Notifiers, orchestrator.NewLogNotifier(logger))

	orch, err := orchestrator.NewOrchestrator(opts)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	// Mirror every workflow's progress events to the console.
	orch.Broadcaster().SubscribeAll(orchestrator.NewConsoleFormatter())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	orch.Start(ctx)

	srv, err := server.New(server.Options{
		Orchestrator: orch,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              config.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	color.Green("Listening on %s", config.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
	color.Yellow("Server stopped")
}

func parseFlags() *Config {
	config := &Config{}

	flag.StringVar(&config.Addr, "addr", ":8080", "HTTP listen address")
	flag.StringVar(&config.DBPath, "db", "", "Path to the SQLite database (default: in-memory stores)")
	flag.StringVar(&config.PolicyFile, "policy", "", "Path to a YAML policy file (optional)")
	flag.StringVar(&config.LogsDir, "logs", "", "Directory to store stage audit logs (optional)")
	flag.BoolVar(&config.JSONLogs, "json", false, "Emit logs as JSON lines")
	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Workflow orchestrator - analytics workflow engine

Usage: %s [options]

Examples:
  # Run with in-memory stores
  %s

  # Run with durable SQLite storage and a policy file
  %s -db orchestrator.db -policy policy.yaml

Environment:
  SLACK_TOKEN    Slack bot token for intervention notifications (optional)
  SLACK_CHANNEL  Slack channel for intervention notifications
  SMTP_HOST      SMTP server for email notifications (optional)
  SMTP_PORT      SMTP server port (default 587)
  SMTP_USER      SMTP username
  SMTP_PASSWORD  SMTP password
  SMTP_FROM      Sender address for email notifications
  EMAIL_TO       Comma-separated recipient addresses

Options:
`, os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()
	return config
}

func setupLogger(config *Config) *slog.Logger {
	if config.JSONLogs {
		return orchestrator.NewJSONLogger()
	}
	if config.Verbose {
		return orchestrator.NewLogger()
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}
