// Atlas orchestration core: runs the event bus, lock manager, agent
// runtime, analysis worker, scheduler, and the HTTP/WebSocket control
// surface.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/horizon-qa/atlas/pkg/analysis"
	"github.com/horizon-qa/atlas/pkg/api"
	"github.com/horizon-qa/atlas/pkg/bus"
	"github.com/horizon-qa/atlas/pkg/config"
	"github.com/horizon-qa/atlas/pkg/database"
	"github.com/horizon-qa/atlas/pkg/llm"
	"github.com/horizon-qa/atlas/pkg/locks"
	"github.com/horizon-qa/atlas/pkg/push"
	"github.com/horizon-qa/atlas/pkg/registry"
	"github.com/horizon-qa/atlas/pkg/runtime"
	"github.com/horizon-qa/atlas/pkg/scheduler"
	"github.com/horizon-qa/atlas/pkg/skills"
	"github.com/horizon-qa/atlas/pkg/slack"
	"github.com/horizon-qa/atlas/pkg/tools"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	switch getEnv("LOG_LEVEL", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	logger := setupLogger()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		logger.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 1. Configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		logger.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (migrations run on connect)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	logger.Info("Connected to PostgreSQL database")

	// 3. Skill registry
	skillReg := skills.NewRegistry(logger)
	if err := skillReg.LoadDir(cfg.SkillsDir); err != nil {
		logger.Error("Failed to load skills", "dir", cfg.SkillsDir, "error", err)
		os.Exit(1)
	}
	logger.Info("Skills loaded", "count", len(skillReg.Names()))

	// 4. Agent registry + declarative agents dir
	agentReg := registry.New(dbClient.Registry, skillReg, logger)
	if err := syncAgentsDir(ctx, agentReg, cfg.AgentsDir, logger); err != nil {
		logger.Error("Failed to sync agents directory", "dir", cfg.AgentsDir, "error", err)
		os.Exit(1)
	}

	// 5. Event bus + NOTIFY relay listener
	eventBus := bus.New(dbClient.DB(), dbClient.Events, logger)
	busListener := bus.NewListener(dbConfig.ConnString(), eventBus, logger)
	if err := busListener.Start(ctx); err != nil {
		logger.Error("Failed to start bus listener", "error", err)
		os.Exit(1)
	}
	defer busListener.Stop(ctx)

	// 6. Lock manager + expiration sweeper
	lockMgr := locks.NewManager(dbClient.Locks, eventBus, logger, 0)
	go lockMgr.RunSweeper(ctx, cfg.Runtime.LockSweepInterval)

	// 7. Push layer: connection manager, LISTEN connection, typed publisher
	connMgr := push.NewConnectionManager(dbClient.Push, 0, logger)
	pushListener := push.NewNotifyListener(dbConfig.ConnString(), connMgr, logger)
	if err := pushListener.Start(ctx); err != nil {
		logger.Error("Failed to start push listener", "error", err)
		os.Exit(1)
	}
	defer pushListener.Stop(ctx)
	connMgr.SetListener(pushListener)
	pusher := push.NewPublisher(dbClient.DB(), dbClient.Push, logger)

	// 8. LLM provider
	llmClient, err := llm.NewHTTPClient(llm.HTTPConfig{
		BaseURL: getEnv("LLM_BASE_URL", ""),
		APIKey:  os.Getenv("LLM_API_KEY"),
		Model:   getEnv("LLM_MODEL", ""),
		Timeout: cfg.Runtime.TurnTimeout,
	})
	if err != nil {
		logger.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	defer func() { _ = llmClient.Close() }()

	// 9. Tool gateway
	executor, err := tools.NewGatewayExecutor(ctx, getEnv("TOOL_GATEWAY_URL", ""), 0)
	if err != nil {
		logger.Error("Failed to initialize tool gateway", "error", err)
		os.Exit(1)
	}
	logger.Info("Tool gateway connected", "tools", executor.Known())

	// 10. Agent runtime + event router
	rt := runtime.New(
		runtime.Config{
			EventQueueDepth:         cfg.Runtime.EventQueueDepth,
			DefaultTaskTimeout:      cfg.Runtime.DefaultTaskTimeout,
			DefaultMaxParallelTasks: cfg.Runtime.DefaultMaxParallelTasks,
			TurnTimeout:             cfg.Runtime.TurnTimeout,
		},
		agentReg, skillReg, llmClient, executor, eventBus, pusher,
		dbClient.Instances, dbClient.Tasks, logger,
	)
	router := runtime.NewRouter(agentReg, rt, eventBus, logger)
	if err := router.Start(ctx); err != nil {
		logger.Error("Failed to start event router", "error", err)
		os.Exit(1)
	}
	defer router.Stop()

	// 11. Analysis pipeline
	slackSvc := slack.NewService(cfg.System.Slack.Enabled, cfg.System.Slack.TokenEnv,
		cfg.System.Slack.Channel, logger)
	fetcher := analysis.NewArtifactFetcher(cfg.System.Artifacts.FetchTimeout,
		cfg.System.Artifacts.AllowedDomains, cfg.System.Artifacts.MaxBytes)
	classifier := analysis.NewClassifier(llmClient)
	worker := analysis.NewWorker(cfg.Analysis, dbClient.Analysis, fetcher, classifier,
		pusher, slackSvc, logger)
	subscriber := analysis.NewSubscriber(dbClient.Analysis, cfg.Analysis.QueueName, logger)
	subscriber.Start(eventBus)
	go worker.Run(ctx)

	// 12. Cron event source
	sched, err := scheduler.New(cfg.Schedules, eventBus, logger)
	if err != nil {
		logger.Error("Failed to initialize scheduler", "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	// 13. Event log retention sweep
	go retentionLoop(ctx, dbClient.Events, cfg.System.Retention, logger)

	// 14. HTTP control surface (blocks until shutdown)
	server := api.NewServer(api.Deps{
		DB:               dbClient,
		Bus:              eventBus,
		Registry:         agentReg,
		Skills:           skillReg,
		Runtime:          rt,
		Router:           router,
		Locks:            lockMgr,
		Analysis:         dbClient.Analysis,
		ConnMgr:          connMgr,
		AnalysisQueue:    cfg.Analysis.QueueName,
		AllowedWSOrigins: cfg.System.AllowedWSOrigins,
		Logger:           logger,
	})

	logger.Info("Atlas started", "listen_addr", cfg.System.ListenAddr)
	if err := server.Run(ctx, cfg.System.ListenAddr); err != nil {
		logger.Error("HTTP server error", "error", err)
	}

	// Drain agent instances after the API stops accepting work.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rt.Shutdown(shutdownCtx)

	logger.Info("Shutdown complete")
}

// syncAgentsDir imports declarative agent YAML documents and publishes them.
// An already-registered (id, version) pair is left untouched so restarts are
// idempotent.
func syncAgentsDir(ctx context.Context, reg *registry.Registry, dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("Agents directory does not exist, skipping", "dir", dir)
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		text, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		def, err := reg.ImportYAML(ctx, text)
		if err != nil {
			if errors.Is(err, registry.ErrAlreadyExists) {
				logger.Debug("Agent version already registered", "file", entry.Name())
				continue
			}
			return err
		}
		if err := reg.Publish(ctx, def.AgentID, def.Version); err != nil {
			return err
		}
		logger.Info("Published agent from directory",
			"agent_id", def.AgentID, "version", def.Version, "file", entry.Name())
	}
	return nil
}

// retentionLoop prunes the event log on the configured interval.
func retentionLoop(ctx context.Context, events *database.EventStore, cfg config.RetentionConfig, logger *slog.Logger) {
	if cfg.EventLogMaxAge <= 0 || cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := events.DeleteOlderThan(ctx, time.Now().Add(-cfg.EventLogMaxAge))
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Event log retention sweep failed", "error", err)
			}
			continue
		}
		if n > 0 {
			logger.Info("Pruned event log", "deleted", n)
		}
	}
}
