package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Halwright/AgentFlow/internal/adapter/discord"
	"github.com/Halwright/AgentFlow/internal/adapter/email"
	"github.com/Halwright/AgentFlow/internal/adapter/github"
	afhttp "github.com/Halwright/AgentFlow/internal/adapter/http"
	"github.com/Halwright/AgentFlow/internal/adapter/llm"
	afnats "github.com/Halwright/AgentFlow/internal/adapter/nats"
	"github.com/Halwright/AgentFlow/internal/adapter/natskv"
	"github.com/Halwright/AgentFlow/internal/adapter/otel"
	"github.com/Halwright/AgentFlow/internal/adapter/postgres"
	"github.com/Halwright/AgentFlow/internal/adapter/ristretto"
	"github.com/Halwright/AgentFlow/internal/adapter/slack"
	"github.com/Halwright/AgentFlow/internal/adapter/tiered"
	"github.com/Halwright/AgentFlow/internal/adapter/websearch"
	"github.com/Halwright/AgentFlow/internal/adapter/ws"
	"github.com/Halwright/AgentFlow/internal/capability"
	"github.com/Halwright/AgentFlow/internal/config"
	"github.com/Halwright/AgentFlow/internal/domain/workflow"
	"github.com/Halwright/AgentFlow/internal/logger"
	"github.com/Halwright/AgentFlow/internal/middleware"
	"github.com/Halwright/AgentFlow/internal/queue"
	"github.com/Halwright/AgentFlow/internal/resilience"
	"github.com/Halwright/AgentFlow/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"workers", cfg.Workers.Count,
	)

	ctx := context.Background()

	shutdownTelemetry, err := otel.Init(ctx, cfg.Logging.Service, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Storage ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("postgres connected, migrations applied")

	store := postgres.NewStore(pool)
	tasks := postgres.NewTaskStore(pool)
	events := postgres.NewEventStore(pool)

	// --- Signal bus ---
	signals, err := afnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = signals.Close() }()

	// --- Queue ---
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Cooldown)
	q := queue.New(tasks, signals, events, breaker, queue.Config{
		Lease:             cfg.Queue.Lease,
		IdempotentRetries: cfg.Queue.IdempotentRetries,
		RetryBaseDelay:    cfg.Queue.RetryBaseDelay,
		RetryMaxDelay:     cfg.Queue.RetryMaxDelay,
		SweepInterval:     cfg.Queue.SweepInterval,
	})
	stopSweeper := q.StartSweeper(ctx)
	defer stopSweeper()

	// --- Capabilities ---
	registry := capability.NewRegistry()
	if err := registerCapabilities(registry, cfg); err != nil {
		return fmt.Errorf("capabilities: %w", err)
	}

	// --- Services ---
	hub := ws.NewHub()

	engine := service.NewEngineService(store, q, registry, signals, hub, events, metrics)
	engine.SetReconcileInterval(cfg.Engine.ReconcileInterval)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer engine.Stop()

	workers := service.NewWorkerPool(q, registry, signals, cfg.Workers.Count, cfg.Workers.PollInterval, metrics)
	if err := workers.Start(ctx); err != nil {
		return fmt.Errorf("workers: %w", err)
	}
	defer workers.Stop()

	orch := service.NewOrchestratorService(engine, q, registry, cfg.Engine.RunTimeout)
	collab := service.NewCollabService(orch, engine, registry, store, events, cfg.Collab.MaxSubGoals, cfg.Collab.Timeout)

	scheduler := service.NewSchedulerService(engine)
	if err := loadWorkflows(ctx, cfg.Workflows.Dir, engine, scheduler); err != nil {
		return fmt.Errorf("workflows: %w", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer scheduler.Stop()

	// --- HTTP ---
	// Run status reads go through a two-level cache: in-process ristretto
	// backed by a NATS KV bucket shared across instances.
	l1, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("run cache: %w", err)
	}
	defer l1.Close()

	runKV, err := signals.KeyValue(ctx, "AGENTFLOW_RUN_CACHE")
	if err != nil {
		return fmt.Errorf("run cache bucket: %w", err)
	}
	runCache := tiered.New(l1, natskv.New(runKV), cfg.Cache.TTL)

	idemKV, err := signals.KeyValue(ctx, "AGENTFLOW_IDEMPOTENCY")
	if err != nil {
		return fmt.Errorf("idempotency bucket: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	stopCleanup := rateLimiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()

	handlers := afhttp.NewHandlers(orch, engine, collab, events, runCache, cfg.Cache.TTL)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(rateLimiter.Handler)
	r.Use(middleware.Idempotency(idemKV))
	r.Use(afhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(afhttp.SecurityHeaders)
	r.Use(afhttp.Logger)
	if cfg.Telemetry.Endpoint != "" {
		r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	}

	afhttp.MountRoutes(r, handlers, hub.HandleWS)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// registerCapabilities wires the built-in capability handlers. The LLM and
// search capabilities are always available; Slack, email and GitHub join
// only when their integration is configured.
func registerCapabilities(registry *capability.Registry, cfg *config.Config) error {
	llmClient := llm.NewClient(cfg.LLM)
	llmClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Cooldown))
	if err := llm.Register(registry, llmClient); err != nil {
		return err
	}

	if err := websearch.Register(registry, websearch.NewClient(cfg.Integrations.SearchURL)); err != nil {
		return err
	}

	if cfg.Integrations.SlackWebhookURL != "" {
		if err := slack.Register(registry, slack.NewNotifier(cfg.Integrations.SlackWebhookURL)); err != nil {
			return err
		}
	}

	if cfg.Integrations.DiscordWebhookURL != "" {
		if err := discord.Register(registry, discord.NewNotifier(cfg.Integrations.DiscordWebhookURL)); err != nil {
			return err
		}
	}

	if cfg.Integrations.SMTP.Host != "" {
		n := email.NewNotifier(email.SMTPConfig{
			Host:     cfg.Integrations.SMTP.Host,
			Port:     cfg.Integrations.SMTP.Port,
			From:     cfg.Integrations.SMTP.From,
			Password: cfg.Integrations.SMTP.Password,
		})
		if err := email.Register(registry, n); err != nil {
			return err
		}
	}

	if cfg.Integrations.GitHubToken != "" {
		gh := github.NewClient(cfg.Integrations.GitHubBaseURL, cfg.Integrations.GitHubToken)
		if err := github.Register(registry, gh); err != nil {
			return err
		}
	}

	return nil
}

// loadWorkflows stores every definition found in dir and registers the
// scheduled ones. Stored definitions survive restarts; the directory is
// the seed, not the source of truth.
func loadWorkflows(ctx context.Context, dir string, engine *service.EngineService, scheduler *service.SchedulerService) error {
	defs, err := workflow.LoadFromDirectory(dir)
	if err != nil {
		return err
	}

	for i := range defs {
		def := &defs[i]
		if err := engine.SaveDefinition(ctx, def); err != nil {
			return fmt.Errorf("save workflow %q: %w", def.Name, err)
		}
		if def.Schedule != "" {
			if err := scheduler.Register(ctx, def.Name, def.Schedule); err != nil {
				return err
			}
		}
	}

	if len(defs) > 0 {
		slog.Info("workflow definitions loaded", "dir", dir, "count", len(defs))
	}
	return nil
}
