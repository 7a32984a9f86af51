package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/continuation"
	"github.com/loomworks/loom/internal/conversations"
	"github.com/loomworks/loom/internal/dispatch"
	"github.com/loomworks/loom/internal/gateway"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/memory"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/supervisor"
	"github.com/loomworks/loom/pkg/models"
)

const shutdownTimeout = 30 * time.Second

// runServe wires every subsystem together and serves until SIGINT or
// SIGTERM. Subsystems start in dependency order: stores, registry, LLM
// router, agent loop, bus, scheduler, supervisor, gateway.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.SetDefault(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()
	tracer, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		EnableInsecure: true,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting loom", "version", version, "config", configPath)

	// Durable state. All three stores share the database driver choice.
	var (
		convStore  conversations.Store
		schedStore scheduler.Store
		taskStore  supervisor.Store
	)
	switch cfg.Database.Driver {
	case "postgres":
		pgCfg := conversations.DefaultPostgresConfig()
		if cfg.Database.MaxConnections > 0 {
			pgCfg.MaxOpenConns = cfg.Database.MaxConnections
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			pgCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
		convStore, err = conversations.NewPostgresStoreFromDSN(cfg.Database.URL, pgCfg)
		if err != nil {
			return fmt.Errorf("conversation store: %w", err)
		}
		schedStore, err = scheduler.NewPostgresStoreFromDSN(cfg.Database.URL, pgCfg.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("job store: %w", err)
		}
		taskStore, err = supervisor.NewPostgresStoreFromDSN(cfg.Database.URL, pgCfg.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("task store: %w", err)
		}
	default:
		convStore = conversations.NewMemoryStore()
		schedStore = scheduler.NewMemoryStore()
		taskStore = supervisor.NewMemoryStore()
	}
	defer convStore.Close()
	defer schedStore.Close()
	defer taskStore.Close()

	// Long-term recall, optional.
	var recall *memory.Store
	if cfg.Memory.Path != "" {
		recall, err = memory.New(memory.Config{Path: cfg.Memory.Path})
		if err != nil {
			return fmt.Errorf("memory store: %w", err)
		}
		defer recall.Close()
	}

	// Module registry with remote manifest refresh; the config watcher
	// feeds endpoint changes into it without a restart.
	reg := registry.New(cfg.Modules, registry.WithLogger(logger))
	reg.Start(ctx)
	if cfg.Modules.Watch {
		watcher := config.NewWatcher(configPath, func(next *config.Config) {
			reg.SetEndpoints(next.Modules.Endpoints)
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	// LLM routing across configured providers.
	adapters, err := llm.BuildAdapters(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm adapters: %w", err)
	}
	router := llm.NewRouter(adapters,
		llm.WithFallbackChain(cfg.LLM.FallbackChain),
		llm.WithRetryAfterThreshold(cfg.LLM.RetryAfterThreshold),
		llm.WithRouterLogger(logger),
		llm.WithMetrics(metrics),
		llm.WithTracer(tracer),
	)

	dispatcher := dispatch.New(reg, cfg.Modules,
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(metrics),
		dispatch.WithTracer(tracer),
	)

	loopOpts := []agent.Option{agent.WithLogger(logger), agent.WithMetrics(metrics)}
	if recall != nil {
		loopOpts = append(loopOpts, agent.WithRecall(recall), agent.WithRecallLimit(cfg.Memory.TopK))
	}
	loop := agent.New(convStore, reg, router, dispatcher, cfg.Agent, cfg.LLM, loopOpts...)
	defer loop.Close()

	// Notification bus. The logging consumer drains API-originated
	// notifications in deployments without a chat platform attached.
	var nbus bus.Bus
	switch cfg.Notifications.Driver {
	case "postgres":
		pgBus, err := bus.NewPostgresBus(cfg.Database.URL,
			bus.WithPostgresLogger(logger),
			bus.WithPostgresMetrics(metrics),
		)
		if err != nil {
			return fmt.Errorf("notification bus: %w", err)
		}
		nbus = pgBus
	default:
		nbus = bus.NewMemoryBus(
			bus.WithMemoryLogger(logger),
			bus.WithMemoryMetrics(metrics),
		)
	}
	defer nbus.Close()
	go bus.NewLoggingConsumer(nbus, logger).Run(ctx, "api")

	// Scheduler: engine, its tool module, and the continuation gateway
	// that resumes conversations when resume_conversation jobs settle.
	cont := continuation.New(loop, convStore, nbus,
		continuation.WithLogger(logger),
		continuation.WithMetrics(metrics),
	)
	engine := scheduler.New(schedStore, dispatcher, nbus, cfg.Scheduler,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
		scheduler.WithResumer(cont),
	)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer engine.Stop()

	schedModule := scheduler.NewModule(schedStore, logger)
	if err := reg.RegisterLocal(schedModule); err != nil {
		return fmt.Errorf("register scheduler module: %w", err)
	}

	// Task supervisor. Docker being down degrades the deployment to
	// conversations and jobs; task routes answer 503.
	var sup *supervisor.Supervisor
	runtime, err := supervisor.NewDockerRuntime(cfg.Tasks.Docker, logger)
	if err != nil {
		logger.Warn("docker unavailable, task supervisor disabled", "error", err)
	} else {
		logs, err := supervisor.NewLogDir(cfg.Tasks.LogDir, cfg.Tasks.SubscriberBuffer, metrics)
		if err != nil {
			return fmt.Errorf("task log dir: %w", err)
		}
		terminals := supervisor.NewTerminals(runtime, cfg.Tasks.MaxTerminalSessions, cfg.Tasks.TerminalIdleTimeout, cfg.Tasks.SubscriberBuffer, logger, metrics)
		sup, err = supervisor.New(taskStore, runtime, logs, terminals, nbus, cfg.Tasks,
			supervisor.WithLogger(logger),
			supervisor.WithMetrics(metrics),
		)
		if err != nil {
			return fmt.Errorf("supervisor: %w", err)
		}
		if err := sup.Start(ctx); err != nil {
			return fmt.Errorf("supervisor: %w", err)
		}
		if err := reg.RegisterLocal(supervisor.NewModule(sup, logger)); err != nil {
			return fmt.Errorf("register coder module: %w", err)
		}
	}

	srv := gateway.NewServer(cfg.Server, gateway.Deps{
		Agent:      loop,
		Supervisor: sup,
		Jobs:       schedModule,
		Auth:       auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry),
		Webhook:    scheduler.NewWebhookHandler(engine),
		Logger:     logger,
		Metrics:    metrics,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	metricsSrv := startMetricsServer(cfg.Server, logger)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown failed", "error", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	engine.Stop()
	if sup != nil {
		if err := sup.Close(); err != nil {
			logger.Error("supervisor shutdown failed", "error", err)
		}
	}
	if err := stopTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// startMetricsServer serves /metrics on the dedicated metrics port when
// one is configured. The main gateway serves /metrics either way; the
// extra listener exists for deployments that keep scrapes off the API
// port.
func startMetricsServer(cfg config.ServerConfig, logger *slog.Logger) *http.Server {
	if cfg.MetricsPort == 0 || cfg.MetricsPort == cfg.HTTPPort {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	logger.Info("metrics listening", "addr", srv.Addr)
	return srv
}

func runStatus(cmd *cobra.Command, flags clientFlags) error {
	client := newAPIClient(flags)
	var health struct {
		Status string `json:"status"`
	}
	if err := client.getJSON(cmd.Context(), "/healthz", &health); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Server: %s\nStatus: %s\n", client.baseURL, health.Status)
	return nil
}

func runJobsList(cmd *cobra.Command, flags clientFlags, includeFinished bool) error {
	client := newAPIClient(flags)
	path := "/api/jobs"
	if includeFinished {
		path += "?include_finished=true"
	}
	var body struct {
		Jobs  []*models.Job `json:"jobs"`
		Count int           `json:"count"`
	}
	if err := client.getJSON(cmd.Context(), path, &body); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if body.Count == 0 {
		fmt.Fprintln(out, "No jobs.")
		return nil
	}
	fmt.Fprintf(out, "%-38s  %-12s  %-10s  %-20s  %s\n", "ID", "TYPE", "STATUS", "NEXT RUN", "NAME")
	for _, job := range body.Jobs {
		nextRun := "-"
		if job.NextRunAt != nil {
			nextRun = job.NextRunAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(out, "%-38s  %-12s  %-10s  %-20s  %s\n", job.ID, job.Type, job.Status, nextRun, job.Name)
	}
	return nil
}

func runJobsCancel(cmd *cobra.Command, flags clientFlags, id string) error {
	client := newAPIClient(flags)
	var job models.Job
	if err := client.postJSON(cmd.Context(), "/api/jobs/"+id+"/cancel", nil, &job); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s (%s)\n", job.ID, job.Type)
	return nil
}

func runTasksList(cmd *cobra.Command, flags clientFlags, includeFinished bool) error {
	client := newAPIClient(flags)
	path := "/api/tasks"
	if includeFinished {
		path += "?include_finished=true"
	}
	var body struct {
		Tasks []*models.Task `json:"tasks"`
		Count int            `json:"count"`
	}
	if err := client.getJSON(cmd.Context(), path, &body); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if body.Count == 0 {
		fmt.Fprintln(out, "No tasks.")
		return nil
	}
	fmt.Fprintf(out, "%-38s  %-14s  %-6s  %-20s  %s\n", "ID", "STATUS", "MODE", "CREATED", "PROMPT")
	for _, task := range body.Tasks {
		fmt.Fprintf(out, "%-38s  %-14s  %-6s  %-20s  %s\n",
			task.ID, task.Status, task.Mode,
			task.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			truncate(task.Prompt, 48))
	}
	return nil
}

func runTasksLogs(cmd *cobra.Command, flags clientFlags, id string, offset int64, limit int) error {
	client := newAPIClient(flags)
	path := fmt.Sprintf("/api/tasks/%s/logs?offset=%d&limit=%d", id, offset, limit)
	var body struct {
		TaskID     string   `json:"task_id"`
		Lines      []string `json:"lines"`
		NextOffset int64    `json:"next_offset"`
	}
	if err := client.getJSON(cmd.Context(), path, &body); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, line := range body.Lines {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "-- next offset: %d\n", body.NextOffset)
	return nil
}

// runToken mints a JWT offline from the config's signing secret, for
// bootstrapping API access in development.
func runToken(cmd *cobra.Command, configPath, userID, name, permission string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is empty in %s; tokens are not required", configPath)
	}

	level, err := models.ParsePermissionLevel(permission)
	if err != nil {
		return err
	}
	if name == "" {
		name = userID
	}

	svc := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	token, err := svc.Generate(&models.User{ID: userID, DisplayName: name, Permission: level})
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, token)
	fmt.Fprintf(cmd.ErrOrStderr(), "user=%s permission=%s expires_in=%s\n", userID, level, cfg.Auth.TokenExpiry)
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
