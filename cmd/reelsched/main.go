package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/reelsched/reelsched/internal/api"
	"github.com/reelsched/reelsched/internal/config"
	"github.com/reelsched/reelsched/internal/events"
	"github.com/reelsched/reelsched/internal/instagram"
	"github.com/reelsched/reelsched/internal/job"
	"github.com/reelsched/reelsched/internal/media"
	"github.com/reelsched/reelsched/internal/metrics"
	"github.com/reelsched/reelsched/internal/observability"
	"github.com/reelsched/reelsched/internal/publish"
	"github.com/reelsched/reelsched/internal/sweep"
	"github.com/reelsched/reelsched/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing("reelsched", observability.TracingConfig{
		Exporter: cfg.OTelExporter,
		Endpoint: cfg.OTelEndpoint,
	})
	if err != nil {
		slog.Error("tracing", "error", err)
		os.Exit(1)
	}

	store, err := job.Open(cfg.DBDriver, cfg.DSN())
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	mux := http.NewServeMux()

	var sink metrics.Sink = metrics.NewNoopSink()
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		sink = metrics.NewPrometheusSink(reg)
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	client := instagram.New(instagram.Config{
		BaseURL:     cfg.GraphAPIBase,
		UserID:      cfg.IGUserID,
		AccessToken: cfg.IGAccessToken,
		RPS:         cfg.RemoteRPS,
	})
	workflow := publish.NewWorkflow(client, publish.NewWaiter(client, cfg.PollInterval)).WithMetrics(sink)

	hub := events.NewHub()
	notifier := webhook.New(cfg.WebhookURL, cfg.WebhookAllowPrivate).WithMetrics(sink)

	sweeper := sweep.New(store, workflow, sweep.Config{
		BatchSize:  cfg.BatchSize,
		StaleAfter: cfg.StaleProcessingAfter,
	}).WithHub(hub).WithNotifier(notifier).WithMetrics(sink)

	h := api.NewHandler(store, sweeper, hub, cfg.Location).WithMetrics(sink).WithBackground(ctx)
	if cfg.MediaServerURL != "" {
		src := media.NewSource(cfg.MediaServerURL)
		probeMediaServer(ctx, src)
		h.WithMedia(src)
	}
	h.RegisterRoutes(mux)

	scheduler := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := scheduler.AddFunc(cfg.SweepSchedule, func() { runSweep(ctx, sweeper) }); err != nil {
		slog.Error("sweep schedule", "schedule", cfg.SweepSchedule, "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging,
		api.Auth(cfg.APIKeys),
		api.RateLimit(cfg.RateLimit),
	)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// Manual sweeps can wait on several processing loops; SSE streams stay open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("reelsched listening",
		"addr", cfg.ListenAddr,
		"db_driver", cfg.DBDriver,
		"sweep_schedule", cfg.SweepSchedule,
		"batch_size", cfg.BatchSize,
		"location", cfg.Location.String(),
	)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	// Wait for the running sweep and background publishes, then give webhook
	// deliveries a bounded grace period.
	<-scheduler.Stop().Done()
	h.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := notifier.Shutdown(flushCtx); err != nil {
		slog.Warn("webhook deliveries abandoned", "error", err)
	}
	if err := shutdownTracing(flushCtx); err != nil {
		slog.Warn("tracing shutdown", "error", err)
	}
}

// runSweep is the cron entry point. Overlaps are already skipped by the
// cron chain; ErrSweepInProgress here means a manual sweep holds the lock.
func runSweep(ctx context.Context, sweeper *sweep.Sweeper) {
	report, err := sweeper.Sweep(ctx)
	switch {
	case errors.Is(err, sweep.ErrSweepInProgress):
		slog.Info("scheduled sweep skipped, another sweep is running")
	case err != nil:
		slog.Error("scheduled sweep failed", "error", err)
	case report.Selected > 0 || len(report.Reclaimed) > 0:
		slog.Info("scheduled sweep finished",
			"selected", report.Selected,
			"succeeded", report.Succeeded,
			"failed", report.Failed,
			"skipped", report.Skipped,
			"reclaimed", len(report.Reclaimed),
			"elapsed", report.Elapsed.String(),
		)
	}
}
