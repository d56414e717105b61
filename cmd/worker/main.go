package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riverqueue/river"

	"github.com/austindbirch/page_relay/internal/config"
	"github.com/austindbirch/page_relay/internal/db"
	"github.com/austindbirch/page_relay/internal/discord"
	"github.com/austindbirch/page_relay/internal/health"
	"github.com/austindbirch/page_relay/internal/logging"
	"github.com/austindbirch/page_relay/internal/meta"
	"github.com/austindbirch/page_relay/internal/metrics"
	"github.com/austindbirch/page_relay/internal/queue"
	"github.com/austindbirch/page_relay/internal/relay"
	"github.com/austindbirch/page_relay/internal/store"
	"github.com/austindbirch/page_relay/internal/tracing"
)

const (
	// pruneHorizon is how long terminal posts are kept before the daily
	// maintenance sweep removes them.
	pruneHorizon = 30 * 24 * time.Hour

	backlogPollInterval = 15 * time.Second
	maintenanceInterval = 24 * time.Hour
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logging.SetLevel(cfg.LogLevel)
	logger := logging.New("pagerelay-worker")

	shutdown, err := tracing.InitTracing(ctx, "pagerelay-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	if err := store.Migrate(cfg.MigrateURL()); err != nil {
		logger.Plain().WithError(err).Fatal("store migrations failed")
	}
	if err := queue.Migrate(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("queue migrations failed")
	}

	fetcher := meta.NewClient(cfg.GraphBaseURL(), cfg.Meta.PageID, cfg.Meta.PageAccessToken, cfg.Meta.AppSecret, cfg.Meta.FetchTimeout)
	sender := discord.NewWebhookClient(cfg.Discord.Timeout, cfg.Discord.WebhookWait)

	// Verify upstream credentials before taking jobs; a worker with a bad
	// token would burn every post's retry budget on fatal fetches.
	if cfg.Meta.PageID != "" && cfg.Meta.PageAccessToken != "" {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.Meta.FetchTimeout)
		err := fetcher.VerifyPageAccess(probeCtx)
		cancel()
		if err != nil {
			logger.Plain().WithError(err).Fatal("page access verification failed")
		}
		logger.Plain().WithField("page_id", cfg.Meta.PageID).Info("page access verified")
	} else {
		logger.Plain().Warn("META_PAGE_ID or META_PAGE_ACCESS_TOKEN unset, skipping page access probe")
	}

	st := store.New(pool)
	processor := relay.NewProcessor(cfg, st, fetcher, sender)

	workers := river.NewWorkers()
	river.AddWorker(workers, processor)

	client, err := queue.NewWorkerClient(pool, workers, queue.WorkerOptions{
		MaxWorkers:  cfg.Queue.WorkerCount,
		MaxAttempts: cfg.Queue.RetryLimit,
		ArchiveDays: cfg.Queue.ArchiveDays,
	}, cfg.LogLevel)
	if err != nil {
		logger.Plain().WithError(err).Fatal("queue worker client failed")
	}

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP probes/metrics
	mux := chi.NewRouter()
	mux.Get("/healthz", health.LivenessHandler(pool))
	mux.Get("/readyz", health.ReadinessHandler(map[string]health.Check{
		"database": health.DatabaseCheck(pool),
		"queue":    queueCheck(pool),
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: cfg.WorkerHTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	if err := client.Start(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("queue client start failed")
	}

	monitorCtx, stopMonitors := context.WithCancel(ctx)
	defer stopMonitors()
	go pollBacklog(monitorCtx, pool)
	go runMaintenance(monitorCtx, st)

	logger.Plain().WithFields(map[string]any{
		"max_workers":  cfg.Queue.WorkerCount,
		"max_attempts": cfg.Queue.RetryLimit,
	}).Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	stopMonitors()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Stop(stopCtx); err != nil {
		logger.Plain().WithError(err).Warn("queue client stop incomplete, cancelling running jobs")
		_ = client.StopAndCancel(context.Background())
	}
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}

// queueCheck reports readiness of the job queue by reading its state counts.
func queueCheck(pool *pgxpool.Pool) health.Check {
	return func(ctx context.Context) error {
		_, err := queue.Stats(ctx, pool)
		return err
	}
}

// pollBacklog periodically copies live job counts into the queue gauge so
// operators can alert on backlog without querying river_job directly.
func pollBacklog(ctx context.Context, pool *pgxpool.Pool) {
	logger := logging.New("pagerelay-worker-monitor")
	ticker := time.NewTicker(backlogPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		counts, err := queue.Stats(ctx, pool)
		if err != nil {
			logger.Plain().WithError(err).Error("Failed to read queue stats")
			continue
		}
		for _, state := range []string{"available", "running", "retryable", "scheduled", "completed", "discarded"} {
			metrics.UpdateQueueJobs(state, float64(counts[state]))
		}
	}
}

// runMaintenance prunes terminal post rows past the retention horizon once a
// day. Queue-side retention is River's own job, configured on the client.
func runMaintenance(ctx context.Context, st *store.Store) {
	logger := logging.New("pagerelay-worker-maintenance")
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pruned, err := st.PruneTerminal(ctx, pruneHorizon)
		if err != nil {
			logger.Plain().WithError(err).Error("terminal post prune failed")
			continue
		}
		metrics.RecordPruned(pruned)
		if pruned > 0 {
			logger.Plain().WithField("pruned", pruned).Info("terminal posts pruned")
		}
	}
}
