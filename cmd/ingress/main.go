package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/page_relay/internal/config"
	"github.com/austindbirch/page_relay/internal/db"
	"github.com/austindbirch/page_relay/internal/ingress"
	"github.com/austindbirch/page_relay/internal/logging"
	"github.com/austindbirch/page_relay/internal/metrics"
	"github.com/austindbirch/page_relay/internal/queue"
	"github.com/austindbirch/page_relay/internal/store"
	"github.com/austindbirch/page_relay/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logging.SetLevel(cfg.LogLevel)
	logger := logging.New("pagerelay-ingress")

	shutdown, err := tracing.InitTracing(ctx, "pagerelay-ingress")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// Missing secrets don't stop the process, but nothing useful will get
	// through: flag them loudly at startup instead of as per-request 403s.
	if cfg.Meta.AppSecret == "" {
		logger.Plain().Warn("META_APP_SECRET is empty, every signed webhook will be rejected")
	}
	if cfg.Meta.VerifyToken == "" {
		logger.Plain().Warn("META_VERIFY_TOKEN is empty, the handshake will never succeed")
	}

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

	inserts, err := queue.NewInsertClient(pool, cfg.LogLevel)
	if err != nil {
		logger.Plain().WithError(err).Fatal("queue insert client failed")
	}

	svc := ingress.NewService(pool, store.New(pool), inserts)
	srv := ingress.NewServer(cfg, svc, pool)

	httpSrv := &http.Server{Addr: cfg.Port, Handler: srv.Routes()}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("ingress HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("ingress HTTP server failed")
		}
	}()

	// Metrics live on a sibling listener so the public port exposes nothing
	// beyond the webhook and probes.
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.MetricsPort, Handler: metricsMux}
	go func() {
		logger.Plain().WithField("addr", metricsSrv.Addr).Info("ingress metrics server starting")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("ingress metrics server failed")
		}
	}()

	logger.Plain().WithField("webhook_path", "/"+cfg.WebhookPathPrefix+"/webhook").Info("ingress service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down ingress service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("ingress service stopped")
}
