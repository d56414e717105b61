package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/page_relay/internal/config"
	"github.com/austindbirch/page_relay/internal/db"
	"github.com/austindbirch/page_relay/internal/queue"
)

// States surfaced per poll. Terminal states are included so a stalled
// archiver shows up as unbounded completed/discarded growth.
var jobStates = []string{"available", "pending", "running", "retryable", "scheduled", "completed", "discarded", "cancelled"}

var (
	// Total queue backlog - what we really care about
	queueBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pagerelay_queue_backlog",
		Help: "Jobs waiting to run: available, pending, retryable, and scheduled.",
	})

	queueJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pagerelay_queue_jobs",
		Help: "Live queue job counts by state.",
	}, []string{"state"})

	statsUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pagerelay_queue_monitor_up",
		Help: "Whether the last queue stats poll succeeded.",
	})
)

func init() {
	prometheus.MustRegister(queueBacklog)
	prometheus.MustRegister(queueJobs)
	prometheus.MustRegister(statsUp)
}

func main() {
	cfg := config.FromEnv()
	port := getEnv("PORT", "8084")
	interval := getEnvInt("POLL_INTERVAL_SECONDS", 15)

	log.Printf("queue monitor starting on port %s", port)
	log.Printf("polling %s queue every %d seconds", queue.QueueProcessPost, interval)

	pool, err := db.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	// Start metrics collection in background
	go collectMetrics(pool, time.Duration(interval)*time.Second)

	// Expose metrics endpoint
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	log.Fatal(http.ListenAndServe(":"+port, nil))
}

func collectMetrics(pool *pgxpool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if err := updateMetrics(pool); err != nil {
			statsUp.Set(0)
			log.Printf("error updating metrics: %v", err)
		}
	}
}

func updateMetrics(pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := queue.Stats(ctx, pool)
	if err != nil {
		return fmt.Errorf("failed to read queue stats: %w", err)
	}

	setGauges(counts)
	return nil
}

// setGauges publishes one poll's counts. States absent from the query result
// are zeroed so a drained state doesn't keep reporting its last value.
func setGauges(counts map[string]int64) {
	for _, state := range jobStates {
		queueJobs.WithLabelValues(state).Set(float64(counts[state]))
	}
	queueBacklog.Set(float64(counts["available"] + counts["pending"] + counts["retryable"] + counts["scheduled"]))
	statsUp.Set(1)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
