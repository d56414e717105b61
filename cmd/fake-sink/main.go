package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/austindbirch/page_relay/internal/config"
)

var reqCount atomic.Int64

func main() {
	cfg := config.FromEnv()

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	r.Post("/webhook", func(w http.ResponseWriter, req *http.Request) { handleWebhook(w, req, cfg.FakeSink) })
	// Same handler under a Discord-shaped path so DISCORD_WEBHOOK_URL can
	// point here without rewriting.
	r.Post("/api/webhooks/{id}/{token}", func(w http.ResponseWriter, req *http.Request) { handleWebhook(w, req, cfg.FakeSink) })

	srv := &http.Server{
		Addr:         cfg.FakeSink.Port,
		Handler:      r,
		ReadTimeout:  cfg.FakeSink.ReadTimeout,
		WriteTimeout: cfg.FakeSink.WriteTimeout,
		IdleTimeout:  cfg.FakeSink.IdleTimeout,
	}
	log.Printf("fake-sink listening on %s", srv.Addr)
	log.Fatal(srv.ListenAndServe())
}

func handleWebhook(w http.ResponseWriter, r *http.Request, cfg config.FakeSink) {
	n := reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(cfg.ResponseDelayMS) * time.Millisecond)
	}

	// Simulate flakiness: first N requests -> 500, the M after those -> 429.
	if n <= int64(cfg.FailFirstN) {
		log.Printf("FAILING (%d/%d) %s body=%s", n, cfg.FailFirstN, r.URL.Path, summary(b))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}
	if n <= int64(cfg.FailFirstN+cfg.RateLimitFirstN) {
		w.Header().Set("Retry-After", strconv.Itoa(cfg.RetryAfterSeconds))
		log.Printf("RATE LIMITING (%d) %s body=%s", n, r.URL.Path, summary(b))
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	wait := r.URL.Query().Get("wait") == "true"
	log.Printf("fake-sink OK %s wait=%v body=%s", r.URL.Path, wait, summary(b))

	if wait {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": uuid.NewString()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// summary renders the content line of a sink payload for the log, falling
// back to the raw bytes for non-JSON input.
func summary(b []byte) string {
	var msg struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(b, &msg); err == nil && msg.Content != "" {
		return truncate(msg.Content, 160)
	}
	return truncate(string(b), 160)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
