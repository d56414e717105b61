package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is the minimal store surface the probes need. *pgxpool.Pool
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is a named readiness predicate. A nil error means ready.
type Check func(ctx context.Context) error

// LivenessHandler reports whether the process can do a trivial store
// round-trip. Load balancers poll this, so the ping is capped at a second.
func LivenessHandler(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()

			if err := store.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
				return
			}
		}

		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadinessHandler runs every named check and reports them individually, so
// an operator can see which dependency is holding a rollout back.
func ReadinessHandler(checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		results := make(map[string]bool, len(checks))
		ready := true
		for name, check := range checks {
			err := check(ctx)
			results[name] = err == nil
			if err != nil {
				ready = false
			}
		}

		w.Header().Set("Content-Type", "application/json")
		status := "ready"
		if !ready {
			status = "not ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(struct {
			Status string          `json:"status"`
			Checks map[string]bool `json:"checks"`
		}{Status: status, Checks: results})
	}
}

// DatabaseCheck adapts a Pinger into a readiness check.
func DatabaseCheck(store Pinger) Check {
	return func(ctx context.Context) error {
		return store.Ping(ctx)
	}
}
