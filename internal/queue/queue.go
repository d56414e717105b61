// Package queue wraps the River job queue for the relay. Jobs live in
// Postgres next to the post rows, so the ingress can enqueue inside the same
// transaction that creates a post, and a singleton key on fb_post_id keeps
// at most one live job per post.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
)

// QueueProcessPost is the queue carrying one job per new post.
const QueueProcessPost = "process-post"

// ErrAlreadyQueued reports that a live job for this post already exists;
// concurrent identical webhooks collapse onto it.
var ErrAlreadyQueued = errors.New("job already queued for this post")

// WebhookData is the inline content captured from the webhook change, kept
// as a reduced-fidelity fallback for when the upstream fetch fails.
type WebhookData struct {
	Message     string `json:"message,omitempty"`
	FromID      string `json:"from_id,omitempty"`
	FromName    string `json:"from_name,omitempty"`
	CreatedTime int64  `json:"created_time,omitempty"` // epoch seconds
}

// ProcessPostArgs is the payload of a process_post job. FBPostID doubles as
// the singleton key: River's uniqueness constraint considers only fields
// tagged unique, across all live job states.
type ProcessPostArgs struct {
	FBPostID      string            `json:"fb_post_id" river:"unique"`
	CorrelationID string            `json:"correlation_id"`
	WebhookData   *WebhookData      `json:"webhook_data,omitempty"`
	TraceHeaders  map[string]string `json:"trace_headers,omitempty"`
}

func (ProcessPostArgs) Kind() string { return "process_post" }

// InsertOpts pins every job to the process-post queue and declares the
// singleton key. ByState spans every live state so a retrying job also
// blocks duplicates; completed and discarded jobs do not.
func (ProcessPostArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue: QueueProcessPost,
		UniqueOpts: river.UniqueOpts{
			ByArgs: true,
			ByState: []rivertype.JobState{
				rivertype.JobStateAvailable,
				rivertype.JobStatePending,
				rivertype.JobStateRetryable,
				rivertype.JobStateRunning,
				rivertype.JobStateScheduled,
			},
		},
	}
}

// WorkerOptions sizes the consuming client.
type WorkerOptions struct {
	MaxWorkers  int // concurrent jobs per process
	MaxAttempts int // per-job retry limit
	ArchiveDays int // completed/discarded job retention
}

// NewInsertClient returns a client that can only insert jobs. The ingress
// holds one; it never starts the client, so no jobs are worked in-process.
func NewInsertClient(pool *pgxpool.Pool, logLevel string) (*river.Client[pgx.Tx], error) {
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: NewSlogLogger(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("create queue insert client: %w", err)
	}
	return client, nil
}

// NewWorkerClient returns a client configured to consume the process-post
// queue with the given worker set. Failed jobs are rescheduled with River's
// exponential backoff until MaxAttempts, then discarded; terminal jobs are
// deleted after the archive window.
func NewWorkerClient(pool *pgxpool.Pool, workers *river.Workers, opts WorkerOptions, logLevel string) (*river.Client[pgx.Tx], error) {
	retention := time.Duration(opts.ArchiveDays) * 24 * time.Hour

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			QueueProcessPost: {MaxWorkers: opts.MaxWorkers},
		},
		Workers:                     workers,
		MaxAttempts:                 opts.MaxAttempts,
		JobTimeout:                  2 * time.Minute,
		CompletedJobRetentionPeriod: retention,
		CancelledJobRetentionPeriod: retention,
		DiscardedJobRetentionPeriod: retention,
		Logger:                      NewSlogLogger(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("create queue worker client: %w", err)
	}
	return client, nil
}

// Enqueue inserts a process_post job on the caller's transaction so the job
// becomes visible only if the surrounding post insert commits. Returns
// ErrAlreadyQueued when the singleton key matched a live job.
func Enqueue(ctx context.Context, client *river.Client[pgx.Tx], tx pgx.Tx, args ProcessPostArgs) error {
	res, err := client.InsertTx(ctx, tx, args, nil)
	if err != nil {
		return fmt.Errorf("enqueue job for %s: %w", args.FBPostID, err)
	}
	if res.UniqueSkippedAsDuplicate {
		return ErrAlreadyQueued
	}
	return nil
}

// Migrate applies River's own schema (river_job and friends). Idempotent;
// both binaries run it at startup before accepting traffic.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create queue migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("apply queue migrations: %w", err)
	}
	return nil
}

// Stats returns live job counts by state for the process-post queue. Used by
// the worker's backlog monitor and the readiness check.
func Stats(ctx context.Context, pool *pgxpool.Pool) (map[string]int64, error) {
	rows, err := pool.Query(ctx, `
		SELECT state::text, COUNT(*)
		FROM river_job
		WHERE queue = $1
		GROUP BY state`,
		QueueProcessPost,
	)
	if err != nil {
		return nil, fmt.Errorf("read queue stats: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		counts[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

// NewSlogLogger bridges the LOG_LEVEL threshold onto the slog logger River
// expects. Trace maps to debug and fatal to error since slog has neither.
func NewSlogLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error", "fatal":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
