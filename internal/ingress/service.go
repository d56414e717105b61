package ingress

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/page_relay/internal/logging"
	"github.com/austindbirch/page_relay/internal/metrics"
	"github.com/austindbirch/page_relay/internal/queue"
	"github.com/austindbirch/page_relay/internal/store"
	"github.com/austindbirch/page_relay/internal/tracing"
)

// Service persists incoming post notifications. Row creation and job
// enqueue share one transaction, so a post row exists iff its processing
// job was accepted by the queue.
type Service struct {
	pool    *pgxpool.Pool
	store   *store.Store
	inserts *river.Client[pgx.Tx]
	logger  *logging.Logger
}

// NewService wires the ingest path: pool for transactions, store for the
// posts table, inserts for queue writes.
func NewService(pool *pgxpool.Pool, st *store.Store, inserts *river.Client[pgx.Tx]) *Service {
	return &Service{
		pool:    pool,
		store:   st,
		inserts: inserts,
		logger:  logging.New("pagerelay-ingress"),
	}
}

// IngestPost records fbPostID and, when the row is new, enqueues the
// processing job transactionally. Returns whether the post was newly
// created; replayed webhooks find the existing row and enqueue nothing.
func (s *Service) IngestPost(ctx context.Context, fbPostID, correlationID string, data *queue.WebhookData) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "ingress.IngestPost",
		attribute.String("fb_post_id", fbPostID),
		attribute.String("correlation_id", correlationID),
	)
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return false, fmt.Errorf("begin ingest tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tracing.AddSpanEvent(ctx, "db.get_or_create_post")
	post, created, err := s.store.GetOrCreate(ctx, tx, fbPostID, map[string]any{
		"correlation_id": correlationID,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return false, fmt.Errorf("get or create post %s: %w", fbPostID, err)
	}

	if !created {
		span.SetAttributes(attribute.Bool("duplicate", true), attribute.String("status", string(post.Status)))
		metrics.RecordDuplicate()
		return false, tx.Commit(ctx)
	}

	tracing.AddSpanEvent(ctx, "queue.enqueue_process_post")
	err = queue.Enqueue(ctx, s.inserts, tx, queue.ProcessPostArgs{
		FBPostID:      fbPostID,
		CorrelationID: correlationID,
		WebhookData:   data,
		TraceHeaders:  tracing.PropagateTraceToJob(ctx),
	})
	if err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
		tracing.SetSpanError(ctx, err)
		return false, fmt.Errorf("enqueue post %s: %w", fbPostID, err)
	}
	if errors.Is(err, queue.ErrAlreadyQueued) {
		// Possible when a pruned post's job is still live. The existing job
		// will process the fresh row, so the insert stays committed.
		s.logger.WithContext(ctx).WithPost(fbPostID).Warn("live job already exists for new post row")
	}

	if err := tx.Commit(ctx); err != nil {
		tracing.SetSpanError(ctx, err)
		return false, fmt.Errorf("commit ingest tx: %w", err)
	}

	metrics.RecordEnqueued()
	return true, nil
}

// Ping satisfies the health probe surface using the underlying pool.
func (s *Service) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
