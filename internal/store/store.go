package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/page_relay/internal/logging"
)

var (
	// ErrNotFound is returned when no post exists for the given identifier.
	ErrNotFound = errors.New("post not found")
	// ErrInvalidTransition is returned when a requested status change is not
	// in the transition table. The row is left untouched.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrPostDelivered is returned by MarkForRetry when the row is already
	// delivered; retrying a delivered post could duplicate the sink message.
	ErrPostDelivered = errors.New("post already delivered")
)

// Post is one row per observed upstream post identifier.
type Post struct {
	FBPostID     string     `json:"fb_post_id"`
	Status       Status     `json:"status"`
	AuthorID     *string    `json:"author_id,omitempty"`
	AuthorName   *string    `json:"author_name,omitempty"`
	Message      *string    `json:"message,omitempty"`
	Permalink    *string    `json:"permalink,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	ReceivedAt   time.Time  `json:"received_at"`
	DiscordMsgID *string    `json:"discord_msg_id,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	RetryCount   int        `json:"retry_count"`
	LastError    *string    `json:"last_error,omitempty"`
}

// PostEvent is one append-only audit entry for a post.
type PostEvent struct {
	FBPostID  string         `json:"fb_post_id"`
	Event     string         `json:"event"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

// DeliveryLog is one row per sink dispatch attempt, success or failure.
type DeliveryLog struct {
	FBPostID     string `json:"fb_post_id"`
	Success      bool   `json:"success"`
	DiscordMsgID string `json:"discord_msg_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	LatencyMS    int64  `json:"latency_ms"`
}

// Content carries the fields populated from a successful upstream fetch.
// Writing them does not change status and records no event.
type Content struct {
	AuthorID   string
	AuthorName string
	Message    string
	Permalink  string
	CreatedAt  *time.Time
}

// TransitionOpts are the caller-supplied fields applied atomically with a
// status change, plus the details recorded on the status event.
type TransitionOpts struct {
	LastError    string         // set when non-empty
	DiscordMsgID *string        // set when non-nil; empty string is a valid id
	DeliveredAt  *time.Time     // set when non-nil
	Details      map[string]any // audit payload for the status_<target> event
}

const postColumns = `fb_post_id, status, author_id, author_name, message, permalink, created_at, received_at, discord_msg_id, delivered_at, retry_count, last_error`

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx so the same queries can
// run inside or outside an explicit transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides all access to the posts, post_events, and delivery_logs
// tables. Every pipeline status change goes through Transition or
// MarkForRetry so the transition table is enforced in one place.
type Store struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
}

// New creates a Store backed by the shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.New("store"),
	}
}

// GetOrCreate inserts the post row for fbPostID if it does not exist, riding
// the unique constraint so concurrent calls collapse to one row. It runs on
// the caller's transaction so the row insert and the job enqueue share
// transactional scope. The bool reports whether this call created the row;
// only then is a webhook_received event appended.
func (s *Store) GetOrCreate(ctx context.Context, tx pgx.Tx, fbPostID string, eventDetails map[string]any) (Post, bool, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO pagerelay.posts (fb_post_id)
		VALUES ($1)
		ON CONFLICT (fb_post_id) DO NOTHING
		RETURNING `+postColumns,
		fbPostID,
	)
	post, err := scanPost(row)
	if err == nil {
		if err := s.appendEvent(ctx, tx, fbPostID, EventWebhookReceived, eventDetails); err != nil {
			return Post{}, false, err
		}
		return post, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Post{}, false, fmt.Errorf("insert post %s: %w", fbPostID, err)
	}

	// Conflict: another webhook won the insert. Read the winner.
	row = tx.QueryRow(ctx, `SELECT `+postColumns+` FROM pagerelay.posts WHERE fb_post_id = $1`, fbPostID)
	post, err = scanPost(row)
	if err != nil {
		return Post{}, false, fmt.Errorf("read existing post %s: %w", fbPostID, err)
	}
	return post, false, nil
}

// GetByFBPostID reads one post row. Returns ErrNotFound when absent.
func (s *Store) GetByFBPostID(ctx context.Context, fbPostID string) (Post, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM pagerelay.posts WHERE fb_post_id = $1`, fbPostID)
	post, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, fmt.Errorf("read post %s: %w", fbPostID, err)
	}
	return post, nil
}

// Transition moves the post to target if the edge is in the transition
// table, applying opts and appending a status_<target> event in the same
// transaction. The row is locked for the duration so concurrent workers
// racing on the same row produce at most one successful transition per edge.
// An illegal edge is a no-op: it logs a warning and returns
// ErrInvalidTransition.
func (s *Store) Transition(ctx context.Context, fbPostID string, target Status, opts TransitionOpts) (Post, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Post{}, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	var current Status
	err = tx.QueryRow(ctx, `SELECT status FROM pagerelay.posts WHERE fb_post_id = $1 FOR UPDATE`, fbPostID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, fmt.Errorf("lock post %s: %w", fbPostID, err)
	}

	if !Allowed(current, target) {
		s.logger.WithContext(ctx).WithPost(fbPostID).WithFields(map[string]any{
			"from": string(current),
			"to":   string(target),
		}).Warn("transition not allowed")
		return Post{}, ErrInvalidTransition
	}

	query, args := buildTransitionUpdate(fbPostID, target, opts)
	post, err := scanPost(tx.QueryRow(ctx, query, args...))
	if err != nil {
		return Post{}, fmt.Errorf("update post %s: %w", fbPostID, err)
	}

	if err := s.appendEvent(ctx, tx, fbPostID, EventName(target), opts.Details); err != nil {
		return Post{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Post{}, fmt.Errorf("commit transition: %w", err)
	}
	return post, nil
}

// buildTransitionUpdate assembles the UPDATE statement for a transition,
// including only the caller-supplied fields.
func buildTransitionUpdate(fbPostID string, target Status, opts TransitionOpts) (string, []any) {
	set := "status = $2, updated_at = now()"
	args := []any{fbPostID, string(target)}
	n := 2

	if opts.LastError != "" {
		n++
		set += fmt.Sprintf(", last_error = $%d", n)
		args = append(args, opts.LastError)
	}
	if opts.DiscordMsgID != nil {
		n++
		set += fmt.Sprintf(", discord_msg_id = $%d", n)
		args = append(args, *opts.DiscordMsgID)
	}
	if opts.DeliveredAt != nil {
		n++
		set += fmt.Sprintf(", delivered_at = $%d", n)
		args = append(args, *opts.DeliveredAt)
	}

	query := fmt.Sprintf(`UPDATE pagerelay.posts SET %s WHERE fb_post_id = $1 RETURNING %s`, set, postColumns)
	return query, args
}

// SetContent persists fetched post fields. This is a data-only write: it
// does not change status and records no event.
func (s *Store) SetContent(ctx context.Context, fbPostID string, c Content) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE pagerelay.posts
		SET author_id = $2, author_name = $3, message = $4, permalink = $5, created_at = $6, updated_at = now()
		WHERE fb_post_id = $1`,
		fbPostID, nullIfEmpty(c.AuthorID), nullIfEmpty(c.AuthorName), nullIfEmpty(c.Message), nullIfEmpty(c.Permalink), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("set content for %s: %w", fbPostID, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkForRetry re-enters the post into the queue-driven retry loop:
// increments retry_count, sets status back to received, records the failure
// reason, and appends a marked_for_retry event. It refuses to act on a
// delivered row.
func (s *Store) MarkForRetry(ctx context.Context, fbPostID, reason string) (Post, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Post{}, fmt.Errorf("begin retry mark: %w", err)
	}
	defer tx.Rollback(ctx)

	var current Status
	err = tx.QueryRow(ctx, `SELECT status FROM pagerelay.posts WHERE fb_post_id = $1 FOR UPDATE`, fbPostID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, fmt.Errorf("lock post %s: %w", fbPostID, err)
	}

	if current == StatusDelivered {
		s.logger.WithContext(ctx).WithPost(fbPostID).Warn("refusing to mark delivered post for retry")
		return Post{}, ErrPostDelivered
	}

	post, err := scanPost(tx.QueryRow(ctx, `
		UPDATE pagerelay.posts
		SET status = $2, retry_count = retry_count + 1, last_error = $3, updated_at = now()
		WHERE fb_post_id = $1
		RETURNING `+postColumns,
		fbPostID, string(StatusReceived), reason,
	))
	if err != nil {
		return Post{}, fmt.Errorf("mark post %s for retry: %w", fbPostID, err)
	}

	details := map[string]any{
		"reason":          reason,
		"previous_status": string(current),
		"retry_count":     post.RetryCount,
	}
	if err := s.appendEvent(ctx, tx, fbPostID, EventMarkedForRetry, details); err != nil {
		return Post{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Post{}, fmt.Errorf("commit retry mark: %w", err)
	}
	return post, nil
}

// RecordDelivery appends one delivery_logs row. Called after every dispatch
// attempt regardless of outcome.
func (s *Store) RecordDelivery(ctx context.Context, d DeliveryLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pagerelay.delivery_logs (fb_post_id, success, discord_msg_id, error_message, latency_ms)
		VALUES ($1, $2, $3, $4, $5)`,
		d.FBPostID, d.Success, nullIfEmpty(d.DiscordMsgID), nullIfEmpty(d.ErrorMessage), d.LatencyMS,
	)
	if err != nil {
		return fmt.Errorf("record delivery for %s: %w", d.FBPostID, err)
	}
	return nil
}

// Events returns the audit trail for a post in insertion order.
func (s *Store) Events(ctx context.Context, fbPostID string) ([]PostEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fb_post_id, event, details, created_at
		FROM pagerelay.post_events
		WHERE fb_post_id = $1
		ORDER BY id ASC`,
		fbPostID,
	)
	if err != nil {
		return nil, fmt.Errorf("read events for %s: %w", fbPostID, err)
	}
	defer rows.Close()

	var events []PostEvent
	for rows.Next() {
		var e PostEvent
		if err := rows.Scan(&e.FBPostID, &e.Event, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// PruneTerminal deletes posts that have sat in a terminal state longer than
// olderThan. Events and delivery logs cascade with the parent row.
func (s *Store) PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM pagerelay.posts
		WHERE status IN ($1, $2) AND updated_at < $3`,
		string(StatusDelivered), string(StatusIgnored), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune terminal posts: %w", err)
	}
	return ct.RowsAffected(), nil
}

// appendEvent inserts one post_events row on the given transaction.
func (s *Store) appendEvent(ctx context.Context, q dbtx, fbPostID, event string, details map[string]any) error {
	_, err := q.Exec(ctx, `
		INSERT INTO pagerelay.post_events (fb_post_id, event, details)
		VALUES ($1, $2, $3::jsonb)`,
		fbPostID, event, detailsJSON(details),
	)
	if err != nil {
		return fmt.Errorf("append %s event for %s: %w", event, fbPostID, err)
	}
	return nil
}

// detailsJSON marshals event details, falling back to an empty object so the
// column's NOT NULL constraint holds for detail-less events.
func detailsJSON(details map[string]any) string {
	if len(details) == 0 {
		return "{}"
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func scanPost(row pgx.Row) (Post, error) {
	var p Post
	err := row.Scan(
		&p.FBPostID, &p.Status, &p.AuthorID, &p.AuthorName, &p.Message, &p.Permalink,
		&p.CreatedAt, &p.ReceivedAt, &p.DiscordMsgID, &p.DeliveredAt, &p.RetryCount, &p.LastError,
	)
	if err != nil {
		return Post{}, err
	}
	return p, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
