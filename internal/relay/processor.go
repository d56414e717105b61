// Package relay contains the worker pipeline that drives each post from
// received to a terminal state: fetch, filter, dispatch, and the failure
// handling in between.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/page_relay/internal/config"
	"github.com/austindbirch/page_relay/internal/discord"
	"github.com/austindbirch/page_relay/internal/logging"
	"github.com/austindbirch/page_relay/internal/meta"
	"github.com/austindbirch/page_relay/internal/metrics"
	"github.com/austindbirch/page_relay/internal/queue"
	"github.com/austindbirch/page_relay/internal/store"
	"github.com/austindbirch/page_relay/internal/tracing"
)

// PostStore is the persistence surface the pipeline needs. *store.Store
// implements it.
type PostStore interface {
	GetByFBPostID(ctx context.Context, fbPostID string) (store.Post, error)
	Transition(ctx context.Context, fbPostID string, target store.Status, opts store.TransitionOpts) (store.Post, error)
	SetContent(ctx context.Context, fbPostID string, c store.Content) error
	MarkForRetry(ctx context.Context, fbPostID, reason string) (store.Post, error)
	RecordDelivery(ctx context.Context, d store.DeliveryLog) error
}

// PostFetcher reads a post from the upstream API. *meta.Client implements it.
type PostFetcher interface {
	FetchPost(ctx context.Context, postID string) (*meta.Post, error)
}

// SinkSender dispatches one message to a sink webhook. *discord.WebhookClient
// implements it.
type SinkSender interface {
	Send(ctx context.Context, webhookURL string, msg discord.Message) discord.Outcome
}

// postData is the displayable content the pipeline works with, whether it
// came from a fetch or from the webhook fallback.
type postData struct {
	message    string
	authorID   string
	authorName string
	permalink  string
	createdAt  *time.Time
	imageURL   string
}

// Processor is the queue worker for process_post jobs. Returning an error
// asks the queue to reschedule with backoff; every other outcome is settled
// locally with a state transition and a nil return.
type Processor struct {
	river.WorkerDefaults[queue.ProcessPostArgs]

	cfg       config.Config
	store     PostStore
	fetcher   PostFetcher
	sender    SinkSender
	sanitizer *discord.Sanitizer
	router    *discord.Router
	logger    *logging.Logger
}

// NewProcessor wires the pipeline dependencies.
func NewProcessor(cfg config.Config, st PostStore, fetcher PostFetcher, sender SinkSender) *Processor {
	return &Processor{
		cfg:       cfg,
		store:     st,
		fetcher:   fetcher,
		sender:    sender,
		sanitizer: discord.NewSanitizer(cfg.Pipeline.TriggerTag),
		router:    discord.NewRouter(cfg.Discord.WebhookURL, cfg.Discord.Routes, cfg.Discord.Priority),
		logger:    logging.New("pagerelay-worker"),
	}
}

// Work drives one post through the pipeline. Illegal status transitions are
// no-ops, so a job re-run after a crash resumes over whatever state the
// previous attempt left behind.
func (p *Processor) Work(ctx context.Context, job *river.Job[queue.ProcessPostArgs]) error {
	args := job.Args
	ctx = tracing.ExtractTraceFromJob(ctx, args.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "relay.ProcessPost",
		attribute.String("fb_post_id", args.FBPostID),
		attribute.String("correlation_id", args.CorrelationID),
		attribute.Int("attempt", job.Attempt),
	)
	defer span.End()

	// Load. A missing row means the job outlived its post; drop it.
	tracing.AddSpanEvent(ctx, "db.load_post")
	post, err := p.store.GetByFBPostID(ctx, args.FBPostID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.RecordOutcome("missing")
		p.log(ctx, args).Warn("post row missing, dropping job")
		return nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("load post %s: %w", args.FBPostID, err)
	}
	if store.IsTerminal(post.Status) {
		p.log(ctx, args).WithField("status", string(post.Status)).Debug("post already terminal, nothing to do")
		return nil
	}

	// Kill switch: no transition, no retry burn. The row stays as-is for a
	// later operator retry.
	if !p.cfg.Pipeline.AlertsEnabled {
		metrics.RecordOutcome("suppressed")
		p.log(ctx, args).Info("alerts disabled, suppressing post")
		return nil
	}

	if err := p.transition(ctx, args.FBPostID, store.StatusFetching, store.TransitionOpts{}); err != nil {
		return err
	}

	data, done, err := p.fetchContent(ctx, args)
	if done || err != nil {
		return err
	}

	tracing.AddSpanEvent(ctx, "db.persist_content")
	err = p.store.SetContent(ctx, args.FBPostID, store.Content{
		AuthorID:   data.authorID,
		AuthorName: data.authorName,
		Message:    data.message,
		Permalink:  data.permalink,
		CreatedAt:  data.createdAt,
	})
	if errors.Is(err, store.ErrNotFound) {
		metrics.RecordOutcome("missing")
		p.log(ctx, args).Warn("post row vanished mid-pipeline, dropping job")
		return nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}

	if p.tooOld(data.createdAt) {
		if err := p.transition(ctx, args.FBPostID, store.StatusIgnored, store.TransitionOpts{
			Details: map[string]any{"reason": "Post too old"},
		}); err != nil {
			return err
		}
		metrics.RecordOutcome("ignored")
		p.log(ctx, args).Info("post older than age horizon, ignoring")
		return nil
	}

	if !p.sanitizer.HasTriggerTag(data.message) {
		if err := p.transition(ctx, args.FBPostID, store.StatusIgnored, store.TransitionOpts{
			Details: map[string]any{"reason": "No trigger tag"},
		}); err != nil {
			return err
		}
		metrics.RecordOutcome("ignored")
		p.log(ctx, args).Info("no trigger tag, ignoring post")
		return nil
	}

	if err := p.transition(ctx, args.FBPostID, store.StatusEligible, store.TransitionOpts{}); err != nil {
		return err
	}
	if err := p.transition(ctx, args.FBPostID, store.StatusSending, store.TransitionOpts{}); err != nil {
		return err
	}

	return p.dispatch(ctx, args, data)
}

// fetchContent produces the post's displayable fields: from the upstream
// fetch when it succeeds, from the webhook payload when the fetch fails but
// the webhook carried a message. done reports that the pipeline already
// settled the post (failed) or requested a retry.
func (p *Processor) fetchContent(ctx context.Context, args queue.ProcessPostArgs) (postData, bool, error) {
	tracing.AddSpanEvent(ctx, "graph.fetch_post")
	fetched, err := p.fetcher.FetchPost(ctx, args.FBPostID)
	if err == nil {
		metrics.RecordFetch("ok")
		data := postData{
			message:    fetched.Message,
			authorID:   fetched.From.ID,
			authorName: fetched.From.Name,
			permalink:  fetched.PermalinkURL,
			imageURL:   fetched.FirstImageURL(),
		}
		if !fetched.CreatedTime.IsZero() {
			t := fetched.CreatedTime.Time
			data.createdAt = &t
		}
		return data, false, nil
	}

	tracing.SetSpanError(ctx, err)

	if args.WebhookData == nil || args.WebhookData.Message == "" {
		if meta.IsRetryable(err) {
			metrics.RecordFetch("retryable")
			metrics.RecordRetry("fetch")
			if _, mErr := p.store.MarkForRetry(ctx, args.FBPostID, err.Error()); mErr != nil && !errors.Is(mErr, store.ErrPostDelivered) {
				return postData{}, true, mErr
			}
			metrics.RecordOutcome("retried")
			p.log(ctx, args).WithError(err).Warn("fetch failed, queued for retry")
			return postData{}, true, fmt.Errorf("fetch post %s: %w", args.FBPostID, err)
		}

		metrics.RecordFetch("fatal")
		if tErr := p.transition(ctx, args.FBPostID, store.StatusFailed, store.TransitionOpts{
			LastError: err.Error(),
			Details:   map[string]any{"stage": "fetch"},
		}); tErr != nil {
			return postData{}, true, tErr
		}
		metrics.RecordOutcome("failed")
		p.log(ctx, args).WithError(err).Error("fetch failed permanently")
		return postData{}, true, nil
	}

	wd := args.WebhookData

	// Visitor posts carry their own author in the webhook payload; they must
	// not ride the fallback past the author check the fetch would have done.
	if p.cfg.Meta.PageID != "" && wd.FromID != "" && wd.FromID != p.cfg.Meta.PageID {
		metrics.RecordFetch("fatal")
		reason := fmt.Sprintf("webhook author %s is not configured page %s", wd.FromID, p.cfg.Meta.PageID)
		if tErr := p.transition(ctx, args.FBPostID, store.StatusFailed, store.TransitionOpts{
			LastError: reason,
			Details:   map[string]any{"stage": "fetch"},
		}); tErr != nil {
			return postData{}, true, tErr
		}
		metrics.RecordOutcome("failed")
		p.log(ctx, args).WithField("author_id", wd.FromID).Error("fallback author mismatch, failing post")
		return postData{}, true, nil
	}

	// The webhook carried the message, so the pipeline survives the outage
	// on reduced-fidelity content.
	metrics.RecordFetch("fallback")
	p.log(ctx, args).WithError(err).Warn("fetch failed, falling back to webhook payload")

	data := postData{
		message:    wd.Message,
		authorID:   wd.FromID,
		authorName: wd.FromName,
		permalink:  "https://www.facebook.com/" + args.FBPostID,
	}
	if data.authorID == "" {
		data.authorID = p.cfg.Meta.PageID
	}
	if wd.CreatedTime > 0 {
		t := time.Unix(wd.CreatedTime, 0).UTC()
		data.createdAt = &t
	}
	return data, false, nil
}

// dispatch sends the post to its sink and settles the outcome.
func (p *Processor) dispatch(ctx context.Context, args queue.ProcessPostArgs, data postData) error {
	sanitized := p.sanitizer.Sanitize(data.message)
	msg := discord.BuildMessage(discord.PostContent{
		Message:    data.message,
		AuthorName: data.authorName,
		Permalink:  data.permalink,
		CreatedAt:  derefTime(data.createdAt),
		ImageURL:   data.imageURL,
	}, sanitized, discord.MessageOptions{
		Disclaimer:    p.cfg.Discord.Disclaimer,
		MentionRoleID: p.cfg.Discord.MentionRoleID,
	})
	sinkURL := p.router.Route(data.message)

	tracing.AddSpanEvent(ctx, "sink.dispatch")
	start := time.Now()
	outcome := p.sender.Send(ctx, sinkURL, msg)
	latency := time.Since(start)
	metrics.RecordDispatch(outcome.Kind.String(), latency)

	dlog := store.DeliveryLog{
		FBPostID:     args.FBPostID,
		Success:      outcome.Kind == discord.OutcomeSuccess,
		DiscordMsgID: outcome.MessageID,
		LatencyMS:    latency.Milliseconds(),
	}
	if outcome.Err != nil {
		dlog.ErrorMessage = outcome.Err.Error()
	}
	if err := p.store.RecordDelivery(ctx, dlog); err != nil {
		// The dispatch already happened; failing the job here would re-send.
		p.log(ctx, args).WithError(err).Error("recording delivery log failed")
	}

	switch outcome.Kind {
	case discord.OutcomeSuccess:
		now := time.Now().UTC()
		msgID := outcome.MessageID
		if err := p.transition(ctx, args.FBPostID, store.StatusDelivered, store.TransitionOpts{
			DiscordMsgID: &msgID,
			DeliveredAt:  &now,
			Details:      map[string]any{"discord_msg_id": msgID, "latency_ms": latency.Milliseconds()},
		}); err != nil {
			return err
		}
		metrics.RecordOutcome("delivered")
		p.log(ctx, args).WithField("latency_ms", latency.Milliseconds()).Info("post delivered")
		return nil

	case discord.OutcomeAmbiguous:
		// The bytes may have reached the sink; a retry could duplicate, so
		// park the row for a human.
		if err := p.transition(ctx, args.FBPostID, store.StatusNeedsReview, store.TransitionOpts{
			LastError: outcome.Err.Error(),
			Details:   map[string]any{"stage": "dispatch"},
		}); err != nil {
			return err
		}
		metrics.RecordOutcome("needs_review")
		p.log(ctx, args).WithError(outcome.Err).Warn("dispatch outcome unknown, parked for review")
		return nil

	case discord.OutcomeRetryable:
		metrics.RecordRetry("dispatch")
		if outcome.RetryAfter > 0 {
			// The queue's own backoff is authoritative; the hint is logged
			// for operators watching a rate-limited sink.
			p.log(ctx, args).WithField("retry_after", outcome.RetryAfter.String()).Warn("sink asked to slow down")
		}
		if _, mErr := p.store.MarkForRetry(ctx, args.FBPostID, outcome.Err.Error()); mErr != nil && !errors.Is(mErr, store.ErrPostDelivered) {
			return mErr
		}
		metrics.RecordOutcome("retried")
		return fmt.Errorf("dispatch post %s: %w", args.FBPostID, outcome.Err)

	default:
		if err := p.transition(ctx, args.FBPostID, store.StatusFailed, store.TransitionOpts{
			LastError: outcome.Err.Error(),
			Details:   map[string]any{"stage": "dispatch"},
		}); err != nil {
			return err
		}
		metrics.RecordOutcome("failed")
		p.log(ctx, args).WithError(outcome.Err).Error("sink rejected post permanently")
		return nil
	}
}

// transition applies a status change, treating an illegal edge as a no-op so
// re-runs glide over state a previous attempt already advanced.
func (p *Processor) transition(ctx context.Context, fbPostID string, target store.Status, opts store.TransitionOpts) error {
	_, err := p.store.Transition(ctx, fbPostID, target, opts)
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("transition %s to %s: %w", fbPostID, target, err)
	}
	return nil
}

// tooOld evaluates the post-fetch age gate. With the gate on, a post whose
// creation time is unknown is treated as too old: relaying stale content is
// worse than skipping fresh content with a broken timestamp.
func (p *Processor) tooOld(createdAt *time.Time) bool {
	maxAge := p.cfg.Pipeline.MaxPostAgeMinutes
	if maxAge <= 0 {
		return false
	}
	if createdAt == nil {
		return true
	}
	return time.Since(*createdAt) > time.Duration(maxAge)*time.Minute
}

func (p *Processor) log(ctx context.Context, args queue.ProcessPostArgs) *logging.LogEntry {
	return p.logger.WithContext(ctx).WithPost(args.FBPostID).WithCorrelation(args.CorrelationID)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
