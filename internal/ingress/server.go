// Package ingress terminates the upstream webhook traffic: the verification
// handshake, signed event POSTs, and the transactional hand-off of new
// posts to the queue.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/page_relay/internal/config"
	"github.com/austindbirch/page_relay/internal/health"
	"github.com/austindbirch/page_relay/internal/logging"
	"github.com/austindbirch/page_relay/internal/meta"
	"github.com/austindbirch/page_relay/internal/metrics"
	"github.com/austindbirch/page_relay/internal/queue"
	"github.com/austindbirch/page_relay/internal/tracing"
)

// maxBodyBytes caps webhook POST bodies. Real payloads are a few KB.
const maxBodyBytes = 1 << 20

// Ingestor is the persistence surface the handlers need. *Service
// implements it.
type Ingestor interface {
	IngestPost(ctx context.Context, fbPostID, correlationID string, data *queue.WebhookData) (created bool, err error)
}

// Server holds the HTTP surface of the ingress process.
type Server struct {
	cfg      config.Config
	ingestor Ingestor
	pinger   health.Pinger
	logger   *logging.Logger
}

// NewServer builds the ingress HTTP surface. pinger may be nil in tests.
func NewServer(cfg config.Config, ingestor Ingestor, pinger health.Pinger) *Server {
	return &Server{
		cfg:      cfg,
		ingestor: ingestor,
		pinger:   pinger,
		logger:   logging.New("pagerelay-ingress"),
	}
}

// Routes assembles the router: the webhook pair under the configured
// prefix, plus the probe endpoints.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	webhookPath := "/" + s.cfg.WebhookPathPrefix + "/webhook"
	r.Get(webhookPath, s.handleVerification)
	r.Post(webhookPath, s.handleEvent)

	checks := map[string]health.Check{}
	if s.pinger != nil {
		checks["database"] = health.DatabaseCheck(s.pinger)
	}
	r.Get("/healthz", health.LivenessHandler(s.pinger))
	r.Get("/readyz", health.ReadinessHandler(checks))

	return r
}

// handleVerification answers the platform's subscription handshake: echo
// hub.challenge iff the mode is subscribe and the token matches.
func (s *Server) handleVerification(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || token != s.cfg.Meta.VerifyToken {
		metrics.RecordHandshake("forbidden")
		s.logger.Plain().WithField("mode", mode).Warn("handshake rejected")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if challenge == "" {
		metrics.RecordHandshake("bad_request")
		http.Error(w, "Missing hub.challenge", http.StatusBadRequest)
		return
	}

	metrics.RecordHandshake("ok")
	s.logger.Plain().Info("handshake verified")
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, challenge)
}

// handleEvent processes a signed webhook POST. Only a bad signature earns a
// non-200: the upstream retries aggressively on errors, and once the
// payload is authenticated a retry cannot fix anything a 200 would not.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "ingress.handleEvent")
	defer span.End()

	// One correlation id per inbound request; every change in the batch logs
	// and enqueues under it.
	correlationID := uuid.NewString()
	span.SetAttributes(attribute.String("correlation_id", correlationID))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		metrics.RecordWebhook("oversized")
		s.logger.WithContext(ctx).WithCorrelation(correlationID).WithError(err).Warn("webhook body rejected")
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := meta.VerifySignature(s.cfg.Meta.AppSecret, body, r.Header.Get(meta.SignatureHeader)); err != nil {
		metrics.RecordWebhook("bad_signature")
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithCorrelation(correlationID).WithError(err).Warn("webhook signature rejected")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var event meta.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		metrics.RecordWebhook("ignored_object")
		s.logger.WithContext(ctx).WithCorrelation(correlationID).WithError(err).Warn("webhook body undecodable")
		respondOK(w)
		return
	}

	if event.Object != "page" {
		metrics.RecordWebhook("ignored_object")
		s.logger.WithContext(ctx).WithCorrelation(correlationID).WithField("object", event.Object).Debug("ignoring non-page webhook")
		respondOK(w)
		return
	}

	metrics.RecordWebhook("ok")
	span.SetAttributes(attribute.Int("entries", len(event.Entry)))

	for _, entry := range event.Entry {
		for _, change := range entry.Changes {
			s.processChange(ctx, correlationID, change)
		}
	}

	respondOK(w)
}

// processChange ingests a single relevant change. Failures are absorbed:
// the upstream redelivers the whole batch, and collapsing on the post id
// makes that redelivery safe.
func (s *Server) processChange(ctx context.Context, correlationID string, change meta.Change) {
	if !change.IsNewPost() {
		s.logger.WithContext(ctx).
			WithCorrelation(correlationID).
			WithField("field", change.Field).
			WithField("verb", change.Value.Verb).
			Trace("skipping irrelevant change")
		return
	}

	value := change.Value
	if s.tooOld(value.CreatedTime) {
		s.logger.WithContext(ctx).WithPost(value.PostID).WithCorrelation(correlationID).Debug("skipping stale post notification")
		return
	}

	created, err := s.ingestor.IngestPost(ctx, value.PostID, correlationID, webhookData(value))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).
			WithPost(value.PostID).
			WithCorrelation(correlationID).
			WithError(err).
			Error("ingest failed, upstream retry will redeliver")
		return
	}

	entry := s.logger.WithContext(ctx).WithPost(value.PostID).WithCorrelation(correlationID)
	if created {
		entry.Info("post accepted and enqueued")
	} else {
		entry.Debug("duplicate webhook for known post")
	}
}

// tooOld applies the ingress-side age gate for changes that carry their
// creation time. Changes without one pass through; the worker gates again
// after the fetch.
func (s *Server) tooOld(createdTime int64) bool {
	maxAge := s.cfg.Pipeline.MaxPostAgeMinutes
	if maxAge <= 0 || createdTime <= 0 {
		return false
	}
	return time.Since(time.Unix(createdTime, 0)) > time.Duration(maxAge)*time.Minute
}

// webhookData extracts the optional payload fields the worker can fall back
// on when the fetch fails. Nil when the change carried none of them.
func webhookData(value meta.ChangeValue) *queue.WebhookData {
	if value.Message == "" && value.From == nil && value.CreatedTime <= 0 {
		return nil
	}

	data := &queue.WebhookData{
		Message:     value.Message,
		CreatedTime: value.CreatedTime,
	}
	if value.From != nil {
		data.FromID = value.From.ID
		data.FromName = value.From.Name
	}
	return data
}

func respondOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "OK")
}
