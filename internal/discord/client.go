// Package discord delivers relayed posts to sink webhooks: payload
// construction, content sanitization, channel routing, and the dispatch
// client with its outcome classification.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// defaultRetryAfter applies when a 429 carries no usable Retry-After hint.
const defaultRetryAfter = 5 * time.Second

// OutcomeKind classifies a dispatch attempt for the pipeline.
type OutcomeKind int

const (
	// OutcomeSuccess means the sink accepted the message.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetryable means the attempt failed but a retry may succeed.
	OutcomeRetryable
	// OutcomeFatal means the sink rejected the message; retrying cannot help.
	OutcomeFatal
	// OutcomeAmbiguous means our deadline fired after the bytes may have
	// left the wire. Retrying risks a duplicate message.
	OutcomeAmbiguous
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	case OutcomeAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one dispatch attempt.
type Outcome struct {
	Kind       OutcomeKind
	MessageID  string
	RetryAfter time.Duration
	Err        error
}

// WebhookClient posts messages to sink webhook URLs.
type WebhookClient struct {
	httpClient *http.Client
	timeout    time.Duration
	wait       bool
}

// NewWebhookClient builds a dispatch client. The timeout is enforced per
// request through the context so our own deadline stays distinguishable
// from other transport failures. When wait is true the sink is asked to
// return the created message id.
func NewWebhookClient(timeout time.Duration, wait bool) *WebhookClient {
	return &WebhookClient{
		httpClient: &http.Client{},
		timeout:    timeout,
		wait:       wait,
	}
}

// Send posts msg to webhookURL and classifies the result. It never returns
// an error; the Outcome carries both the classification and the cause.
func (c *WebhookClient) Send(ctx context.Context, webhookURL string, msg Message) Outcome {
	body, err := json.Marshal(msg)
	if err != nil {
		return Outcome{Kind: OutcomeFatal, Err: fmt.Errorf("encode sink payload: %w", err)}
	}

	target := webhookURL
	if c.wait {
		target = appendWait(webhookURL)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: OutcomeFatal, Err: fmt.Errorf("build sink request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Deadline or cancellation mid-flight: the bytes may have reached the
		// sink, so a blind retry risks a duplicate message.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Outcome{
				Kind: OutcomeAmbiguous,
				Err:  fmt.Errorf("sink call aborted, delivery state unknown: %w", err),
			}
		}
		return Outcome{Kind: OutcomeRetryable, Err: fmt.Errorf("sink transport: %w", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		out := Outcome{Kind: OutcomeSuccess}
		if c.wait {
			var posted struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(respBody, &posted); err == nil {
				out.MessageID = posted.ID
			}
		}
		return out

	case resp.StatusCode == http.StatusTooManyRequests:
		after := retryAfter(resp.Header)
		return Outcome{
			Kind:       OutcomeRetryable,
			RetryAfter: after,
			Err:        fmt.Errorf("sink rate limited, retry after %s", after),
		}

	case resp.StatusCode >= 500:
		return Outcome{
			Kind: OutcomeRetryable,
			Err:  fmt.Errorf("sink server error: status %d: %s", resp.StatusCode, snippet(respBody)),
		}

	default:
		return Outcome{
			Kind: OutcomeFatal,
			Err:  fmt.Errorf("sink rejected message: status %d: %s", resp.StatusCode, snippet(respBody)),
		}
	}
}

// appendWait adds wait=true to a webhook URL, respecting an existing query
// string.
func appendWait(u string) string {
	if strings.Contains(u, "?") {
		return u + "&wait=true"
	}
	return u + "?wait=true"
}

// retryAfter reads the sink's Retry-After hint in seconds.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}

// snippet bounds a response body for error messages.
func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		s = "<empty body>"
	}
	return s
}
