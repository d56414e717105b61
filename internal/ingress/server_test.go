package ingress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/page_relay/internal/config"
	"github.com/austindbirch/page_relay/internal/meta"
	"github.com/austindbirch/page_relay/internal/queue"
)

const (
	testVerifyToken = "verify-me"
	testAppSecret   = "app-secret"
)

type ingestCall struct {
	fbPostID      string
	correlationID string
	data          *queue.WebhookData
}

type fakeIngestor struct {
	calls   []ingestCall
	created bool
	err     error
}

func (f *fakeIngestor) IngestPost(ctx context.Context, fbPostID, correlationID string, data *queue.WebhookData) (bool, error) {
	f.calls = append(f.calls, ingestCall{fbPostID: fbPostID, correlationID: correlationID, data: data})
	return f.created, f.err
}

func testConfig() config.Config {
	cfg := config.FromEnv()
	cfg.WebhookPathPrefix = "meta"
	cfg.Meta.VerifyToken = testVerifyToken
	cfg.Meta.AppSecret = testAppSecret
	cfg.Pipeline.MaxPostAgeMinutes = 0
	return cfg
}

func newTestServer(t *testing.T, ingestor Ingestor) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(NewServer(testConfig(), ingestor, nil).Routes())
	t.Cleanup(server.Close)
	return server
}

func TestHandleVerification(t *testing.T) {
	tests := []struct {
		name      string
		query     url.Values
		wantCode  int
		wantBody  string
		exactBody bool
	}{
		{
			name: "valid handshake echoes challenge",
			query: url.Values{
				"hub.mode":         {"subscribe"},
				"hub.verify_token": {testVerifyToken},
				"hub.challenge":    {"challenge-1234"},
			},
			wantCode:  http.StatusOK,
			wantBody:  "challenge-1234",
			exactBody: true,
		},
		{
			name: "wrong token",
			query: url.Values{
				"hub.mode":         {"subscribe"},
				"hub.verify_token": {"guessing"},
				"hub.challenge":    {"challenge-1234"},
			},
			wantCode: http.StatusForbidden,
		},
		{
			name: "wrong mode",
			query: url.Values{
				"hub.mode":         {"unsubscribe"},
				"hub.verify_token": {testVerifyToken},
				"hub.challenge":    {"challenge-1234"},
			},
			wantCode: http.StatusForbidden,
		},
		{
			name:     "missing everything",
			query:    url.Values{},
			wantCode: http.StatusForbidden,
		},
		{
			name: "missing challenge",
			query: url.Values{
				"hub.mode":         {"subscribe"},
				"hub.verify_token": {testVerifyToken},
			},
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, &fakeIngestor{})

			resp, err := http.Get(server.URL + "/meta/webhook?" + tt.query.Encode())
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if tt.exactBody {
				body := readBody(t, resp)
				if body != tt.wantBody {
					t.Errorf("body = %q, want %q", body, tt.wantBody)
				}
				if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
					t.Errorf("Content-Type = %q, want text/plain", ct)
				}
			}
		})
	}
}

func postEvent(t *testing.T, serverURL, payload string, sign bool) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, serverURL+"/meta/webhook", bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sign {
		req.Header.Set(meta.SignatureHeader, meta.Sign(testAppSecret, []byte(payload)))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	return resp
}

func feedChangePayload(postID, message string, createdTime int64) string {
	return fmt.Sprintf(`{
		"object": "page",
		"entry": [{"id": "page-1", "time": 1767200000, "changes": [{
			"field": "feed",
			"value": {
				"item": "status",
				"post_id": %q,
				"verb": "add",
				"message": %q,
				"from": {"id": "page-1", "name": "Corner Bakery"},
				"created_time": %d
			}
		}]}]
	}`, postID, message, createdTime)
}

func TestHandleEvent_MissingSignature(t *testing.T) {
	ingestor := &fakeIngestor{}
	server := newTestServer(t, ingestor)

	resp := postEvent(t, server.URL, feedChangePayload("1_2", "hello #discord", 0), false)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if len(ingestor.calls) != 0 {
		t.Errorf("ingest calls = %d, want 0", len(ingestor.calls))
	}
}

func TestHandleEvent_ForgedSignature(t *testing.T) {
	ingestor := &fakeIngestor{}
	server := newTestServer(t, ingestor)
	payload := feedChangePayload("1_2", "hello #discord", 0)

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/meta/webhook", bytes.NewBufferString(payload))
	req.Header.Set(meta.SignatureHeader, "sha256="+strings.Repeat("0", 64))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if len(ingestor.calls) != 0 {
		t.Errorf("ingest calls = %d, want 0", len(ingestor.calls))
	}
}

func TestHandleEvent_NewPost(t *testing.T) {
	ingestor := &fakeIngestor{created: true}
	server := newTestServer(t, ingestor)

	resp := postEvent(t, server.URL, feedChangePayload("page-1_777", "Fresh bread #discord", 1767199990), true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "OK" {
		t.Errorf("body = %q, want OK", body)
	}

	if len(ingestor.calls) != 1 {
		t.Fatalf("ingest calls = %d, want 1", len(ingestor.calls))
	}
	call := ingestor.calls[0]
	if call.fbPostID != "page-1_777" {
		t.Errorf("fbPostID = %q", call.fbPostID)
	}
	if call.correlationID == "" {
		t.Error("correlationID empty")
	}
	if call.data == nil {
		t.Fatal("webhook data missing")
	}
	if call.data.Message != "Fresh bread #discord" {
		t.Errorf("data.Message = %q", call.data.Message)
	}
	if call.data.FromID != "page-1" || call.data.FromName != "Corner Bakery" {
		t.Errorf("data.From = %q/%q", call.data.FromID, call.data.FromName)
	}
	if call.data.CreatedTime != 1767199990 {
		t.Errorf("data.CreatedTime = %d", call.data.CreatedTime)
	}
}

func TestHandleEvent_NonPageObject(t *testing.T) {
	ingestor := &fakeIngestor{}
	server := newTestServer(t, ingestor)

	resp := postEvent(t, server.URL, `{"object": "user", "entry": []}`, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want benign 200", resp.StatusCode)
	}
	if len(ingestor.calls) != 0 {
		t.Errorf("ingest calls = %d, want 0", len(ingestor.calls))
	}
}

func TestHandleEvent_MalformedBody(t *testing.T) {
	ingestor := &fakeIngestor{}
	server := newTestServer(t, ingestor)

	resp := postEvent(t, server.URL, `{"object": "page", "entry": [`, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want benign 200", resp.StatusCode)
	}
	if len(ingestor.calls) != 0 {
		t.Errorf("ingest calls = %d, want 0", len(ingestor.calls))
	}
}

func TestHandleEvent_IrrelevantChanges(t *testing.T) {
	ingestor := &fakeIngestor{}
	server := newTestServer(t, ingestor)

	payload := `{
		"object": "page",
		"entry": [{"id": "page-1", "changes": [
			{"field": "feed", "value": {"item": "post", "post_id": "1_2", "verb": "edited"}},
			{"field": "feed", "value": {"item": "post", "post_id": "1_2", "verb": "remove"}},
			{"field": "mention", "value": {"post_id": "1_3", "verb": "add"}}
		]}]
	}`

	resp := postEvent(t, server.URL, payload, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if len(ingestor.calls) != 0 {
		t.Errorf("ingest calls = %d, want 0 for irrelevant changes", len(ingestor.calls))
	}
}

func TestHandleEvent_BatchedChanges(t *testing.T) {
	ingestor := &fakeIngestor{created: true}
	server := newTestServer(t, ingestor)

	payload := `{
		"object": "page",
		"entry": [
			{"id": "page-1", "changes": [
				{"field": "feed", "value": {"item": "status", "post_id": "1_10", "verb": "add"}},
				{"field": "feed", "value": {"item": "status", "post_id": "1_11", "verb": "add"}}
			]},
			{"id": "page-1", "changes": [
				{"field": "feed", "value": {"item": "status", "post_id": "1_12", "verb": "add"}}
			]}
		]
	}`

	resp := postEvent(t, server.URL, payload, true)
	defer resp.Body.Close()

	if len(ingestor.calls) != 3 {
		t.Fatalf("ingest calls = %d, want 3", len(ingestor.calls))
	}
	for i, want := range []string{"1_10", "1_11", "1_12"} {
		if ingestor.calls[i].fbPostID != want {
			t.Errorf("call %d fbPostID = %q, want %q", i, ingestor.calls[i].fbPostID, want)
		}
	}
}

func TestHandleEvent_CorrelationPerRequest(t *testing.T) {
	ingestor := &fakeIngestor{created: true}
	server := newTestServer(t, ingestor)

	payload := `{
		"object": "page",
		"entry": [{"id": "page-1", "changes": [
			{"field": "feed", "value": {"item": "status", "post_id": "1_10", "verb": "add"}},
			{"field": "feed", "value": {"item": "status", "post_id": "1_11", "verb": "add"}}
		]}]
	}`

	resp := postEvent(t, server.URL, payload, true)
	resp.Body.Close()
	resp = postEvent(t, server.URL, feedChangePayload("1_12", "round two #discord", 0), true)
	resp.Body.Close()

	if len(ingestor.calls) != 3 {
		t.Fatalf("ingest calls = %d, want 3", len(ingestor.calls))
	}
	first, second := ingestor.calls[0].correlationID, ingestor.calls[1].correlationID
	if first == "" || first != second {
		t.Errorf("batch correlation ids = %q / %q, want one shared id", first, second)
	}
	if third := ingestor.calls[2].correlationID; third == "" || third == first {
		t.Errorf("next request correlation id = %q, want fresh id distinct from %q", third, first)
	}
}

func TestHandleEvent_DuplicatePostAbsorbed(t *testing.T) {
	ingestor := &fakeIngestor{created: false}
	server := newTestServer(t, ingestor)

	resp := postEvent(t, server.URL, feedChangePayload("page-1_777", "Fresh bread #discord", 1767199990), true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 for replayed webhook", resp.StatusCode)
	}
	if len(ingestor.calls) != 1 {
		t.Errorf("ingest calls = %d, want 1", len(ingestor.calls))
	}
}

func TestHandleEvent_IngestErrorStillAnswers200(t *testing.T) {
	ingestor := &fakeIngestor{err: errors.New("pool exhausted")}
	server := newTestServer(t, ingestor)

	resp := postEvent(t, server.URL, feedChangePayload("1_2", "hello #discord", 0), true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 despite ingest failure", resp.StatusCode)
	}
}

func TestHandleEvent_OversizedBody(t *testing.T) {
	ingestor := &fakeIngestor{}
	server := newTestServer(t, ingestor)

	huge := strings.Repeat("x", maxBodyBytes+1)
	resp := postEvent(t, server.URL, huge, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
	if len(ingestor.calls) != 0 {
		t.Errorf("ingest calls = %d, want 0", len(ingestor.calls))
	}
}

func TestHandleEvent_AgeGateSkipsStaleChange(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.MaxPostAgeMinutes = 60

	ingestor := &fakeIngestor{created: true}
	server := httptest.NewServer(NewServer(cfg, ingestor, nil).Routes())
	defer server.Close()

	stale := time.Now().Add(-2 * time.Hour).Unix()
	fresh := time.Now().Add(-5 * time.Minute).Unix()

	resp := postEvent(t, server.URL, feedChangePayload("1_old", "old news #discord", stale), true)
	resp.Body.Close()
	resp = postEvent(t, server.URL, feedChangePayload("1_new", "hot news #discord", fresh), true)
	resp.Body.Close()

	if len(ingestor.calls) != 1 {
		t.Fatalf("ingest calls = %d, want only the fresh post", len(ingestor.calls))
	}
	if ingestor.calls[0].fbPostID != "1_new" {
		t.Errorf("ingested %q, want 1_new", ingestor.calls[0].fbPostID)
	}
}

func TestWebhookData(t *testing.T) {
	tests := []struct {
		name  string
		value meta.ChangeValue
		want  *queue.WebhookData
	}{
		{
			name:  "all fields absent",
			value: meta.ChangeValue{PostID: "1_2", Verb: "add"},
			want:  nil,
		},
		{
			name:  "message only",
			value: meta.ChangeValue{PostID: "1_2", Message: "hi"},
			want:  &queue.WebhookData{Message: "hi"},
		},
		{
			name:  "author only",
			value: meta.ChangeValue{PostID: "1_2", From: &meta.Author{ID: "9", Name: "Page"}},
			want:  &queue.WebhookData{FromID: "9", FromName: "Page"},
		},
		{
			name:  "created time only",
			value: meta.ChangeValue{PostID: "1_2", CreatedTime: 1767199990},
			want:  &queue.WebhookData{CreatedTime: 1767199990},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := webhookData(tt.value)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("webhookData() = %+v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatal("webhookData() = nil, want data")
			}
			if *got != *tt.want {
				t.Errorf("webhookData() = %+v, want %+v", *got, *tt.want)
			}
		})
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return buf.String()
}
