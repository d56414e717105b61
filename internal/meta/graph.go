package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// postFields is the projection requested on every post fetch. Keeping it
// explicit pins the response shape against API default changes.
const postFields = "id,message,permalink_url,created_time,from{id,name},attachments{media_type,url,media,subattachments}"

// graphTimeLayout is the platform's native timestamp format: RFC3339-like
// but with a zone offset without a colon.
const graphTimeLayout = "2006-01-02T15:04:05-0700"

// retryableCodes are the upstream error classes worth retrying: unknown
// error, service temporarily unavailable, application rate limit, and page
// rate limit.
var retryableCodes = map[int]bool{1: true, 2: true, 4: true, 17: true}

// GraphError is a classified Graph API failure. Retryable tells workers
// whether backing off and retrying has any chance of succeeding.
type GraphError struct {
	Message    string
	Code       int
	HTTPStatus int
	Retryable  bool
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph api: %s (code=%d http=%d retryable=%t)", e.Message, e.Code, e.HTTPStatus, e.Retryable)
}

// IsRetryable reports whether err is a GraphError marked retryable.
// Unclassified errors are treated as non-retryable.
func IsRetryable(err error) bool {
	var ge *GraphError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}

// GraphTime parses the platform's timestamp format, falling back to strict
// RFC3339 which some endpoints emit instead.
type GraphTime struct {
	time.Time
}

func (t *GraphTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.Parse(graphTimeLayout, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("parse graph timestamp %q: %w", s, err)
		}
	}
	t.Time = parsed
	return nil
}

// Post is the fetched representation of a page post.
type Post struct {
	ID           string       `json:"id"`
	Message      string       `json:"message"`
	PermalinkURL string       `json:"permalink_url"`
	CreatedTime  GraphTime    `json:"created_time"`
	From         Author       `json:"from"`
	Attachments  *Attachments `json:"attachments,omitempty"`
}

// Attachments wraps the platform's data envelope for media lists.
type Attachments struct {
	Data []Attachment `json:"data"`
}

// Attachment is one media item on a post. Albums nest their members under
// Subattachments.
type Attachment struct {
	MediaType      string       `json:"media_type"`
	URL            string       `json:"url"`
	Media          *Media       `json:"media,omitempty"`
	Subattachments *Attachments `json:"subattachments,omitempty"`
}

// Media holds the rendition details of an attachment.
type Media struct {
	Image *Image `json:"image,omitempty"`
}

// Image is a single rendition with its source URL.
type Image struct {
	Src    string `json:"src"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// FirstImageURL walks attachments depth-first and returns the first image
// source found, or empty when the post carries no renderable image.
func (p *Post) FirstImageURL() string {
	if p.Attachments == nil {
		return ""
	}
	return firstImage(p.Attachments)
}

func firstImage(a *Attachments) string {
	for _, att := range a.Data {
		if att.Media != nil && att.Media.Image != nil && att.Media.Image.Src != "" {
			return att.Media.Image.Src
		}
		if att.Subattachments != nil {
			if src := firstImage(att.Subattachments); src != "" {
				return src
			}
		}
	}
	return ""
}

// SubscribedApp is one app registered on the page's webhook subscriptions.
type SubscribedApp struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	SubscribedFields []string `json:"subscribed_fields"`
}

// Client talks to the Graph API for a single configured page. All calls
// attach the access token and its appsecret_proof.
type Client struct {
	baseURL     string
	pageID      string
	accessToken string
	appSecret   string
	httpClient  *http.Client
}

// NewClient builds a Graph client. baseURL should include the API version
// segment, e.g. https://graph.facebook.com/v23.0.
func NewClient(baseURL, pageID, accessToken, appSecret string, timeout time.Duration) *Client {
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		pageID:      pageID,
		accessToken: accessToken,
		appSecret:   appSecret,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// PageID returns the page this client is bound to.
func (c *Client) PageID() string {
	return c.pageID
}

// FetchPost retrieves a post with the relay's field projection. Posts whose
// author is not the configured page are rejected with a non-retryable error:
// visitor posts and shares must never reach the sink.
func (c *Client) FetchPost(ctx context.Context, postID string) (*Post, error) {
	query := url.Values{}
	query.Set("fields", postFields)

	body, err := c.get(ctx, postID, query)
	if err != nil {
		return nil, err
	}

	var post Post
	if err := json.Unmarshal(body, &post); err != nil {
		return nil, &GraphError{Message: fmt.Sprintf("decode post: %v", err), HTTPStatus: http.StatusOK}
	}
	if post.From.ID != c.pageID {
		return nil, &GraphError{
			Message:    fmt.Sprintf("post %s authored by %s, not configured page %s", post.ID, post.From.ID, c.pageID),
			HTTPStatus: http.StatusOK,
		}
	}
	return &post, nil
}

// VerifyPageAccess confirms the token can read the configured page. Used as
// a startup probe so a worker with a dead token fails fast instead of
// burning retries.
func (c *Client) VerifyPageAccess(ctx context.Context) error {
	query := url.Values{}
	query.Set("fields", "id,name")

	body, err := c.get(ctx, c.pageID, query)
	if err != nil {
		return err
	}

	var page struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return fmt.Errorf("decode page: %w", err)
	}
	if page.ID != c.pageID {
		return fmt.Errorf("token resolves page %s, expected %s", page.ID, c.pageID)
	}
	return nil
}

// SubscribeApp registers the app for the page's feed field so the platform
// starts delivering webhooks.
func (c *Client) SubscribeApp(ctx context.Context) error {
	query := url.Values{}
	query.Set("subscribed_fields", "feed")
	c.sign(query)

	endpoint := fmt.Sprintf("%s/%s/subscribed_apps?%s", c.baseURL, url.PathEscape(c.pageID), query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build subscribe request: %w", err)
	}

	status, body, err := c.do(req)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.graphError(status, body)
	}

	var result struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("decode subscribe response: %w", err)
	}
	if !result.Success {
		return errors.New("subscribe request returned success=false")
	}
	return nil
}

// ListSubscribedApps returns the apps currently subscribed to the page and
// the fields each one receives.
func (c *Client) ListSubscribedApps(ctx context.Context) ([]SubscribedApp, error) {
	body, err := c.get(ctx, c.pageID+"/subscribed_apps", url.Values{})
	if err != nil {
		return nil, err
	}

	var result struct {
		Data []SubscribedApp `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode subscribed apps: %w", err)
	}
	return result.Data, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	c.sign(query)

	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, escapePath(path), query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build graph request: %w", err)
	}

	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.graphError(status, body)
	}
	return body, nil
}

// do executes a request and slurps the body. Transport failures are always
// retryable: the request may never have reached the API.
func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &GraphError{Message: fmt.Sprintf("transport: %v", err), Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, &GraphError{Message: fmt.Sprintf("read response: %v", err), HTTPStatus: resp.StatusCode, Retryable: true}
	}
	return resp.StatusCode, body, nil
}

func (c *Client) sign(query url.Values) {
	query.Set("access_token", c.accessToken)
	query.Set("appsecret_proof", AppSecretProof(c.appSecret, c.accessToken))
}

// graphError decodes the API's error envelope into a classified error.
func (c *Client) graphError(status int, body []byte) *GraphError {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}

	ge := &GraphError{HTTPStatus: status, Message: fmt.Sprintf("http status %d", status)}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		ge.Message = envelope.Error.Message
		ge.Code = envelope.Error.Code
	}
	ge.Retryable = retryableCodes[ge.Code] || status >= http.StatusInternalServerError
	return ge
}

// escapePath escapes a Graph path, preserving the separator in subresource
// paths like <page>/subscribed_apps.
func escapePath(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
