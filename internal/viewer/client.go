package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/metastream/live/internal/comments"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxResponseBytes      = 1 << 20
)

var (
	// ErrChannelNotFound is returned when the player view names an unknown channel.
	ErrChannelNotFound = errors.New("viewer: channel not found")
	// ErrCommentsUnavailable is returned when the server refuses a submission.
	ErrCommentsUnavailable = errors.New("viewer: comments unavailable")
)

// StreamStatus mirrors the canonical stream status string.
type StreamStatus string

const (
	StreamScheduled StreamStatus = "scheduled"
	StreamLive      StreamStatus = "live"
	StreamEnded     StreamStatus = "ended"
	StreamCancelled StreamStatus = "cancelled"
)

// StreamSnapshot is the canonical stream as seen by the player page.
type StreamSnapshot struct {
	ID              int64        `json:"id"`
	Title           string       `json:"title"`
	Status          StreamStatus `json:"status"`
	StartTime       time.Time    `json:"start_time"`
	DurationSeconds int64        `json:"duration"`
	AllowComments   bool         `json:"allow_comments"`
	StartedAt       *time.Time   `json:"started_at"`
	EndedAt         *time.Time   `json:"ended_at"`
}

// EndTime returns the recorded end, falling back to start plus duration.
func (s StreamSnapshot) EndTime() time.Time {
	if s.EndedAt != nil {
		return *s.EndedAt
	}
	return s.StartTime.Add(time.Duration(s.DurationSeconds) * time.Second)
}

// ChannelSnapshot names the channel hosting the player.
type ChannelSnapshot struct {
	Username string `json:"username"`
	Name     string `json:"name"`
}

// PlayerSnapshot is one read of the channel's player page.
type PlayerSnapshot struct {
	Channel    ChannelSnapshot `json:"channel"`
	Stream     *StreamSnapshot `json:"stream"`
	NextStream *StreamSnapshot `json:"next_stream,omitempty"`
}

// Update is one poll response.
type Update struct {
	HasUpdates    bool               `json:"has_updates"`
	Comments      []comments.Comment `json:"comments"`
	Online        int                `json:"online"`
	AllowComments bool               `json:"allow_comments"`
}

// Submission is a viewer comment on its way to the server.
type Submission struct {
	ViewerID string `json:"viewer_id"`
	Username string `json:"username"`
	Contact  string `json:"contact,omitempty"`
	Message  string `json:"message"`
}

// API is the server surface the viewer client depends on.
type API interface {
	Heartbeat(ctx context.Context, streamID int64, viewerID string) error
	CheckUpdate(ctx context.Context, streamID, lastID int64) (Update, error)
	PlayerView(ctx context.Context, channel string) (PlayerSnapshot, error)
	SubmitComment(ctx context.Context, channel string, submission Submission) (comments.Comment, error)
}

// APIError reports a non-success HTTP response.
type APIError struct {
	Status int
	Code   string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("viewer: server returned %d", e.Status)
	}
	return fmt.Sprintf("viewer: server returned %d (%s)", e.Status, e.Code)
}

// HTTPClientConfig configures HTTPClient.
type HTTPClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
}

// HTTPClient talks to the comment-polling HTTP surface.
type HTTPClient struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewHTTPClient validates the base URL and builds a client.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("server base url is required")
	}
	baseURL, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("viewer: parse base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("viewer: unsupported base url scheme %q", baseURL.Scheme)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &HTTPClient{baseURL: baseURL, httpClient: httpClient}, nil
}

// Heartbeat refreshes the viewer's presence.
func (c *HTTPClient) Heartbeat(ctx context.Context, streamID int64, viewerID string) error {
	body := map[string]interface{}{"stream_id": streamID, "viewer_id": viewerID}
	return c.do(ctx, http.MethodPost, "/heartbeat", body, nil)
}

// CheckUpdate polls for comments past lastID.
func (c *HTTPClient) CheckUpdate(ctx context.Context, streamID, lastID int64) (Update, error) {
	var update Update
	body := map[string]int64{"stream_id": streamID, "last_id": lastID}
	if err := c.do(ctx, http.MethodPost, "/check-update", body, &update); err != nil {
		return Update{}, err
	}
	return update, nil
}

// PlayerView loads the channel's current and next stream.
func (c *HTTPClient) PlayerView(ctx context.Context, channel string) (PlayerSnapshot, error) {
	var snapshot PlayerSnapshot
	err := c.do(ctx, http.MethodGet, "/api/c/"+url.PathEscape(channel), nil, &snapshot)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return PlayerSnapshot{}, fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}
	if err != nil {
		return PlayerSnapshot{}, err
	}
	return snapshot, nil
}

// SubmitComment posts a comment; the returned comment carries the server id.
func (c *HTTPClient) SubmitComment(ctx context.Context, channel string, submission Submission) (comments.Comment, error) {
	var response struct {
		Comment comments.Comment `json:"comment"`
	}
	err := c.do(ctx, http.MethodPost, "/api/c/"+url.PathEscape(channel)+"/comments", submission, &response)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusForbidden || apiErr.Status == http.StatusConflict) {
		return comments.Comment{}, fmt.Errorf("%w: %s", ErrCommentsUnavailable, apiErr.Code)
	}
	if err != nil {
		return comments.Comment{}, err
	}
	return response.Comment, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("viewer: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("viewer: build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("viewer: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("viewer: read response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(payload, &failure)
		return &APIError{Status: response.StatusCode, Code: failure.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("viewer: decode response: %w", err)
	}
	return nil
}
