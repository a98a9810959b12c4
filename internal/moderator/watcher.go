package moderator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	// DefaultReconnectDelay is the wait before redialing a dropped socket.
	DefaultReconnectDelay = 3 * time.Second
	// DefaultFallbackPollInterval is the HTTP listing cadence while the socket is down.
	DefaultFallbackPollInterval = 5 * time.Second

	actionApprove = "approve"
	actionDelete  = "delete"

	socketWriteWait = 5 * time.Second
)

// ErrCommentNotFound is returned when the server no longer has the comment.
var ErrCommentNotFound = errors.New("moderator: comment not found")

// ActionResult is the server's answer to a socket action.
type ActionResult struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	Success   bool   `json:"success"`
	CommentID int64  `json:"comment_id"`
	Error     string `json:"error,omitempty"`
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	ServerURL      string
	StreamID       int64
	Token          string
	Board          *Board
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	ReconnectDelay time.Duration
	PollInterval   time.Duration
	OnChange       func()
	OnResult       func(ActionResult)
	Clock          clockwork.Clock
	Logger         *zap.Logger
}

// Watcher keeps a Board in sync with the moderation socket of one stream and
// falls back to HTTP polling while the socket is unavailable.
type Watcher struct {
	baseURL        *url.URL
	streamID       int64
	token          string
	board          *Board
	httpClient     *http.Client
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	pollInterval   time.Duration
	onChange       func()
	onResult       func(ActionResult)
	clock          clockwork.Clock
	logger         *zap.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	writeMu      sync.Mutex
	stopFallback context.CancelFunc
	fallbackDone chan struct{}
}

// NewWatcher validates the configuration.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if raw == "" {
		return nil, errors.New("server url is required")
	}
	baseURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("moderator: parse server url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("moderator: unsupported server url scheme %q", baseURL.Scheme)
	}
	if cfg.StreamID <= 0 {
		return nil, errors.New("stream id must be positive")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("moderator token is required")
	}
	board := cfg.Board
	if board == nil {
		board = NewBoard()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultFallbackPollInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		baseURL:        baseURL,
		streamID:       cfg.StreamID,
		token:          cfg.Token,
		board:          board,
		httpClient:     httpClient,
		dialer:         dialer,
		reconnectDelay: reconnectDelay,
		pollInterval:   pollInterval,
		onChange:       cfg.OnChange,
		onResult:       cfg.OnResult,
		clock:          clock,
		logger:         logger.With(zap.Int64("stream_id", cfg.StreamID)),
	}, nil
}

// Board returns the board kept in sync.
func (w *Watcher) Board() *Board {
	return w.board
}

// Connected reports whether the socket is up.
func (w *Watcher) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

// Run dials the socket and redials after every failure until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.haltFallback()
	for {
		err := w.runSocket(ctx)
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Warn("moderation socket unavailable", zap.Error(err))
		w.startFallback(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-w.clock.After(w.reconnectDelay):
		}
	}
}

func (w *Watcher) runSocket(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+w.token)
	conn, response, err := w.dialer.DialContext(ctx, w.socketURL(), header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	w.haltFallback()
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.logger.Info("moderation socket connected")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		w.handleMessage(data)
	}
}

func (w *Watcher) handleMessage(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		w.logger.Warn("malformed moderation message", zap.Error(err))
		return
	}
	switch envelope.Type {
	case EventInitial:
		var listing Listing
		if err := json.Unmarshal(data, &listing); err != nil {
			w.logger.Warn("malformed moderation snapshot", zap.Error(err))
			return
		}
		w.board.Replace(listing)
		w.changed()
	case EventActionResult:
		var result ActionResult
		if err := json.Unmarshal(data, &result); err != nil {
			w.logger.Warn("malformed action result", zap.Error(err))
			return
		}
		if !result.Success {
			w.logger.Warn("moderation action failed",
				zap.String("action", result.Action),
				zap.Int64("comment_id", result.CommentID),
				zap.String("error", result.Error))
		}
		if w.onResult != nil {
			w.onResult(result)
		}
	default:
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			w.logger.Warn("malformed moderation event", zap.Error(err))
			return
		}
		if w.board.Apply(event) {
			w.changed()
		}
	}
}

// Approve approves a comment over the socket, or over HTTP when it is down.
func (w *Watcher) Approve(ctx context.Context, commentID int64) error {
	if w.sendAction(actionApprove, commentID) {
		return nil
	}
	var response struct {
		Comment *Comment `json:"comment"`
	}
	if err := w.do(ctx, http.MethodPost, w.commentPath(commentID)+"/approve", &response); err != nil {
		return err
	}
	if w.board.Apply(Event{Type: EventCommentApproved, CommentID: commentID, Comment: response.Comment}) {
		w.changed()
	}
	return nil
}

// Delete removes a comment over the socket, or over HTTP when it is down.
func (w *Watcher) Delete(ctx context.Context, commentID int64) error {
	if w.sendAction(actionDelete, commentID) {
		return nil
	}
	if err := w.do(ctx, http.MethodDelete, w.commentPath(commentID), nil); err != nil {
		return err
	}
	if w.board.Apply(Event{Type: EventCommentDeleted, CommentID: commentID}) {
		w.changed()
	}
	return nil
}

// Reject rejects a pending comment; the socket has no reject action.
func (w *Watcher) Reject(ctx context.Context, commentID int64) error {
	if err := w.do(ctx, http.MethodPost, w.commentPath(commentID)+"/reject", nil); err != nil {
		return err
	}
	w.board.Reject(commentID)
	w.changed()
	return nil
}

// Refresh reloads the full listing over HTTP.
func (w *Watcher) Refresh(ctx context.Context) error {
	var listing Listing
	if err := w.do(ctx, http.MethodGet, w.listPath(), &listing); err != nil {
		return err
	}
	w.board.Replace(listing)
	w.changed()
	return nil
}

func (w *Watcher) sendAction(action string, commentID int64) bool {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return false
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(socketWriteWait)); err != nil {
		return false
	}
	payload := map[string]interface{}{"action": action, "comment_id": commentID}
	if err := conn.WriteJSON(payload); err != nil {
		w.logger.Debug("socket action write failed", zap.Error(err))
		return false
	}
	return true
}

func (w *Watcher) startFallback(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopFallback != nil {
		return
	}
	fallbackCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.stopFallback = cancel
	w.fallbackDone = done
	ticker := w.clock.NewTicker(w.pollInterval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		w.logger.Info("polling moderation listing while the socket is down")
		for {
			if err := w.Refresh(fallbackCtx); err != nil && fallbackCtx.Err() == nil {
				w.logger.Debug("fallback poll failed", zap.Error(err))
			}
			select {
			case <-fallbackCtx.Done():
				return
			case <-ticker.Chan():
			}
		}
	}()
}

func (w *Watcher) haltFallback() {
	w.mu.Lock()
	cancel, done := w.stopFallback, w.fallbackDone
	w.stopFallback, w.fallbackDone = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watcher) changed() {
	if w.onChange != nil {
		w.onChange()
	}
}

func (w *Watcher) socketURL() string {
	socket := *w.baseURL
	if socket.Scheme == "https" {
		socket.Scheme = "wss"
	} else {
		socket.Scheme = "ws"
	}
	socket.Path = strings.TrimRight(socket.Path, "/") + "/ws/stream/" + strconv.FormatInt(w.streamID, 10) + "/comments"
	return socket.String()
}

func (w *Watcher) listPath() string {
	return "/api/moderation/" + strconv.FormatInt(w.streamID, 10) + "/comments"
}

func (w *Watcher) commentPath(commentID int64) string {
	return w.listPath() + "/" + strconv.FormatInt(commentID, 10)
}

func (w *Watcher) do(ctx context.Context, method, path string, out interface{}) error {
	request, err := http.NewRequestWithContext(ctx, method, w.baseURL.String()+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("moderator: build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+w.token)
	request.Header.Set("Accept", "application/json")
	response, err := w.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("moderator: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("moderator: read response: %w", err)
	}
	switch {
	case response.StatusCode == http.StatusNotFound && strings.Contains(string(body), "comment_not_found"):
		return ErrCommentNotFound
	case response.StatusCode < 200 || response.StatusCode > 299:
		return fmt.Errorf("moderator: %s %s returned %d", method, path, response.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("moderator: decode response: %w", err)
	}
	return nil
}
