package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/metastream/live/internal/moderation"
	"github.com/metastream/live/internal/streams"
	"go.uber.org/zap"
)

const (
	socketWriteWait  = 5 * time.Second
	socketPongWait   = 60 * time.Second
	socketPingPeriod = socketPongWait * 9 / 10
	socketSendBuffer = 64
	socketReadLimit  = 4096

	socketEventInitial      = "initial"
	socketEventActionResult = "action_result"
	socketActionApprove     = "approve"
	socketActionDelete      = "delete"
)

var errSocketBackpressure = errors.New("moderation socket send buffer full")

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Moderators authenticate with a bearer token, so any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

type socketInitialPayload struct {
	Type string `json:"type"`
	moderationListResponsePayload
}

type socketEventPayload struct {
	Type      string          `json:"type"`
	CommentID int64           `json:"comment_id"`
	Comment   *commentPayload `json:"comment,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type socketActionPayload struct {
	Action    string `json:"action"`
	CommentID int64  `json:"comment_id"`
}

type socketActionResultPayload struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	Success   bool   `json:"success"`
	CommentID int64  `json:"comment_id"`
	Error     string `json:"error,omitempty"`
}

type moderationSocket struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *moderationSocket) trySend(data []byte) error {
	select {
	case s.send <- data:
		return nil
	default:
		return errSocketBackpressure
	}
}

func (s *moderationSocket) close() {
	s.once.Do(func() {
		_ = s.conn.Close()
	})
}

func (h *httpHandler) handleModerationSocket(c *gin.Context) {
	streamID := c.GetInt64(streamIDContextKey)
	listing, err := h.moderation.List(c.Request.Context(), streamID)
	if err != nil {
		h.logger.Error("failed to load moderation snapshot", zap.Int64("stream_id", streamID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	conn, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Int64("stream_id", streamID), zap.Error(err))
		return
	}
	socket := &moderationSocket{conn: conn, send: make(chan []byte, socketSendBuffer)}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	events, unsubscribe := h.realtime.Subscribe(ctx, streamID)
	defer unsubscribe()
	defer socket.close()

	h.sendSocketJSON(socket, socketInitialPayload{
		Type:                          socketEventInitial,
		moderationListResponsePayload: newModerationListPayload(listing),
	})
	h.logger.Info("moderator connected", zap.Int64("stream_id", streamID))

	go h.writeSocketPump(ctx, cancel, socket, events)
	h.readSocketPump(ctx, socket, streamID)
	h.logger.Info("moderator disconnected", zap.Int64("stream_id", streamID))
}

func (h *httpHandler) writeSocketPump(ctx context.Context, cancel context.CancelFunc, socket *moderationSocket, events <-chan streams.Event) {
	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()
	defer cancel()
	defer socket.close()
	for {
		var data []byte
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				h.logger.Warn("moderation subscriber fell behind, closing socket")
				return
			}
			encoded, err := json.Marshal(newSocketEventPayload(event))
			if err != nil {
				h.logger.Error("failed to encode moderation event", zap.Error(err))
				continue
			}
			data = encoded
		case data = <-socket.send:
		case <-ticker.C:
			if err := socket.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteWait)); err != nil {
				return
			}
			continue
		}
		if err := socket.conn.SetWriteDeadline(time.Now().Add(socketWriteWait)); err != nil {
			return
		}
		if err := socket.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("moderation socket write failed", zap.Error(err))
			return
		}
	}
}

func (h *httpHandler) readSocketPump(ctx context.Context, socket *moderationSocket, streamID int64) {
	socket.conn.SetReadLimit(socketReadLimit)
	_ = socket.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	socket.conn.SetPongHandler(func(string) error {
		return socket.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := socket.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("moderation socket read failed", zap.Int64("stream_id", streamID), zap.Error(err))
			}
			return
		}
		h.handleSocketAction(ctx, socket, streamID, data)
	}
}

func (h *httpHandler) handleSocketAction(ctx context.Context, socket *moderationSocket, streamID int64, data []byte) {
	var action socketActionPayload
	if err := json.Unmarshal(data, &action); err != nil {
		h.logger.Warn("malformed moderation action", zap.Int64("stream_id", streamID), zap.Error(err))
		return
	}
	result := socketActionResultPayload{Type: socketEventActionResult, Action: action.Action, CommentID: action.CommentID}
	var err error
	switch action.Action {
	case socketActionApprove:
		_, err = h.moderation.Approve(ctx, streamID, action.CommentID)
	case socketActionDelete:
		err = h.moderation.Delete(ctx, streamID, action.CommentID)
	default:
		result.Error = "unknown_action"
		h.sendSocketJSON(socket, result)
		return
	}
	switch {
	case err == nil:
		result.Success = true
	case errors.Is(err, moderation.ErrCommentNotFound):
		result.Error = "comment_not_found"
	default:
		h.logger.Error("moderation socket action failed",
			zap.Int64("stream_id", streamID),
			zap.Int64("comment_id", action.CommentID),
			zap.String("action", action.Action),
			zap.Error(err))
		result.Error = "moderation_failed"
	}
	h.sendSocketJSON(socket, result)
}

func (h *httpHandler) sendSocketJSON(socket *moderationSocket, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		h.logger.Error("failed to encode socket message", zap.Error(err))
		return
	}
	if err := socket.trySend(data); err != nil {
		// The client reconnects and receives a fresh snapshot.
		h.logger.Warn("closing backlogged moderation socket", zap.Error(err))
		socket.close()
	}
}

func newSocketEventPayload(event streams.Event) socketEventPayload {
	payload := socketEventPayload{
		Type:      event.Type,
		CommentID: event.CommentID,
		Timestamp: event.Timestamp.UnixMilli(),
	}
	if event.Comment != nil {
		comment := newCommentPayload(*event.Comment, true)
		payload.Comment = &comment
	}
	return payload
}
