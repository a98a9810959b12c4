package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/metastream/live/internal/streams"
	"go.uber.org/zap"
)

type channelPayload struct {
	Username string `json:"username"`
	Name     string `json:"name"`
}

type streamPayload struct {
	ID              int64      `json:"id"`
	Title           string     `json:"title"`
	Status          string     `json:"status"`
	StartTime       time.Time  `json:"start_time"`
	DurationSeconds int64      `json:"duration"`
	AllowComments   bool       `json:"allow_comments"`
	StartedAt       *time.Time `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at"`
}

type playerViewResponsePayload struct {
	Channel    channelPayload `json:"channel"`
	Stream     *streamPayload `json:"stream"`
	NextStream *streamPayload `json:"next_stream,omitempty"`
}

type streamStatsResponsePayload struct {
	StreamID   int64  `json:"stream_id"`
	Status     string `json:"status"`
	Online     int    `json:"online"`
	MaxViewers int64  `json:"max_viewers"`
}

type submitCommentRequestPayload struct {
	ViewerID string `json:"viewer_id"`
	Username string `json:"username"`
	Contact  string `json:"contact"`
	Message  string `json:"message"`
}

type commentPayload struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Contact   string `json:"contact,omitempty"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
	Timestamp int64  `json:"timestamp"`
}

func newStreamPayload(stream *streams.Stream) *streamPayload {
	if stream == nil {
		return nil
	}
	payload := &streamPayload{
		ID:              stream.ID,
		Title:           stream.Title,
		Status:          string(stream.Status),
		StartTime:       stream.StartTime(),
		DurationSeconds: stream.DurationSeconds,
		AllowComments:   stream.AllowComments,
	}
	if stream.StartedAtSeconds != nil {
		startedAt := time.Unix(*stream.StartedAtSeconds, 0).UTC()
		payload.StartedAt = &startedAt
	}
	if endedAt, ok := stream.EndedAt(); ok {
		payload.EndedAt = &endedAt
	}
	return payload
}

func newCommentPayload(record streams.CommentRecord, includeContact bool) commentPayload {
	payload := commentPayload{
		ID:        record.ID,
		Username:  record.Username,
		Message:   record.Message,
		Status:    string(record.Status),
		CreatedAt: record.CreatedAtMillis,
		Timestamp: record.VisibleAtMillis,
	}
	if includeContact {
		payload.Contact = record.Contact
	}
	return payload
}

func (h *httpHandler) handlePlayerView(c *gin.Context) {
	view, err := h.streams.PlayerView(c.Request.Context(), c.Param("channel"))
	if err != nil {
		h.writeStreamsError(c, err)
		return
	}
	c.JSON(http.StatusOK, playerViewResponsePayload{
		Channel:    channelPayload{Username: view.Channel.Username, Name: view.Channel.Name},
		Stream:     newStreamPayload(view.Stream),
		NextStream: newStreamPayload(view.NextStream),
	})
}

func (h *httpHandler) handleStreamStats(c *gin.Context) {
	streamID, ok := parsePositiveID(c.Param("stream_id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_stream_id"})
		return
	}
	stats, err := h.streams.Stats(c.Request.Context(), streamID)
	if err != nil {
		h.writeStreamsError(c, err)
		return
	}
	c.JSON(http.StatusOK, streamStatsResponsePayload{
		StreamID:   stats.StreamID,
		Status:     string(stats.Status),
		Online:     stats.Online,
		MaxViewers: stats.MaxViewers,
	})
}

func (h *httpHandler) handleSubmitComment(c *gin.Context) {
	var request submitCommentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.streams.SubmitComment(c.Request.Context(), c.Param("channel"), streams.CommentInput{
		ViewerID: request.ViewerID,
		Username: request.Username,
		Contact:  request.Contact,
		Message:  request.Message,
	})
	if err != nil {
		h.writeStreamsError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"comment": newCommentPayload(record, false)})
}

// writeStreamsError maps canonical-store failures onto HTTP statuses and
// exposes the dotted ServiceError code.
func (h *httpHandler) writeStreamsError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "internal_error"
	switch {
	case errors.Is(err, streams.ErrChannelNotFound):
		status, message = http.StatusNotFound, "channel_not_found"
	case errors.Is(err, streams.ErrStreamNotFound):
		status, message = http.StatusNotFound, "stream_not_found"
	case errors.Is(err, streams.ErrNoStream):
		status, message = http.StatusNotFound, "no_stream"
	case errors.Is(err, streams.ErrInvalidComment):
		status, message = http.StatusBadRequest, "invalid_comment"
	case errors.Is(err, streams.ErrCommentsDisabled):
		status, message = http.StatusForbidden, "comments_disabled"
	case errors.Is(err, streams.ErrCommentsNotOpen):
		status, message = http.StatusConflict, "comments_not_open"
	case errors.Is(err, streams.ErrCommentsClosed):
		status, message = http.StatusConflict, "comments_closed"
	default:
		h.logger.Error("stream request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	body := gin.H{"error": message}
	var serviceErr *streams.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	c.JSON(status, body)
}
