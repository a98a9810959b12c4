package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/metastream/live/internal/moderation"
	"github.com/metastream/live/internal/streams"
	"go.uber.org/zap"
)

type moderationListResponsePayload struct {
	Pending       []commentPayload `json:"pending"`
	Approved      []commentPayload `json:"approved"`
	TotalPending  int              `json:"total_pending"`
	TotalApproved int              `json:"total_approved"`
}

type moderationActionResponsePayload struct {
	Success bool            `json:"success"`
	Comment *commentPayload `json:"comment,omitempty"`
}

type allowCommentsRequestPayload struct {
	Enabled *bool `json:"enabled"`
}

func newModerationListPayload(listing moderation.Listing) moderationListResponsePayload {
	payload := moderationListResponsePayload{
		Pending:       make([]commentPayload, 0, len(listing.Pending)),
		Approved:      make([]commentPayload, 0, len(listing.Approved)),
		TotalPending:  len(listing.Pending),
		TotalApproved: len(listing.Approved),
	}
	for _, record := range listing.Pending {
		payload.Pending = append(payload.Pending, newCommentPayload(record, true))
	}
	for _, record := range listing.Approved {
		payload.Approved = append(payload.Approved, newCommentPayload(record, true))
	}
	return payload
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	streamID := c.GetInt64(streamIDContextKey)
	listing, err := h.moderation.List(c.Request.Context(), streamID)
	if err != nil {
		h.logger.Error("failed to list comments", zap.Int64("stream_id", streamID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, newModerationListPayload(listing))
}

func (h *httpHandler) handleApproveComment(c *gin.Context) {
	h.moderateComment(c, h.moderation.Approve)
}

func (h *httpHandler) handleRejectComment(c *gin.Context) {
	h.moderateComment(c, h.moderation.Reject)
}

func (h *httpHandler) moderateComment(c *gin.Context, action func(ctx context.Context, streamID, commentID int64) (streams.CommentRecord, error)) {
	streamID := c.GetInt64(streamIDContextKey)
	commentID, ok := parsePositiveID(c.Param("comment_id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_comment_id"})
		return
	}
	record, err := action(c.Request.Context(), streamID, commentID)
	if err != nil {
		h.writeModerationError(c, streamID, commentID, err)
		return
	}
	payload := newCommentPayload(record, true)
	c.JSON(http.StatusOK, moderationActionResponsePayload{Success: true, Comment: &payload})
}

func (h *httpHandler) handleDeleteComment(c *gin.Context) {
	streamID := c.GetInt64(streamIDContextKey)
	commentID, ok := parsePositiveID(c.Param("comment_id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_comment_id"})
		return
	}
	if err := h.moderation.Delete(c.Request.Context(), streamID, commentID); err != nil {
		h.writeModerationError(c, streamID, commentID, err)
		return
	}
	c.JSON(http.StatusOK, moderationActionResponsePayload{Success: true})
}

func (h *httpHandler) handleAllowComments(c *gin.Context) {
	streamID := c.GetInt64(streamIDContextKey)
	var request allowCommentsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.streams.SetAllowComments(c.Request.Context(), streamID, *request.Enabled); err != nil {
		h.writeStreamsError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "allow_comments": *request.Enabled})
}

func (h *httpHandler) writeModerationError(c *gin.Context, streamID, commentID int64, err error) {
	if errors.Is(err, moderation.ErrCommentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "comment_not_found"})
		return
	}
	h.logger.Error("moderation action failed",
		zap.Int64("stream_id", streamID),
		zap.Int64("comment_id", commentID),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "moderation_failed"})
}
