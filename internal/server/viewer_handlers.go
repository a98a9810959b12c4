package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/metastream/live/internal/comments"
	"go.uber.org/zap"
)

type heartbeatRequestPayload struct {
	StreamID int64  `json:"stream_id"`
	ViewerID string `json:"viewer_id"`
}

type heartbeatResponsePayload struct {
	Success bool `json:"success"`
}

type checkUpdateRequestPayload struct {
	StreamID int64 `json:"stream_id"`
	LastID   int64 `json:"last_id"`
}

type checkUpdateResponsePayload struct {
	HasUpdates    bool               `json:"has_updates"`
	Comments      []comments.Comment `json:"comments"`
	Online        int                `json:"online"`
	AllowComments bool               `json:"allow_comments"`
}

type healthResponsePayload struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (h *httpHandler) handleHeartbeat(c *gin.Context) {
	var request heartbeatRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.StreamID <= 0 || strings.TrimSpace(request.ViewerID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	success := h.updates.Heartbeat(c.Request.Context(), request.StreamID, strings.TrimSpace(request.ViewerID))
	c.JSON(http.StatusOK, heartbeatResponsePayload{Success: success})
}

func (h *httpHandler) handleCheckUpdate(c *gin.Context) {
	var request checkUpdateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.StreamID <= 0 || request.LastID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	update := h.updates.CheckUpdate(c.Request.Context(), request.StreamID, request.LastID)
	response := checkUpdateResponsePayload{
		HasUpdates:    update.HasUpdates,
		Comments:      update.Comments,
		Online:        update.Online,
		AllowComments: update.AllowComments,
	}
	if response.Comments == nil {
		response.Comments = []comments.Comment{}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponsePayload{Status: "healthy", Service: healthServiceName})
}

// handleReady reports event store reachability; viewer endpoints keep
// answering with degraded fields while it fails.
func (h *httpHandler) handleReady(c *gin.Context) {
	if h.health != nil {
		if err := h.health.Ping(c.Request.Context()); err != nil {
			h.logger.Warn("event store readiness check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, healthResponsePayload{Status: "degraded", Service: healthServiceName})
			return
		}
	}
	c.JSON(http.StatusOK, healthResponsePayload{Status: "ready", Service: healthServiceName})
}

func parsePositiveID(value string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
