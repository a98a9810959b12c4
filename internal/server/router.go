package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/metastream/live/internal/auth"
	"github.com/metastream/live/internal/moderation"
	"github.com/metastream/live/internal/streams"
	"github.com/metastream/live/internal/updates"
	"go.uber.org/zap"
)

const (
	principalContextKey = "metastream_principal"
	streamIDContextKey  = "metastream_stream_id"

	healthServiceName = "comment-polling"
)

var (
	errMissingUpdateService    = errors.New("update service dependency required")
	errMissingStreamService    = errors.New("stream service dependency required")
	errMissingModeration       = errors.New("moderation gateway dependency required")
	errMissingAuthenticator    = errors.New("authenticator dependency required")
	errMissingRealtimeDispatch = errors.New("realtime dispatcher dependency required")
)

// ModeratorAuthenticator resolves the moderator behind a request.
type ModeratorAuthenticator interface {
	Authenticate(r *http.Request) (auth.ModeratorClaims, error)
}

// HealthChecker reports whether the event store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Dependencies struct {
	Updates        *updates.Service
	Streams        *streams.Service
	Moderation     *moderation.Gateway
	Authenticator  ModeratorAuthenticator
	Realtime       *RealtimeDispatcher
	Health         HealthChecker
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Updates == nil {
		return nil, errMissingUpdateService
	}
	if deps.Streams == nil {
		return nil, errMissingStreamService
	}
	if deps.Moderation == nil {
		return nil, errMissingModeration
	}
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtimeDispatch
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	corsConfig := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig))

	handler := &httpHandler{
		updates:       deps.Updates,
		streams:       deps.Streams,
		moderation:    deps.Moderation,
		authenticator: deps.Authenticator,
		realtime:      deps.Realtime,
		health:        deps.Health,
		logger:        logger,
	}

	router.POST("/heartbeat", handler.handleHeartbeat)
	router.POST("/check-update", handler.handleCheckUpdate)
	router.GET("/health", handler.handleHealth)
	router.GET("/ready", handler.handleReady)

	router.GET("/api/c/:channel", handler.handlePlayerView)
	router.POST("/api/c/:channel/comments", handler.handleSubmitComment)
	router.GET("/api/stats/:stream_id", handler.handleStreamStats)

	moderated := router.Group("/api/moderation/:stream_id")
	moderated.Use(handler.authorizeModerator)
	moderated.GET("/comments", handler.handleListComments)
	moderated.POST("/comments/:comment_id/approve", handler.handleApproveComment)
	moderated.POST("/comments/:comment_id/reject", handler.handleRejectComment)
	moderated.DELETE("/comments/:comment_id", handler.handleDeleteComment)
	moderated.POST("/allow-comments", handler.handleAllowComments)

	router.GET("/ws/stream/:stream_id/comments", handler.authorizeModerator, handler.handleModerationSocket)

	return router, nil
}

type httpHandler struct {
	updates       *updates.Service
	streams       *streams.Service
	moderation    *moderation.Gateway
	authenticator ModeratorAuthenticator
	realtime      *RealtimeDispatcher
	health        HealthChecker
	logger        *zap.Logger
}

func (h *httpHandler) authorizeModerator(c *gin.Context) {
	streamID, ok := parsePositiveID(c.Param("stream_id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_stream_id"})
		return
	}
	claims, err := h.authenticator.Authenticate(c.Request)
	if err != nil {
		h.logger.Warn("moderator authentication failed", zap.Int64("stream_id", streamID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	principal := moderation.Principal{Subject: claims.Subject, Role: claims.Role}
	if err := h.moderation.Authorize(c.Request.Context(), streamID, principal); err != nil {
		switch {
		case errors.Is(err, moderation.ErrUnauthenticated):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		case errors.Is(err, moderation.ErrForbidden):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		case errors.Is(err, moderation.ErrStreamNotFound):
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "stream_not_found"})
		default:
			h.logger.Error("moderator authorization failed", zap.Int64("stream_id", streamID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authorization_failed"})
		}
		return
	}
	c.Set(principalContextKey, principal)
	c.Set(streamIDContextKey, streamID)
	c.Next()
}
