package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/metastream/live/internal/comments"
	"github.com/metastream/live/internal/streams"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RoleAdmin may moderate every stream.
const RoleAdmin = "admin"

// DefaultApprovedLimit caps the approved column of a listing.
const DefaultApprovedLimit = 100

var (
	// ErrCommentNotFound indicates the comment does not exist on the stream.
	ErrCommentNotFound = errors.New("moderation: comment not found")
	// ErrStreamNotFound indicates the stream does not exist.
	ErrStreamNotFound = errors.New("moderation: stream not found")
	// ErrUnauthenticated indicates a request without a usable principal.
	ErrUnauthenticated = errors.New("moderation: not authenticated")
	// ErrForbidden indicates the principal neither owns the stream nor is an admin.
	ErrForbidden = errors.New("moderation: access denied")
)

// Principal is the authenticated caller of a moderation operation.
type Principal struct {
	Subject string
	Role    string
}

// GatewayConfig describes the dependencies of the moderation gateway.
type GatewayConfig struct {
	Database      *gorm.DB
	Scheduler     *comments.Scheduler
	Publisher     streams.Publisher
	ApprovedLimit int
	Clock         clockwork.Clock
	Logger        *zap.Logger
}

// Gateway is the moderator read/write path. It works on canonical records and
// bypasses the visibility filter viewers are subject to.
type Gateway struct {
	db            *gorm.DB
	scheduler     *comments.Scheduler
	publisher     streams.Publisher
	approvedLimit int
	clock         clockwork.Clock
	logger        *zap.Logger
}

// Listing splits a stream's live comments into moderation columns.
type Listing struct {
	Pending  []streams.CommentRecord
	Approved []streams.CommentRecord
}

type discardPublisher struct{}

func (discardPublisher) Publish(streams.Event) {}

// NewGateway validates the configuration and applies defaults.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("moderation: database connection required")
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("moderation: comment scheduler required")
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = discardPublisher{}
	}
	limit := cfg.ApprovedLimit
	if limit <= 0 {
		limit = DefaultApprovedLimit
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		db:            cfg.Database,
		scheduler:     cfg.Scheduler,
		publisher:     publisher,
		approvedLimit: limit,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Authorize allows admins and the owner of the stream or its channel.
func (g *Gateway) Authorize(ctx context.Context, streamID int64, principal Principal) error {
	subject := strings.TrimSpace(principal.Subject)
	if subject == "" {
		return ErrUnauthenticated
	}
	var stream streams.Stream
	err := g.db.WithContext(ctx).Where("id = ?", streamID).Take(&stream).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrStreamNotFound
	}
	if err != nil {
		return fmt.Errorf("moderation: load stream: %w", err)
	}
	if principal.Role == RoleAdmin || stream.OwnerID == subject {
		return nil
	}
	var channel streams.Channel
	err = g.db.WithContext(ctx).Where("id = ?", stream.ChannelID).Take(&channel).Error
	if err == nil && channel.OwnerID == subject {
		return nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("moderation: load channel: %w", err)
	}
	return ErrForbidden
}

// List returns every pending comment and the most recent approved ones, both
// newest first. Deleted and rejected comments are left out.
func (g *Gateway) List(ctx context.Context, streamID int64) (Listing, error) {
	listing := Listing{Pending: []streams.CommentRecord{}, Approved: []streams.CommentRecord{}}
	db := g.db.WithContext(ctx)
	if err := db.Where("stream_id = ? AND status = ? AND deleted_at_ms IS NULL", streamID, comments.StatusPending).
		Order("id DESC").Find(&listing.Pending).Error; err != nil {
		return Listing{}, fmt.Errorf("moderation: list pending: %w", err)
	}
	if err := db.Where("stream_id = ? AND status = ? AND deleted_at_ms IS NULL", streamID, comments.StatusApproved).
		Order("id DESC").Limit(g.approvedLimit).Find(&listing.Approved).Error; err != nil {
		return Listing{}, fmt.Errorf("moderation: list approved: %w", err)
	}
	return listing, nil
}

// Approve marks a comment approved and makes sure viewers receive it. A
// comment still inside its moderation delay keeps its visibility time; one
// whose time has passed, such as a previously rejected comment, becomes
// visible now.
func (g *Gateway) Approve(ctx context.Context, streamID, commentID int64) (streams.CommentRecord, error) {
	record, err := g.load(ctx, streamID, commentID)
	if err != nil {
		return streams.CommentRecord{}, err
	}
	now := g.clock.Now()
	if record.VisibleAtMillis < now.UnixMilli() {
		record.VisibleAtMillis = now.UnixMilli()
	}
	record.Status = comments.StatusApproved
	result := g.db.WithContext(ctx).Model(&streams.CommentRecord{}).
		Where("id = ? AND deleted_at_ms IS NULL", record.ID).
		Updates(map[string]interface{}{
			"status":        comments.StatusApproved,
			"visible_at_ms": record.VisibleAtMillis,
		})
	if result.Error != nil {
		return streams.CommentRecord{}, fmt.Errorf("moderation: approve comment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return streams.CommentRecord{}, ErrCommentNotFound
	}
	deliverable, err := streams.Deliver(ctx, g.db, g.scheduler, record)
	if err != nil {
		// The approval sweep only re-writes pending comments, so report this.
		return streams.CommentRecord{}, fmt.Errorf("moderation: schedule approved comment: %w", err)
	}
	if !deliverable {
		return streams.CommentRecord{}, ErrCommentNotFound
	}
	g.publisher.Publish(streams.Event{
		StreamID:  streamID,
		Type:      streams.EventCommentApproved,
		CommentID: record.ID,
		Comment:   &record,
		Timestamp: now,
	})
	g.logger.Info("comment approved", zap.Int64("stream_id", streamID), zap.Int64("comment_id", commentID))
	return record, nil
}

// Reject hides a comment from viewers while keeping it for the record.
func (g *Gateway) Reject(ctx context.Context, streamID, commentID int64) (streams.CommentRecord, error) {
	record, err := g.load(ctx, streamID, commentID)
	if err != nil {
		return streams.CommentRecord{}, err
	}
	err = g.db.WithContext(ctx).Model(&streams.CommentRecord{}).
		Where("id = ?", record.ID).
		Update("status", comments.StatusRejected).Error
	if err != nil {
		return streams.CommentRecord{}, fmt.Errorf("moderation: reject comment: %w", err)
	}
	record.Status = comments.StatusRejected
	if err := g.unschedule(ctx, streamID, commentID); err != nil {
		return streams.CommentRecord{}, err
	}
	g.logger.Info("comment rejected", zap.Int64("stream_id", streamID), zap.Int64("comment_id", commentID))
	return record, nil
}

// Delete soft-deletes a comment and removes it from the event store so the
// next poll no longer returns it. The canonical write comes first so the
// approval sweep cannot restore the comment.
func (g *Gateway) Delete(ctx context.Context, streamID, commentID int64) error {
	record, err := g.load(ctx, streamID, commentID)
	if err != nil {
		return err
	}
	deletedAt := g.clock.Now().UnixMilli()
	err = g.db.WithContext(ctx).Model(&streams.CommentRecord{}).
		Where("id = ?", record.ID).
		Update("deleted_at_ms", deletedAt).Error
	if err != nil {
		return fmt.Errorf("moderation: delete comment: %w", err)
	}
	if err := g.unschedule(ctx, streamID, commentID); err != nil {
		return err
	}
	g.logger.Info("comment deleted", zap.Int64("stream_id", streamID), zap.Int64("comment_id", commentID))
	return nil
}

func (g *Gateway) unschedule(ctx context.Context, streamID, commentID int64) error {
	if _, err := g.scheduler.Delete(ctx, streamID, commentID); err != nil {
		g.logger.Error("failed to remove comment from event store",
			zap.Int64("stream_id", streamID),
			zap.Int64("comment_id", commentID),
			zap.Error(err))
		return fmt.Errorf("moderation: unschedule comment: %w", err)
	}
	g.publisher.Publish(streams.Event{
		StreamID:  streamID,
		Type:      streams.EventCommentDeleted,
		CommentID: commentID,
		Timestamp: g.clock.Now(),
	})
	return nil
}

func (g *Gateway) load(ctx context.Context, streamID, commentID int64) (streams.CommentRecord, error) {
	var record streams.CommentRecord
	err := g.db.WithContext(ctx).
		Where("id = ? AND stream_id = ? AND deleted_at_ms IS NULL", commentID, streamID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return streams.CommentRecord{}, ErrCommentNotFound
	}
	if err != nil {
		return streams.CommentRecord{}, fmt.Errorf("moderation: load comment: %w", err)
	}
	return record, nil
}
