package streams

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/metastream/live/internal/comments"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultApproveInterval is how often pending comments are swept.
const DefaultApproveInterval = 5 * time.Second

// ApproverConfig describes the dependencies of the auto-approval sweep.
type ApproverConfig struct {
	Database  *gorm.DB
	Scheduler *comments.Scheduler
	Publisher Publisher
	Interval  time.Duration
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

// Approver approves pending comments once their moderation delay has passed
// without a moderator rejecting or deleting them.
type Approver struct {
	db        *gorm.DB
	scheduler *comments.Scheduler
	publisher Publisher
	interval  time.Duration
	clock     clockwork.Clock
	logger    *zap.Logger
}

// NewApprover validates the configuration and applies defaults.
func NewApprover(cfg ApproverConfig) (*Approver, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Scheduler == nil {
		return nil, errMissingScheduler
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultApproveInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Approver{
		db:        cfg.Database,
		scheduler: cfg.Scheduler,
		publisher: publisher,
		interval:  interval,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Run sweeps on every interval until ctx is cancelled. Sweep failures are
// logged and retried on the next tick.
func (a *Approver) Run(ctx context.Context) error {
	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if _, err := a.ApproveDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("approval sweep failed", zap.Error(err))
			}
		}
	}
}

// ApproveDue approves every pending, undeleted comment whose visibility time
// has passed and re-writes it to the event store, which heals an intake write
// that was lost. It returns how many comments were approved.
func (a *Approver) ApproveDue(ctx context.Context) (int, error) {
	now := a.clock.Now()
	var due []CommentRecord
	err := a.db.WithContext(ctx).
		Where("status = ? AND deleted_at_ms IS NULL AND visible_at_ms <= ?", comments.StatusPending, now.UnixMilli()).
		Order("id ASC").
		Find(&due).Error
	if err != nil {
		return 0, newServiceError(opApproveDue, "comment_select_failed", err)
	}

	approved := 0
	for i := range due {
		record := due[i]
		result := a.db.WithContext(ctx).Model(&CommentRecord{}).
			Where("id = ? AND status = ? AND deleted_at_ms IS NULL", record.ID, comments.StatusPending).
			Update("status", comments.StatusApproved)
		if result.Error != nil {
			a.logger.Warn("failed to approve comment", zap.Int64("comment_id", record.ID), zap.Error(result.Error))
			continue
		}
		if result.RowsAffected == 0 {
			// A moderator got there first.
			continue
		}
		record.Status = comments.StatusApproved
		deliverable, err := Deliver(ctx, a.db, a.scheduler, record)
		if err != nil {
			a.logger.Warn("failed to re-schedule approved comment",
				zap.Int64("stream_id", record.StreamID),
				zap.Int64("comment_id", record.ID),
				zap.Error(err))
		} else if !deliverable {
			// Deleted or rejected while being approved.
			continue
		}
		a.publisher.Publish(Event{
			StreamID:  record.StreamID,
			Type:      EventCommentApproved,
			CommentID: record.ID,
			Comment:   &record,
			Timestamp: now,
		})
		approved++
	}
	if approved > 0 {
		a.logger.Info("auto-approved comments", zap.Int("count", approved))
	}
	return approved, nil
}
