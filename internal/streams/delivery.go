package streams

import (
	"context"
	"errors"

	"github.com/metastream/live/internal/comments"
	"gorm.io/gorm"
)

// Deliver writes a comment to the event store, then re-reads its canonical
// record. A delete or reject that committed in between has already tried to
// remove the entry, so the write is withdrawn again. It reports whether the
// comment is still deliverable.
func Deliver(ctx context.Context, db *gorm.DB, scheduler *comments.Scheduler, record CommentRecord) (bool, error) {
	if err := scheduler.Put(ctx, record.Delivery()); err != nil {
		return false, err
	}
	return withdrawIfRemoved(ctx, db, scheduler, record)
}

func withdrawIfRemoved(ctx context.Context, db *gorm.DB, scheduler *comments.Scheduler, record CommentRecord) (bool, error) {
	var current CommentRecord
	err := db.WithContext(ctx).Where("id = ?", record.ID).Take(&current).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	if err == nil && current.DeletedAtMillis == nil && current.Status != comments.StatusRejected {
		return true, nil
	}
	if _, err := scheduler.Delete(ctx, record.StreamID, record.ID); err != nil {
		return false, err
	}
	return false, nil
}
