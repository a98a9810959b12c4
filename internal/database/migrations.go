package database

import (
	"errors"
	"time"

	"github.com/metastream/live/internal/comments"
	"github.com/metastream/live/internal/streams"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillCommentVisibility = "2026-09-14_backfill_comment_visibility"
	migrationRejectOrphanedDeletes     = "2026-09-30_reject_deleted_pending_comments"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillCommentVisibility, apply: backfillCommentVisibility},
		{name: migrationRejectOrphanedDeletes, apply: rejectDeletedPendingComments},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillCommentVisibility gives comments imported without a visibility time
// the default moderation delay after creation.
func backfillCommentVisibility(db *gorm.DB) error {
	delayMillis := streams.DefaultCommentDelay.Milliseconds()
	return db.Model(&streams.CommentRecord{}).
		Where("visible_at_ms = 0").
		Update("visible_at_ms", gorm.Expr("created_at_ms + ?", delayMillis)).Error
}

// rejectDeletedPendingComments settles soft-deleted comments that were still
// pending so the approval sweep never considers them.
func rejectDeletedPendingComments(db *gorm.DB) error {
	return db.Model(&streams.CommentRecord{}).
		Where("deleted_at_ms IS NOT NULL AND status = ?", comments.StatusPending).
		Update("status", comments.StatusRejected).Error
}
