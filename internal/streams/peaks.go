package streams

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultPeakInterval is how often live streams have their viewer peak sampled.
const DefaultPeakInterval = 2 * time.Minute

// ViewerCounter reports how many viewers are currently present on a stream.
type ViewerCounter interface {
	OnlineCount(ctx context.Context, streamID int64) int
}

// PeakRecorderConfig describes the dependencies of the viewer peak sweep.
type PeakRecorderConfig struct {
	Database *gorm.DB
	Viewers  ViewerCounter
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

// PeakRecorder copies the presence count of every live stream into its
// canonical record whenever it exceeds the stored peak.
type PeakRecorder struct {
	db       *gorm.DB
	viewers  ViewerCounter
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger
}

// NewPeakRecorder validates the configuration and applies defaults.
func NewPeakRecorder(cfg PeakRecorderConfig) (*PeakRecorder, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Viewers == nil {
		return nil, errMissingViewers
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPeakInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &PeakRecorder{
		db:       cfg.Database,
		viewers:  cfg.Viewers,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Run samples on every interval until ctx is cancelled.
func (r *PeakRecorder) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if _, err := r.RecordPeaks(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("viewer peak sweep failed", zap.Error(err))
			}
		}
	}
}

// RecordPeaks raises max_viewers on every live stream whose current count is
// higher and returns how many streams changed. A store outage reads as zero
// viewers and never lowers a peak.
func (r *PeakRecorder) RecordPeaks(ctx context.Context) (int, error) {
	var live []Stream
	if err := r.db.WithContext(ctx).Where("status = ?", StatusLive).Find(&live).Error; err != nil {
		return 0, newServiceError(opRecordPeaks, "stream_select_failed", err)
	}
	updated := 0
	for _, stream := range live {
		online := int64(r.viewers.OnlineCount(ctx, stream.ID))
		if online <= stream.MaxViewers {
			continue
		}
		result := r.db.WithContext(ctx).Model(&Stream{}).
			Where("id = ? AND max_viewers < ?", stream.ID, online).
			Update("max_viewers", online)
		if result.Error != nil {
			r.logger.Warn("failed to record viewer peak", zap.Int64("stream_id", stream.ID), zap.Error(result.Error))
			continue
		}
		if result.RowsAffected > 0 {
			updated++
			r.logger.Debug("viewer peak raised",
				zap.Int64("stream_id", stream.ID),
				zap.Int64("previous", stream.MaxViewers),
				zap.Int64("max_viewers", online))
		}
	}
	return updated, nil
}
