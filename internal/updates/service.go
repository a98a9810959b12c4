package updates

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/metastream/live/internal/comments"
	"github.com/metastream/live/internal/eventstore"
	"github.com/metastream/live/internal/presence"
	"go.uber.org/zap"
)

var (
	errMissingTracker   = errors.New("updates: presence tracker is required")
	errMissingScheduler = errors.New("updates: comment scheduler is required")
	errMissingFlags     = errors.New("updates: flag store is required")
)

// ServiceConfig wires the update service to its collaborators.
type ServiceConfig struct {
	Tracker   *presence.Tracker
	Scheduler *comments.Scheduler
	Flags     eventstore.FlagStore
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

// Service composes presence and comment delivery into the single envelope a
// polling viewer receives. It holds no state between requests.
type Service struct {
	tracker   *presence.Tracker
	scheduler *comments.Scheduler
	flags     eventstore.FlagStore
	clock     clockwork.Clock
	logger    *zap.Logger
}

// Update is the answer to one poll.
type Update struct {
	HasUpdates    bool
	Comments      []comments.Comment
	Online        int
	AllowComments bool
}

// NewService validates the configuration and applies defaults.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Tracker == nil {
		return nil, errMissingTracker
	}
	if cfg.Scheduler == nil {
		return nil, errMissingScheduler
	}
	if cfg.Flags == nil {
		return nil, errMissingFlags
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tracker:   cfg.Tracker,
		scheduler: cfg.Scheduler,
		flags:     cfg.Flags,
		clock:     clock,
		logger:    logger,
	}, nil
}

// CheckUpdate never fails: every field degrades to its safe default when the
// store misbehaves. A disabled stream delivers no comments at all.
func (s *Service) CheckUpdate(ctx context.Context, streamID, lastID int64) Update {
	allow := s.allowComments(ctx, streamID)

	delivered := []comments.Comment{}
	if allow {
		visible, err := s.scheduler.QueryVisible(ctx, streamID, lastID, s.clock.Now())
		if err != nil {
			s.logger.Warn("comment query failed",
				zap.Int64("stream_id", streamID),
				zap.Int64("last_id", lastID),
				zap.Error(err))
		} else {
			delivered = visible
		}
	}

	update := Update{
		HasUpdates:    allow && len(delivered) > 0,
		Comments:      delivered,
		Online:        s.tracker.OnlineCount(ctx, streamID),
		AllowComments: allow,
	}
	s.logger.Debug("update checked",
		zap.Int64("stream_id", streamID),
		zap.Int64("last_id", lastID),
		zap.Int("comments", len(delivered)),
		zap.Bool("allow_comments", allow))
	return update
}

// Heartbeat reports success to the caller even when the write fails; the
// viewer's presence then simply lapses one cycle sooner.
func (s *Service) Heartbeat(ctx context.Context, streamID int64, viewerID string) bool {
	if err := s.tracker.Heartbeat(ctx, streamID, viewerID); err != nil {
		s.logger.Warn("heartbeat write failed",
			zap.Int64("stream_id", streamID),
			zap.String("viewer_id", viewerID),
			zap.Error(err))
	}
	return true
}

// allowComments falls back to enabled when the flag cannot be read, matching
// the behavior for a stream whose flag was never written.
func (s *Service) allowComments(ctx context.Context, streamID int64) bool {
	allow, err := s.flags.AllowComments(ctx, streamID)
	if err != nil {
		s.logger.Warn("allow comments flag unavailable",
			zap.Int64("stream_id", streamID),
			zap.Error(err))
		return true
	}
	return allow
}
