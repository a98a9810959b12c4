package comments

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/metastream/live/internal/eventstore"
	"go.uber.org/zap"
)

// DefaultInitialLimit caps the first load of a client joining a long stream.
const DefaultInitialLimit = 100

var errMissingLog = errors.New("comments: time indexed log is required")

// SchedulerConfig wires the scheduler to its backing log.
type SchedulerConfig struct {
	Log          eventstore.TimeIndexedLog
	InitialLimit int
	Logger       *zap.Logger
}

// Scheduler stores comment payloads under their visibility time and answers
// "visible now, not yet seen" queries.
type Scheduler struct {
	log          eventstore.TimeIndexedLog
	initialLimit int
	logger       *zap.Logger
}

// NewScheduler validates the configuration and applies defaults.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Log == nil {
		return nil, errMissingLog
	}
	limit := cfg.InitialLimit
	if limit <= 0 {
		limit = DefaultInitialLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{log: cfg.Log, initialLimit: limit, logger: logger}, nil
}

// Put writes the payload and its index entry atomically. Re-putting an
// existing comment moves it to the new visibility time.
func (s *Scheduler) Put(ctx context.Context, c Comment) error {
	if err := c.validate(); err != nil {
		return err
	}
	payload, err := encodeComment(c)
	if err != nil {
		return err
	}
	return s.log.Put(ctx, c.StreamID, eventstore.Entry{ID: c.ID, Score: c.VisibleAt}, payload)
}

// Schedule is the fire-and-forget form of Put: failures are logged and
// retries belong to the caller that owns the canonical record.
func (s *Scheduler) Schedule(ctx context.Context, c Comment) {
	if err := s.Put(ctx, c); err != nil {
		s.logger.Warn("failed to schedule comment",
			zap.Int64("stream_id", c.StreamID),
			zap.Int64("comment_id", c.ID),
			zap.Error(err))
	}
}

// QueryVisible returns comments whose visibility time has passed, ordered by
// ascending id. With afterID <= 0 it is an initial load capped to the newest
// InitialLimit ids; otherwise only ids greater than afterID are returned.
func (s *Scheduler) QueryVisible(ctx context.Context, streamID, afterID int64, now time.Time) ([]Comment, error) {
	entries, err := s.log.RangeByScore(ctx, streamID, now.UnixMilli())
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		if afterID > 0 && entry.ID <= afterID {
			continue
		}
		ids = append(ids, entry.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if afterID <= 0 && len(ids) > s.initialLimit {
		ids = ids[len(ids)-s.initialLimit:]
	}
	return s.load(ctx, streamID, ids)
}

// Scheduled lists every indexed comment of the stream regardless of its
// visibility time, ordered by id. Moderation uses it to see what is queued.
func (s *Scheduler) Scheduled(ctx context.Context, streamID int64) ([]Comment, error) {
	entries, err := s.log.All(ctx, streamID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return s.load(ctx, streamID, ids)
}

// Delete removes the index entry and payload together.
func (s *Scheduler) Delete(ctx context.Context, streamID, commentID int64) (bool, error) {
	if commentID <= 0 {
		return false, ErrInvalidCommentID
	}
	return s.log.Remove(ctx, streamID, commentID)
}

func (s *Scheduler) load(ctx context.Context, streamID int64, ids []int64) ([]Comment, error) {
	result := make([]Comment, 0, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	payloads, err := s.log.Payloads(ctx, streamID, ids)
	if err != nil {
		return nil, err
	}
	for i, payload := range payloads {
		if payload == nil {
			continue
		}
		c, err := decodeComment(streamID, payload)
		if err != nil {
			s.logger.Warn("skipping malformed comment payload",
				zap.Int64("stream_id", streamID),
				zap.Int64("comment_id", ids[i]),
				zap.Error(err))
			continue
		}
		result = append(result, c)
	}
	return result, nil
}
