package streams

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/metastream/live/internal/comments"
	"github.com/metastream/live/internal/eventstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultCommentDelay is the moderation window before a comment is shown.
	DefaultCommentDelay = 15 * time.Second
	// EndedGraceWindow keeps an ended stream on the player page and open for
	// comments after it ends.
	EndedGraceWindow = 5 * time.Minute
	// CommentsOpenBefore opens comments ahead of the scheduled start.
	CommentsOpenBefore = 30 * time.Minute

	maxMessageLength  = 1000
	maxUsernameLength = 255
	anonymousUsername = "anonymous"
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of the canonical stream service.
type ServiceConfig struct {
	Database     *gorm.DB
	Scheduler    *comments.Scheduler
	Flags        eventstore.FlagStore
	Publisher    Publisher
	Viewers      ViewerCounter
	CommentDelay time.Duration
	Clock        clockwork.Clock
	Logger       *zap.Logger
}

// Service owns channels, streams and comment intake.
type Service struct {
	db           *gorm.DB
	scheduler    *comments.Scheduler
	flags        eventstore.FlagStore
	publisher    Publisher
	viewers      ViewerCounter
	commentDelay time.Duration
	clock        clockwork.Clock
	logger       *zap.Logger
}

// NewService validates the configuration and applies defaults.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Scheduler == nil {
		return nil, newServiceError(opServiceNew, "missing_scheduler", errMissingScheduler)
	}
	if cfg.Flags == nil {
		return nil, newServiceError(opServiceNew, "missing_flags", errMissingFlags)
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}
	delay := cfg.CommentDelay
	if delay <= 0 {
		delay = DefaultCommentDelay
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:           cfg.Database,
		scheduler:    cfg.Scheduler,
		flags:        cfg.Flags,
		publisher:    publisher,
		viewers:      cfg.Viewers,
		commentDelay: delay,
		clock:        clock,
		logger:       logger,
	}, nil
}

// PlayerView is what a viewer page needs to pick its lifecycle state.
type PlayerView struct {
	Channel    Channel
	Stream     *Stream
	NextStream *Stream
}

// PlayerView resolves the stream a channel page should show: the live one,
// else a scheduled one whose start has passed, else one that ended within the
// grace window, else the earliest scheduled one. NextStream is set when the
// shown stream has ended and another is scheduled later.
func (s *Service) PlayerView(ctx context.Context, channelUsername string) (PlayerView, error) {
	channel, err := s.channelByUsername(ctx, channelUsername)
	if err != nil {
		return PlayerView{}, s.wrap(opPlayerView, err)
	}
	view := PlayerView{Channel: channel}
	now := s.clock.Now()
	db := s.db.WithContext(ctx)

	current, err := currentStream(db, channel.ID, now)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return view, nil
	}
	if err != nil {
		return PlayerView{}, newServiceError(opPlayerView, "stream_select_failed", err)
	}
	view.Stream = &current

	if current.Status == StatusEnded {
		var next Stream
		err := db.Where("channel_id = ? AND status = ? AND start_time_s > ?", channel.ID, StatusScheduled, now.Unix()).
			Order("start_time_s ASC").Take(&next).Error
		if err == nil {
			view.NextStream = &next
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return PlayerView{}, newServiceError(opPlayerView, "next_stream_select_failed", err)
		}
	}
	return view, nil
}

// currentStream picks the stream a channel is about: the live one, else a
// scheduled one whose start has passed, else one that ended within the grace
// window, else the earliest scheduled one.
func currentStream(db *gorm.DB, channelID int64, now time.Time) (Stream, error) {
	// Each lookup takes a fresh struct; gorm adds a set primary key to the query.
	take := func(query *gorm.DB) (Stream, error) {
		var stream Stream
		err := query.Take(&stream).Error
		return stream, err
	}
	current, err := take(db.Where("channel_id = ? AND status = ?", channelID, StatusLive))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		current, err = take(db.Where("channel_id = ? AND status = ? AND start_time_s <= ?", channelID, StatusScheduled, now.Unix()).
			Order("start_time_s ASC"))
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		current, err = take(db.Where("channel_id = ? AND status = ? AND ended_at_s IS NOT NULL", channelID, StatusEnded).
			Order("ended_at_s DESC"))
		if err == nil {
			endedAt, _ := current.EndedAt()
			if now.Sub(endedAt) >= EndedGraceWindow {
				err = gorm.ErrRecordNotFound
			}
		}
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		current, err = take(db.Where("channel_id = ? AND status = ?", channelID, StatusScheduled).
			Order("start_time_s ASC"))
	}
	return current, err
}

// CommentInput is a viewer's comment submission.
type CommentInput struct {
	ViewerID string
	Username string
	Contact  string
	Message  string
}

// SubmitComment records a pending comment on the channel's current stream and
// schedules it to become visible after the moderation delay. The event store
// write is fire-and-forget; the approval sweep repairs a failed write.
func (s *Service) SubmitComment(ctx context.Context, channelUsername string, input CommentInput) (CommentRecord, error) {
	message := strings.TrimSpace(input.Message)
	if message == "" || utf8.RuneCountInString(message) > maxMessageLength {
		return CommentRecord{}, newServiceError(opSubmitComment, "invalid_message", ErrInvalidComment)
	}
	username := strings.TrimSpace(input.Username)
	if username == "" {
		username = anonymousUsername
	}
	if utf8.RuneCountInString(username) > maxUsernameLength {
		return CommentRecord{}, newServiceError(opSubmitComment, "invalid_username", ErrInvalidComment)
	}

	channel, err := s.channelByUsername(ctx, channelUsername)
	if err != nil {
		return CommentRecord{}, s.wrap(opSubmitComment, err)
	}

	now := s.clock.Now()
	db := s.db.WithContext(ctx)
	stream, err := currentStream(db, channel.ID, now)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Without a current stream, the last ended one answers comments_closed.
		stream = Stream{}
		err = db.Where("channel_id = ? AND status = ?", channel.ID, StatusEnded).
			Order("start_time_s DESC").Take(&stream).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CommentRecord{}, newServiceError(opSubmitComment, "no_stream", ErrNoStream)
	}
	if err != nil {
		return CommentRecord{}, newServiceError(opSubmitComment, "stream_select_failed", err)
	}

	if err := commentWindowOpen(stream, now); err != nil {
		return CommentRecord{}, s.wrap(opSubmitComment, err)
	}
	if !stream.AllowComments {
		return CommentRecord{}, newServiceError(opSubmitComment, "comments_disabled", ErrCommentsDisabled)
	}

	record := CommentRecord{
		StreamID:        stream.ID,
		ViewerID:        strings.TrimSpace(input.ViewerID),
		Username:        username,
		Contact:         strings.TrimSpace(input.Contact),
		Message:         message,
		Status:          comments.StatusPending,
		CreatedAtMillis: now.UnixMilli(),
		VisibleAtMillis: now.Add(s.commentDelay).UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logger.Error("failed to store comment", zap.Int64("stream_id", stream.ID), zap.Error(err))
		return CommentRecord{}, newServiceError(opSubmitComment, "comment_insert_failed", err)
	}

	s.scheduler.Schedule(ctx, record.Delivery())
	if deliverable, err := withdrawIfRemoved(ctx, s.db, s.scheduler, record); err != nil {
		s.logger.Warn("failed to confirm scheduled comment",
			zap.Int64("stream_id", stream.ID),
			zap.Int64("comment_id", record.ID),
			zap.Error(err))
	} else if !deliverable {
		return record, nil
	}
	s.publisher.Publish(Event{
		StreamID:  stream.ID,
		Type:      EventNewComment,
		CommentID: record.ID,
		Comment:   &record,
		Timestamp: now,
	})
	s.logger.Info("comment scheduled",
		zap.Int64("stream_id", stream.ID),
		zap.Int64("comment_id", record.ID),
		zap.Int64("visible_at_ms", record.VisibleAtMillis))
	return record, nil
}

// commentWindowOpen accepts comments from CommentsOpenBefore the start until
// EndedGraceWindow after the end.
func commentWindowOpen(stream Stream, now time.Time) error {
	switch stream.Status {
	case StatusScheduled:
		if stream.StartTime().Sub(now) > CommentsOpenBefore {
			return newServiceError(opSubmitComment, "comments_not_open", ErrCommentsNotOpen)
		}
	case StatusEnded:
		endedAt, ok := stream.EndedAt()
		if !ok {
			endedAt = stream.StartTime().Add(time.Duration(stream.DurationSeconds) * time.Second)
		}
		if now.Sub(endedAt) > EndedGraceWindow {
			return newServiceError(opSubmitComment, "comments_closed", ErrCommentsClosed)
		}
	}
	return nil
}

// SetAllowComments switches comments for a stream in both the canonical record
// and the event store flag read by every poll.
func (s *Service) SetAllowComments(ctx context.Context, streamID int64, enabled bool) error {
	result := s.db.WithContext(ctx).Model(&Stream{}).Where("id = ?", streamID).Update("allow_comments", enabled)
	if result.Error != nil {
		return newServiceError(opSetAllowComments, "stream_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSetAllowComments, "stream_not_found", ErrStreamNotFound)
	}
	if err := s.flags.SetAllowComments(ctx, streamID, enabled); err != nil {
		s.logger.Error("failed to write allow comments flag", zap.Int64("stream_id", streamID), zap.Error(err))
		return newServiceError(opSetAllowComments, "flag_write_failed", err)
	}
	s.logger.Info("allow comments changed", zap.Int64("stream_id", streamID), zap.Bool("enabled", enabled))
	return nil
}

// GetStream loads one stream.
func (s *Service) GetStream(ctx context.Context, streamID int64) (Stream, error) {
	var stream Stream
	err := s.db.WithContext(ctx).Where("id = ?", streamID).Take(&stream).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Stream{}, newServiceError(opGetStream, "stream_not_found", ErrStreamNotFound)
	}
	if err != nil {
		return Stream{}, newServiceError(opGetStream, "stream_select_failed", err)
	}
	return stream, nil
}

// ChannelForStream loads the channel a stream belongs to.
func (s *Service) ChannelForStream(ctx context.Context, stream Stream) (Channel, error) {
	var channel Channel
	err := s.db.WithContext(ctx).Where("id = ?", stream.ChannelID).Take(&channel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Channel{}, newServiceError(opChannelForStream, "channel_not_found", ErrChannelNotFound)
	}
	if err != nil {
		return Channel{}, newServiceError(opChannelForStream, "channel_select_failed", err)
	}
	return channel, nil
}

// UpsertChannel creates or updates a channel keyed by username.
func (s *Service) UpsertChannel(ctx context.Context, channel Channel) (Channel, error) {
	channel.Username = strings.TrimSpace(channel.Username)
	if channel.Username == "" {
		return Channel{}, newServiceError(opUpsertChannel, "missing_username", ErrChannelNotFound)
	}
	var existing Channel
	err := s.db.WithContext(ctx).Where("username = ?", channel.Username).Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		channel.ID = 0
		if err := s.db.WithContext(ctx).Create(&channel).Error; err != nil {
			return Channel{}, newServiceError(opUpsertChannel, "channel_insert_failed", err)
		}
	case err != nil:
		return Channel{}, newServiceError(opUpsertChannel, "channel_select_failed", err)
	default:
		channel.ID = existing.ID
		if err := s.db.WithContext(ctx).Save(&channel).Error; err != nil {
			return Channel{}, newServiceError(opUpsertChannel, "channel_save_failed", err)
		}
	}
	return channel, nil
}

// StreamStats is the public audience summary of one stream.
type StreamStats struct {
	StreamID   int64
	Status     Status
	Online     int
	MaxViewers int64
}

// Stats reports the current audience and the recorded peak. The peak never
// reads lower than the current count, even before the next sweep.
func (s *Service) Stats(ctx context.Context, streamID int64) (StreamStats, error) {
	stream, err := s.GetStream(ctx, streamID)
	if err != nil {
		return StreamStats{}, err
	}
	stats := StreamStats{StreamID: stream.ID, Status: stream.Status, MaxViewers: stream.MaxViewers}
	if s.viewers != nil {
		stats.Online = s.viewers.OnlineCount(ctx, stream.ID)
	}
	stats.MaxViewers = max(stats.MaxViewers, int64(stats.Online))
	return stats, nil
}

// UpsertStream saves a stream record and mirrors its allow-comments flag into
// the event store.
func (s *Service) UpsertStream(ctx context.Context, stream Stream) (Stream, error) {
	if stream.ChannelID <= 0 || stream.StartTimeSeconds <= 0 {
		return Stream{}, newServiceError(opUpsertStream, "invalid_stream", ErrInvalidStream)
	}
	if stream.Status == "" {
		stream.Status = StatusScheduled
	}
	if _, ok := ParseStatus(string(stream.Status)); !ok {
		return Stream{}, newServiceError(opUpsertStream, "invalid_status", ErrInvalidStream)
	}
	// max_viewers belongs to the peak recorder.
	if err := s.db.WithContext(ctx).Omit("max_viewers").Save(&stream).Error; err != nil {
		return Stream{}, newServiceError(opUpsertStream, "stream_save_failed", err)
	}
	if err := s.flags.SetAllowComments(ctx, stream.ID, stream.AllowComments); err != nil {
		return Stream{}, newServiceError(opUpsertStream, "flag_write_failed", err)
	}
	return stream, nil
}

// SetStatus moves a stream to a new canonical status, stamping start and end
// times on the way.
func (s *Service) SetStatus(ctx context.Context, streamID int64, status Status) (Stream, error) {
	if _, ok := ParseStatus(string(status)); !ok {
		return Stream{}, newServiceError(opSetStatus, "invalid_status", ErrInvalidStream)
	}
	stream, err := s.GetStream(ctx, streamID)
	if err != nil {
		return Stream{}, err
	}
	now := s.clock.Now().Unix()
	stream.Status = status
	switch status {
	case StatusLive:
		if stream.StartedAtSeconds == nil {
			stream.StartedAtSeconds = &now
		}
	case StatusEnded:
		stream.EndedAtSeconds = &now
	}
	if err := s.db.WithContext(ctx).Omit("max_viewers").Save(&stream).Error; err != nil {
		return Stream{}, newServiceError(opSetStatus, "stream_save_failed", err)
	}
	return stream, nil
}

func (s *Service) channelByUsername(ctx context.Context, username string) (Channel, error) {
	var channel Channel
	err := s.db.WithContext(ctx).Where("username = ?", strings.TrimSpace(username)).Take(&channel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Channel{}, ErrChannelNotFound
	}
	return channel, err
}

// wrap keeps ServiceErrors intact and codes everything else under operation.
func (s *Service) wrap(operation string, err error) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	if errors.Is(err, ErrChannelNotFound) {
		return newServiceError(operation, "channel_not_found", err)
	}
	return newServiceError(operation, "query_failed", err)
}
