package streams

import (
	"time"

	"github.com/metastream/live/internal/comments"
)

// Status is the canonical broadcast phase of a stream.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
)

// ParseStatus accepts the canonical status names.
func ParseStatus(value string) (Status, bool) {
	switch Status(value) {
	case StatusScheduled, StatusLive, StatusEnded, StatusCancelled:
		return Status(value), true
	default:
		return "", false
	}
}

// Channel is the public home of a broadcaster's streams.
type Channel struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Username string `gorm:"column:username;size:190;not null;uniqueIndex"`
	Name     string `gorm:"column:name;size:255;not null;default:''"`
	OwnerID  string `gorm:"column:owner_id;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Channel) TableName() string {
	return "channels"
}

// Stream is the canonical record of one scheduled broadcast.
type Stream struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ChannelID        int64  `gorm:"column:channel_id;not null;index:idx_streams_channel_status,priority:1"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;default:''"`
	Title            string `gorm:"column:title;size:255;not null;default:''"`
	StartTimeSeconds int64  `gorm:"column:start_time_s;not null;index"`
	DurationSeconds  int64  `gorm:"column:duration_s;not null"`
	Status           Status `gorm:"column:status;size:32;not null;index:idx_streams_channel_status,priority:2"`
	AllowComments    bool   `gorm:"column:allow_comments;not null"`
	StartedAtSeconds *int64 `gorm:"column:started_at_s"`
	EndedAtSeconds   *int64 `gorm:"column:ended_at_s"`
	MaxViewers       int64  `gorm:"column:max_viewers;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Stream) TableName() string {
	return "streams"
}

// StartTime returns the scheduled start.
func (s Stream) StartTime() time.Time {
	return time.Unix(s.StartTimeSeconds, 0).UTC()
}

// EndedAt returns when the stream ended, if it has.
func (s Stream) EndedAt() (time.Time, bool) {
	if s.EndedAtSeconds == nil {
		return time.Time{}, false
	}
	return time.Unix(*s.EndedAtSeconds, 0).UTC(), true
}

// CommentRecord is the canonical, moderated copy of a viewer comment. Its
// autoincrement id is the strictly increasing delivery cursor.
type CommentRecord struct {
	ID              int64           `gorm:"column:id;primaryKey;autoIncrement"`
	StreamID        int64           `gorm:"column:stream_id;not null;index:idx_comments_stream_status,priority:1"`
	ViewerID        string          `gorm:"column:viewer_id;size:190;not null;default:''"`
	Username        string          `gorm:"column:username;size:255;not null"`
	Contact         string          `gorm:"column:contact;size:64;not null;default:''"`
	Message         string          `gorm:"column:message;type:text;not null"`
	Status          comments.Status `gorm:"column:status;size:16;not null;index:idx_comments_stream_status,priority:2"`
	CreatedAtMillis int64           `gorm:"column:created_at_ms;not null"`
	VisibleAtMillis int64           `gorm:"column:visible_at_ms;not null;index"`
	DeletedAtMillis *int64          `gorm:"column:deleted_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (CommentRecord) TableName() string {
	return "comments"
}

// Delivery converts the record into its event store form.
func (r CommentRecord) Delivery() comments.Comment {
	return comments.Comment{
		ID:        r.ID,
		StreamID:  r.StreamID,
		Username:  r.Username,
		Message:   r.Message,
		VisibleAt: r.VisibleAtMillis,
	}
}

// Event types published to moderators.
const (
	EventNewComment      = "new_comment"
	EventCommentApproved = "comment_approved"
	EventCommentDeleted  = "comment_deleted"
)

// Event notifies moderators of a change to a stream's comments.
type Event struct {
	StreamID  int64
	Type      string
	CommentID int64
	Comment   *CommentRecord
	Timestamp time.Time
}

// Publisher fans events out to connected moderators.
type Publisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
