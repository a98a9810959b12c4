package streams

import (
	"errors"
	"fmt"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingScheduler = errors.New("comment scheduler is required")
	errMissingFlags     = errors.New("flag store is required")
	errMissingViewers   = errors.New("viewer counter is required")

	// ErrChannelNotFound indicates an unknown channel username.
	ErrChannelNotFound = errors.New("streams: channel not found")
	// ErrStreamNotFound indicates an unknown stream id.
	ErrStreamNotFound = errors.New("streams: stream not found")
	// ErrNoStream indicates a channel without a stream accepting comments.
	ErrNoStream = errors.New("streams: no stream found")
	// ErrCommentsDisabled indicates the owner switched comments off.
	ErrCommentsDisabled = errors.New("streams: comments are disabled")
	// ErrCommentsNotOpen indicates a comment sent too long before the start.
	ErrCommentsNotOpen = errors.New("streams: comments not yet open")
	// ErrCommentsClosed indicates a comment sent too long after the end.
	ErrCommentsClosed = errors.New("streams: comments closed")
	// ErrInvalidComment indicates an empty or oversized message.
	ErrInvalidComment = errors.New("streams: invalid comment")
	// ErrInvalidStream indicates an operator supplied an unusable stream record.
	ErrInvalidStream = errors.New("streams: invalid stream")
)

// ServiceError carries a dotted code naming the failed operation and reason.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "streams.service.new"
	opPlayerView       = "streams.player_view"
	opSubmitComment    = "streams.submit_comment"
	opSetAllowComments = "streams.set_allow_comments"
	opGetStream        = "streams.get_stream"
	opUpsertChannel    = "streams.upsert_channel"
	opUpsertStream     = "streams.upsert_stream"
	opSetStatus        = "streams.set_status"
	opApproveDue       = "streams.approve_due"
	opRecordPeaks      = "streams.record_peaks"
	opChannelForStream = "streams.channel_for_stream"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
