package comments

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status tracks a comment through moderation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

var (
	// ErrInvalidCommentID indicates a non-positive comment identifier.
	ErrInvalidCommentID = errors.New("comments: invalid comment id")
	// ErrInvalidStreamID indicates a non-positive stream identifier.
	ErrInvalidStreamID = errors.New("comments: invalid stream id")
)

// Comment is the delivery form of a viewer comment. VisibleAt is the unix
// millisecond time at which the comment becomes deliverable; on the wire it is
// published as "timestamp".
type Comment struct {
	ID        int64  `json:"id"`
	StreamID  int64  `json:"-"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	VisibleAt int64  `json:"timestamp"`
}

func (c Comment) validate() error {
	if c.ID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCommentID, c.ID)
	}
	if c.StreamID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidStreamID, c.StreamID)
	}
	return nil
}

func encodeComment(c Comment) ([]byte, error) {
	return json.Marshal(c)
}

func decodeComment(streamID int64, payload []byte) (Comment, error) {
	var c Comment
	if err := json.Unmarshal(payload, &c); err != nil {
		return Comment{}, err
	}
	if c.ID <= 0 {
		return Comment{}, fmt.Errorf("%w: %d", ErrInvalidCommentID, c.ID)
	}
	c.StreamID = streamID
	return c, nil
}
