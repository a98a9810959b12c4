package moderator

import (
	"sort"
	"sync"
)

// Event types pushed on the moderation socket.
const (
	EventInitial         = "initial"
	EventNewComment      = "new_comment"
	EventCommentApproved = "comment_approved"
	EventCommentDeleted  = "comment_deleted"
	EventActionResult    = "action_result"

	statusApproved = "approved"
)

// Comment is the moderator's view of a comment, contact included.
type Comment struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Contact   string `json:"contact,omitempty"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
	Timestamp int64  `json:"timestamp"`
}

// Listing is a full moderation snapshot.
type Listing struct {
	Pending  []Comment `json:"pending"`
	Approved []Comment `json:"approved"`
}

// Event is one realtime change.
type Event struct {
	Type      string   `json:"type"`
	CommentID int64    `json:"comment_id"`
	Comment   *Comment `json:"comment,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// Board holds the pending and approved queues of one stream by id.
type Board struct {
	mu       sync.RWMutex
	pending  map[int64]Comment
	approved map[int64]Comment
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{pending: make(map[int64]Comment), approved: make(map[int64]Comment)}
}

// Replace swaps in a full snapshot.
func (b *Board) Replace(listing Listing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = make(map[int64]Comment, len(listing.Pending))
	b.approved = make(map[int64]Comment, len(listing.Approved))
	for _, comment := range listing.Pending {
		b.pending[comment.ID] = comment
	}
	for _, comment := range listing.Approved {
		b.approved[comment.ID] = comment
	}
}

// Apply folds one event into the board. It reports whether anything changed.
func (b *Board) Apply(event Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch event.Type {
	case EventNewComment:
		if event.Comment == nil {
			return false
		}
		if event.Comment.Status == statusApproved {
			b.approved[event.Comment.ID] = *event.Comment
		} else {
			b.pending[event.Comment.ID] = *event.Comment
		}
		return true
	case EventCommentApproved:
		comment, ok := b.pending[event.CommentID]
		if event.Comment != nil {
			comment, ok = *event.Comment, true
		}
		if !ok {
			return false
		}
		comment.Status = statusApproved
		delete(b.pending, event.CommentID)
		b.approved[event.CommentID] = comment
		return true
	case EventCommentDeleted:
		_, inPending := b.pending[event.CommentID]
		_, inApproved := b.approved[event.CommentID]
		delete(b.pending, event.CommentID)
		delete(b.approved, event.CommentID)
		return inPending || inApproved
	default:
		return false
	}
}

// Reject drops a comment from both queues.
func (b *Board) Reject(commentID int64) {
	b.Apply(Event{Type: EventCommentDeleted, CommentID: commentID})
}

// Pending returns pending comments, newest first.
func (b *Board) Pending() []Comment {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedNewestFirst(b.pending)
}

// Approved returns approved comments, newest first.
func (b *Board) Approved() []Comment {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedNewestFirst(b.approved)
}

func sortedNewestFirst(set map[int64]Comment) []Comment {
	out := make([]Comment, 0, len(set))
	for _, comment := range set {
		out = append(out, comment)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}
