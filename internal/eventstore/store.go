package eventstore

import (
	"context"
	"errors"
	"time"
)

var (
	errMissingClient = errors.New("eventstore: redis client is required")
	// ErrClosed is returned by stores used after Close.
	ErrClosed = errors.New("eventstore: store closed")
)

// Entry is one record of a stream's time-ordered index: a comment identifier
// and the score (visibility time in unix milliseconds) it is filed under.
type Entry struct {
	ID    int64
	Score int64
}

// TimeIndexedLog is a per-stream log whose entries are indexed by score and
// whose payloads are addressable by identifier. Put and Remove keep the index
// and the payload map in step: neither ever exists without the other.
type TimeIndexedLog interface {
	Put(ctx context.Context, streamID int64, entry Entry, payload []byte) error
	// RangeByScore returns entries with Score <= maxScore in ascending score order.
	RangeByScore(ctx context.Context, streamID int64, maxScore int64) ([]Entry, error)
	// All returns every indexed entry regardless of score.
	All(ctx context.Context, streamID int64) ([]Entry, error)
	// Payloads returns one slot per id; missing payloads are nil.
	Payloads(ctx context.Context, streamID int64, ids []int64) ([][]byte, error)
	Remove(ctx context.Context, streamID int64, id int64) (bool, error)
}

// PresenceSet tracks members with a per-member sliding expiry.
type PresenceSet interface {
	Touch(ctx context.Context, streamID int64, member string, ttl time.Duration) error
	Count(ctx context.Context, streamID int64) (int64, error)
}

// FlagStore holds the per-stream allow-comments switch.
type FlagStore interface {
	AllowComments(ctx context.Context, streamID int64) (bool, error)
	SetAllowComments(ctx context.Context, streamID int64, enabled bool) error
}

// Store is the full event store surface used by the service.
type Store interface {
	TimeIndexedLog
	PresenceSet
	FlagStore
	Ping(ctx context.Context) error
	Close() error
}

// parseFlag treats "1" and "true" as enabled; every other stored value disables.
func parseFlag(value string) bool {
	return value == "1" || value == "true"
}

func formatFlag(enabled bool) string {
	if enabled {
		return "1"
	}
	return "0"
}
