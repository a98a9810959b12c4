package presence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/metastream/live/internal/eventstore"
	"go.uber.org/zap"
)

// DefaultTTL is how long a viewer stays online after its last heartbeat.
const DefaultTTL = 120 * time.Second

var (
	errMissingSet = errors.New("presence: presence set is required")
	// ErrInvalidViewerID indicates an empty viewer identifier.
	ErrInvalidViewerID = errors.New("presence: invalid viewer id")
)

// TrackerConfig wires the tracker to its presence set.
type TrackerConfig struct {
	Set    eventstore.PresenceSet
	TTL    time.Duration
	Logger *zap.Logger
}

// Tracker maintains the set of viewers currently watching each stream.
type Tracker struct {
	set    eventstore.PresenceSet
	ttl    time.Duration
	logger *zap.Logger
}

// NewTracker validates the configuration and applies defaults.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Set == nil {
		return nil, errMissingSet
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{set: cfg.Set, ttl: ttl, logger: logger}, nil
}

// Heartbeat marks the viewer online and restarts its TTL. Repeating it only
// refreshes the expiry.
func (t *Tracker) Heartbeat(ctx context.Context, streamID int64, viewerID string) error {
	viewerID = strings.TrimSpace(viewerID)
	if viewerID == "" {
		return ErrInvalidViewerID
	}
	return t.set.Touch(ctx, streamID, viewerID, t.ttl)
}

// OnlineCount is best effort: a store failure reads as zero viewers.
func (t *Tracker) OnlineCount(ctx context.Context, streamID int64) int {
	count, err := t.set.Count(ctx, streamID)
	if err != nil {
		t.logger.Warn("online count unavailable",
			zap.Int64("stream_id", streamID),
			zap.Error(err))
		return 0
	}
	return int(count)
}
