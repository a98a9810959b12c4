package viewer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/metastream/live/internal/comments"
	"go.uber.org/zap"
)

const (
	// DefaultPollInterval is the check-update cadence.
	DefaultPollInterval = 5 * time.Second
	// DefaultHeartbeatInterval is the presence refresh cadence.
	DefaultHeartbeatInterval = 30 * time.Second

	anonymousName = "anonymous"
)

var (
	// ErrPollerRunning is returned by Start on a running poller.
	ErrPollerRunning = errors.New("viewer: poller already running")
	// ErrEmptyMessage rejects a blank submission before it reaches the server.
	ErrEmptyMessage = errors.New("viewer: message is empty")
)

// PollerHooks receives rendering callbacks. Every hook is optional, runs on
// poller or timer goroutines, and must not block on the owning Lifecycle.
type PollerHooks struct {
	OnRender func(FeedItem)
	OnReset  func()
	OnOnline func(int)
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	API               API
	Session           *Session
	Channel           string
	StreamID          int64
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Feed              FeedConfig
	Hooks             PollerHooks
	Clock             clockwork.Clock
	Logger            *zap.Logger
}

// Poller drives heartbeats and update polls for one stream and reconciles the
// responses into a Feed.
type Poller struct {
	api               API
	session           *Session
	channel           string
	streamID          int64
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	hooks             PollerHooks
	clock             clockwork.Clock
	logger            *zap.Logger
	feed              *Feed

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	generation uint64
	timers     map[int64]clockwork.Timer
	online     int
}

// NewPoller validates the configuration.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.API == nil {
		return nil, errors.New("viewer api is required")
	}
	if cfg.Session == nil {
		return nil, errors.New("viewer session is required")
	}
	if cfg.StreamID <= 0 {
		return nil, errors.New("stream id must be positive")
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		api:               cfg.API,
		session:           cfg.Session,
		channel:           cfg.Channel,
		streamID:          cfg.StreamID,
		pollInterval:      pollInterval,
		heartbeatInterval: heartbeatInterval,
		hooks:             cfg.Hooks,
		clock:             clock,
		logger:            logger.With(zap.Int64("stream_id", cfg.StreamID)),
		feed:              NewFeed(cfg.Feed),
		timers:            make(map[int64]clockwork.Timer),
	}, nil
}

// StreamID returns the stream this poller serves.
func (p *Poller) StreamID() int64 {
	return p.streamID
}

// Feed exposes the reconciliation state.
func (p *Poller) Feed() *Feed {
	return p.feed
}

// Online returns the last reported viewer count.
func (p *Poller) Online() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Running reports whether the timers are active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start sends a heartbeat and a poll right away, then keeps both on their
// intervals until Stop or ctx cancellation.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrPollerRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	heartbeatTicker := p.clock.NewTicker(p.heartbeatInterval)
	pollTicker := p.clock.NewTicker(p.pollInterval)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer heartbeatTicker.Stop()
		defer pollTicker.Stop()
		p.heartbeat(runCtx)
		p.poll(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-heartbeatTicker.Chan():
				p.heartbeat(runCtx)
			case <-pollTicker.Chan():
				p.poll(runCtx)
			}
		}
	}()
	p.logger.Debug("viewer poller started")
	return nil
}

// Stop tears down the interval loop and every pending reveal timer.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.stopTimersLocked()
	p.feed.DropPending()
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Debug("viewer poller stopped")
}

// Submit posts a comment under the session identity and renders it as own.
func (p *Poller) Submit(ctx context.Context, message string) (comments.Comment, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return comments.Comment{}, ErrEmptyMessage
	}
	submission := Submission{ViewerID: p.session.ViewerID(), Username: anonymousName, Message: message}
	if identity, ok := p.session.Identity(); ok {
		submission.Username = identity.Name
		submission.Contact = identity.Contact
	}
	comment, err := p.api.SubmitComment(ctx, p.channel, submission)
	if err != nil {
		return comments.Comment{}, err
	}
	comment.StreamID = p.streamID
	p.feed.AddOwn(comment)
	p.render(FeedItem{Comment: comment, Own: true})
	return comment, nil
}

func (p *Poller) heartbeat(ctx context.Context) {
	if err := p.api.Heartbeat(ctx, p.streamID, p.session.ViewerID()); err != nil && ctx.Err() == nil {
		p.logger.Debug("heartbeat failed", zap.Error(err))
	}
}

func (p *Poller) poll(ctx context.Context) {
	update, err := p.api.CheckUpdate(ctx, p.streamID, p.feed.Cursor())
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Debug("update poll failed", zap.Error(err))
		}
		return
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.online = update.Online
	plan := p.feed.Apply(update, p.clock.Now())
	if plan.Reset {
		p.stopTimersLocked()
	}
	generation := p.generation
	for _, reveal := range plan.Staggered {
		reveal := reveal
		p.timers[reveal.Comment.ID] = p.clock.AfterFunc(reveal.Delay, func() {
			p.reveal(generation, reveal.Comment)
		})
	}
	p.mu.Unlock()

	if p.hooks.OnOnline != nil {
		p.hooks.OnOnline(update.Online)
	}
	if plan.Reset && p.hooks.OnReset != nil {
		p.hooks.OnReset()
	}
	for _, comment := range plan.Immediate {
		p.render(FeedItem{Comment: comment})
	}
}

func (p *Poller) reveal(generation uint64, comment comments.Comment) {
	p.mu.Lock()
	current := p.running && p.generation == generation
	if current {
		delete(p.timers, comment.ID)
	}
	p.mu.Unlock()
	if !current || !p.feed.Reveal(comment) {
		return
	}
	p.render(FeedItem{Comment: comment})
}

func (p *Poller) render(item FeedItem) {
	if p.hooks.OnRender != nil {
		p.hooks.OnRender(item)
	}
}

func (p *Poller) stopTimersLocked() {
	for _, timer := range p.timers {
		timer.Stop()
	}
	p.timers = make(map[int64]clockwork.Timer)
	p.generation++
}
