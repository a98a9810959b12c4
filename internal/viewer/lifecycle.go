package viewer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/metastream/live/internal/comments"
	"go.uber.org/zap"
)

// State is the client-side broadcast phase of the channel's stream.
type State string

const (
	StateNoStream        State = "no_stream"
	StateCountdown       State = "countdown"
	StatePreparing       State = "preparing"
	StateLive            State = "live"
	StateEnded           State = "ended"
	StateCancelled       State = "cancelled"
	StateNext            State = "next"
	StateChannelNotFound State = "channel_not_found"
)

const (
	// DefaultPreparingDelay masks encoder start-up before showing live.
	DefaultPreparingDelay = 25 * time.Second
	// DefaultGraceWindow keeps polling after a stream ends.
	DefaultGraceWindow = 5 * time.Minute
	// DefaultNextDelay is the wait on an ended stream before loading the next one.
	DefaultNextDelay = 5 * time.Minute
	// DefaultRefreshInterval re-reads the player view.
	DefaultRefreshInterval = 15 * time.Second
	// DefaultPreparingRefreshInterval re-reads faster while waiting for live.
	DefaultPreparingRefreshInterval = 5 * time.Second

	timerStart     = "start"
	timerForceLive = "force_live"
	timerGraceEnd  = "grace_end"
	timerNext      = "next"
	timerRefresh   = "refresh"
)

// ErrNotPolling is returned by Submit when no stream is accepting viewers.
var ErrNotPolling = errors.New("viewer: no active stream")

// PollerFactory builds the poller for a stream.
type PollerFactory func(stream StreamSnapshot) (*Poller, error)

// LifecycleConfig configures a Lifecycle.
type LifecycleConfig struct {
	API                      API
	Session                  *Session
	Channel                  string
	NewPoller                PollerFactory
	PollerHooks              PollerHooks
	PreparingDelay           time.Duration
	GraceWindow              time.Duration
	NextDelay                time.Duration
	RefreshInterval          time.Duration
	PreparingRefreshInterval time.Duration
	OnState                  func(State, PlayerSnapshot)
	Clock                    clockwork.Clock
	Logger                   *zap.Logger
}

type lifecycleTimer struct {
	timer clockwork.Timer
	token uint64
}

// Lifecycle tracks one channel's player page. It owns every timer it starts
// and the poller of the stream on screen; Close releases all of them.
type Lifecycle struct {
	api                      API
	channel                  string
	newPoller                PollerFactory
	preparingDelay           time.Duration
	graceWindow              time.Duration
	nextDelay                time.Duration
	refreshInterval          time.Duration
	preparingRefreshInterval time.Duration
	onState                  func(State, PlayerSnapshot)
	clock                    clockwork.Clock
	logger                   *zap.Logger

	mu         sync.Mutex
	ctx        context.Context
	state      State
	snapshot   PlayerSnapshot
	forcedLive int64
	poller     *Poller
	timers     map[string]lifecycleTimer
	tokens     uint64
	closed     bool
}

// NewLifecycle validates the configuration.
func NewLifecycle(cfg LifecycleConfig) (*Lifecycle, error) {
	if cfg.API == nil {
		return nil, errors.New("viewer api is required")
	}
	if cfg.Channel == "" {
		return nil, errors.New("channel is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newPoller := cfg.NewPoller
	if newPoller == nil {
		if cfg.Session == nil {
			return nil, errors.New("viewer session is required")
		}
		newPoller = func(stream StreamSnapshot) (*Poller, error) {
			return NewPoller(PollerConfig{
				API:      cfg.API,
				Session:  cfg.Session,
				Channel:  cfg.Channel,
				StreamID: stream.ID,
				Hooks:    cfg.PollerHooks,
				Clock:    clock,
				Logger:   logger,
			})
		}
	}
	return &Lifecycle{
		api:                      cfg.API,
		channel:                  cfg.Channel,
		newPoller:                newPoller,
		preparingDelay:           durationOrDefault(cfg.PreparingDelay, DefaultPreparingDelay),
		graceWindow:              durationOrDefault(cfg.GraceWindow, DefaultGraceWindow),
		nextDelay:                durationOrDefault(cfg.NextDelay, DefaultNextDelay),
		refreshInterval:          durationOrDefault(cfg.RefreshInterval, DefaultRefreshInterval),
		preparingRefreshInterval: durationOrDefault(cfg.PreparingRefreshInterval, DefaultPreparingRefreshInterval),
		onState:                  cfg.OnState,
		clock:                    clock,
		logger:                   logger.With(zap.String("channel", cfg.Channel)),
		state:                    StateNoStream,
		timers:                   make(map[string]lifecycleTimer),
	}, nil
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// Start loads the player view and keeps it fresh until Close or ctx ends.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("viewer: lifecycle closed")
	}
	l.ctx = ctx
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.Close()
	}()
	return l.Refresh(ctx)
}

// Refresh re-reads the player view and applies it.
func (l *Lifecycle) Refresh(ctx context.Context) error {
	snapshot, err := l.api.PlayerView(ctx, l.channel)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	var notify func()
	switch {
	case errors.Is(err, ErrChannelNotFound):
		notify = l.enterLocked(StateChannelNotFound, PlayerSnapshot{})
		l.stopPollerLocked()
		l.cancelAllTimersLocked()
		err = nil
	case err != nil:
		l.logger.Warn("player view refresh failed", zap.Error(err))
	default:
		notify = l.applyLocked(snapshot)
	}
	l.scheduleRefreshLocked()
	l.mu.Unlock()

	if notify != nil {
		notify()
	}
	return err
}

// State returns the current phase.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Snapshot returns the last applied player view.
func (l *Lifecycle) Snapshot() PlayerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot
}

// Poller returns the active poller, or nil when polling is off.
func (l *Lifecycle) Poller() *Poller {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.poller == nil || !l.poller.Running() {
		return nil
	}
	return l.poller
}

// Submit posts a comment through the active poller.
func (l *Lifecycle) Submit(ctx context.Context, message string) (comments.Comment, error) {
	poller := l.Poller()
	if poller == nil {
		return comments.Comment{}, ErrNotPolling
	}
	return poller.Submit(ctx, message)
}

// Close stops the poller and every timer. It is safe to call more than once.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.cancelAllTimersLocked()
	l.stopPollerLocked()
}

func (l *Lifecycle) applyLocked(snapshot PlayerSnapshot) func() {
	stream := snapshot.Stream
	if stream == nil {
		l.forcedLive = 0
		l.cancelAllTimersLocked()
		l.stopPollerLocked()
		return l.enterLocked(StateNoStream, snapshot)
	}
	if l.forcedLive != 0 && l.forcedLive != stream.ID {
		l.forcedLive = 0
	}
	now := l.clock.Now()

	switch stream.Status {
	case StreamCancelled:
		l.forcedLive = 0
		l.cancelAllTimersLocked()
		l.stopPollerLocked()
		return l.enterLocked(StateCancelled, snapshot)

	case StreamLive:
		l.forcedLive = 0
		l.cancelTimersLocked(timerStart, timerForceLive, timerGraceEnd, timerNext)
		l.ensurePollerLocked(*stream)
		return l.enterLocked(StateLive, snapshot)

	case StreamEnded:
		l.forcedLive = 0
		l.cancelTimersLocked(timerStart, timerForceLive)
		graceLeft := stream.EndTime().Add(l.graceWindow).Sub(now)
		if graceLeft > 0 {
			l.ensurePollerLocked(*stream)
			l.scheduleLocked(timerGraceEnd, graceLeft, l.onGraceEnd)
		} else {
			l.cancelTimersLocked(timerGraceEnd)
			l.stopPollerLocked()
		}
		if snapshot.NextStream != nil {
			if _, pending := l.timers[timerNext]; !pending {
				l.scheduleLocked(timerNext, l.nextDelay, l.onNext)
			}
		} else {
			l.cancelTimersLocked(timerNext)
		}
		return l.enterLocked(StateEnded, snapshot)

	default:
		l.cancelTimersLocked(timerGraceEnd, timerNext)
		l.ensurePollerLocked(*stream)
		if l.forcedLive == stream.ID {
			return l.enterLocked(StateLive, snapshot)
		}
		if untilStart := stream.StartTime.Sub(now); untilStart > 0 {
			l.cancelTimersLocked(timerForceLive)
			l.scheduleLocked(timerStart, untilStart, l.onStart)
			return l.enterLocked(StateCountdown, snapshot)
		}
		l.cancelTimersLocked(timerStart)
		if _, pending := l.timers[timerForceLive]; !pending {
			l.scheduleLocked(timerForceLive, l.preparingDelay, l.onForceLive)
		}
		return l.enterLocked(StatePreparing, snapshot)
	}
}

func (l *Lifecycle) onStart() {
	l.mu.Lock()
	if l.state != StateCountdown {
		l.mu.Unlock()
		return
	}
	l.scheduleLocked(timerForceLive, l.preparingDelay, l.onForceLive)
	notify := l.enterLocked(StatePreparing, l.snapshot)
	l.scheduleRefreshLocked()
	l.mu.Unlock()
	notify()
}

// onForceLive shows the stream as live before the server confirms it.
func (l *Lifecycle) onForceLive() {
	l.mu.Lock()
	if l.state != StatePreparing || l.snapshot.Stream == nil {
		l.mu.Unlock()
		return
	}
	l.forcedLive = l.snapshot.Stream.ID
	notify := l.enterLocked(StateLive, l.snapshot)
	l.scheduleRefreshLocked()
	l.mu.Unlock()
	notify()
}

func (l *Lifecycle) onGraceEnd() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateEnded {
		l.stopPollerLocked()
	}
}

func (l *Lifecycle) onNext() {
	l.mu.Lock()
	if l.state != StateEnded {
		l.mu.Unlock()
		return
	}
	l.stopPollerLocked()
	l.cancelAllTimersLocked()
	notify := l.enterLocked(StateNext, l.snapshot)
	ctx := l.ctx
	l.mu.Unlock()
	notify()
	if ctx != nil {
		_ = l.Refresh(ctx)
	}
}

func (l *Lifecycle) onRefresh() {
	l.mu.Lock()
	ctx := l.ctx
	l.mu.Unlock()
	if ctx != nil {
		_ = l.Refresh(ctx)
	}
}

func (l *Lifecycle) enterLocked(state State, snapshot PlayerSnapshot) func() {
	changed := l.state != state
	l.state = state
	l.snapshot = snapshot
	if changed {
		l.logger.Info("stream state changed", zap.String("state", string(state)))
	}
	if l.onState == nil || !changed {
		return func() {}
	}
	hook := l.onState
	return func() { hook(state, snapshot) }
}

func (l *Lifecycle) ensurePollerLocked(stream StreamSnapshot) {
	if l.poller != nil && l.poller.StreamID() == stream.ID {
		if !l.poller.Running() {
			l.startPollerLocked()
		}
		return
	}
	l.stopPollerLocked()
	poller, err := l.newPoller(stream)
	if err != nil {
		l.logger.Error("failed to build poller", zap.Int64("stream_id", stream.ID), zap.Error(err))
		return
	}
	l.poller = poller
	l.startPollerLocked()
}

func (l *Lifecycle) startPollerLocked() {
	ctx := l.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := l.poller.Start(ctx); err != nil && !errors.Is(err, ErrPollerRunning) {
		l.logger.Warn("failed to start poller", zap.Error(err))
	}
}

func (l *Lifecycle) stopPollerLocked() {
	if l.poller != nil {
		l.poller.Stop()
	}
}

func (l *Lifecycle) scheduleRefreshLocked() {
	if l.closed || l.ctx == nil {
		return
	}
	switch l.state {
	case StateCancelled, StateChannelNotFound:
		l.cancelTimersLocked(timerRefresh)
		return
	case StatePreparing:
		l.scheduleLocked(timerRefresh, l.preparingRefreshInterval, l.onRefresh)
	default:
		l.scheduleLocked(timerRefresh, l.refreshInterval, l.onRefresh)
	}
}

func (l *Lifecycle) scheduleLocked(name string, delay time.Duration, fn func()) {
	l.cancelTimersLocked(name)
	l.tokens++
	token := l.tokens
	timer := l.clock.AfterFunc(delay, func() { l.fire(name, token, fn) })
	l.timers[name] = lifecycleTimer{timer: timer, token: token}
}

func (l *Lifecycle) fire(name string, token uint64, fn func()) {
	l.mu.Lock()
	entry, ok := l.timers[name]
	if !ok || entry.token != token || l.closed {
		l.mu.Unlock()
		return
	}
	delete(l.timers, name)
	l.mu.Unlock()
	fn()
}

func (l *Lifecycle) cancelTimersLocked(names ...string) {
	for _, name := range names {
		if entry, ok := l.timers[name]; ok {
			entry.timer.Stop()
			delete(l.timers, name)
		}
	}
}

func (l *Lifecycle) cancelAllTimersLocked() {
	for name, entry := range l.timers {
		entry.timer.Stop()
		delete(l.timers, name)
	}
}
