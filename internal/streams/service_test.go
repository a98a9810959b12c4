package streams

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/jonboulle/clockwork"
	"github.com/metastream/live/internal/comments"
	"github.com/metastream/live/internal/eventstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, len(p.events))
	for i, event := range p.events {
		types[i] = event.Type
	}
	return types
}

type serviceFixture struct {
	db        *gorm.DB
	service   *Service
	scheduler *comments.Scheduler
	store     *eventstore.MemoryStore
	publisher *recordingPublisher
	clock     *clockwork.FakeClock
	channel   Channel
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "streams.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Channel{}, &Stream{}, &CommentRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	clock := clockwork.NewFakeClockAt(testNow)
	store := eventstore.NewMemoryStore(eventstore.MemoryConfig{Clock: clock})
	scheduler, err := comments.NewScheduler(comments.SchedulerConfig{Log: store})
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}
	publisher := &recordingPublisher{}
	service, err := NewService(ServiceConfig{
		Database:  db,
		Scheduler: scheduler,
		Flags:     store,
		Publisher: publisher,
		Clock:     clock,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	channel, err := service.UpsertChannel(context.Background(), Channel{Username: "tehran-live", Name: "Tehran Live", OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("failed to create channel: %v", err)
	}
	return serviceFixture{
		db:        db,
		service:   service,
		scheduler: scheduler,
		store:     store,
		publisher: publisher,
		clock:     clock,
		channel:   channel,
	}
}

func (f serviceFixture) stream(t *testing.T, status Status, start time.Time, allowComments bool) Stream {
	t.Helper()
	stream, err := f.service.UpsertStream(context.Background(), Stream{
		ChannelID:        f.channel.ID,
		OwnerID:          f.channel.OwnerID,
		Title:            "evening show",
		StartTimeSeconds: start.Unix(),
		DurationSeconds:  3600,
		Status:           status,
		AllowComments:    allowComments,
	})
	if err != nil {
		t.Fatalf("failed to create stream: %v", err)
	}
	return stream
}

func codeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}

func TestSubmitCommentSchedulesAfterDelay(t *testing.T) {
	fixture := newServiceFixture(t)
	stream := fixture.stream(t, StatusLive, testNow.Add(-time.Hour), true)

	record, err := fixture.service.SubmitComment(context.Background(), "tehran-live", CommentInput{
		ViewerID: "viewer-1",
		Username: "Sara",
		Message:  "  great show  ",
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if record.Status != comments.StatusPending {
		t.Fatalf("expected pending comment, got %s", record.Status)
	}
	if record.Message != "great show" {
		t.Fatalf("expected trimmed message, got %q", record.Message)
	}
	if record.VisibleAtMillis != testNow.Add(DefaultCommentDelay).UnixMilli() {
		t.Fatalf("unexpected visible_at_ms %d", record.VisibleAtMillis)
	}

	early, err := fixture.scheduler.QueryVisible(context.Background(), stream.ID, 0, testNow)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(early) != 0 {
		t.Fatalf("expected comment hidden during moderation delay")
	}
	late, err := fixture.scheduler.QueryVisible(context.Background(), stream.ID, 0, testNow.Add(DefaultCommentDelay))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(late) != 1 || late[0].ID != record.ID {
		t.Fatalf("expected comment visible after delay, got %+v", late)
	}

	types := fixture.publisher.types()
	if len(types) != 1 || types[0] != EventNewComment {
		t.Fatalf("expected new_comment event, got %v", types)
	}
}

func TestSubmitCommentRespectsWindowAndFlag(t *testing.T) {
	testCases := []struct {
		name     string
		status   Status
		start    time.Time
		allow    bool
		wantCode string
	}{
		{name: "too-early", status: StatusScheduled, start: testNow.Add(31 * time.Minute), allow: true, wantCode: "streams.submit_comment.comments_not_open"},
		{name: "disabled", status: StatusLive, start: testNow.Add(-time.Minute), allow: false, wantCode: "streams.submit_comment.comments_disabled"},
		{name: "open-before-start", status: StatusScheduled, start: testNow.Add(29 * time.Minute), allow: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			fixture := newServiceFixture(t)
			fixture.stream(t, testCase.status, testCase.start, testCase.allow)
			_, err := fixture.service.SubmitComment(context.Background(), "tehran-live", CommentInput{Message: "hi"})
			if testCase.wantCode == "" {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			if codeOf(err) != testCase.wantCode {
				t.Fatalf("expected code %s, got %v", testCase.wantCode, err)
			}
		})
	}
}

func TestSubmitCommentClosedLongAfterEnd(t *testing.T) {
	fixture := newServiceFixture(t)
	stream := fixture.stream(t, StatusLive, testNow.Add(-2*time.Hour), true)
	if _, err := fixture.service.SetStatus(context.Background(), stream.ID, StatusEnded); err != nil {
		t.Fatalf("failed to end stream: %v", err)
	}

	fixture.clock.Advance(4 * time.Minute)
	if _, err := fixture.service.SubmitComment(context.Background(), "tehran-live", CommentInput{Message: "bye"}); err != nil {
		t.Fatalf("expected comment inside grace window, got %v", err)
	}

	fixture.clock.Advance(2 * time.Minute)
	_, err := fixture.service.SubmitComment(context.Background(), "tehran-live", CommentInput{Message: "late"})
	if !errors.Is(err, ErrCommentsClosed) {
		t.Fatalf("expected ErrCommentsClosed, got %v", err)
	}
}

func TestSubmitCommentTargetsLiveStreamOverLaterSchedule(t *testing.T) {
	fixture := newServiceFixture(t)
	live := fixture.stream(t, StatusLive, testNow.Add(-10*time.Minute), true)
	fixture.stream(t, StatusScheduled, testNow.Add(48*time.Hour), true)

	record, err := fixture.service.SubmitComment(context.Background(), "tehran-live", CommentInput{Message: "hello live"})
	if err != nil {
		t.Fatalf("expected comment on the live stream, got %v", err)
	}
	if record.StreamID != live.ID {
		t.Fatalf("expected stream %d, got %d", live.ID, record.StreamID)
	}
}

func TestSubmitCommentTargetsRecentlyEndedOverLaterSchedule(t *testing.T) {
	fixture := newServiceFixture(t)
	ended := fixture.stream(t, StatusLive, testNow.Add(-time.Hour), true)
	if _, err := fixture.service.SetStatus(context.Background(), ended.ID, StatusEnded); err != nil {
		t.Fatalf("failed to end stream: %v", err)
	}
	fixture.stream(t, StatusScheduled, testNow.Add(24*time.Hour), true)

	fixture.clock.Advance(time.Minute)
	record, err := fixture.service.SubmitComment(context.Background(), "tehran-live", CommentInput{Message: "gg"})
	if err != nil {
		t.Fatalf("expected comment inside the grace window, got %v", err)
	}
	if record.StreamID != ended.ID {
		t.Fatalf("expected stream %d, got %d", ended.ID, record.StreamID)
	}
}

func TestSubmitCommentValidation(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.stream(t, StatusLive, testNow, true)

	if _, err := fixture.service.SubmitComment(context.Background(), "tehran-live", CommentInput{Message: "   "}); !errors.Is(err, ErrInvalidComment) {
		t.Fatalf("expected ErrInvalidComment, got %v", err)
	}
	if _, err := fixture.service.SubmitComment(context.Background(), "nobody", CommentInput{Message: "hi"}); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
	record, err := fixture.service.SubmitComment(context.Background(), "tehran-live", CommentInput{Message: "hi"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if record.Username != anonymousUsername {
		t.Fatalf("expected anonymous username, got %q", record.Username)
	}
}

func TestCommentIDsIncreaseStrictly(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.stream(t, StatusLive, testNow, true)
	var previous int64
	for i := 0; i < 5; i++ {
		record, err := fixture.service.SubmitComment(context.Background(), "tehran-live", CommentInput{Message: "m"})
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		if record.ID <= previous {
			t.Fatalf("expected increasing ids, got %d after %d", record.ID, previous)
		}
		previous = record.ID
	}
}

func TestSetAllowCommentsWritesFlag(t *testing.T) {
	fixture := newServiceFixture(t)
	stream := fixture.stream(t, StatusLive, testNow, true)

	if err := fixture.service.SetAllowComments(context.Background(), stream.ID, false); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	enabled, err := fixture.store.AllowComments(context.Background(), stream.ID)
	if err != nil || enabled {
		t.Fatalf("expected flag disabled, got %v err=%v", enabled, err)
	}
	reloaded, err := fixture.service.GetStream(context.Background(), stream.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if reloaded.AllowComments {
		t.Fatalf("expected canonical record disabled")
	}

	if err := fixture.service.SetAllowComments(context.Background(), stream.ID+100, true); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestPlayerViewPrefersLiveThenRecentlyEndedThenScheduled(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	view, err := fixture.service.PlayerView(ctx, "tehran-live")
	if err != nil {
		t.Fatalf("player view failed: %v", err)
	}
	if view.Stream != nil {
		t.Fatalf("expected no stream yet")
	}

	later := fixture.stream(t, StatusScheduled, testNow.Add(2*time.Hour), true)
	sooner := fixture.stream(t, StatusScheduled, testNow.Add(time.Hour), true)
	view, _ = fixture.service.PlayerView(ctx, "tehran-live")
	if view.Stream == nil || view.Stream.ID != sooner.ID {
		t.Fatalf("expected earliest scheduled stream %d, got %+v", sooner.ID, view.Stream)
	}

	if _, err := fixture.service.SetStatus(ctx, sooner.ID, StatusLive); err != nil {
		t.Fatalf("set status failed: %v", err)
	}
	view, _ = fixture.service.PlayerView(ctx, "tehran-live")
	if view.Stream == nil || view.Stream.ID != sooner.ID || view.Stream.Status != StatusLive {
		t.Fatalf("expected live stream, got %+v", view.Stream)
	}

	if _, err := fixture.service.SetStatus(ctx, sooner.ID, StatusEnded); err != nil {
		t.Fatalf("set status failed: %v", err)
	}
	view, _ = fixture.service.PlayerView(ctx, "tehran-live")
	if view.Stream == nil || view.Stream.ID != sooner.ID || view.Stream.Status != StatusEnded {
		t.Fatalf("expected recently ended stream, got %+v", view.Stream)
	}
	if view.NextStream == nil || view.NextStream.ID != later.ID {
		t.Fatalf("expected next stream %d, got %+v", later.ID, view.NextStream)
	}

	fixture.clock.Advance(EndedGraceWindow)
	view, _ = fixture.service.PlayerView(ctx, "tehran-live")
	if view.Stream == nil || view.Stream.ID != later.ID || view.NextStream != nil {
		t.Fatalf("expected scheduled stream after grace window, got %+v", view)
	}

	if _, err := fixture.service.SetStatus(ctx, later.ID, StatusCancelled); err != nil {
		t.Fatalf("set status failed: %v", err)
	}
	view, _ = fixture.service.PlayerView(ctx, "tehran-live")
	if view.Stream != nil {
		t.Fatalf("expected no stream once everything is over, got %+v", view.Stream)
	}

	if _, err := fixture.service.PlayerView(ctx, "missing"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestPlayerViewPrefersOverdueScheduledOverEnded(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	previous := fixture.stream(t, StatusLive, testNow.Add(-2*time.Hour), true)
	if _, err := fixture.service.SetStatus(ctx, previous.ID, StatusEnded); err != nil {
		t.Fatalf("set status failed: %v", err)
	}
	overdue := fixture.stream(t, StatusScheduled, testNow.Add(-time.Minute), true)

	view, err := fixture.service.PlayerView(ctx, "tehran-live")
	if err != nil {
		t.Fatalf("player view failed: %v", err)
	}
	if view.Stream == nil || view.Stream.ID != overdue.ID {
		t.Fatalf("expected overdue scheduled stream, got %+v", view.Stream)
	}
	if view.NextStream != nil {
		t.Fatalf("expected no next stream for a scheduled stream")
	}
}
