package updates

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/metastream/live/internal/comments"
	"github.com/metastream/live/internal/eventstore"
	"github.com/metastream/live/internal/presence"
)

const testStreamID = int64(21)

type serviceFixture struct {
	service   *Service
	store     *eventstore.MemoryStore
	scheduler *comments.Scheduler
	clock     *clockwork.FakeClock
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	store := eventstore.NewMemoryStore(eventstore.MemoryConfig{Clock: clock})
	tracker, err := presence.NewTracker(presence.TrackerConfig{Set: store})
	if err != nil {
		t.Fatalf("failed to build tracker: %v", err)
	}
	scheduler, err := comments.NewScheduler(comments.SchedulerConfig{Log: store})
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Tracker:   tracker,
		Scheduler: scheduler,
		Flags:     store,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return serviceFixture{service: service, store: store, scheduler: scheduler, clock: clock}
}

func (f serviceFixture) put(t *testing.T, id int64, visibleIn time.Duration) {
	t.Helper()
	err := f.scheduler.Put(context.Background(), comments.Comment{
		ID:        id,
		StreamID:  testStreamID,
		Username:  "sara",
		Message:   "salam",
		VisibleAt: f.clock.Now().Add(visibleIn).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("failed to put comment: %v", err)
	}
}

func TestCheckUpdateDeliversVisibleComments(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.put(t, 1, -time.Second)
	fixture.put(t, 2, 10*time.Second)
	fixture.service.Heartbeat(context.Background(), testStreamID, "viewer-1")

	update := fixture.service.CheckUpdate(context.Background(), testStreamID, 0)
	if !update.HasUpdates || !update.AllowComments {
		t.Fatalf("expected updates with comments allowed, got %+v", update)
	}
	if len(update.Comments) != 1 || update.Comments[0].ID != 1 {
		t.Fatalf("expected only comment 1, got %+v", update.Comments)
	}
	if update.Online != 1 {
		t.Fatalf("expected 1 online, got %d", update.Online)
	}

	fixture.clock.Advance(10 * time.Second)
	update = fixture.service.CheckUpdate(context.Background(), testStreamID, 1)
	if len(update.Comments) != 1 || update.Comments[0].ID != 2 {
		t.Fatalf("expected comment 2 after its delay, got %+v", update.Comments)
	}
}

func TestCheckUpdateShortCircuitsWhenCommentsDisabled(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.put(t, 1, -time.Minute)
	fixture.put(t, 2, -time.Second)
	if err := fixture.store.SetAllowComments(context.Background(), testStreamID, false); err != nil {
		t.Fatalf("failed to disable comments: %v", err)
	}

	update := fixture.service.CheckUpdate(context.Background(), testStreamID, 0)
	if update.HasUpdates {
		t.Fatalf("expected has_updates=false")
	}
	if update.AllowComments {
		t.Fatalf("expected allow_comments=false")
	}
	if update.Comments == nil || len(update.Comments) != 0 {
		t.Fatalf("expected empty non-nil comments, got %#v", update.Comments)
	}
}

func TestCheckUpdateWithNothingNewHasNoUpdates(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.put(t, 4, -time.Second)

	update := fixture.service.CheckUpdate(context.Background(), testStreamID, 4)
	if update.HasUpdates || len(update.Comments) != 0 {
		t.Fatalf("expected no updates past cursor, got %+v", update)
	}
	if !update.AllowComments {
		t.Fatalf("expected comments allowed by default")
	}
}

func TestCheckUpdateDegradesWhenStoreUnavailable(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.put(t, 1, -time.Second)
	fixture.service.Heartbeat(context.Background(), testStreamID, "viewer-1")
	_ = fixture.store.Close()

	update := fixture.service.CheckUpdate(context.Background(), testStreamID, 0)
	if update.Online != 0 {
		t.Fatalf("expected online to degrade to 0, got %d", update.Online)
	}
	if len(update.Comments) != 0 || update.HasUpdates {
		t.Fatalf("expected comments to degrade to empty, got %+v", update)
	}
}

func TestHeartbeatAlwaysSucceeds(t *testing.T) {
	fixture := newServiceFixture(t)
	_ = fixture.store.Close()
	if !fixture.service.Heartbeat(context.Background(), testStreamID, "viewer-1") {
		t.Fatalf("expected heartbeat to report success")
	}
}

func TestRepeatedPollIsSideEffectFree(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.put(t, 1, -time.Second)
	first := fixture.service.CheckUpdate(context.Background(), testStreamID, 0)
	second := fixture.service.CheckUpdate(context.Background(), testStreamID, 0)
	if len(first.Comments) != len(second.Comments) || first.HasUpdates != second.HasUpdates {
		t.Fatalf("expected identical responses, got %+v and %+v", first, second)
	}
}
