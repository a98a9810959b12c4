package streams

import (
	"context"
	"testing"
	"time"

	"github.com/metastream/live/internal/comments"
	"github.com/metastream/live/internal/eventstore"
	"go.uber.org/zap"
)

// beforePutLog runs hook once, right before the next payload write.
type beforePutLog struct {
	eventstore.TimeIndexedLog
	hook func()
}

func (l *beforePutLog) Put(ctx context.Context, streamID int64, entry eventstore.Entry, payload []byte) error {
	if hook := l.hook; hook != nil {
		l.hook = nil
		hook()
	}
	return l.TimeIndexedLog.Put(ctx, streamID, entry, payload)
}

func newTestApprover(t *testing.T, fixture serviceFixture) *Approver {
	t.Helper()
	approver, err := NewApprover(ApproverConfig{
		Database:  fixture.db,
		Scheduler: fixture.scheduler,
		Publisher: fixture.publisher,
		Clock:     fixture.clock,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build approver: %v", err)
	}
	return approver
}

func loadComment(t *testing.T, fixture serviceFixture, id int64) CommentRecord {
	t.Helper()
	var record CommentRecord
	if err := fixture.db.Where("id = ?", id).Take(&record).Error; err != nil {
		t.Fatalf("failed to load comment %d: %v", id, err)
	}
	return record
}

func TestApproveDueApprovesOnlyElapsedComments(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.stream(t, StatusLive, testNow, true)
	approver := newTestApprover(t, fixture)
	ctx := context.Background()

	first, err := fixture.service.SubmitComment(ctx, "tehran-live", CommentInput{Message: "first"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	fixture.clock.Advance(10 * time.Second)
	second, err := fixture.service.SubmitComment(ctx, "tehran-live", CommentInput{Message: "second"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	count, err := approver.ApproveDue(ctx)
	if err != nil || count != 0 {
		t.Fatalf("expected nothing due, got %d err=%v", count, err)
	}

	fixture.clock.Advance(5 * time.Second)
	count, err = approver.ApproveDue(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected one approval, got %d err=%v", count, err)
	}
	if loadComment(t, fixture, first.ID).Status != comments.StatusApproved {
		t.Fatalf("expected first comment approved")
	}
	if loadComment(t, fixture, second.ID).Status != comments.StatusPending {
		t.Fatalf("expected second comment still pending")
	}

	types := fixture.publisher.types()
	if types[len(types)-1] != EventCommentApproved {
		t.Fatalf("expected comment_approved event, got %v", types)
	}

	count, err = approver.ApproveDue(ctx)
	if err != nil || count != 0 {
		t.Fatalf("expected approvals to be idempotent, got %d err=%v", count, err)
	}
}

func TestApproveDueRepairsLostStoreWrite(t *testing.T) {
	fixture := newServiceFixture(t)
	stream := fixture.stream(t, StatusLive, testNow, true)
	approver := newTestApprover(t, fixture)
	ctx := context.Background()

	record, err := fixture.service.SubmitComment(ctx, "tehran-live", CommentInput{Message: "lost"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := fixture.scheduler.Delete(ctx, stream.ID, record.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	fixture.clock.Advance(DefaultCommentDelay)
	if _, err := approver.ApproveDue(ctx); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	visible, err := fixture.scheduler.QueryVisible(ctx, stream.ID, 0, fixture.clock.Now())
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != record.ID {
		t.Fatalf("expected approval to re-write the comment, got %+v", visible)
	}
}

func TestApproveDueSkipsDeletedComments(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.stream(t, StatusLive, testNow, true)
	approver := newTestApprover(t, fixture)
	ctx := context.Background()

	record, err := fixture.service.SubmitComment(ctx, "tehran-live", CommentInput{Message: "spam"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	deletedAt := testNow.UnixMilli()
	if err := fixture.db.Model(&CommentRecord{}).Where("id = ?", record.ID).Update("deleted_at_ms", deletedAt).Error; err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}

	fixture.clock.Advance(DefaultCommentDelay)
	count, err := approver.ApproveDue(ctx)
	if err != nil || count != 0 {
		t.Fatalf("expected deleted comment skipped, got %d err=%v", count, err)
	}
}

func TestApproverRunSweepsOnTick(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.stream(t, StatusLive, testNow, true)
	approver := newTestApprover(t, fixture)

	record, err := fixture.service.SubmitComment(context.Background(), "tehran-live", CommentInput{Message: "tick"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- approver.Run(ctx) }()

	blockCtx, blockCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer blockCancel()
	if err := fixture.clock.BlockUntilContext(blockCtx, 1); err != nil {
		t.Fatalf("approver never started its ticker: %v", err)
	}
	fixture.clock.Advance(DefaultCommentDelay)

	deadline := time.Now().Add(2 * time.Second)
	for loadComment(t, fixture, record.ID).Status != comments.StatusApproved {
		if time.Now().After(deadline) {
			t.Fatalf("expected run loop to approve the comment")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("approver did not stop")
	}
}

func TestNewApproverRequiresDependencies(t *testing.T) {
	if _, err := NewApprover(ApproverConfig{}); err == nil {
		t.Fatalf("expected error without database")
	}
}

func TestApproveDueWithdrawsCommentDeletedMidSweep(t *testing.T) {
	fixture := newServiceFixture(t)
	stream := fixture.stream(t, StatusLive, testNow, true)
	ctx := context.Background()
	record, err := fixture.service.SubmitComment(ctx, "tehran-live", CommentInput{Message: "short lived"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	racingLog := &beforePutLog{TimeIndexedLog: fixture.store}
	racingScheduler, err := comments.NewScheduler(comments.SchedulerConfig{Log: racingLog})
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}
	approver, err := NewApprover(ApproverConfig{Database: fixture.db, Scheduler: racingScheduler, Clock: fixture.clock})
	if err != nil {
		t.Fatalf("failed to build approver: %v", err)
	}
	racingLog.hook = func() {
		deletedAt := fixture.clock.Now().UnixMilli()
		if err := fixture.db.Model(&CommentRecord{}).Where("id = ?", record.ID).Update("deleted_at_ms", deletedAt).Error; err != nil {
			t.Errorf("soft delete failed: %v", err)
		}
		if _, err := fixture.scheduler.Delete(ctx, stream.ID, record.ID); err != nil {
			t.Errorf("store delete failed: %v", err)
		}
	}

	fixture.clock.Advance(DefaultCommentDelay)
	count, err := approver.ApproveDue(ctx)
	if err != nil || count != 0 {
		t.Fatalf("expected the deleted comment not to count, got %d err=%v", count, err)
	}
	visible, err := fixture.scheduler.QueryVisible(ctx, stream.ID, 0, fixture.clock.Now())
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("expected deleted comment to stay hidden, got %d comments", len(visible))
	}
}
