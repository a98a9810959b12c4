package viewer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/metastream/live/internal/comments"
)

var testEpoch = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu          sync.Mutex
	updates     []Update
	checkedIDs  []int64
	heartbeats  int
	view        PlayerSnapshot
	viewErr     error
	submissions []Submission
	nextID      int64
}

func (f *fakeAPI) Heartbeat(context.Context, int64, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeAPI) CheckUpdate(_ context.Context, _ int64, lastID int64) (Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkedIDs = append(f.checkedIDs, lastID)
	if len(f.updates) == 0 {
		return Update{AllowComments: true, Comments: []comments.Comment{}}, nil
	}
	update := f.updates[0]
	f.updates = f.updates[1:]
	return update, nil
}

func (f *fakeAPI) PlayerView(context.Context, string) (PlayerSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view, f.viewErr
}

func (f *fakeAPI) SubmitComment(_ context.Context, _ string, submission Submission) (comments.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, submission)
	f.nextID++
	return comments.Comment{ID: f.nextID, Username: submission.Username, Message: submission.Message}, nil
}

func (f *fakeAPI) setView(view PlayerSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.view = view
}

func (f *fakeAPI) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

func (f *fakeAPI) checked() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.checkedIDs))
	copy(out, f.checkedIDs)
	return out
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func commentList(ids ...int64) []comments.Comment {
	out := make([]comments.Comment, 0, len(ids))
	for _, id := range ids {
		out = append(out, comments.Comment{ID: id, Username: "viewer", Message: "m", VisibleAt: testEpoch.UnixMilli()})
	}
	return out
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	session, err := NewSession(&MemoryIdentityStore{}, func() string { return "viewer-test" })
	if err != nil {
		t.Fatalf("failed to build session: %v", err)
	}
	return session
}
