package main

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/metastream/live/internal/comments"
	"github.com/metastream/live/internal/viewer"
)

// exclusiveWriter records whether two writes ever overlapped.
type exclusiveWriter struct {
	inFlight atomic.Int32
	overlap  atomic.Bool
	buffer   bytes.Buffer
}

func (w *exclusiveWriter) Write(p []byte) (int, error) {
	if w.inFlight.Add(1) > 1 {
		w.overlap.Store(true)
	}
	defer w.inFlight.Add(-1)
	time.Sleep(50 * time.Microsecond)
	return w.buffer.Write(p)
}

func TestFeedPrinterSerializesConcurrentWriters(t *testing.T) {
	out := &exclusiveWriter{}
	printer := &feedPrinter{out: out}

	const writers, lines = 8, 20
	var group sync.WaitGroup
	for i := 0; i < writers; i++ {
		group.Add(1)
		go func(id int) {
			defer group.Done()
			for j := 0; j < lines; j++ {
				if j%2 == 0 {
					printer.comment(viewer.FeedItem{Comment: comments.Comment{ID: int64(id*lines + j), Username: "Sara", Message: "salam"}})
				} else {
					printer.reset()
				}
			}
		}(i)
	}
	group.Wait()

	if out.overlap.Load() {
		t.Fatalf("expected printer writes never to overlap")
	}
	if got := strings.Count(out.buffer.String(), "\n"); got != writers*lines {
		t.Fatalf("expected %d complete lines, got %d", writers*lines, got)
	}
}
