package server

import (
	"context"
	"testing"
	"time"

	"github.com/metastream/live/internal/streams"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, cleanup := dispatcher.Subscribe(ctx, 7)
	defer cleanup()

	dispatcher.Publish(streams.Event{
		StreamID:  7,
		Type:      streams.EventCommentDeleted,
		CommentID: 42,
		Timestamp: time.Now().UTC(),
	})

	select {
	case received := <-events:
		if received.Type != streams.EventCommentDeleted {
			t.Fatalf("expected event type %s, got %s", streams.EventCommentDeleted, received.Type)
		}
		if received.CommentID != 42 {
			t.Fatalf("expected comment 42, got %d", received.CommentID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime event within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByStream(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streamEvents, cleanup := dispatcher.Subscribe(ctx, 2)
	defer cleanup()
	otherEvents, otherCleanup := dispatcher.Subscribe(ctx, 3)
	defer otherCleanup()

	dispatcher.Publish(streams.Event{StreamID: 3, Type: streams.EventNewComment, CommentID: 1})

	select {
	case <-streamEvents:
		t.Fatal("did not expect event for unrelated stream")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-otherEvents:
		if event.StreamID != 3 {
			t.Fatalf("expected stream 3, received %d", event.StreamID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime event for subscribed stream")
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, 9)
	defer cleanup()
	if dispatcher.SubscriberCount(9) != 1 {
		t.Fatalf("expected one subscriber")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount(9) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRealtimeDispatcherEvictsFullSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, cleanup := dispatcher.Subscribe(ctx, 5)
	defer cleanup()
	steady, steadyCleanup := dispatcher.Subscribe(ctx, 5)
	defer steadyCleanup()

	for i := 0; i < defaultSubscriberBuffer; i++ {
		dispatcher.Publish(streams.Event{StreamID: 5, Type: streams.EventNewComment, CommentID: int64(i + 1)})
		<-steady
	}
	dispatcher.Publish(streams.Event{StreamID: 5, Type: streams.EventNewComment, CommentID: 999})

	if dispatcher.SubscriberCount(5) != 1 {
		t.Fatalf("expected the full subscriber evicted, got %d subscribers", dispatcher.SubscriberCount(5))
	}
	received := 0
	for range events {
		received++
	}
	if received != defaultSubscriberBuffer {
		t.Fatalf("expected %d buffered events before close, got %d", defaultSubscriberBuffer, received)
	}
	if event := <-steady; event.CommentID != 999 {
		t.Fatalf("expected the steady subscriber to keep receiving, got %+v", event)
	}
}
