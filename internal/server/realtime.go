package server

import (
	"context"
	"sync"

	"github.com/metastream/live/internal/streams"
)

const defaultSubscriberBuffer = 64

// RealtimeDispatcher fans moderation events out to the moderators watching a
// stream. A subscriber whose buffer is full is evicted and its channel closed
// rather than blocking publishers; the socket then closes and the moderation
// client reconnects to a fresh snapshot.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan streams.Event
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]map[int64]*realtimeSubscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers for a stream's events until ctx ends or the returned
// cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, streamID int64) (<-chan streams.Event, func()) {
	if streamID <= 0 {
		ch := make(chan streams.Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan streams.Event, d.bufferSize),
	}
	d.registerSubscriber(streamID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(streamID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements streams.Publisher.
func (d *RealtimeDispatcher) Publish(event streams.Event) {
	if event.StreamID <= 0 || event.Type == "" {
		return
	}
	// Sends never block, so they happen under the read lock and cannot race
	// the close in evictSubscribers.
	var overflowed []int64
	d.mu.RLock()
	for _, subscriber := range d.subscribers[event.StreamID] {
		select {
		case subscriber.stream <- event:
		default:
			overflowed = append(overflowed, subscriber.id)
		}
	}
	d.mu.RUnlock()
	if len(overflowed) > 0 {
		d.evictSubscribers(event.StreamID, overflowed)
	}
}

// SubscriberCount reports how many moderators watch a stream.
func (d *RealtimeDispatcher) SubscriberCount(streamID int64) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[streamID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(streamID int64, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[streamID]; !ok {
		d.subscribers[streamID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[streamID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(streamID int64, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[streamID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, streamID)
		}
	}
	d.mu.Unlock()
}

func (d *RealtimeDispatcher) evictSubscribers(streamID int64, subscriberIDs []int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[streamID]
	for _, id := range subscriberIDs {
		subscriber, ok := subscribers[id]
		if !ok {
			continue
		}
		delete(subscribers, id)
		close(subscriber.stream)
	}
	if len(subscribers) == 0 {
		delete(d.subscribers, streamID)
	}
}
