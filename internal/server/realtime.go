package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventCardChanged = "card-change"
	RealtimeEventCardDeleted = "card-delete"
)

// RealtimeMessage announces committed card changes to connected editors.
// CardIDs lists the primary card first, then any cards whose inbound mirrors
// the same commit rewrote.
type RealtimeMessage struct {
	EventType string    `json:"event_type"`
	CardIDs   []string  `json:"card_ids"`
	ActorID   string    `json:"actor_id"`
	Timestamp time.Time `json:"timestamp"`
}

// RealtimeDispatcher fans committed changes out to every subscriber. Cards
// are shared across the whole compendium, so there is no per-user routing;
// subscribers filter client-side. Slow subscribers drop messages instead of
// blocking the commit path.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]chan RealtimeMessage
	nextID      int64
	bufferSize  int
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]chan RealtimeMessage),
		bufferSize:  16,
	}
}

// Subscribe registers a listener. The returned cleanup is idempotent and is
// also invoked when the context is cancelled.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan RealtimeMessage, func()) {
	stream := make(chan RealtimeMessage, d.bufferSize)

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subscribers[id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers the message to every subscriber that has buffer room.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" || len(message.CardIDs) == 0 {
		return
	}
	d.mu.RLock()
	streams := make([]chan RealtimeMessage, 0, len(d.subscribers))
	for _, stream := range d.subscribers {
		streams = append(streams, stream)
	}
	d.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
