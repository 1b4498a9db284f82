package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherFansOutToAllSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()

	first, cleanupFirst := dispatcher.Subscribe(context.Background())
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(context.Background())
	defer cleanupSecond()

	message := RealtimeMessage{
		EventType: RealtimeEventCardChanged,
		CardIDs:   []string{"card-a", "card-b"},
		ActorID:   "google:tester",
		Timestamp: time.Now().UTC(),
	}
	dispatcher.Publish(message)

	for _, stream := range []<-chan RealtimeMessage{first, second} {
		select {
		case received := <-stream:
			if received.EventType != RealtimeEventCardChanged {
				t.Fatalf("unexpected event type %s", received.EventType)
			}
			if len(received.CardIDs) != 2 || received.CardIDs[0] != "card-a" {
				t.Fatalf("unexpected card ids %v", received.CardIDs)
			}
		case <-time.After(time.Second):
			t.Fatal("expected every subscriber to receive the message")
		}
	}
}

func TestRealtimeDispatcherDropsMessagesForSlowSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background())
	defer cleanup()

	// Overfill the buffer; Publish must never block the commit path.
	for i := 0; i < 64; i++ {
		dispatcher.Publish(RealtimeMessage{
			EventType: RealtimeEventCardChanged,
			CardIDs:   []string{"card-a"},
		})
	}

	delivered := 0
	for {
		select {
		case <-stream:
			delivered++
			continue
		default:
		}
		break
	}
	if delivered == 0 || delivered > 16 {
		t.Fatalf("expected buffered delivery capped at buffer size, got %d", delivered)
	}
}

func TestRealtimeDispatcherUnsubscribesOnContextCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()
	if count := dispatcher.SubscriberCount(); count != 1 {
		t.Fatalf("expected one subscriber, got %d", count)
	}

	cancel()
	deadline := time.After(time.Second)
	for dispatcher.SubscriberCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("expected subscriber removal after context cancellation")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRealtimeDispatcherIgnoresEmptyMessages(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background())
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{EventType: RealtimeEventCardChanged})
	dispatcher.Publish(RealtimeMessage{CardIDs: []string{"card-a"}})

	select {
	case message := <-stream:
		t.Fatalf("expected no delivery for empty messages, got %+v", message)
	case <-time.After(50 * time.Millisecond):
	}
}
