package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	s.Publish(TransitionEvent{Entity: "sow", EntityID: "sow-1", To: "pending"})

	select {
	case got := <-ch:
		if got.EntityID != "sow-1" || got.To != "pending" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscriberRemovedOnCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	if s.SubscriberCount() != 1 {
		t.Fatalf("subscriber count: %d", s.SubscriberCount())
	}

	cancel()
	deadline := time.After(time.Second)
	for s.SubscriberCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("subscriber not removed after cancel")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if _, open := <-ch; open {
		t.Fatal("channel should be closed")
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	for i := 0; i < 40; i++ {
		s.Publish(TransitionEvent{Entity: "timesheet_entry", EntityID: "e", To: "submitted"})
	}
	// The buffer keeps the most recent events; nothing blocks.
	if len(ch) == 0 {
		t.Fatal("expected buffered events")
	}
}
