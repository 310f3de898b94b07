package telemetry

import (
	"errors"
	"testing"
	"time"
)

func TestBroadcaster_DeliversToAllSubscribers(t *testing.T) {
	b := New(nil)
	defer b.Close()

	first, err := b.Subscribe(4)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := b.Subscribe(4)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	event := Event{Kind: "referral.status_changed", ReferralID: "ref-1", At: time.Now()}
	b.Publish(event)

	for i, sub := range []*Subscription{first, second} {
		select {
		case got := <-sub.Events():
			if got.ReferralID != event.ReferralID {
				t.Fatalf("subscriber %d got %+v", i, got)
			}
		default:
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestBroadcaster_SlowSubscriberMissesEvents(t *testing.T) {
	b := New(nil)
	defer b.Close()

	slow, err := b.Subscribe(1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Publish(Event{Kind: "a"})
	b.Publish(Event{Kind: "b"})

	if got := b.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped event, got %d", got)
	}
	got := <-slow.Events()
	if got.Kind != "a" {
		t.Fatalf("expected the first event to survive, got %q", got.Kind)
	}
	select {
	case ev := <-slow.Events():
		t.Fatalf("unexpected second event %+v", ev)
	default:
	}
}

func TestBroadcaster_CancelStopsDelivery(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sub, err := b.Subscribe(4)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Cancel()
	sub.Cancel() // idempotent

	b.Publish(Event{Kind: "after-cancel"})

	if _, open := <-sub.Events(); open {
		t.Fatal("channel must be closed after cancel")
	}
	if b.Dropped() != 0 {
		t.Fatalf("cancelled subscriber must not count as dropped, got %d", b.Dropped())
	}
}

func TestBroadcaster_CloseTerminatesSubscriptions(t *testing.T) {
	b := New(nil)

	sub, err := b.Subscribe(4)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.Close()
	b.Close() // idempotent

	if _, open := <-sub.Events(); open {
		t.Fatal("channel must be closed after broadcaster close")
	}
	// Cancel after close must not panic on the already-closed channel.
	sub.Cancel()

	if _, err := b.Subscribe(4); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	// Publishing after close is a silent no-op.
	b.Publish(Event{Kind: "late"})
}
