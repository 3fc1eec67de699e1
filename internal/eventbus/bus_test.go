package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutAndStampsTime(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeSent, Data: DeliveryEvent{EventID: "e1", Channel: "email"}})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TypeSent || e.Time.IsZero() {
				t.Fatalf("event = %+v", e)
			}
			if d, ok := e.Data.(DeliveryEvent); !ok || d.EventID != "e1" {
				t.Fatalf("data = %#v", e.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: TypeQueued})
	b.Publish(Event{Type: TypeDropped}) // buffer full; dropped without blocking
	if e := <-ch; e.Type != TypeQueued {
		t.Fatalf("got %s, want first event", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: TypeSent}) // no subscribers left
}

func TestNopBus(t *testing.T) {
	t.Parallel()
	b := Nop()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: TypeSent})
	select {
	case <-ch:
		t.Fatal("nop bus delivered an event")
	default:
	}
}
