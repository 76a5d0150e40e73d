package engine

import (
	"fmt"
	"testing"
)

func TestEventBusDropsOldest(t *testing.T) {
	b := NewEventBus()
	ch, cancel := b.Subscribe(2)
	defer cancel()

	for i := 1; i <= 3; i++ {
		b.Publish(Event{Type: EventMessage, Content: fmt.Sprint(i)})
	}
	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d", got)
	}
	if ev := <-ch; ev.Content != "2" {
		t.Fatalf("first queued = %q, want 2", ev.Content)
	}
	if ev := <-ch; ev.Content != "3" {
		t.Fatalf("second queued = %q, want 3", ev.Content)
	}
}

func TestEventBusFanOut(t *testing.T) {
	b := NewEventBus()
	a, cancelA := b.Subscribe(4)
	c, cancelC := b.Subscribe(4)
	defer cancelC()

	b.Publish(Event{Type: EventDeath})
	if (<-a).Type != EventDeath || (<-c).Type != EventDeath {
		t.Fatal("subscriber missed event")
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Fatal("cancelled channel still open")
	}
	b.Publish(Event{Type: EventDayEnd})
	if (<-c).Type != EventDayEnd {
		t.Fatal("remaining subscriber missed event")
	}
}

func TestEventBusRecent(t *testing.T) {
	b := NewEventBus()
	for i := 0; i < RecentEvents+10; i++ {
		b.Publish(Event{Content: fmt.Sprint(i)})
	}
	got := b.Recent(RecentEvents)
	if len(got) != RecentEvents || got[0].Content != "10" || got[len(got)-1].Content != fmt.Sprint(RecentEvents+9) {
		t.Fatalf("recent = %d events, first %q", len(got), got[0].Content)
	}
	if got := b.Recent(3); len(got) != 3 || got[2].Content != fmt.Sprint(RecentEvents+9) {
		t.Fatalf("recent(3) = %+v", got)
	}
}
