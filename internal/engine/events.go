package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/talgya/cavesim/internal/ring"
)

// Event types emitted by the simulation.
const (
	EventSimulationStart      = "simulation_start"
	EventResourceDistribution = "resource_distribution"
	EventMessage              = "message"
	EventHumanMessage         = "human_message"
	EventCreateChat           = "create_chat"
	EventTradeOffer           = "trade_offer"
	EventTradeResult          = "trade_result"
	EventTradeRejected        = "trade_rejected"
	EventDeath                = "death"
	EventDayEnd               = "day_end"
	EventSimulationEnd        = "simulation_end"
)

// RecentEvents is how many events the bus keeps for snapshots.
const RecentEvents = 50

// Event is a notable occurrence in the simulation.
type Event struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Day       int       `json:"day"`
	Tick      int       `json:"tick"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriber struct {
	ch      chan Event
	dropped uint64
}

// EventBus fans events out to observers. Publish never blocks: each
// subscriber owns a bounded queue and loses its oldest queued event when the
// queue is full.
type EventBus struct {
	mu      sync.Mutex
	recent  *ring.Ring[Event]
	subs    map[int]*subscriber
	nextID  int
	dropped uint64
}

// NewEventBus creates a bus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{
		recent: ring.New[Event](RecentEvents),
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe registers an observer with a queue of the given size (minimum
// 1). The returned cancel func unregisters it and closes the channel.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish records ev and offers it to every subscriber.
func (b *EventBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recent.Push(ev)
	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Full: evict the oldest queued event and retry once.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
		sub.dropped++
		b.dropped++
		if sub.dropped == 1 || sub.dropped%100 == 0 {
			slog.Warn("slow event subscriber, dropping oldest events", "subscriber", id, "dropped", sub.dropped)
		}
	}
}

// Recent returns up to the last n events, oldest first.
func (b *EventBus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recent.Last(n)
}

// Dropped returns the total number of events evicted from subscriber queues.
func (b *EventBus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
