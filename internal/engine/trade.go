package engine

import (
	"fmt"
	"sync"

	"github.com/talgya/cavesim/internal/agents"
)

// TradeStatus is the lifecycle state of a trade. Pending is the only
// non-terminal state.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeCompleted TradeStatus = "completed"
	TradeFailed    TradeStatus = "failed"
	TradeRejected  TradeStatus = "rejected"
)

// Trade is a bilateral exchange proposed by From to To.
type Trade struct {
	ID           string        `json:"id"`
	From         string        `json:"from"`
	To           string        `json:"to"`
	Offer        agents.Bundle `json:"offer"`
	Want         agents.Bundle `json:"want"`
	RoomID       string        `json:"room_id"`
	Status       TradeStatus   `json:"status"`
	CreatedDay   int           `json:"created_day"`
	CreatedTick  int           `json:"created_tick"`
	ResolvedDay  int           `json:"resolved_day,omitempty"`
	ResolvedTick int           `json:"resolved_tick,omitempty"`
}

// TradeLedger holds every trade of the run. A trade leaves pending exactly
// once and only by its target's hand.
type TradeLedger struct {
	mu     sync.RWMutex
	trades map[string]*Trade
	order  []string
}

// NewTradeLedger creates an empty ledger.
func NewTradeLedger() *TradeLedger {
	return &TradeLedger{trades: make(map[string]*Trade)}
}

// Open records a new pending trade and returns it.
func (l *TradeLedger) Open(from, to string, offer, want agents.Bundle, roomID string, day, tick int) Trade {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := &Trade{
		ID:          fmt.Sprintf("trade_%d", len(l.order)),
		From:        from,
		To:          to,
		Offer:       offer,
		Want:        want,
		RoomID:      roomID,
		Status:      TradePending,
		CreatedDay:  day,
		CreatedTick: tick,
	}
	l.trades[t.ID] = t
	l.order = append(l.order, t.ID)
	return *t
}

// Accept resolves a pending trade addressed to by. execute performs the
// transfer and reports success; the trade becomes completed or failed
// accordingly. Returns false without side effects if the trade is unknown,
// not pending, or addressed to someone else.
func (l *TradeLedger) Accept(id, by string, day, tick int, execute func(Trade) bool) (Trade, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.resolvable(id, by)
	if !ok {
		return Trade{}, false
	}
	if execute(*t) {
		t.Status = TradeCompleted
	} else {
		t.Status = TradeFailed
	}
	t.ResolvedDay, t.ResolvedTick = day, tick
	return *t, true
}

// Reject declines a pending trade addressed to by.
func (l *TradeLedger) Reject(id, by string, day, tick int) (Trade, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.resolvable(id, by)
	if !ok {
		return Trade{}, false
	}
	t.Status = TradeRejected
	t.ResolvedDay, t.ResolvedTick = day, tick
	return *t, true
}

func (l *TradeLedger) resolvable(id, by string) (*Trade, bool) {
	t, ok := l.trades[id]
	if !ok || t.To != by || t.Status != TradePending {
		return nil, false
	}
	return t, true
}

// Get returns a copy of one trade.
func (l *TradeLedger) Get(id string) (Trade, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.trades[id]
	if !ok {
		return Trade{}, false
	}
	return *t, true
}

// All returns copies of every trade in creation order.
func (l *TradeLedger) All() []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Trade, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.trades[id])
	}
	return out
}
