package agents

import (
	"fmt"

	"github.com/talgya/cavesim/internal/ring"
)

// ConsumeDaily eats one can and drinks one bottle of water. Without both the
// agent dies. A dead agent cannot consume and is not mutated further.
func (a *Agent) ConsumeDaily() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.alive {
		return false
	}
	if a.cans >= 1 && a.water >= 1 {
		a.cans--
		a.water--
		a.daysSurvived++
		a.memory.Push(Memory{
			Kind:    MemoryConsume,
			Content: fmt.Sprintf("[Day %d] Ate 1 can and drank 1 bottle of water.", a.daysSurvived),
		})
		return true
	}

	a.alive = false
	a.memory.Push(Memory{Kind: MemoryDeath, Content: "[Death] Not enough food and water to survive."})
	return false
}

// ReceiveResources credits a daily allocation. Negative quantities are
// ignored; dead agents receive nothing.
func (a *Agent) ReceiveResources(cans, water, day int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.alive {
		return
	}
	cans, water = max(cans, 0), max(water, 0)
	a.cans += cans
	a.water += water
	a.memory.Push(Memory{
		Kind: MemoryReceive,
		Content: fmt.Sprintf("[Day %d] Received %d cans and %d water. Now holding %d cans, %d water.",
			day+1, cans, water, a.cans, a.water),
	})
}

// ExecuteTrade moves give from a to other and receive from other to a as one
// unit. If either side cannot cover its part, nothing changes.
func (a *Agent) ExecuteTrade(other *Agent, give, receive Bundle) bool {
	if other == nil || other == a || !give.Valid() || !receive.Valid() {
		return false
	}

	unlock := lockPair(a, other)
	defer unlock()

	if !a.alive || !other.alive {
		return false
	}
	if a.cans < give.Cans || a.water < give.Water {
		return false
	}
	if other.cans < receive.Cans || other.water < receive.Water {
		return false
	}

	a.cans += receive.Cans - give.Cans
	a.water += receive.Water - give.Water
	other.cans += give.Cans - receive.Cans
	other.water += give.Water - receive.Water

	a.memory.Push(Memory{
		Kind: MemoryTrade,
		Content: fmt.Sprintf("[Trade] With %s: gave %d cans %d water, got %d cans %d water.",
			other.Name, give.Cans, give.Water, receive.Cans, receive.Water),
	})
	other.memory.Push(Memory{
		Kind: MemoryTrade,
		Content: fmt.Sprintf("[Trade] With %s: gave %d cans %d water, got %d cans %d water.",
			a.Name, receive.Cans, receive.Water, give.Cans, give.Water),
	})
	return true
}

// lockPair locks two distinct agents in name order so concurrent trades
// between the same pair cannot deadlock.
func lockPair(x, y *Agent) func() {
	first, second := x, y
	if y.Name < x.Name {
		first, second = y, x
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

// UpdateRelationship shifts trust toward other by delta, clamped to
// [MinTrust, MaxTrust], and records the event.
func (a *Agent) UpdateRelationship(other, event string, delta int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.relationships[other]
	if !ok {
		r = &Relationship{Trust: InitialTrust, Events: ring.New[string](MaxRelationshipEvents)}
		a.relationships[other] = r
	}
	r.Trust = min(max(r.Trust+delta, MinTrust), MaxTrust)
	r.Events.Push(event)
}

// AddPendingTrade registers a trade awaiting this agent's answer.
func (a *Agent) AddPendingTrade(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.pendingTrades {
		if p == id {
			return
		}
	}
	a.pendingTrades = append(a.pendingTrades, id)
}

// RemovePendingTrade drops a resolved trade.
func (a *Agent) RemovePendingTrade(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, p := range a.pendingTrades {
		if p == id {
			a.pendingTrades = append(a.pendingTrades[:i], a.pendingTrades[i+1:]...)
			return
		}
	}
}

// PendingTrades returns the trades awaiting this agent's answer.
func (a *Agent) PendingTrades() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.pendingTrades...)
}
