// Package agents provides the survivor model: resource ledger, memory,
// relationships, and the decision contract against the oracle.
package agents

import (
	"sync"

	"github.com/talgya/cavesim/internal/ring"
)

const (
	// MaxMemories bounds the memory ring.
	MaxMemories = 50
	// MaxRelationshipEvents bounds each relationship's event history.
	MaxRelationshipEvents = 5

	InitialTrust = 50
	MinTrust     = 0
	MaxTrust     = 100

	// DefaultEatAfterTick is the hour from which an agent's own decision to
	// eat is honoured immediately.
	DefaultEatAfterTick = 20
)

// Profile is the configured identity of an agent.
type Profile struct {
	Name        string   `json:"name" yaml:"name"`
	Personality string   `json:"personality" yaml:"personality"`
	Traits      []string `json:"traits" yaml:"traits"`
}

// Rules are the scenario parameters an agent reasons about.
type Rules struct {
	TotalDays    int // days until rescue
	EatAfterTick int
}

// Bundle is a quantity of both resource kinds.
type Bundle struct {
	Cans  int `json:"cans"`
	Water int `json:"water"`
}

// Valid reports whether both quantities are non-negative.
func (b Bundle) Valid() bool { return b.Cans >= 0 && b.Water >= 0 }

// Relationship is one agent's sentiment toward another.
type Relationship struct {
	Trust  int
	Events *ring.Ring[string]
}

// RelationshipView is the serializable form of a Relationship.
type RelationshipView struct {
	Trust  int      `json:"trust"`
	Events []string `json:"events"`
}

// Agent is a survivor. All state is guarded by mu; the exported identity
// fields are immutable after New.
type Agent struct {
	Name        string
	Personality string
	Traits      []string
	Rules       Rules

	mu            sync.Mutex
	cans          int
	water         int
	alive         bool
	daysSurvived  int
	memory        *ring.Ring[Memory]
	relationships map[string]*Relationship
	pendingTrades []string
}

// New creates a living agent holding one can and one bottle of water.
func New(p Profile, rules Rules) *Agent {
	if rules.EatAfterTick <= 0 {
		rules.EatAfterTick = DefaultEatAfterTick
	}
	return &Agent{
		Name:          p.Name,
		Personality:   p.Personality,
		Traits:        append([]string(nil), p.Traits...),
		Rules:         rules,
		cans:          1,
		water:         1,
		alive:         true,
		memory:        ring.New[Memory](MaxMemories),
		relationships: make(map[string]*Relationship),
	}
}

// Status is a point-in-time snapshot for observers.
type Status struct {
	Name          string                      `json:"name"`
	Alive         bool                        `json:"alive"`
	Cans          int                         `json:"cans"`
	Water         int                         `json:"water"`
	DaysSurvived  int                         `json:"days_survived"`
	Personality   string                      `json:"personality"`
	Traits        []string                    `json:"traits"`
	MemoryCount   int                         `json:"memory_count"`
	Relationships map[string]RelationshipView `json:"relationships"`
	PendingTrades []string                    `json:"pending_trades"`
}

// Status returns a snapshot of the agent.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		Name:          a.Name,
		Alive:         a.alive,
		Cans:          a.cans,
		Water:         a.water,
		DaysSurvived:  a.daysSurvived,
		Personality:   a.Personality,
		Traits:        append([]string(nil), a.Traits...),
		MemoryCount:   a.memory.Len(),
		Relationships: a.relationshipsLocked(),
		PendingTrades: append([]string(nil), a.pendingTrades...),
	}
}

// Alive reports whether the agent is still alive.
func (a *Agent) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alive
}

// Resources returns current holdings.
func (a *Agent) Resources() Bundle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Bundle{Cans: a.cans, Water: a.water}
}

// Relationships returns a copy of the relationship ledger.
func (a *Agent) Relationships() map[string]RelationshipView {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.relationshipsLocked()
}

func (a *Agent) relationshipsLocked() map[string]RelationshipView {
	out := make(map[string]RelationshipView, len(a.relationships))
	for name, r := range a.relationships {
		out[name] = RelationshipView{Trust: r.Trust, Events: r.Events.Items()}
	}
	return out
}
