// Simulation holds the complete state of one run and implements the daily
// cycle: morning distribution, per-tick agent turns, and evening consumption.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/talgya/cavesim/internal/agents"
	"github.com/talgya/cavesim/internal/chat"
	"github.com/talgya/cavesim/internal/resources"
)

// Distributor decides each morning's allocations for the alive agents.
type Distributor interface {
	Distribute(day int, alive []string) map[string]resources.Allocation
}

// ScheduleReporter is implemented by distributors that can describe their
// plan for snapshots.
type ScheduleReporter interface {
	Info() resources.Info
}

// Human send failures.
var (
	ErrEmptyMessage    = errors.New("message is empty")
	ErrRoomNotJoinable = errors.New("room does not exist or is not open to the human")
)

// Clock is the simulation's position in time plus its run controls.
type Clock struct {
	Day          int           `json:"day"`
	Tick         int           `json:"tick"`
	TotalDays    int           `json:"total_days"`
	TicksPerDay  int           `json:"ticks_per_day"`
	Running      bool          `json:"running"`
	Paused       bool          `json:"paused"`
	TickInterval time.Duration `json:"tick_interval"`
}

// Options configure a Simulation.
type Options struct {
	TotalDays    int
	TicksPerDay  int
	TickInterval time.Duration
	EatAfterTick int
	Seed         int64 // 0 picks a time-based seed
}

// Simulation is the explicit state object passed around the scheduler: the
// clock, the agents, the chat rooms, the trade ledger, and the event bus.
type Simulation struct {
	Chat   *chat.System
	Trades *TradeLedger
	Bus    *EventBus

	mu    sync.RWMutex // guards clock
	clock Clock

	agents map[string]*agents.Agent
	order  []string // agent names in roster order

	oracle      agents.Oracle
	distributor Distributor
	rng         *rand.Rand // scheduler-owned; shuffles turn order
}

// NewSimulation creates the agents from their profiles and adds them to the
// default rooms.
func NewSimulation(opts Options, profiles []agents.Profile, oracle agents.Oracle, dist Distributor) *Simulation {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Simulation{
		Chat:   chat.NewSystem(),
		Trades: NewTradeLedger(),
		Bus:    NewEventBus(),
		clock: Clock{
			TotalDays:    opts.TotalDays,
			TicksPerDay:  opts.TicksPerDay,
			TickInterval: opts.TickInterval,
		},
		agents:      make(map[string]*agents.Agent, len(profiles)),
		oracle:      oracle,
		distributor: dist,
		rng:         rand.New(rand.NewSource(seed)),
	}

	rules := agents.Rules{TotalDays: opts.TotalDays, EatAfterTick: opts.EatAfterTick}
	for _, p := range profiles {
		if _, dup := s.agents[p.Name]; dup {
			continue
		}
		s.agents[p.Name] = agents.New(p, rules)
		s.order = append(s.order, p.Name)
		s.Chat.AddAgentToDefaults(p.Name)
	}
	return s
}

// Clock returns the current clock.
func (s *Simulation) Clock() Clock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock
}

func (s *Simulation) updateClock(fn func(c *Clock)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.clock)
}

// Agent looks up an agent by name.
func (s *Simulation) Agent(name string) (*agents.Agent, bool) {
	a, ok := s.agents[name]
	return a, ok
}

// AgentNames returns every agent's name in roster order.
func (s *Simulation) AgentNames() []string {
	return append([]string(nil), s.order...)
}

func (s *Simulation) alive() []*agents.Agent {
	var out []*agents.Agent
	for _, name := range s.order {
		if a := s.agents[name]; a.Alive() {
			out = append(out, a)
		}
	}
	return out
}

func (s *Simulation) aliveNames() []string {
	var out []string
	for _, a := range s.alive() {
		out = append(out, a.Name)
	}
	return out
}

func (s *Simulation) emit(typ, content string, day, tick int) {
	s.Bus.Publish(Event{Type: typ, Content: content, Day: day, Tick: tick, Timestamp: time.Now()})
}

// broadcast posts a system message into both default rooms.
func (s *Simulation) broadcast(content string, day, tick int) {
	s.Chat.Send(chat.PrivateRoomID, chat.SenderSystem, content, day, tick)
	s.Chat.Send(chat.PublicRoomID, chat.SenderSystem, content, day, tick)
}

// Start announces the beginning of the run and leaves the initial note in
// both default rooms.
func (s *Simulation) Start() {
	s.emit(EventSimulationStart, "The simulation begins. The survivors wake up inside the cave.", 0, 0)
	note := fmt.Sprintf("Your first supplies are at hand: one can and one bottle of water each. "+
		"Every day you must eat one can and drink one bottle of water to stay alive. "+
		"Hold out here for %d days until rescue arrives.", s.Clock().TotalDays)
	s.broadcast("Note: "+note, 0, 0)
}

// Step runs one tick: distribution if it is the first tick of a day, one
// turn per alive agent in a freshly shuffled order, and the end-of-day phase
// after the last tick. Returns true if a day ended.
func (s *Simulation) Step(ctx context.Context) bool {
	clk := s.Clock()
	day, tick := clk.Day, clk.Tick

	if tick == 0 {
		s.startDay(day)
	}

	turn := s.alive()
	s.rng.Shuffle(len(turn), func(i, j int) { turn[i], turn[j] = turn[j], turn[i] })
	for _, a := range turn {
		s.takeTurn(ctx, a, day, tick)
	}

	dayEnded := false
	s.updateClock(func(c *Clock) {
		c.Tick++
		dayEnded = c.Tick >= c.TicksPerDay
	})
	if dayEnded {
		s.endDay(day, clk.TicksPerDay)
		s.updateClock(func(c *Clock) {
			c.Tick = 0
			c.Day++
		})
	}
	return dayEnded
}

func (s *Simulation) startDay(day int) {
	alive := s.aliveNames()
	var alloc map[string]resources.Allocation
	if s.distributor != nil {
		alloc = s.distributor.Distribute(day, alive)
	}

	var cans, water int
	for _, a := range alloc {
		cans += max(a.Cans, 0)
		water += max(a.Water, 0)
	}
	s.broadcast(fmt.Sprintf("Day %d begins. Supplies today: %d cans, %d water.", day+1, cans, water), day, 0)

	for _, name := range alive {
		res, ok := alloc[name]
		if !ok {
			continue
		}
		a := s.agents[name]
		a.ReceiveResources(res.Cans, res.Water, day)
		have := a.Resources()
		msg := fmt.Sprintf("%s received %d cans, %d water (now holding %d cans, %d water).",
			name, max(res.Cans, 0), max(res.Water, 0), have.Cans, have.Water)
		s.Chat.Send(chat.PrivateRoomID, chat.SenderSystem, msg, day, 0)
		s.emit(EventResourceDistribution, msg, day, 0)
	}
	slog.Info("day started", "day", day+1, "alive", len(alive), "cans", cans, "water", water)
}

// takeTurn asks one agent for its plan and carries it out. A panic inside
// the turn is contained to this agent.
func (s *Simulation) takeTurn(ctx context.Context, a *agents.Agent, day, tick int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("agent turn failed", "agent", a.Name, "day", day+1, "tick", tick, "panic", r)
		}
	}()

	decisions := a.ThinkAndDecide(ctx, s.oracle, s.Chat.RoomsFor(a.Name), day, tick)
	if !a.Alive() {
		// Its own early meal can kill an agent that has nothing left.
		s.announceDeath(a, day, tick)
		return
	}
	for _, d := range decisions {
		s.dispatch(ctx, a, d, day, tick)
	}
}

func (s *Simulation) announceDeath(a *agents.Agent, day, tick int) {
	msg := fmt.Sprintf("%s died for lack of food and water.", a.Name)
	s.broadcast(msg, day, tick)
	s.emit(EventDeath, msg, day, tick)
	slog.Info("agent died", "agent", a.Name, "day", day+1)
}

func (s *Simulation) endDay(day, tick int) {
	for _, a := range s.alive() {
		if !a.ConsumeDaily() {
			s.announceDeath(a, day, tick)
		}
	}

	alive := s.aliveNames()
	summary := fmt.Sprintf("Day %d is over. Survivors: %d (%s).", day+1, len(alive), strings.Join(alive, ", "))
	s.Chat.Send(chat.PrivateRoomID, chat.SenderSystem, summary, day, tick)
	s.emit(EventDayEnd, summary, day, tick)
	slog.Info("day ended", "day", day+1, "alive", len(alive))
}

// Finish announces the rescue and marks the run as stopped.
func (s *Simulation) Finish() {
	clk := s.Clock()
	alive := s.aliveNames()
	msg := "Rescue arrives. There are no survivors."
	if len(alive) > 0 {
		msg = fmt.Sprintf("Rescue arrives! Survivors: %s.", strings.Join(alive, ", "))
	}
	s.broadcast(msg, clk.Day, 0)
	s.emit(EventSimulationEnd, msg, clk.Day, 0)
	s.updateClock(func(c *Clock) { c.Running = false })
	slog.Info("simulation finished", "day", clk.Day, "survivors", len(alive))
}

// HumanSend posts the observer's message into a room open to them.
func (s *Simulation) HumanSend(roomID, content string) (chat.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return chat.Message{}, ErrEmptyMessage
	}
	room, ok := s.Chat.Room(roomID)
	if !ok || !room.HumanJoined {
		return chat.Message{}, ErrRoomNotJoinable
	}
	clk := s.Clock()
	msg, ok := s.Chat.Send(roomID, chat.SenderHuman, content, clk.Day, clk.Tick)
	if !ok {
		return chat.Message{}, ErrRoomNotJoinable
	}
	s.emit(EventHumanMessage, fmt.Sprintf("[%s] human: %s", room.Name, content), clk.Day, clk.Tick)
	return msg, nil
}

// Snapshot is the complete observable state of the run.
type Snapshot struct {
	Clock
	Agents           map[string]agents.Status `json:"agents"`
	Rooms            []chat.Room              `json:"rooms"`
	Trades           []Trade                  `json:"trades"`
	ResourceSchedule *resources.Info          `json:"resource_schedule,omitempty"`
	RecentEvents     []Event                  `json:"recent_events"`
}

// Snapshot captures the current state for observers.
func (s *Simulation) Snapshot() Snapshot {
	snap := Snapshot{
		Clock:        s.Clock(),
		Agents:       make(map[string]agents.Status, len(s.agents)),
		Rooms:        s.Chat.Rooms(),
		Trades:       s.Trades.All(),
		RecentEvents: s.Bus.Recent(RecentEvents),
	}
	for name, a := range s.agents {
		snap.Agents[name] = a.Status()
	}
	if r, ok := s.distributor.(ScheduleReporter); ok {
		info := r.Info()
		snap.ResourceSchedule = &info
	}
	return snap
}
