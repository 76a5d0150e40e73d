package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/talgya/cavesim/internal/agents"
	"github.com/talgya/cavesim/internal/chat"
	"github.com/talgya/cavesim/internal/llm"
	"github.com/talgya/cavesim/internal/resources"
)

// scriptedOracle serves canned plans and replies per agent. The agent is
// recognised from the "You are <name>" opening of every system prompt.
type scriptedOracle struct {
	mu      sync.Mutex
	plans   map[string][]map[string]any
	replies map[string][]string
	panics  map[string]bool
	calls   map[string]int
}

func newScriptedOracle() *scriptedOracle {
	return &scriptedOracle{
		plans:   make(map[string][]map[string]any),
		replies: make(map[string][]string),
		panics:  make(map[string]bool),
		calls:   make(map[string]int),
	}
}

func agentOf(system string) string {
	rest := strings.TrimPrefix(system, "You are ")
	if i := strings.IndexAny(rest, ".,"); i >= 0 {
		return rest[:i]
	}
	return rest
}

func (o *scriptedOracle) StructuredChat(_ context.Context, system string, _ []llm.Message) (map[string]any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	name := agentOf(system)
	o.calls[name]++
	if o.panics[name] {
		panic("oracle exploded")
	}
	q := o.plans[name]
	if len(q) == 0 {
		return nil, errors.New("no plan scripted")
	}
	o.plans[name] = q[1:]
	return q[0], nil
}

func (o *scriptedOracle) Chat(_ context.Context, system string, _ []llm.Message) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	name := agentOf(system)
	q := o.replies[name]
	if len(q) == 0 {
		return "", nil
	}
	o.replies[name] = q[1:]
	return q[0], nil
}

func (o *scriptedOracle) callCount(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[name]
}

type fixedDist struct {
	alloc map[string]resources.Allocation
	calls [][]string
}

func (d *fixedDist) Distribute(_ int, alive []string) map[string]resources.Allocation {
	d.calls = append(d.calls, append([]string(nil), alive...))
	out := make(map[string]resources.Allocation)
	for _, name := range alive {
		if a, ok := d.alloc[name]; ok {
			out[name] = a
		}
	}
	return out
}

func newTestSim(o agents.Oracle, dist Distributor, days, ticks int, names ...string) *Simulation {
	profiles := make([]agents.Profile, len(names))
	for i, n := range names {
		profiles[i] = agents.Profile{Name: n, Personality: "calm"}
	}
	return NewSimulation(Options{TotalDays: days, TicksPerDay: ticks, Seed: 1}, profiles, o, dist)
}

func mustAgent(t *testing.T, s *Simulation, name string) *agents.Agent {
	t.Helper()
	a, ok := s.Agent(name)
	if !ok {
		t.Fatalf("agent %s missing", name)
	}
	return a
}

func lastMessage(t *testing.T, s *Simulation, roomID string) chat.Message {
	t.Helper()
	msgs := s.Chat.Recent(roomID, 1)
	if len(msgs) != 1 {
		t.Fatalf("room %s has no messages", roomID)
	}
	return msgs[0]
}

func eventsOfType(s *Simulation, typ string) []Event {
	var out []Event
	for _, ev := range s.Bus.Recent(RecentEvents) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestNewSimulationJoinsDefaultRooms(t *testing.T) {
	s := newTestSim(nil, nil, 3, 2, "alice", "bob", "alice")
	if got := s.AgentNames(); len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("names = %v", got)
	}
	for _, id := range []string{chat.PrivateRoomID, chat.PublicRoomID} {
		r, _ := s.Chat.Room(id)
		if !r.HasMember("alice") || !r.HasMember("bob") || len(r.Members) != 2 {
			t.Fatalf("room %s members = %v", id, r.Members)
		}
	}
}

func TestTradeOfferAccept(t *testing.T) {
	s := newTestSim(nil, nil, 3, 2, "alice", "bob")
	alice, bob := mustAgent(t, s, "alice"), mustAgent(t, s, "bob")

	s.act(alice, agents.TradeOffer{Target: "bob", Offer: agents.Bundle{Water: 1}, Want: agents.Bundle{Cans: 1}}, chat.PublicRoomID, 0, 3)
	tr, ok := s.Trades.Get("trade_0")
	if !ok || tr.Status != TradePending || tr.From != "alice" || tr.To != "bob" {
		t.Fatalf("trade = %+v ok=%v", tr, ok)
	}
	if p := bob.PendingTrades(); len(p) != 1 || p[0] != "trade_0" {
		t.Fatalf("bob pending = %v", p)
	}
	if msg := lastMessage(t, s, chat.PublicRoomID); msg.Sender != chat.SenderSystem || !strings.Contains(msg.Content, "trade_0") {
		t.Fatalf("offer message = %+v", msg)
	}

	// Only the target may resolve.
	s.act(alice, agents.AcceptTrade{TradeID: "trade_0"}, chat.PublicRoomID, 0, 4)
	if tr, _ := s.Trades.Get("trade_0"); tr.Status != TradePending {
		t.Fatalf("proposer resolved own trade: %+v", tr)
	}

	s.act(bob, agents.AcceptTrade{TradeID: "trade_0"}, chat.PrivateRoomID, 0, 5)
	tr, _ = s.Trades.Get("trade_0")
	if tr.Status != TradeCompleted || tr.ResolvedTick != 5 {
		t.Fatalf("trade = %+v", tr)
	}
	if got := alice.Resources(); got != (agents.Bundle{Cans: 2, Water: 0}) {
		t.Fatalf("alice = %+v", got)
	}
	if got := bob.Resources(); got != (agents.Bundle{Cans: 0, Water: 2}) {
		t.Fatalf("bob = %+v", got)
	}
	if got := alice.Relationships()["bob"].Trust; got != 60 {
		t.Fatalf("alice->bob trust = %d", got)
	}
	if got := bob.Relationships()["alice"].Trust; got != 60 {
		t.Fatalf("bob->alice trust = %d", got)
	}
	if p := bob.PendingTrades(); len(p) != 0 {
		t.Fatalf("bob pending after accept = %v", p)
	}
	// The result is posted where the offer was made.
	if msg := lastMessage(t, s, chat.PublicRoomID); !strings.Contains(msg.Content, "Trade completed") {
		t.Fatalf("result message = %+v", msg)
	}
	if ev := eventsOfType(s, EventTradeResult); len(ev) != 1 {
		t.Fatalf("trade_result events = %+v", ev)
	}

	// Resolved trades stay resolved.
	s.act(bob, agents.RejectTrade{TradeID: "trade_0"}, chat.PublicRoomID, 0, 6)
	s.act(bob, agents.AcceptTrade{TradeID: "trade_0"}, chat.PublicRoomID, 0, 6)
	if tr, _ := s.Trades.Get("trade_0"); tr.Status != TradeCompleted {
		t.Fatalf("status changed after resolution: %+v", tr)
	}
	if got := alice.Resources(); got != (agents.Bundle{Cans: 2, Water: 0}) {
		t.Fatalf("second accept moved resources: %+v", got)
	}
}

func TestTradeFailureLeavesTrust(t *testing.T) {
	s := newTestSim(nil, nil, 3, 2, "alice", "bob")
	alice, bob := mustAgent(t, s, "alice"), mustAgent(t, s, "bob")

	s.act(alice, agents.TradeOffer{Target: "bob", Offer: agents.Bundle{Cans: 1}, Want: agents.Bundle{Water: 5}}, chat.PrivateRoomID, 0, 1)
	s.act(bob, agents.AcceptTrade{TradeID: "trade_0"}, chat.PrivateRoomID, 0, 2)

	tr, _ := s.Trades.Get("trade_0")
	if tr.Status != TradeFailed {
		t.Fatalf("status = %s", tr.Status)
	}
	if alice.Resources() != (agents.Bundle{Cans: 1, Water: 1}) || bob.Resources() != (agents.Bundle{Cans: 1, Water: 1}) {
		t.Fatalf("partial transfer: %+v %+v", alice.Resources(), bob.Resources())
	}
	if len(alice.Relationships()) != 0 || len(bob.Relationships()) != 0 {
		t.Fatalf("failed trade changed trust")
	}
}

func TestTradeReject(t *testing.T) {
	s := newTestSim(nil, nil, 3, 2, "alice", "bob")
	alice, bob := mustAgent(t, s, "alice"), mustAgent(t, s, "bob")

	s.act(alice, agents.TradeOffer{Target: "bob", Want: agents.Bundle{Cans: 1}}, chat.PublicRoomID, 0, 1)
	s.act(bob, agents.RejectTrade{TradeID: "trade_0"}, chat.PublicRoomID, 0, 2)

	if tr, _ := s.Trades.Get("trade_0"); tr.Status != TradeRejected {
		t.Fatalf("status = %s", tr.Status)
	}
	if got := alice.Relationships()["bob"].Trust; got != 45 {
		t.Fatalf("alice->bob trust = %d", got)
	}
	if _, ok := bob.Relationships()["alice"]; ok {
		t.Fatalf("rejection changed the target's trust")
	}
	if len(bob.PendingTrades()) != 0 {
		t.Fatalf("rejected trade still pending")
	}
	if ev := eventsOfType(s, EventTradeRejected); len(ev) != 1 {
		t.Fatalf("trade_rejected events = %+v", ev)
	}
}

func TestTradeOfferIgnoredTargets(t *testing.T) {
	s := newTestSim(nil, nil, 3, 2, "alice", "bob", "carol")
	alice, carol := mustAgent(t, s, "alice"), mustAgent(t, s, "carol")
	carol.ConsumeDaily()
	carol.ConsumeDaily()
	if carol.Alive() {
		t.Fatal("carol should be dead")
	}

	for _, target := range []string{"alice", "ghost", "carol"} {
		s.act(alice, agents.TradeOffer{Target: target, Offer: agents.Bundle{Cans: 1}}, chat.PublicRoomID, 0, 1)
	}
	s.act(alice, agents.AcceptTrade{TradeID: "trade_9"}, chat.PublicRoomID, 0, 1)
	if got := s.Trades.All(); len(got) != 0 {
		t.Fatalf("trades = %+v", got)
	}
}

func TestCreateChatFiltersInvitees(t *testing.T) {
	s := newTestSim(nil, nil, 3, 2, "alice", "bob", "carol")
	alice, carol := mustAgent(t, s, "alice"), mustAgent(t, s, "carol")
	carol.ConsumeDaily()
	carol.ConsumeDaily()

	s.act(alice, agents.CreatePrivateChat{Invite: []string{"ghost", "carol", "alice"}}, chat.PublicRoomID, 0, 1)
	if got := len(s.Chat.Rooms()); got != 2 {
		t.Fatalf("room created for no valid invitee: %d rooms", got)
	}

	s.dispatch(context.Background(), alice, agents.Decision{Kind: agents.DecisionCreateChat, Invite: []string{"bob", "ghost", "carol", "bob"}}, 0, 2)
	rooms := s.Chat.Rooms()
	if len(rooms) != 3 {
		t.Fatalf("rooms = %d", len(rooms))
	}
	r := rooms[2]
	if len(r.Members) != 2 || r.Members[0] != "alice" || r.Members[1] != "bob" || r.HumanAware || r.HumanJoined {
		t.Fatalf("room = %+v", r)
	}
	if msg := lastMessage(t, s, r.ID); msg.Sender != chat.SenderSystem {
		t.Fatalf("announcement = %+v", msg)
	}
	if ev := eventsOfType(s, EventCreateChat); len(ev) != 1 {
		t.Fatalf("create_chat events = %+v", ev)
	}
}

func TestSpeakPostsTextAndRoutesAction(t *testing.T) {
	o := newScriptedOracle()
	o.plans["alice"] = []map[string]any{{"speak_in": []any{chat.PublicRoomID}}}
	o.replies["alice"] = []string{`Bob, a can for your water? {"action": "trade_offer", "target": "bob", "offer": {"cans": 1}, "want": {"water": 1}}`}
	o.plans["bob"] = []map[string]any{{}}
	s := newTestSim(o, nil, 3, 2, "alice", "bob")

	s.Step(context.Background())

	var spoke bool
	for _, m := range s.Chat.Recent(chat.PublicRoomID, 10) {
		if m.Sender == "alice" && m.Content == "Bob, a can for your water?" {
			spoke = true
		}
	}
	if !spoke {
		t.Fatalf("alice's text not posted: %+v", s.Chat.Recent(chat.PublicRoomID, 10))
	}
	tr, ok := s.Trades.Get("trade_0")
	if !ok || tr.RoomID != chat.PublicRoomID || tr.Offer.Cans != 1 || tr.Want.Water != 1 {
		t.Fatalf("trade = %+v ok=%v", tr, ok)
	}
	if ev := eventsOfType(s, EventMessage); len(ev) != 1 {
		t.Fatalf("message events = %+v", ev)
	}
}

func TestStepDistributesAndKills(t *testing.T) {
	o := newScriptedOracle()
	dist := &fixedDist{alloc: map[string]resources.Allocation{"alice": {Cans: 1, Water: 1}}}
	s := newTestSim(o, dist, 3, 1, "alice", "bob")
	alice, bob := mustAgent(t, s, "alice"), mustAgent(t, s, "bob")
	ctx := context.Background()

	if !s.Step(ctx) {
		t.Fatal("day should end after one tick")
	}
	if got := alice.Resources(); got != (agents.Bundle{Cans: 1, Water: 1}) {
		t.Fatalf("alice after day 1 = %+v", got)
	}
	if got := bob.Resources(); got != (agents.Bundle{}) || !bob.Alive() {
		t.Fatalf("bob after day 1 = %+v alive=%v", got, bob.Alive())
	}

	s.Step(ctx)
	if bob.Alive() {
		t.Fatal("bob should have starved")
	}
	st := bob.Status()
	if st.Cans != 0 || st.Water != 0 || st.DaysSurvived != 1 {
		t.Fatalf("bob status = %+v", st)
	}
	mems := bob.Memories()
	if mems[len(mems)-1].Kind != agents.MemoryDeath {
		t.Fatalf("no death memory: %+v", mems)
	}
	if ev := eventsOfType(s, EventDeath); len(ev) != 1 || !strings.Contains(ev[0].Content, "bob") {
		t.Fatalf("death events = %+v", ev)
	}
	bobCalls := o.callCount("bob")

	s.Step(ctx)
	if got := dist.calls[2]; len(got) != 1 || got[0] != "alice" {
		t.Fatalf("day 3 distribution went to %v", got)
	}
	if o.callCount("bob") != bobCalls {
		t.Fatal("dead agent was asked for a decision")
	}
	if clk := s.Clock(); clk.Day != 3 || clk.Tick != 0 {
		t.Fatalf("clock = %+v", clk)
	}
}

func TestStepIsolatesFailingAgent(t *testing.T) {
	o := newScriptedOracle()
	o.panics["alice"] = true
	for i := 0; i < 5; i++ {
		o.plans["bob"] = append(o.plans["bob"], map[string]any{"speak_in": []any{chat.PublicRoomID}})
		o.replies["bob"] = append(o.replies["bob"], "still here")
	}
	s := newTestSim(o, nil, 3, 5, "alice", "bob", "carol")

	for i := 0; i < 3; i++ {
		s.Step(context.Background())
	}
	var said int
	for _, m := range s.Chat.Recent(chat.PublicRoomID, 50) {
		if m.Sender == "bob" {
			said++
		}
	}
	if said != 3 {
		t.Fatalf("bob spoke %d times, want 3", said)
	}
	if o.callCount("alice") != 3 || o.callCount("carol") != 3 {
		t.Fatalf("calls alice=%d carol=%d", o.callCount("alice"), o.callCount("carol"))
	}
}

func TestEarlyMealDeathAnnounced(t *testing.T) {
	o := newScriptedOracle()
	o.plans["alice"] = []map[string]any{
		{"eat_today": true, "speak_in": []any{chat.PublicRoomID}},
		{"eat_today": true, "speak_in": []any{chat.PublicRoomID}},
	}
	o.replies["alice"] = []string{"full", "last words"}
	s := NewSimulation(Options{TotalDays: 3, TicksPerDay: 24, EatAfterTick: 1, Seed: 1},
		[]agents.Profile{{Name: "alice"}}, o, nil)
	s.updateClock(func(c *Clock) { c.Tick = 1 })
	alice := mustAgent(t, s, "alice")

	s.Step(context.Background())
	if !alice.Alive() || alice.Status().DaysSurvived != 1 {
		t.Fatalf("first meal failed: %+v", alice.Status())
	}
	s.Step(context.Background())
	if alice.Alive() {
		t.Fatal("second meal with nothing left should kill")
	}
	if ev := eventsOfType(s, EventDeath); len(ev) != 1 {
		t.Fatalf("death events = %+v", ev)
	}
	for _, m := range s.Chat.Recent(chat.PublicRoomID, 20) {
		if m.Content == "last words" {
			t.Fatal("dead agent spoke")
		}
	}
}

func TestRunPlaysAllDays(t *testing.T) {
	dist := &fixedDist{alloc: map[string]resources.Allocation{"alice": {Cans: 1, Water: 1}, "bob": {Cans: 1, Water: 1}}}
	s := newTestSim(newScriptedOracle(), dist, 2, 3, "alice", "bob")
	e := NewEngine(s)
	var days []int
	e.OnDay = func(day int) { days = append(days, day) }

	e.Run(context.Background())

	if len(days) != 2 || days[0] != 0 || days[1] != 1 {
		t.Fatalf("OnDay calls = %v", days)
	}
	clk := s.Clock()
	if clk.Running || clk.Day != 2 {
		t.Fatalf("clock = %+v", clk)
	}
	if ev := eventsOfType(s, EventSimulationStart); len(ev) != 1 {
		t.Fatalf("start events = %+v", ev)
	}
	if ev := eventsOfType(s, EventSimulationEnd); len(ev) != 1 || !strings.Contains(ev[0].Content, "alice, bob") {
		t.Fatalf("end events = %+v", ev)
	}
	first := s.Chat.Recent(chat.PrivateRoomID, 100)[0]
	if !strings.Contains(first.Content, "2 days") || first.Day != 0 || first.Tick != 0 {
		t.Fatalf("initial note = %+v", first)
	}
	if msg := lastMessage(t, s, chat.PublicRoomID); !strings.Contains(msg.Content, "Rescue arrives") {
		t.Fatalf("final public message = %+v", msg)
	}
}

func TestRunContinuesAfterExtinction(t *testing.T) {
	s := newTestSim(newScriptedOracle(), nil, 4, 2, "alice", "bob")
	e := NewEngine(s)
	var days int
	e.OnDay = func(int) { days++ }

	e.Run(context.Background())

	if days != 4 || s.Clock().Day != 4 {
		t.Fatalf("days = %d clock = %+v", days, s.Clock())
	}
	if ev := eventsOfType(s, EventDeath); len(ev) != 2 {
		t.Fatalf("death events = %+v", ev)
	}
	if msg := lastMessage(t, s, chat.PrivateRoomID); !strings.Contains(msg.Content, "no survivors") {
		t.Fatalf("final message = %+v", msg)
	}
}

func TestRunHonoursCancel(t *testing.T) {
	s := newTestSim(newScriptedOracle(), nil, 5, 2, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	NewEngine(s).Run(ctx)

	clk := s.Clock()
	if clk.Running || clk.Day != 0 || clk.Tick != 0 {
		t.Fatalf("clock = %+v", clk)
	}
	if ev := eventsOfType(s, EventSimulationEnd); len(ev) != 1 {
		t.Fatalf("end events = %+v", ev)
	}
}

func TestPauseResume(t *testing.T) {
	s := newTestSim(newScriptedOracle(), nil, 1, 2, "alice")
	e := NewEngine(s)
	e.IdleWait = time.Millisecond
	e.Pause()

	done := make(chan struct{})
	go func() {
		e.Run(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if clk := s.Clock(); clk.Tick != 0 || clk.Day != 0 || !clk.Paused {
		t.Fatalf("paused run advanced: %+v", clk)
	}
	e.Resume()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
	if s.Clock().Day != 1 {
		t.Fatalf("clock = %+v", s.Clock())
	}
}

func TestStopFinishesInFlightTick(t *testing.T) {
	s := newTestSim(newScriptedOracle(), nil, 3, 4, "alice")
	e := NewEngine(s)
	e.SetInterval(time.Millisecond)
	e.OnDay = func(int) { e.Stop() }

	e.Run(context.Background())

	if clk := s.Clock(); clk.Day != 1 || clk.Tick != 0 || clk.Running {
		t.Fatalf("clock = %+v", clk)
	}
}

func TestSpeedControls(t *testing.T) {
	s := NewSimulation(Options{TotalDays: 1, TicksPerDay: 1, TickInterval: 5 * time.Second}, nil, nil, nil)
	e := NewEngine(s)

	if got := e.SpeedUp(); got != 3*time.Second {
		t.Fatalf("speed up = %v", got)
	}
	e.SpeedUp()
	if got := e.SpeedUp(); got != MinTickInterval {
		t.Fatalf("floor = %v", got)
	}
	for i := 0; i < 40; i++ {
		e.SlowDown()
	}
	if got := s.Clock().TickInterval; got != MaxTickInterval {
		t.Fatalf("ceiling = %v", got)
	}
	e.SetInterval(-time.Second)
	if got := s.Clock().TickInterval; got != 0 {
		t.Fatalf("negative interval = %v", got)
	}
}

func TestHumanSend(t *testing.T) {
	s := newTestSim(nil, nil, 3, 2, "alice")

	if _, err := s.HumanSend(chat.PublicRoomID, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("empty: err = %v", err)
	}
	if _, err := s.HumanSend(chat.PrivateRoomID, "hi"); !errors.Is(err, ErrRoomNotJoinable) {
		t.Fatalf("private: err = %v", err)
	}
	if _, err := s.HumanSend("room_nope", "hi"); !errors.Is(err, ErrRoomNotJoinable) {
		t.Fatalf("unknown: err = %v", err)
	}
	msg, err := s.HumanSend(chat.PublicRoomID, " stay strong ")
	if err != nil {
		t.Fatalf("public: %v", err)
	}
	if msg.Sender != chat.SenderHuman || msg.Content != "stay strong" {
		t.Fatalf("msg = %+v", msg)
	}
	if ev := eventsOfType(s, EventHumanMessage); len(ev) != 1 {
		t.Fatalf("human events = %+v", ev)
	}
}

func TestSnapshot(t *testing.T) {
	dist := resources.NewSchedule(2, 3, 1, nil)
	s := newTestSim(nil, dist, 3, 2, "alice", "bob")
	s.act(mustAgent(t, s, "alice"), agents.TradeOffer{Target: "bob", Offer: agents.Bundle{Cans: 1}}, chat.PublicRoomID, 0, 0)

	snap := s.Snapshot()
	if snap.TotalDays != 3 || snap.TicksPerDay != 2 {
		t.Fatalf("clock = %+v", snap.Clock)
	}
	if len(snap.Agents) != 2 || snap.Agents["bob"].PendingTrades[0] != "trade_0" {
		t.Fatalf("agents = %+v", snap.Agents)
	}
	if len(snap.Rooms) != 2 || len(snap.Trades) != 1 {
		t.Fatalf("rooms = %d trades = %d", len(snap.Rooms), len(snap.Trades))
	}
	if snap.ResourceSchedule == nil || len(snap.ResourceSchedule.Days) != 3 {
		t.Fatalf("schedule = %+v", snap.ResourceSchedule)
	}
	if len(snap.RecentEvents) != 1 || snap.RecentEvents[0].Type != EventTradeOffer {
		t.Fatalf("events = %+v", snap.RecentEvents)
	}
}
