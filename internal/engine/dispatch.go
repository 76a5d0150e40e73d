package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/talgya/cavesim/internal/agents"
	"github.com/talgya/cavesim/internal/chat"
)

// Trust changes applied by trade outcomes.
const (
	TrustTradeCompleted = 10
	TrustTradeRejected  = -5
)

func (s *Simulation) dispatch(ctx context.Context, a *agents.Agent, d agents.Decision, day, tick int) {
	switch d.Kind {
	case agents.DecisionSpeak:
		s.speak(ctx, a, d.RoomID, day, tick)
	case agents.DecisionCreateChat:
		s.createChat(a, d.Invite, day, tick)
	}
}

// speak lets the agent talk in a room and carries out any action it attached.
func (s *Simulation) speak(ctx context.Context, a *agents.Agent, roomID string, day, tick int) {
	room, ok := s.Chat.Room(roomID)
	if !ok {
		return
	}
	recent := s.Chat.Recent(roomID, agents.HistoryWindow)
	text, action := a.DecideAction(ctx, s.oracle, room, day, tick, recent)

	if text != "" {
		if _, ok := s.Chat.Send(roomID, a.Name, text, day, tick); ok {
			s.emit(EventMessage, fmt.Sprintf("[%s] %s: %s", room.Name, a.Name, text), day, tick)
		}
	}
	if action != nil {
		s.act(a, action, roomID, day, tick)
	}
}

func (s *Simulation) act(a *agents.Agent, action agents.Action, roomID string, day, tick int) {
	switch act := action.(type) {
	case agents.TradeOffer:
		s.offerTrade(a, act, roomID, day, tick)
	case agents.AcceptTrade:
		s.acceptTrade(a, act.TradeID, day, tick)
	case agents.RejectTrade:
		s.rejectTrade(a, act.TradeID, day, tick)
	case agents.CreatePrivateChat:
		s.createChat(a, act.Invite, day, tick)
	case agents.Eat:
		// Eating happens through the plan or at the end of the day.
	default:
		slog.Debug("ignoring unknown action", "agent", a.Name, "kind", action.Kind())
	}
}

// createChat opens a room for the proposer and every invitee that exists
// and is alive. Nothing happens if no invitee qualifies.
func (s *Simulation) createChat(a *agents.Agent, invite []string, day, tick int) {
	members := []string{a.Name}
	seen := map[string]bool{a.Name: true}
	for _, name := range invite {
		other, ok := s.agents[name]
		if !ok || seen[name] || !other.Alive() {
			continue
		}
		seen[name] = true
		members = append(members, name)
	}
	if len(members) == 1 {
		return
	}

	room := s.Chat.CreateRoom(a.Name, members, "")
	list := strings.Join(members, ", ")
	s.Chat.Send(room.ID, chat.SenderSystem, fmt.Sprintf("%s created a private chat. Members: %s", a.Name, list), day, tick)
	s.emit(EventCreateChat, fmt.Sprintf("%s created private room %s: %s", a.Name, room.ID, list), day, tick)
}

func (s *Simulation) offerTrade(a *agents.Agent, offer agents.TradeOffer, roomID string, day, tick int) {
	target, ok := s.agents[offer.Target]
	if !ok || target == a || !target.Alive() {
		return
	}
	if !offer.Offer.Valid() || !offer.Want.Valid() {
		return
	}

	t := s.Trades.Open(a.Name, target.Name, offer.Offer, offer.Want, roomID, day, tick)
	target.AddPendingTrade(t.ID)

	msg := fmt.Sprintf("%s offers %s a trade: gives %d cans + %d water for %d cans + %d water [trade id: %s]",
		a.Name, target.Name, t.Offer.Cans, t.Offer.Water, t.Want.Cans, t.Want.Water, t.ID)
	s.Chat.Send(roomID, chat.SenderSystem, msg, day, tick)
	s.emit(EventTradeOffer, msg, day, tick)
}

func (s *Simulation) acceptTrade(a *agents.Agent, id string, day, tick int) {
	t, ok := s.Trades.Accept(id, a.Name, day, tick, func(t Trade) bool {
		proposer, ok := s.agents[t.From]
		return ok && proposer.ExecuteTrade(a, t.Offer, t.Want)
	})
	if !ok {
		return
	}
	a.RemovePendingTrade(t.ID)

	result := "Trade failed (not enough resources)"
	if t.Status == TradeCompleted {
		result = "Trade completed"
		if proposer, ok := s.agents[t.From]; ok {
			proposer.UpdateRelationship(a.Name, "completed a trade", TrustTradeCompleted)
		}
		a.UpdateRelationship(t.From, "completed a trade", TrustTradeCompleted)
	}
	s.Chat.Send(t.RoomID, chat.SenderSystem, fmt.Sprintf("%s: %s <-> %s", result, t.From, t.To), day, tick)
	s.emit(EventTradeResult, fmt.Sprintf("%s: %s", t.ID, result), day, tick)
}

func (s *Simulation) rejectTrade(a *agents.Agent, id string, day, tick int) {
	t, ok := s.Trades.Reject(id, a.Name, day, tick)
	if !ok {
		return
	}
	a.RemovePendingTrade(t.ID)

	if proposer, ok := s.agents[t.From]; ok {
		proposer.UpdateRelationship(a.Name, "trade rejected", TrustTradeRejected)
	}
	msg := fmt.Sprintf("%s rejected %s's trade", a.Name, t.From)
	s.Chat.Send(t.RoomID, chat.SenderSystem, msg, day, tick)
	s.emit(EventTradeRejected, fmt.Sprintf("%s: %s", t.ID, msg), day, tick)
}
