package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/talgya/cavesim/internal/chat"
	"github.com/talgya/cavesim/internal/llm"
)

// HistoryWindow is how many room messages are replayed to the oracle.
const HistoryWindow = 30

// Oracle generates decisions. Implementations may fail; failures are
// absorbed here and turn into "no decision".
type Oracle interface {
	Chat(ctx context.Context, system string, history []llm.Message) (string, error)
	StructuredChat(ctx context.Context, system string, history []llm.Message) (map[string]any, error)
}

// DecisionKind is what the scheduler should do on the agent's behalf.
type DecisionKind string

const (
	DecisionSpeak      DecisionKind = "speak"
	DecisionCreateChat DecisionKind = "create_chat"
)

// Decision is one step of an agent's plan for the current tick.
type Decision struct {
	Kind   DecisionKind
	RoomID string   // DecisionSpeak
	Invite []string // DecisionCreateChat
	Reason string   // DecisionCreateChat
}

// DecideAction asks the oracle what the agent says in room and which action,
// if any, it takes. Oracle failures yield ("", nil), as does a nil oracle.
func (a *Agent) DecideAction(ctx context.Context, oracle Oracle, room chat.Room, day, tick int, recent []chat.Message) (string, Action) {
	if oracle == nil {
		return "", nil
	}
	system := a.buildActionSystemPrompt(room, day, tick)

	if len(recent) > HistoryWindow {
		recent = recent[len(recent)-HistoryWindow:]
	}
	history := make([]llm.Message, 0, len(recent))
	for _, m := range recent {
		if m.Sender == a.Name {
			history = append(history, llm.Message{Role: "assistant", Content: m.Content})
		} else {
			history = append(history, llm.Message{Role: "user", Content: fmt.Sprintf("[%s]: %s", m.Sender, m.Content)})
		}
	}
	if len(history) == 0 {
		history = append(history, llm.Message{Role: "user", Content: "[system]: The room is open. You may start talking."})
	}

	response, err := oracle.Chat(ctx, system, history)
	if err != nil {
		slog.Debug("oracle chat failed, agent stays silent", "agent", a.Name, "room", room.ID, "error", err)
		return "", nil
	}
	if response == "" {
		return "", nil
	}

	reply := ParseReply(response)
	return reply.Text, reply.Action
}

// ThinkAndDecide asks the oracle for the agent's plan this tick: where to
// speak, whether to open a room, and whether to eat now. rooms are the
// rooms the agent belongs to.
func (a *Agent) ThinkAndDecide(ctx context.Context, oracle Oracle, rooms []chat.Room, day, tick int) []Decision {
	if oracle == nil || len(rooms) == 0 {
		return nil
	}

	system := a.buildPlanSystemPrompt(rooms, day, tick)
	prompt := fmt.Sprintf("It is day %d, hour %d. Make your decision.", day+1, tick)

	plan, err := oracle.StructuredChat(ctx, system, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		slog.Debug("oracle plan failed, no decision this tick", "agent", a.Name, "error", err)
		return nil
	}
	if plan == nil {
		return nil
	}

	if thought, ok := plan["inner_thought"].(string); ok && thought != "" {
		a.Remember(MemoryThought, fmt.Sprintf("[Day %d, hour %d, thinking] %s", day+1, tick, thought))
	}

	if eat, ok := plan["eat_today"].(bool); ok && eat && tick >= a.Rules.EatAfterTick {
		a.ConsumeDaily()
	}

	var decisions []Decision

	if cc, ok := plan["create_chat"].(map[string]any); ok {
		invite := stringList(cc["invite"])
		if len(invite) > 0 {
			reason, _ := cc["reason"].(string)
			decisions = append(decisions, Decision{Kind: DecisionCreateChat, Invite: invite, Reason: reason})
		}
	}

	visible := make(map[string]bool, len(rooms))
	for _, r := range rooms {
		visible[r.ID] = true
	}
	for _, id := range stringList(plan["speak_in"]) {
		if visible[id] {
			decisions = append(decisions, Decision{Kind: DecisionSpeak, RoomID: id})
		}
	}
	return decisions
}

// stringList keeps the non-empty strings of a decoded JSON array.
func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
