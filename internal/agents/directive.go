// Directive parsing: an oracle reply is free text that may carry one embedded
// JSON action. The first object with a string "action" field is the
// directive; its payload must satisfy the schema for that action.
package agents

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/talgya/cavesim/internal/llm"
)

// Action discriminants.
const (
	ActionTradeOffer        = "trade_offer"
	ActionAcceptTrade       = "accept_trade"
	ActionRejectTrade       = "reject_trade"
	ActionCreatePrivateChat = "create_private_chat"
	ActionEat               = "eat"
)

// Action is one of TradeOffer, AcceptTrade, RejectTrade, CreatePrivateChat, Eat.
type Action interface {
	Kind() string
}

// TradeOffer proposes giving Offer to Target in exchange for Want.
type TradeOffer struct {
	Target string `json:"target"`
	Offer  Bundle `json:"offer"`
	Want   Bundle `json:"want"`
}

// AcceptTrade accepts a pending trade addressed to the speaker.
type AcceptTrade struct {
	TradeID string `json:"trade_id"`
}

// RejectTrade declines a pending trade addressed to the speaker.
type RejectTrade struct {
	TradeID string `json:"trade_id"`
}

// CreatePrivateChat opens a new room with the invitees.
type CreatePrivateChat struct {
	Invite []string `json:"invite"`
}

// Eat is accepted but has no effect; eating happens through the planning
// step or at the end of the day.
type Eat struct{}

func (TradeOffer) Kind() string        { return ActionTradeOffer }
func (AcceptTrade) Kind() string       { return ActionAcceptTrade }
func (RejectTrade) Kind() string       { return ActionRejectTrade }
func (CreatePrivateChat) Kind() string { return ActionCreatePrivateChat }
func (Eat) Kind() string               { return ActionEat }

// Reply is a parsed oracle reply. Empty Text means nothing to say; nil
// Action means no (valid) directive.
type Reply struct {
	Text   string
	Action Action
}

const bundleSchema = `{
	"type": "object",
	"properties": {
		"cans":  {"type": "integer", "minimum": 0},
		"water": {"type": "integer", "minimum": 0}
	}
}`

var actionSchemas = map[string]*jsonschema.Schema{
	ActionTradeOffer: jsonschema.MustCompileString("trade_offer.json", `{
		"type": "object",
		"required": ["target"],
		"properties": {
			"target": {"type": "string", "minLength": 1},
			"offer": `+bundleSchema+`,
			"want": `+bundleSchema+`
		}
	}`),
	ActionAcceptTrade: jsonschema.MustCompileString("accept_trade.json", `{
		"type": "object",
		"required": ["trade_id"],
		"properties": {"trade_id": {"type": "string", "minLength": 1}}
	}`),
	ActionRejectTrade: jsonschema.MustCompileString("reject_trade.json", `{
		"type": "object",
		"required": ["trade_id"],
		"properties": {"trade_id": {"type": "string", "minLength": 1}}
	}`),
	ActionCreatePrivateChat: jsonschema.MustCompileString("create_private_chat.json", `{
		"type": "object",
		"required": ["invite"],
		"properties": {"invite": {"type": "array", "items": {"type": "string"}}}
	}`),
	ActionEat: jsonschema.MustCompileString("eat.json", `{"type": "object"}`),
}

// ParseReply splits an oracle reply into spoken text and an optional action.
// Text is whatever precedes the directive, or failing that whatever follows
// it. Without a directive the whole reply is text.
func ParseReply(raw string) Reply {
	raw = strings.TrimSpace(raw)
	for _, span := range llm.ObjectSpans(raw) {
		obj, ok := llm.DecodeObject(span.Text(raw))
		if !ok {
			continue
		}
		kind, ok := obj["action"].(string)
		if !ok {
			continue
		}

		text := strings.TrimSpace(raw[:span.Start])
		if text == "" {
			text = strings.TrimSpace(raw[span.End:])
		}
		return Reply{Text: text, Action: decodeAction(kind, obj)}
	}
	return Reply{Text: raw}
}

func decodeAction(kind string, obj map[string]any) Action {
	schema, ok := actionSchemas[kind]
	if !ok {
		return nil
	}
	if err := schema.Validate(obj); err != nil {
		return nil
	}

	// Re-encoding the validated map normalizes jsonc input for typed decoding.
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	switch kind {
	case ActionTradeOffer:
		var a TradeOffer
		if json.Unmarshal(raw, &a) != nil {
			return nil
		}
		return a
	case ActionAcceptTrade:
		var a AcceptTrade
		if json.Unmarshal(raw, &a) != nil {
			return nil
		}
		return a
	case ActionRejectTrade:
		var a RejectTrade
		if json.Unmarshal(raw, &a) != nil {
			return nil
		}
		return a
	case ActionCreatePrivateChat:
		var a CreatePrivateChat
		if json.Unmarshal(raw, &a) != nil {
			return nil
		}
		return a
	default:
		return Eat{}
	}
}
