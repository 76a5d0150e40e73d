package agents

import (
	"reflect"
	"testing"
)

func TestParseReply(t *testing.T) {
	cases := []struct {
		name       string
		raw        string
		wantText   string
		wantAction Action
	}{
		{
			name:       "text before directive",
			raw:        `好的{"action":"eat"}`,
			wantText:   "好的",
			wantAction: Eat{},
		},
		{
			name:       "text after directive",
			raw:        `{"action":"eat"}  fine, eating now `,
			wantText:   "fine, eating now",
			wantAction: Eat{},
		},
		{
			name:       "directive only",
			raw:        `{"action": "accept_trade", "trade_id": "trade_3"}`,
			wantText:   "",
			wantAction: AcceptTrade{TradeID: "trade_3"},
		},
		{
			name:     "plain text",
			raw:      "  I will wait and see.  ",
			wantText: "I will wait and see.",
		},
		{
			name:     "nested trade offer",
			raw:      `Deal? {"action": "trade_offer", "target": "Bob", "offer": {"cans": 0, "water": 1}, "want": {"cans": 1, "water": 0}}`,
			wantText: "Deal?",
			wantAction: TradeOffer{
				Target: "Bob",
				Offer:  Bundle{Water: 1},
				Want:   Bundle{Cans: 1},
			},
		},
		{
			name:     "missing bundle defaults to zero",
			raw:      `gift {"action":"trade_offer","target":"Bob","offer":{"cans":1}}`,
			wantText: "gift",
			wantAction: TradeOffer{
				Target: "Bob",
				Offer:  Bundle{Cans: 1},
			},
		},
		{
			name:     "negative quantities rejected",
			raw:      `hmm {"action":"trade_offer","target":"Bob","offer":{"cans":-1}}`,
			wantText: "hmm",
		},
		{
			name:     "unknown discriminant stripped but ignored",
			raw:      `run {"action":"fly"}`,
			wantText: "run",
		},
		{
			name:     "missing required field",
			raw:      `no {"action":"reject_trade"}`,
			wantText: "no",
		},
		{
			name:       "lenient json",
			raw:        "ok {\"action\": \"create_private_chat\", \"invite\": [\"Bob\", \"Cid\",],}",
			wantText:   "ok",
			wantAction: CreatePrivateChat{Invite: []string{"Bob", "Cid"}},
		},
		{
			name:       "non-directive object skipped",
			raw:        `{"mood": "bad"} then {"action": "reject_trade", "trade_id": "trade_1"}`,
			wantText:   `{"mood": "bad"} then`,
			wantAction: RejectTrade{TradeID: "trade_1"},
		},
		{
			name:     "broken json is text",
			raw:      `help {"action": "eat"`,
			wantText: `help {"action": "eat"`,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ParseReply(c.raw)
			if got.Text != c.wantText {
				t.Fatalf("text = %q, want %q", got.Text, c.wantText)
			}
			if !reflect.DeepEqual(got.Action, c.wantAction) {
				t.Fatalf("action = %#v, want %#v", got.Action, c.wantAction)
			}
		})
	}
}
