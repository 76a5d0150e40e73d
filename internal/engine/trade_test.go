package engine

import (
	"testing"

	"github.com/talgya/cavesim/internal/agents"
)

func TestTradeLedgerLifecycle(t *testing.T) {
	l := NewTradeLedger()
	a := l.Open("alice", "bob", agents.Bundle{Water: 1}, agents.Bundle{Cans: 1}, "ai_public", 0, 1)
	b := l.Open("bob", "alice", agents.Bundle{}, agents.Bundle{Water: 1}, "ai_private", 0, 2)
	if a.ID != "trade_0" || b.ID != "trade_1" {
		t.Fatalf("ids = %s, %s", a.ID, b.ID)
	}

	calls := 0
	exec := func(Trade) bool { calls++; return true }

	if _, ok := l.Accept(a.ID, "alice", 0, 3, exec); ok {
		t.Fatal("proposer accepted own trade")
	}
	if _, ok := l.Reject(a.ID, "carol", 0, 3); ok {
		t.Fatal("bystander rejected trade")
	}
	if _, ok := l.Accept("trade_7", "bob", 0, 3, exec); ok {
		t.Fatal("unknown trade accepted")
	}
	if calls != 0 {
		t.Fatalf("transfer ran %d times for invalid resolutions", calls)
	}

	got, ok := l.Accept(a.ID, "bob", 1, 4, exec)
	if !ok || got.Status != TradeCompleted || got.ResolvedDay != 1 || got.ResolvedTick != 4 {
		t.Fatalf("accept = %+v ok=%v", got, ok)
	}
	if _, ok := l.Reject(a.ID, "bob", 1, 5); ok {
		t.Fatal("completed trade rejected")
	}
	if _, ok := l.Accept(a.ID, "bob", 1, 5, exec); ok || calls != 1 {
		t.Fatal("completed trade accepted twice")
	}

	failed, ok := l.Accept(b.ID, "alice", 1, 6, func(Trade) bool { return false })
	if !ok || failed.Status != TradeFailed {
		t.Fatalf("failed = %+v", failed)
	}

	all := l.All()
	if len(all) != 2 || all[0].Status != TradeCompleted || all[1].Status != TradeFailed {
		t.Fatalf("all = %+v", all)
	}
}

func TestTradeLedgerReject(t *testing.T) {
	l := NewTradeLedger()
	tr := l.Open("alice", "bob", agents.Bundle{Cans: 1}, agents.Bundle{}, "ai_public", 0, 0)
	got, ok := l.Reject(tr.ID, "bob", 0, 1)
	if !ok || got.Status != TradeRejected {
		t.Fatalf("reject = %+v ok=%v", got, ok)
	}
	if _, ok := l.Accept(tr.ID, "bob", 0, 2, func(Trade) bool { return true }); ok {
		t.Fatal("rejected trade accepted")
	}
	if stored, _ := l.Get(tr.ID); stored.Status != TradeRejected {
		t.Fatalf("stored = %+v", stored)
	}
}
