package plugin

import (
	"context"
	"testing"

	"wxbot/internal/domain"
)

func newCreditsForTest(ledger domain.CreditLedger, rec *recordingResponder) *CreditsPlugin {
	return NewCreditsPlugin(CreditsDeps{
		Manifest:  &Manifest{Name: "credits", Priority: 90},
		Ledger:    ledger,
		Responder: rec,
		Logger:    testLogger(),
	})
}

func TestCredits_Balance(t *testing.T) {
	ledger := newFakeLedger(map[string]int64{"wxid_u1": 42})
	rec := &recordingResponder{}
	p := newCreditsForTest(ledger, rec)

	res, err := p.Handle(context.Background(), inbound("积分"))
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if got := rec.sentTexts(); len(got) != 1 || got[0] != "💰 你当前的积分：42" {
		t.Fatalf("unexpected replies: %v", got)
	}
}

func TestCredits_BalanceLedgerDown(t *testing.T) {
	ledger := newFakeLedger(nil)
	ledger.down = true
	rec := &recordingResponder{}
	p := newCreditsForTest(ledger, rec)

	res, err := p.Handle(context.Background(), inbound("积分"))
	if res != domain.HandledWithError {
		t.Fatalf("expected HandledWithError, got %v", res)
	}
	if err == nil {
		t.Fatal("expected the ledger error to surface")
	}
	if got := rec.sentTexts(); len(got) != 1 || got[0] != "积分查询失败，请稍后再试" {
		t.Fatalf("unexpected replies: %v", got)
	}
}

func TestCredits_GrantRequiresAdmin(t *testing.T) {
	ledger := newFakeLedger(nil)
	rec := &recordingResponder{}
	p := newCreditsForTest(ledger, rec)

	res, _ := p.Handle(context.Background(), inbound("加积分 wxid_u2 10"))
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if got := rec.sentTexts(); len(got) != 1 || got[0] != "该命令仅管理员可用" {
		t.Fatalf("unexpected replies: %v", got)
	}
	if len(ledger.adds) != 0 {
		t.Fatalf("non-admin grant must not touch the ledger, got %v", ledger.adds)
	}
}

func TestCredits_Grant(t *testing.T) {
	ledger := newFakeLedger(map[string]int64{"wxid_u2": 5})
	rec := &recordingResponder{}
	p := newCreditsForTest(ledger, rec)

	msg := inbound("加积分 wxid_u2 10")
	msg.FromAdmin = true
	res, err := p.Handle(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if ledger.balanceOf("wxid_u2") != 15 {
		t.Fatalf("expected balance 15, got %d", ledger.balanceOf("wxid_u2"))
	}
	if got := rec.sentTexts(); len(got) != 1 || got[0] != "已为 wxid_u2 增加 10 积分，当前积分：15" {
		t.Fatalf("unexpected replies: %v", got)
	}
}

func TestCredits_GrantBadArgs(t *testing.T) {
	ledger := newFakeLedger(nil)
	rec := &recordingResponder{}
	p := newCreditsForTest(ledger, rec)

	cases := map[string]string{
		"加积分 wxid_u2":       "用法：加积分 <wxid> <数量>",
		"加积分 wxid_u2 10 20": "用法：加积分 <wxid> <数量>",
		"加积分 wxid_u2 abc":   "积分数量必须是正整数",
		"加积分 wxid_u2 -3":    "积分数量必须是正整数",
		"加积分 wxid_u2 0":     "积分数量必须是正整数",
	}
	for content, want := range cases {
		rec.mu.Lock()
		rec.texts = nil
		rec.mu.Unlock()

		msg := inbound(content)
		msg.FromAdmin = true
		res, err := p.Handle(context.Background(), msg)
		if err != nil {
			t.Fatal(err)
		}
		if res != domain.Handled {
			t.Fatalf("%q: expected Handled, got %v", content, res)
		}
		if got := rec.sentTexts(); len(got) != 1 || got[0] != want {
			t.Fatalf("%q: unexpected replies %v", content, got)
		}
	}
	if len(ledger.adds) != 0 {
		t.Fatalf("bad grants must not touch the ledger, got %v", ledger.adds)
	}
}

func TestCredits_UnrelatedTextPassesOn(t *testing.T) {
	p := newCreditsForTest(newFakeLedger(nil), &recordingResponder{})

	res, _ := p.Handle(context.Background(), inbound("积分怎么获得"))
	if res != domain.NotHandled {
		t.Fatalf("expected NotHandled, got %v", res)
	}
}
