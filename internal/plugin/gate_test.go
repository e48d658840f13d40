package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"wxbot/internal/attach"
	"wxbot/internal/command"
	"wxbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	exempt   map[string]bool
	down     bool
	deducts  []string
	adds     []string
}

func newFakeLedger(balances map[string]int64) *fakeLedger {
	if balances == nil {
		balances = make(map[string]int64)
	}
	return &fakeLedger{balances: balances, exempt: make(map[string]bool)}
}

func (f *fakeLedger) Balance(ctx context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return 0, errors.New("ledger down")
	}
	return f.balances[userID], nil
}

func (f *fakeLedger) Deduct(ctx context.Context, userID string, amount int64, plugin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("ledger down")
	}
	f.balances[userID] -= amount
	f.deducts = append(f.deducts, fmt.Sprintf("%s:%d:%s", userID, amount, plugin))
	return nil
}

func (f *fakeLedger) Add(ctx context.Context, userID string, amount int64, plugin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("ledger down")
	}
	f.balances[userID] += amount
	f.adds = append(f.adds, fmt.Sprintf("%s:%d:%s", userID, amount, plugin))
	return nil
}

func (f *fakeLedger) IsExempt(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exempt[userID], nil
}

func (f *fakeLedger) AddExempt(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exempt[userID] = true
	return nil
}

func (f *fakeLedger) RemoveExempt(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.exempt, userID)
	return nil
}

func (f *fakeLedger) Close() error { return nil }

func (f *fakeLedger) balanceOf(userID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID]
}

type recordingResponder struct {
	mu     sync.Mutex
	texts  []string
	images [][]string
}

func (r *recordingResponder) ReplyText(to domain.InboundMessage, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
}

func (r *recordingResponder) ReplyImage(to domain.InboundMessage, refs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images = append(r.images, refs)
}

func (r *recordingResponder) sentTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func inbound(content string) domain.InboundMessage {
	return domain.InboundMessage{
		Channel:  "wechat",
		ChatID:   "room@chat",
		SenderID: "wxid_u1",
		Content:  content,
	}
}

// countingAdapter records the requests it saw and returns a canned
// outcome.
type countingAdapter struct {
	mu    sync.Mutex
	reqs  []domain.Request
	reply *domain.Reply
	err   error
}

func (a *countingAdapter) call(ctx context.Context, req domain.Request) (*domain.Reply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqs = append(a.reqs, req)
	return a.reply, a.err
}

func (a *countingAdapter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reqs)
}

func newTestGate(price int64, ledger domain.CreditLedger, rec *recordingResponder) *Gate {
	return NewGate(GateConfig{
		Plugin:        "sf",
		Price:         price,
		Usage:         "请输入问题，例如：sf 你好",
		Commands:      command.New([]string{"sf"}),
		ImageCommands: command.New([]string{"分析图片"}),
		Cache:         attach.New(0),
		Ledger:        ledger,
		Responder:     rec,
		Logger:        testLogger(),
	})
}

func TestGate_ImageCommandWithoutAttachment(t *testing.T) {
	ledger := newFakeLedger(map[string]int64{"wxid_u1": 10})
	rec := &recordingResponder{}
	gate := newTestGate(2, ledger, rec)
	adapter := &countingAdapter{reply: &domain.Reply{Text: "ok"}}

	res, err := gate.Dispatch(context.Background(), inbound("分析图片"), adapter.call, adapter.call)
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if adapter.calls() != 0 {
		t.Fatalf("adapter should not run without an attachment, got %d calls", adapter.calls())
	}
	if got := rec.sentTexts(); len(got) != 1 || got[0] != "请先发送图片" {
		t.Fatalf("unexpected replies: %v", got)
	}
	if ledger.balanceOf("wxid_u1") != 10 {
		t.Fatalf("balance changed: %d", ledger.balanceOf("wxid_u1"))
	}
}

func TestGate_AttachmentFlowDeductsOnce(t *testing.T) {
	ledger := newFakeLedger(map[string]int64{"wxid_u1": 10})
	rec := &recordingResponder{}
	gate := newTestGate(2, ledger, rec)
	adapter := &countingAdapter{reply: &domain.Reply{Text: "这是一只猫"}}

	withImage := inbound("")
	withImage.Attachments = []string{"wx://img/abc"}
	res, err := gate.Dispatch(context.Background(), withImage, adapter.call, adapter.call)
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.NotHandled {
		t.Fatalf("attachment intake should pass the message on, got %v", res)
	}

	res, err = gate.Dispatch(context.Background(), inbound("分析图片"), adapter.call, adapter.call)
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if adapter.calls() != 1 {
		t.Fatalf("expected one adapter call, got %d", adapter.calls())
	}
	if adapter.reqs[0].Attachment != "wx://img/abc" {
		t.Fatalf("adapter got attachment %q", adapter.reqs[0].Attachment)
	}
	if ledger.balanceOf("wxid_u1") != 8 {
		t.Fatalf("expected balance 8 after deduction, got %d", ledger.balanceOf("wxid_u1"))
	}

	// The cached attachment is consumed; a second command starts over.
	res, _ = gate.Dispatch(context.Background(), inbound("分析图片"), adapter.call, adapter.call)
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if adapter.calls() != 1 {
		t.Fatalf("consumed attachment must not be reused, got %d calls", adapter.calls())
	}
}

func TestGate_ProviderFailureSkipsDeduction(t *testing.T) {
	ledger := newFakeLedger(map[string]int64{"wxid_u1": 10})
	rec := &recordingResponder{}
	gate := newTestGate(3, ledger, rec)
	adapter := &countingAdapter{err: &domain.ProviderError{Provider: "siliconflow", Status: 500, Message: "boom"}}

	res, err := gate.Dispatch(context.Background(), inbound("sf 你好"), adapter.call, nil)
	if res != domain.HandledWithError {
		t.Fatalf("expected HandledWithError, got %v", res)
	}
	if err == nil {
		t.Fatal("expected the provider error to surface")
	}
	if got := rec.sentTexts(); len(got) != 1 || got[0] != defaultFailureReply {
		t.Fatalf("unexpected replies: %v", got)
	}
	if ledger.balanceOf("wxid_u1") != 10 {
		t.Fatalf("failed call must not deduct, balance %d", ledger.balanceOf("wxid_u1"))
	}
	if len(ledger.deducts) != 0 {
		t.Fatalf("unexpected deductions: %v", ledger.deducts)
	}
}

func TestGate_DeductsOnSuccess(t *testing.T) {
	ledger := newFakeLedger(map[string]int64{"wxid_u1": 10})
	rec := &recordingResponder{}
	gate := newTestGate(3, ledger, rec)
	adapter := &countingAdapter{reply: &domain.Reply{Text: "回答"}}

	res, err := gate.Dispatch(context.Background(), inbound("sf 你好"), adapter.call, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if got := rec.sentTexts(); len(got) != 1 || got[0] != "回答" {
		t.Fatalf("unexpected replies: %v", got)
	}
	if ledger.balanceOf("wxid_u1") != 7 {
		t.Fatalf("expected balance 7, got %d", ledger.balanceOf("wxid_u1"))
	}
	if len(ledger.deducts) != 1 {
		t.Fatalf("expected one deduction, got %v", ledger.deducts)
	}
}

func TestGate_InsufficientBalance(t *testing.T) {
	ledger := newFakeLedger(map[string]int64{"wxid_u1": 2})
	rec := &recordingResponder{}
	gate := newTestGate(5, ledger, rec)
	adapter := &countingAdapter{reply: &domain.Reply{Text: "ok"}}

	res, err := gate.Dispatch(context.Background(), inbound("sf 你好"), adapter.call, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if adapter.calls() != 0 {
		t.Fatal("no API call may happen below the price")
	}
	got := rec.sentTexts()
	if len(got) != 2 {
		t.Fatalf("expected two replies, got %v", got)
	}
	if got[0] != "😭你的积分不够啦！需要 5 积分" {
		t.Fatalf("unexpected first reply: %q", got[0])
	}
	if got[1] != creditHintReply {
		t.Fatalf("unexpected second reply: %q", got[1])
	}
	if ledger.balanceOf("wxid_u1") != 2 {
		t.Fatalf("balance changed: %d", ledger.balanceOf("wxid_u1"))
	}
}

func TestGate_EmptyQueryRepliesUsage(t *testing.T) {
	ledger := newFakeLedger(map[string]int64{"wxid_u1": 10})
	rec := &recordingResponder{}
	gate := newTestGate(3, ledger, rec)
	adapter := &countingAdapter{reply: &domain.Reply{Text: "ok"}}

	res, err := gate.Dispatch(context.Background(), inbound("sf"), adapter.call, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if adapter.calls() != 0 {
		t.Fatal("bare trigger must not call the API")
	}
	if got := rec.sentTexts(); len(got) != 1 || got[0] != "请输入问题，例如：sf 你好" {
		t.Fatalf("unexpected replies: %v", got)
	}
	if ledger.balanceOf("wxid_u1") != 10 {
		t.Fatalf("balance changed: %d", ledger.balanceOf("wxid_u1"))
	}
}

func TestGate_UnmatchedPassesOn(t *testing.T) {
	rec := &recordingResponder{}
	gate := newTestGate(3, newFakeLedger(nil), rec)
	adapter := &countingAdapter{}

	res, err := gate.Dispatch(context.Background(), inbound("今天天气怎么样"), adapter.call, adapter.call)
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.NotHandled {
		t.Fatalf("expected NotHandled, got %v", res)
	}
	if adapter.calls() != 0 || len(rec.sentTexts()) != 0 {
		t.Fatal("unmatched message must be silent")
	}
}

func TestGate_AdminExempt(t *testing.T) {
	ledger := newFakeLedger(map[string]int64{"wxid_u1": 1})
	rec := &recordingResponder{}
	gate := NewGate(GateConfig{
		Plugin:      "sf",
		Price:       5,
		AdminIgnore: true,
		Commands:    command.New([]string{"sf"}),
		Ledger:      ledger,
		Responder:   rec,
		Logger:      testLogger(),
	})
	adapter := &countingAdapter{reply: &domain.Reply{Text: "ok"}}

	msg := inbound("sf 你好")
	msg.FromAdmin = true
	res, err := gate.Dispatch(context.Background(), msg, adapter.call, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if adapter.calls() != 1 {
		t.Fatal("admin call should go through despite the balance")
	}
	if ledger.balanceOf("wxid_u1") != 1 {
		t.Fatalf("admin must not be charged, balance %d", ledger.balanceOf("wxid_u1"))
	}
}

func TestGate_WhitelistExempt(t *testing.T) {
	ledger := newFakeLedger(map[string]int64{"wxid_u1": 0})
	ledger.exempt["wxid_u1"] = true
	rec := &recordingResponder{}
	gate := NewGate(GateConfig{
		Plugin:      "sf",
		Price:       5,
		AdminIgnore: true,
		Commands:    command.New([]string{"sf"}),
		Ledger:      ledger,
		Responder:   rec,
		Logger:      testLogger(),
	})
	adapter := &countingAdapter{reply: &domain.Reply{Text: "ok"}}

	res, _ := gate.Dispatch(context.Background(), inbound("sf 你好"), adapter.call, nil)
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if adapter.calls() != 1 {
		t.Fatal("whitelisted user should get through with zero balance")
	}
	if len(ledger.deducts) != 0 {
		t.Fatalf("whitelisted call must be free, got %v", ledger.deducts)
	}
}

func TestGate_LedgerDownFailsOpen(t *testing.T) {
	ledger := newFakeLedger(nil)
	ledger.down = true
	rec := &recordingResponder{}
	gate := newTestGate(3, ledger, rec)
	adapter := &countingAdapter{reply: &domain.Reply{Text: "ok"}}

	res, err := gate.Dispatch(context.Background(), inbound("sf 你好"), adapter.call, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if adapter.calls() != 1 {
		t.Fatal("an unreadable ledger must not lock users out")
	}
	if len(ledger.deducts) != 0 {
		t.Fatalf("fail-open call must stay free, got %v", ledger.deducts)
	}
}

func TestGate_PriceZeroSkipsLedger(t *testing.T) {
	rec := &recordingResponder{}
	gate := NewGate(GateConfig{
		Plugin:    "sf",
		Commands:  command.New([]string{"sf"}),
		Responder: rec,
		Logger:    testLogger(),
	})
	adapter := &countingAdapter{reply: &domain.Reply{Text: "ok"}}

	// No ledger wired at all: a free plugin never touches it.
	res, err := gate.Dispatch(context.Background(), inbound("sf 你好"), adapter.call, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if adapter.calls() != 1 {
		t.Fatal("free call should go through")
	}
}

func TestGate_ImageFailureReply(t *testing.T) {
	ledger := newFakeLedger(map[string]int64{"wxid_u1": 10})
	rec := &recordingResponder{}
	gate := NewGate(GateConfig{
		Plugin:            "sf",
		Price:             2,
		ImageFailureReply: "图片分析失败，请稍后再试",
		ImageCommands:     command.New([]string{"分析图片"}),
		Cache:             attach.New(0),
		Ledger:            ledger,
		Responder:         rec,
		Logger:            testLogger(),
	})
	adapter := &countingAdapter{err: errors.New("timeout")}

	withImage := inbound("")
	withImage.Attachments = []string{"wx://img/abc"}
	gate.Dispatch(context.Background(), withImage, nil, adapter.call)

	res, err := gate.Dispatch(context.Background(), inbound("分析图片"), nil, adapter.call)
	if res != domain.HandledWithError {
		t.Fatalf("expected HandledWithError, got %v", res)
	}
	if err == nil {
		t.Fatal("expected error to surface")
	}
	if got := rec.sentTexts(); len(got) != 1 || got[0] != "图片分析失败，请稍后再试" {
		t.Fatalf("unexpected replies: %v", got)
	}
	if ledger.balanceOf("wxid_u1") != 10 {
		t.Fatalf("failed analysis must not deduct, balance %d", ledger.balanceOf("wxid_u1"))
	}
}

func TestGate_RefundRestoresCharge(t *testing.T) {
	ledger := newFakeLedger(map[string]int64{"wxid_u1": 10})
	rec := &recordingResponder{}
	gate := newTestGate(4, ledger, rec)

	msg := inbound("搜 三体")
	gate.Settle(context.Background(), msg, false)
	if ledger.balanceOf("wxid_u1") != 6 {
		t.Fatalf("expected 6 after settle, got %d", ledger.balanceOf("wxid_u1"))
	}
	gate.Refund(context.Background(), msg, false)
	if ledger.balanceOf("wxid_u1") != 10 {
		t.Fatalf("expected 10 after refund, got %d", ledger.balanceOf("wxid_u1"))
	}
	if len(ledger.adds) != 1 {
		t.Fatalf("expected one refund entry, got %v", ledger.adds)
	}
}
