package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wxbot/internal/domain"
)

type stubSFClient struct {
	mu        sync.Mutex
	chats     []domain.Request
	gens      []domain.Request
	analyses  []domain.Request
	chatReply *domain.Reply
	genReply  *domain.Reply
	visReply  *domain.Reply
	genErr    error
}

func (c *stubSFClient) Chat(ctx context.Context, req domain.Request) (*domain.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats = append(c.chats, req)
	return c.chatReply, nil
}

func (c *stubSFClient) GenerateImages(ctx context.Context, req domain.Request) (*domain.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens = append(c.gens, req)
	return c.genReply, c.genErr
}

func (c *stubSFClient) AnalyzeImage(ctx context.Context, req domain.Request) (*domain.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.analyses = append(c.analyses, req)
	return c.visReply, nil
}

func newSFForTest(t *testing.T, m *Manifest, client siliconflowClient, ledger domain.CreditLedger, rec *recordingResponder) *SiliconFlowPlugin {
	t.Helper()
	if m == nil {
		m = &Manifest{Name: "siliconflow", Priority: 50, Price: 1}
	}
	return NewSiliconFlowPlugin(SiliconFlowDeps{
		Manifest:  m,
		Client:    client,
		Ledger:    ledger,
		Responder: rec,
		Logger:    testLogger(),
	})
}

func TestSiliconFlow_Chat(t *testing.T) {
	client := &stubSFClient{chatReply: &domain.Reply{Text: "你好！"}}
	ledger := newFakeLedger(map[string]int64{"wxid_u1": 5})
	rec := &recordingResponder{}
	p := newSFForTest(t, nil, client, ledger, rec)

	res, err := p.Handle(context.Background(), inbound("sf 在吗"))
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if len(client.chats) != 1 || client.chats[0].Query != "在吗" {
		t.Fatalf("unexpected chat requests: %+v", client.chats)
	}
	if got := rec.sentTexts(); len(got) != 1 || got[0] != "你好！" {
		t.Fatalf("unexpected replies: %v", got)
	}
	if ledger.balanceOf("wxid_u1") != 4 {
		t.Fatalf("expected deduction, balance %d", ledger.balanceOf("wxid_u1"))
	}
}

func TestSiliconFlow_GenerateAndPick(t *testing.T) {
	client := &stubSFClient{genReply: &domain.Reply{
		Images: []string{"https://img.example.com/1.png", "https://img.example.com/2.png"},
	}}
	rec := &recordingResponder{}
	p := newSFForTest(t, nil, client, newFakeLedger(map[string]int64{"wxid_u1": 5}), rec)

	res, err := p.Handle(context.Background(), inbound("画图 一只猫"))
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if len(client.gens) != 1 || client.gens[0].Query != "一只猫" {
		t.Fatalf("unexpected generate requests: %+v", client.gens)
	}
	texts := rec.sentTexts()
	if len(texts) != 2 || texts[0] != "正在生成图片，请稍候..." {
		t.Fatalf("unexpected replies: %v", texts)
	}
	if texts[1] != "已生成 2 张图片，回复数字(1-2)可查看原图" {
		t.Fatalf("unexpected batch summary: %q", texts[1])
	}
	if len(rec.images) != 1 || len(rec.images[0]) != 2 {
		t.Fatalf("batch images missing: %v", rec.images)
	}

	// A bare digit re-sends that one image without a new API call.
	res, err = p.Handle(context.Background(), inbound("2"))
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if len(client.gens) != 1 {
		t.Fatal("digit pick must not hit the API")
	}
	texts = rec.sentTexts()
	if texts[len(texts)-1] != "正在发送第 2 张图片..." {
		t.Fatalf("unexpected pick notice: %q", texts[len(texts)-1])
	}
	last := rec.images[len(rec.images)-1]
	if len(last) != 1 || last[0] != "https://img.example.com/2.png" {
		t.Fatalf("picked the wrong image: %v", last)
	}

	// Picks do not consume the batch.
	res, _ = p.Handle(context.Background(), inbound("1"))
	if res != domain.Handled {
		t.Fatalf("second pick should still work, got %v", res)
	}

	// Out of range hints at the valid range.
	p.Handle(context.Background(), inbound("9"))
	texts = rec.sentTexts()
	if texts[len(texts)-1] != "请输入有效的数字(1-2)" {
		t.Fatalf("unexpected range hint: %q", texts[len(texts)-1])
	}
}

func TestSiliconFlow_DigitWithoutBatchPassesOn(t *testing.T) {
	client := &stubSFClient{chatReply: &domain.Reply{Text: "ok"}}
	p := newSFForTest(t, nil, client, newFakeLedger(nil), &recordingResponder{})

	res, err := p.Handle(context.Background(), inbound("3"))
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.NotHandled {
		t.Fatalf("a digit with no batch around must pass on, got %v", res)
	}
}

func TestSiliconFlow_AutoVision(t *testing.T) {
	client := &stubSFClient{visReply: &domain.Reply{Text: "图里是一只橘猫"}}
	ledger := newFakeLedger(map[string]int64{"wxid_u1": 5})
	rec := &recordingResponder{}
	p := newSFForTest(t, nil, client, ledger, rec)

	msg := inbound("")
	msg.Attachments = []string{"wx://img/cat"}
	res, err := p.Handle(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if len(client.analyses) != 1 || client.analyses[0].Attachment != "wx://img/cat" {
		t.Fatalf("unexpected analyses: %+v", client.analyses)
	}
	if got := rec.sentTexts(); len(got) != 1 || got[0] != "图里是一只橘猫" {
		t.Fatalf("unexpected replies: %v", got)
	}
	if ledger.balanceOf("wxid_u1") != 4 {
		t.Fatalf("vision call should charge, balance %d", ledger.balanceOf("wxid_u1"))
	}
}

func TestSiliconFlow_AutoVisionOffWaitsForCommand(t *testing.T) {
	client := &stubSFClient{visReply: &domain.Reply{Text: "图里是一只橘猫"}}
	rec := &recordingResponder{}
	m := &Manifest{
		Name:     "siliconflow",
		Priority: 50,
		Price:    1,
		Extra:    map[string]any{"auto_vision": false},
	}
	p := newSFForTest(t, m, client, newFakeLedger(map[string]int64{"wxid_u1": 5}), rec)

	msg := inbound("")
	msg.Attachments = []string{"wx://img/cat"}
	res, _ := p.Handle(context.Background(), msg)
	if res != domain.NotHandled {
		t.Fatalf("with auto analysis off the image is only cached, got %v", res)
	}
	if len(client.analyses) != 0 {
		t.Fatal("no analysis may run before the command")
	}

	res, _ = p.Handle(context.Background(), inbound("分析图片"))
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if len(client.analyses) != 1 || client.analyses[0].Attachment != "wx://img/cat" {
		t.Fatalf("unexpected analyses: %+v", client.analyses)
	}
}

func TestSiliconFlow_EmptyDrawPrompt(t *testing.T) {
	client := &stubSFClient{}
	rec := &recordingResponder{}
	p := newSFForTest(t, nil, client, newFakeLedger(nil), rec)

	res, _ := p.Handle(context.Background(), inbound("画图"))
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if got := rec.sentTexts(); len(got) != 1 || got[0] != "请输入图片描述，例如：画图 一只猫" {
		t.Fatalf("unexpected replies: %v", got)
	}
	if len(client.gens) != 0 {
		t.Fatal("empty prompt must not hit the API")
	}
}

func TestSiliconFlow_GenerateFailure(t *testing.T) {
	client := &stubSFClient{genErr: errors.New("status 500")}
	ledger := newFakeLedger(map[string]int64{"wxid_u1": 5})
	rec := &recordingResponder{}
	p := newSFForTest(t, nil, client, ledger, rec)

	res, err := p.Handle(context.Background(), inbound("画图 一只猫"))
	if res != domain.HandledWithError {
		t.Fatalf("expected HandledWithError, got %v", res)
	}
	if err == nil {
		t.Fatal("expected the generate error to surface")
	}
	texts := rec.sentTexts()
	if len(texts) != 2 || texts[1] != sfGenerateFailure {
		t.Fatalf("unexpected replies: %v", texts)
	}
	if ledger.balanceOf("wxid_u1") != 5 {
		t.Fatalf("failed generation must not charge, balance %d", ledger.balanceOf("wxid_u1"))
	}
}

func TestSiliconFlow_EmptyBatchIsFailure(t *testing.T) {
	client := &stubSFClient{genReply: &domain.Reply{}}
	rec := &recordingResponder{}
	p := newSFForTest(t, nil, client, newFakeLedger(map[string]int64{"wxid_u1": 5}), rec)

	res, err := p.Handle(context.Background(), inbound("画图 一只猫"))
	if res != domain.HandledWithError {
		t.Fatalf("expected HandledWithError, got %v", res)
	}
	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected a provider error, got %v", err)
	}

	// Nothing was stored, so a digit still passes on.
	if res, _ := p.Handle(context.Background(), inbound("1")); res != domain.NotHandled {
		t.Fatalf("empty batch must not populate the gallery, got %v", res)
	}
}

func TestGallery_Expiry(t *testing.T) {
	g := newGallery(50 * time.Millisecond)
	g.put("chat1", []string{"a", "b"})

	if _, _, ok := g.pick("chat1", 1); !ok {
		t.Fatal("fresh batch must be pickable")
	}

	time.Sleep(120 * time.Millisecond)

	if _, _, ok := g.pick("chat1", 1); ok {
		t.Fatal("expired batch must be gone")
	}
}
