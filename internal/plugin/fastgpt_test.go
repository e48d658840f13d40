package plugin

import (
	"context"
	"testing"

	"wxbot/internal/domain"
)

type answerFunc func(ctx context.Context, req domain.Request) (*domain.Reply, error)

func (f answerFunc) Answer(ctx context.Context, req domain.Request) (*domain.Reply, error) {
	return f(ctx, req)
}

func newFastGPTForTest(t *testing.T, m *Manifest, client fastgptClient, rec *recordingResponder) *FastGPTPlugin {
	t.Helper()
	return NewFastGPTPlugin(FastGPTDeps{
		Manifest:  m,
		Client:    client,
		Ledger:    newFakeLedger(map[string]int64{"wxid_u1": 10}),
		Responder: rec,
		Logger:    testLogger(),
	})
}

func TestFastGPTPlugin_TriggeredQuestion(t *testing.T) {
	var got domain.Request
	client := answerFunc(func(ctx context.Context, req domain.Request) (*domain.Reply, error) {
		got = req
		return &domain.Reply{Text: "FastGPT 是一个知识库平台。"}, nil
	})
	rec := &recordingResponder{}
	m := &Manifest{Name: "fastgpt", Priority: 60, Price: 1, Commands: []string{"问", "ask"}, Model: "gpt-4o-mini"}
	p := newFastGPTForTest(t, m, client, rec)

	msg := inbound("问 什么是FastGPT")
	msg.IsGroup = true
	res, err := p.Handle(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if got.Query != "什么是FastGPT" {
		t.Fatalf("unexpected query: %q", got.Query)
	}
	if got.Model != "gpt-4o-mini" {
		t.Fatalf("manifest model not passed through: %q", got.Model)
	}
	if got.ChatID != "room@chat" || got.SenderID != "wxid_u1" {
		t.Fatalf("request misses addressing: %+v", got)
	}
	if texts := rec.sentTexts(); len(texts) != 1 || texts[0] != "FastGPT 是一个知识库平台。" {
		t.Fatalf("unexpected replies: %v", texts)
	}
}

func TestFastGPTPlugin_GroupNeedsTrigger(t *testing.T) {
	client := answerFunc(func(ctx context.Context, req domain.Request) (*domain.Reply, error) {
		t.Fatal("client must not be called")
		return nil, nil
	})
	m := &Manifest{
		Name:     "fastgpt",
		Priority: 60,
		Commands: []string{"问"},
		Extra:    map[string]any{"private_passthrough": true},
	}
	p := newFastGPTForTest(t, m, client, &recordingResponder{})

	msg := inbound("随便聊聊")
	msg.IsGroup = true
	res, err := p.Handle(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.NotHandled {
		t.Fatalf("group chat without trigger must pass on, got %v", res)
	}
}

func TestFastGPTPlugin_PrivatePassthrough(t *testing.T) {
	var got domain.Request
	client := answerFunc(func(ctx context.Context, req domain.Request) (*domain.Reply, error) {
		got = req
		return &domain.Reply{Text: "答案"}, nil
	})
	m := &Manifest{
		Name:     "fastgpt",
		Priority: 60,
		Commands: []string{"问"},
		Extra:    map[string]any{"private_passthrough": true},
	}
	p := newFastGPTForTest(t, m, client, &recordingResponder{})

	res, err := p.Handle(context.Background(), inbound("公司的报销流程是什么"))
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if got.Query != "公司的报销流程是什么" {
		t.Fatalf("unexpected query: %q", got.Query)
	}
}

func TestFastGPTPlugin_PassthroughOffByDefault(t *testing.T) {
	client := answerFunc(func(ctx context.Context, req domain.Request) (*domain.Reply, error) {
		t.Fatal("client must not be called")
		return nil, nil
	})
	m := &Manifest{Name: "fastgpt", Priority: 60, Commands: []string{"问"}}
	p := newFastGPTForTest(t, m, client, &recordingResponder{})

	res, _ := p.Handle(context.Background(), inbound("公司的报销流程是什么"))
	if res != domain.NotHandled {
		t.Fatalf("passthrough must be opt-in, got %v", res)
	}
}

func TestFastGPTPlugin_UsageFromFirstCommand(t *testing.T) {
	client := answerFunc(func(ctx context.Context, req domain.Request) (*domain.Reply, error) {
		return &domain.Reply{Text: "答案"}, nil
	})
	rec := &recordingResponder{}
	m := &Manifest{Name: "fastgpt", Priority: 60, Commands: []string{"问"}}
	p := newFastGPTForTest(t, m, client, rec)

	res, _ := p.Handle(context.Background(), inbound("问"))
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if texts := rec.sentTexts(); len(texts) != 1 || texts[0] != "请输入问题内容，例如：问 什么是FastGPT?" {
		t.Fatalf("unexpected usage reply: %v", texts)
	}
}
