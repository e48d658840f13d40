package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"wxbot/internal/attach"
	"wxbot/internal/command"
	"wxbot/internal/domain"
)

// fastgptClient is the slice of the FastGPT adapter this plugin uses.
type fastgptClient interface {
	Answer(ctx context.Context, req domain.Request) (*domain.Reply, error)
}

// FastGPTPlugin relays knowledge-base questions to a FastGPT app. In
// group chats it only answers messages that open with one of its
// trigger words; in private chats it can take the whole message as the
// question when private_passthrough is set.
type FastGPTPlugin struct {
	name        string
	priority    int
	enabled     bool
	passthrough bool
	client      fastgptClient
	gate        *Gate
}

type FastGPTDeps struct {
	Manifest  *Manifest
	Client    fastgptClient
	Ledger    domain.CreditLedger
	Responder domain.Responder
	Logger    *slog.Logger
}

func NewFastGPTPlugin(d FastGPTDeps) *FastGPTPlugin {
	m := d.Manifest
	usage := m.Usage
	if usage == "" && len(m.Commands) > 0 {
		usage = fmt.Sprintf("请输入问题内容，例如：%s 什么是FastGPT?", m.Commands[0])
	}

	gate := NewGate(GateConfig{
		Plugin:        m.Name,
		Price:         m.Price,
		AdminIgnore:   m.AdminIgnore,
		Usage:         usage,
		FailureReply:  "抱歉，FastGPT服务调用失败，请稍后再试。",
		Model:         m.Model,
		Commands:      command.New(m.Commands),
		ImageCommands: command.New(m.ImageCommands),
		Cache:         attach.New(m.TTL()),
		Ledger:        d.Ledger,
		Responder:     d.Responder,
		Logger:        d.Logger,
	})

	return &FastGPTPlugin{
		name:        m.Name,
		priority:    m.Priority,
		enabled:     m.IsEnabled(),
		passthrough: m.ExtraBool("private_passthrough", false),
		client:      d.Client,
		gate:        gate,
	}
}

func (p *FastGPTPlugin) Name() string { return p.name }

func (p *FastGPTPlugin) Priority() int { return p.priority }

func (p *FastGPTPlugin) Enabled() bool { return p.enabled }

func (p *FastGPTPlugin) Handle(ctx context.Context, msg domain.InboundMessage) (domain.DispatchResult, error) {
	res, err := p.gate.Dispatch(ctx, msg, p.answer, p.answer)
	if res != domain.NotHandled {
		return res, err
	}

	// Private chats talk to the knowledge base without a trigger.
	if p.passthrough && !msg.IsGroup && len(msg.Attachments) == 0 {
		query := strings.TrimSpace(msg.Content)
		if query != "" {
			return p.gate.Invoke(ctx, msg, query, "", "", p.answer)
		}
	}
	return domain.NotHandled, nil
}

func (p *FastGPTPlugin) answer(ctx context.Context, req domain.Request) (*domain.Reply, error) {
	return p.client.Answer(ctx, req)
}
