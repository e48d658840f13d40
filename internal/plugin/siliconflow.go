package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"wxbot/internal/attach"
	"wxbot/internal/command"
	"wxbot/internal/domain"
)

const (
	sfGenerateFailure = "图片生成失败，请稍后再试"
	sfAnalyzeFailure  = "图片分析失败，请稍后再试"
)

// siliconflowClient covers the three SiliconFlow operations the plugin
// drives: chat, image generation, and vision analysis.
type siliconflowClient interface {
	Chat(ctx context.Context, req domain.Request) (*domain.Reply, error)
	GenerateImages(ctx context.Context, req domain.Request) (*domain.Reply, error)
	AnalyzeImage(ctx context.Context, req domain.Request) (*domain.Reply, error)
}

// SiliconFlowPlugin proxies chat, drawing, and image analysis through
// SiliconFlow. Generated image batches are remembered per chat so a
// bare digit reply within the TTL re-sends that one image.
type SiliconFlowPlugin struct {
	name       string
	priority   int
	enabled    bool
	autoVision bool
	client     siliconflowClient
	gate       *Gate
	imageGen   *command.Matcher
	gallery    *gallery
	responder  domain.Responder
	logger     *slog.Logger
}

type SiliconFlowDeps struct {
	Manifest  *Manifest
	Client    siliconflowClient
	Ledger    domain.CreditLedger
	Responder domain.Responder
	Logger    *slog.Logger
}

func NewSiliconFlowPlugin(d SiliconFlowDeps) *SiliconFlowPlugin {
	m := d.Manifest

	commands := m.Commands
	if len(commands) == 0 {
		commands = []string{"sf", "硅基"}
	}
	imageCommands := m.ImageCommands
	if len(imageCommands) == 0 {
		imageCommands = []string{"分析图片", "看图"}
	}
	genCommands := stringList(m.Extra["draw_commands"])
	if len(genCommands) == 0 {
		genCommands = []string{"画图", "绘图", "生成图片"}
	}

	usage := m.Usage
	if usage == "" {
		usage = fmt.Sprintf("请输入问题，例如：%s 你好", commands[0])
	}

	gate := NewGate(GateConfig{
		Plugin:            m.Name,
		Price:             m.Price,
		AdminIgnore:       m.AdminIgnore,
		Usage:             usage,
		ImageFailureReply: sfAnalyzeFailure,
		Model:             m.Model,
		Commands:          command.New(commands),
		ImageCommands:     command.New(imageCommands),
		Cache:             attach.New(m.TTL()),
		Ledger:            d.Ledger,
		Responder:         d.Responder,
		Logger:            d.Logger,
	})

	return &SiliconFlowPlugin{
		name:       m.Name,
		priority:   m.Priority,
		enabled:    m.IsEnabled(),
		autoVision: m.ExtraBool("auto_vision", true),
		client:     d.Client,
		gate:       gate,
		imageGen:   command.New(genCommands),
		gallery:    newGallery(m.TTL()),
		responder:  d.Responder,
		logger:     d.Logger,
	}
}

func (p *SiliconFlowPlugin) Name() string { return p.name }

func (p *SiliconFlowPlugin) Priority() int { return p.priority }

func (p *SiliconFlowPlugin) Enabled() bool { return p.enabled }

func (p *SiliconFlowPlugin) Handle(ctx context.Context, msg domain.InboundMessage) (domain.DispatchResult, error) {
	text := strings.TrimSpace(msg.Content)

	// A bare digit picks one image from the last generated batch.
	if n, err := strconv.Atoi(text); err == nil && len(msg.Attachments) == 0 {
		if res, handled := p.pickImage(msg, n); handled {
			return res, nil
		}
	}

	// With auto analysis on, an incoming image is described right away
	// instead of waiting for an image command.
	if len(msg.Attachments) > 0 && p.autoVision {
		ref := msg.Attachments[len(msg.Attachments)-1]
		return p.gate.Invoke(ctx, msg, "", ref, sfAnalyzeFailure, p.analyze)
	}

	if m := p.imageGen.Match(text); m != nil {
		if m.Query == "" {
			p.responder.ReplyText(msg, fmt.Sprintf("请输入图片描述，例如：%s 一只猫", m.Trigger))
			return domain.Handled, nil
		}
		p.responder.ReplyText(msg, "正在生成图片，请稍候...")
		return p.gate.Invoke(ctx, msg, m.Query, "", sfGenerateFailure, p.generate)
	}

	return p.gate.Dispatch(ctx, msg, p.chat, p.analyze)
}

func (p *SiliconFlowPlugin) chat(ctx context.Context, req domain.Request) (*domain.Reply, error) {
	return p.client.Chat(ctx, req)
}

func (p *SiliconFlowPlugin) analyze(ctx context.Context, req domain.Request) (*domain.Reply, error) {
	return p.client.AnalyzeImage(ctx, req)
}

// generate produces the image batch, remembers it for digit selection,
// and tells the user how to pick one.
func (p *SiliconFlowPlugin) generate(ctx context.Context, req domain.Request) (*domain.Reply, error) {
	reply, err := p.client.GenerateImages(ctx, req)
	if err != nil {
		return nil, err
	}
	n := len(reply.Images)
	if n == 0 {
		return nil, &domain.ProviderError{Provider: "siliconflow", Message: "empty image batch"}
	}
	p.gallery.put(req.ChatID, reply.Images)
	return &domain.Reply{
		Text:   fmt.Sprintf("已生成 %d 张图片，回复数字(1-%d)可查看原图", n, n),
		Images: reply.Images,
	}, nil
}

func (p *SiliconFlowPlugin) pickImage(msg domain.InboundMessage, n int) (domain.DispatchResult, bool) {
	ref, total, ok := p.gallery.pick(msg.ChatID, n)
	if !ok {
		return domain.NotHandled, false
	}
	if ref == "" {
		p.responder.ReplyText(msg, fmt.Sprintf("请输入有效的数字(1-%d)", total))
		return domain.Handled, true
	}
	p.responder.ReplyText(msg, fmt.Sprintf("正在发送第 %d 张图片...", n))
	p.responder.ReplyImage(msg, ref)
	return domain.Handled, true
}

func stringList(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// gallery keeps the most recent generated image batch per chat until
// the TTL runs out. Reads do not consume the batch, so the user can
// pull several originals from one batch.
type gallery struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]galleryEntry
}

type galleryEntry struct {
	refs []string
	at   time.Time
}

func newGallery(ttl time.Duration) *gallery {
	if ttl <= 0 {
		ttl = attach.DefaultTTL
	}
	return &gallery{
		ttl:     ttl,
		entries: make(map[string]galleryEntry),
	}
}

func (g *gallery) put(chatID string, refs []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[chatID] = galleryEntry{refs: append([]string(nil), refs...), at: time.Now()}
}

// pick returns the n-th image (1-based) of the chat's current batch.
// ok is false when no fresh batch exists; an out-of-range n returns an
// empty ref with the batch size so the caller can hint the range.
func (g *gallery) pick(chatID string, n int) (ref string, total int, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, exists := g.entries[chatID]
	if !exists {
		return "", 0, false
	}
	if time.Since(e.at) > g.ttl {
		delete(g.entries, chatID)
		return "", 0, false
	}
	if n < 1 || n > len(e.refs) {
		return "", len(e.refs), true
	}
	return e.refs[n-1], len(e.refs), true
}
