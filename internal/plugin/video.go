package plugin

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"

	"wxbot/internal/domain"
)

const videoFailureReply = "未能获取到有效的视频，请稍后重试。"

// videoFetcher asks one short-video endpoint for a playable URL.
type videoFetcher interface {
	Fetch(ctx context.Context, apiURL string) (string, error)
}

// VideoPlugin serves short videos from the manifest's source list.
// Each source name is its own trigger; the random aliases draw from
// the whole pool. Replies carry the playable URL, which the chat
// clients render inline.
type VideoPlugin struct {
	name      string
	priority  int
	enabled   bool
	sources   []Source
	random    map[string]struct{}
	catalog   string
	fetcher   videoFetcher
	gate      *Gate
	responder domain.Responder
	logger    *slog.Logger
}

type VideoDeps struct {
	Manifest  *Manifest
	Fetcher   videoFetcher
	Ledger    domain.CreditLedger
	Responder domain.Responder
	Logger    *slog.Logger
}

func NewVideoPlugin(d VideoDeps) *VideoPlugin {
	m := d.Manifest

	// Manifest commands are extra aliases for a random pick.
	random := map[string]struct{}{"随机视频": {}}
	for _, alias := range m.Commands {
		random[alias] = struct{}{}
	}

	gate := NewGate(GateConfig{
		Plugin:      m.Name,
		Price:       m.Price,
		AdminIgnore: m.AdminIgnore,
		Ledger:      d.Ledger,
		Responder:   d.Responder,
		Logger:      d.Logger,
	})

	return &VideoPlugin{
		name:      m.Name,
		priority:  m.Priority,
		enabled:   m.IsEnabled(),
		sources:   m.Sources(),
		random:    random,
		catalog:   "视频目录",
		fetcher:   d.Fetcher,
		gate:      gate,
		responder: d.Responder,
		logger:    d.Logger,
	}
}

func (p *VideoPlugin) Name() string { return p.name }

func (p *VideoPlugin) Priority() int { return p.priority }

func (p *VideoPlugin) Enabled() bool { return p.enabled }

func (p *VideoPlugin) Handle(ctx context.Context, msg domain.InboundMessage) (domain.DispatchResult, error) {
	text := strings.TrimSpace(msg.Content)

	if text == p.catalog {
		names := make([]string, len(p.sources))
		for i, s := range p.sources {
			names[i] = s.Name
		}
		p.responder.ReplyText(msg, "可用的视频系列：\n"+strings.Join(names, "\n"))
		return domain.Handled, nil
	}

	source, matched := p.pickSource(text)
	if !matched {
		return domain.NotHandled, nil
	}
	if source.URL == "" {
		p.logger.Warn("no video sources configured", "plugin", p.name)
		p.responder.ReplyText(msg, videoFailureReply)
		return domain.Handled, nil
	}

	free, err := p.gate.Allow(ctx, msg)
	if err != nil {
		return p.gate.Deny(msg, err)
	}

	videoURL, err := p.fetcher.Fetch(ctx, source.URL)
	if err != nil {
		p.logger.Error("video fetch failed", "source", source.Name, "err", err)
		p.responder.ReplyText(msg, videoFailureReply)
		return domain.HandledWithError, err
	}

	p.responder.ReplyText(msg, videoURL)
	p.gate.Settle(ctx, msg, free)
	return domain.Handled, nil
}

// pickSource resolves the message text to a video source. A random
// alias with an empty pool still counts as matched so the user hears
// about the misconfiguration instead of silence.
func (p *VideoPlugin) pickSource(text string) (Source, bool) {
	if _, isRandom := p.random[text]; isRandom {
		if len(p.sources) == 0 {
			return Source{}, true
		}
		return p.sources[rand.IntN(len(p.sources))], true
	}
	for _, s := range p.sources {
		if s.Name == text {
			return s, true
		}
	}
	return Source{}, false
}
