package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"wxbot/internal/command"
	"wxbot/internal/domain"
	"wxbot/internal/provider"
)

const (
	searchUsageReply   = "请输入要搜索的内容\n例如：搜三体"
	allSearchNotice    = "🔍 正在进行全网搜索，请稍等30秒...\n期间请勿重复发送搜索"
	fallbackNotice     = "💡 普通搜索未找到结果，正在尝试全网搜索，请稍等30秒...\n期间请勿重复发送搜索"
	searchFailureReply = "🔍 搜索暂时失败\n💡 提示：服务器可能繁忙，请稍后再试"
)

// resourceSearcher is the net-disk index the plugin queries. Search
// hits the fast regular index, SearchAll the slow whole-network one.
type resourceSearcher interface {
	Search(ctx context.Context, keyword string) ([]provider.Resource, error)
	SearchAll(ctx context.Context, keyword string) ([]provider.Resource, error)
}

// ResourcesPlugin looks up net-disk resources by keyword. Whole-network
// triggers go straight to the slow endpoint; the regular index falls
// back to it when it finds nothing. A search that ends up empty gives
// the charge back.
type ResourcesPlugin struct {
	name        string
	priority    int
	enabled     bool
	matcher     *command.Matcher
	allTriggers []string
	maxResults  int
	searcher    resourceSearcher
	gate        *Gate
	responder   domain.Responder
	logger      *slog.Logger
}

type ResourcesDeps struct {
	Manifest  *Manifest
	Searcher  resourceSearcher
	Ledger    domain.CreditLedger
	Responder domain.Responder
	Logger    *slog.Logger
}

func NewResourcesPlugin(d ResourcesDeps) *ResourcesPlugin {
	m := d.Manifest

	commands := m.Commands
	if len(commands) == 0 {
		commands = []string{"搜", "搜剧", "全网搜", "搜资源"}
	}
	allTriggers := stringList(m.Extra["all_search_commands"])
	if len(allTriggers) == 0 {
		allTriggers = []string{"全网搜", "搜资源"}
	}

	gate := NewGate(GateConfig{
		Plugin:      m.Name,
		Price:       m.Price,
		AdminIgnore: m.AdminIgnore,
		Ledger:      d.Ledger,
		Responder:   d.Responder,
		Logger:      d.Logger,
	})

	return &ResourcesPlugin{
		name:        m.Name,
		priority:    m.Priority,
		enabled:     m.IsEnabled(),
		matcher:     command.NewLongestFirst(commands),
		allTriggers: allTriggers,
		maxResults:  m.ExtraInt("max_results", 5),
		searcher:    d.Searcher,
		gate:        gate,
		responder:   d.Responder,
		logger:      d.Logger,
	}
}

func (p *ResourcesPlugin) Name() string { return p.name }

func (p *ResourcesPlugin) Priority() int { return p.priority }

func (p *ResourcesPlugin) Enabled() bool { return p.enabled }

func (p *ResourcesPlugin) Handle(ctx context.Context, msg domain.InboundMessage) (domain.DispatchResult, error) {
	m := p.matcher.Match(msg.Content)
	if m == nil {
		return domain.NotHandled, nil
	}
	if m.Query == "" {
		p.responder.ReplyText(msg, searchUsageReply)
		return domain.Handled, nil
	}

	free, err := p.gate.Allow(ctx, msg)
	if err != nil {
		return p.gate.Deny(msg, err)
	}

	results, all, err := p.search(ctx, msg, m.Trigger, m.Query)
	if err != nil {
		p.logger.Error("resource search failed", "keyword", m.Query, "err", err)
		p.responder.ReplyText(msg, searchFailureReply)
		return domain.HandledWithError, err
	}
	p.gate.Settle(ctx, msg, free)

	items := dedupeByURL(results)
	if len(items) == 0 {
		p.gate.Refund(ctx, msg, free)
		p.responder.ReplyText(msg, noResultsReply(m.Query))
		return domain.Handled, nil
	}

	p.responder.ReplyText(msg, p.formatResults(m.Query, items, all))
	return domain.Handled, nil
}

// search picks the endpoint for the trigger. The bool result tells the
// formatter which flavor of listing the hits came from.
func (p *ResourcesPlugin) search(ctx context.Context, msg domain.InboundMessage, trigger, keyword string) ([]provider.Resource, bool, error) {
	if slices.Contains(p.allTriggers, trigger) {
		p.responder.ReplyText(msg, allSearchNotice)
		items, err := p.searcher.SearchAll(ctx, keyword)
		return items, true, err
	}

	items, err := p.searcher.Search(ctx, keyword)
	if err != nil {
		return nil, false, err
	}
	if len(items) > 0 {
		return items, false, nil
	}

	p.responder.ReplyText(msg, fallbackNotice)
	items, err = p.searcher.SearchAll(ctx, keyword)
	return items, true, err
}

// formatResults renders the hit list. The count reflects everything
// found even when the list itself is capped.
func (p *ResourcesPlugin) formatResults(keyword string, items []provider.Resource, all bool) string {
	countMark, itemMark := "📑", "🎬"
	tip := "💡提示:点击链接即可获取资源"
	if all {
		countMark, itemMark = "🌐️", "🌐️"
		tip = "🌐️资源来源网络，30分钟后删除，请及时转存"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔍 搜索结果 - %s\n", keyword)
	fmt.Fprintf(&b, "%s 共找到 %d 个相关资源\n\n", countMark, len(items))

	show := items
	if len(show) > p.maxResults {
		show = show[:p.maxResults]
	}
	for _, it := range show {
		fmt.Fprintf(&b, "%s %s\n🔗 资源链接：%s\n\n", itemMark, it.Title, it.URL)
	}

	b.WriteString(tip)
	return b.String()
}

func noResultsReply(keyword string) string {
	return fmt.Sprintf("💭 抱歉，未找到与\"%s\"相关的资源\n💡 建议：\n1. 尝试更换关键词\n2. 确保名称输入正确\n3. 使用\"全网搜\"命令重新搜索", keyword)
}

func dedupeByURL(items []provider.Resource) []provider.Resource {
	seen := make(map[string]struct{}, len(items))
	out := make([]provider.Resource, 0, len(items))
	for _, it := range items {
		if _, dup := seen[it.URL]; dup {
			continue
		}
		seen[it.URL] = struct{}{}
		out = append(out, it)
	}
	return out
}
