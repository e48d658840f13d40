package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"wxbot/internal/domain"
)

// CreditsPlugin lets users check their balance and admins grant
// credit. It talks straight to the ledger; no provider involved.
type CreditsPlugin struct {
	name      string
	priority  int
	enabled   bool
	ledger    domain.CreditLedger
	responder domain.Responder
	logger    *slog.Logger
}

type CreditsDeps struct {
	Manifest  *Manifest
	Ledger    domain.CreditLedger
	Responder domain.Responder
	Logger    *slog.Logger
}

func NewCreditsPlugin(d CreditsDeps) *CreditsPlugin {
	m := d.Manifest
	return &CreditsPlugin{
		name:      m.Name,
		priority:  m.Priority,
		enabled:   m.IsEnabled(),
		ledger:    d.Ledger,
		responder: d.Responder,
		logger:    d.Logger,
	}
}

func (p *CreditsPlugin) Name() string { return p.name }

func (p *CreditsPlugin) Priority() int { return p.priority }

func (p *CreditsPlugin) Enabled() bool { return p.enabled }

func (p *CreditsPlugin) Handle(ctx context.Context, msg domain.InboundMessage) (domain.DispatchResult, error) {
	text := strings.TrimSpace(msg.Content)

	if text == "积分" {
		balance, err := p.ledger.Balance(ctx, msg.SenderID)
		if err != nil {
			p.logger.Error("balance query failed", "user", msg.SenderID, "err", err)
			p.responder.ReplyText(msg, "积分查询失败，请稍后再试")
			return domain.HandledWithError, err
		}
		p.responder.ReplyText(msg, fmt.Sprintf("💰 你当前的积分：%d", balance))
		return domain.Handled, nil
	}

	if args, ok := strings.CutPrefix(text, "加积分"); ok {
		return p.grant(ctx, msg, args)
	}

	return domain.NotHandled, nil
}

func (p *CreditsPlugin) grant(ctx context.Context, msg domain.InboundMessage, args string) (domain.DispatchResult, error) {
	if !msg.FromAdmin {
		p.responder.ReplyText(msg, "该命令仅管理员可用")
		return domain.Handled, nil
	}

	fields := strings.Fields(args)
	if len(fields) != 2 {
		p.responder.ReplyText(msg, "用法：加积分 <wxid> <数量>")
		return domain.Handled, nil
	}
	amount, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || amount <= 0 {
		p.responder.ReplyText(msg, "积分数量必须是正整数")
		return domain.Handled, nil
	}

	target := fields[0]
	if err := p.ledger.Add(ctx, target, amount, p.name); err != nil {
		p.logger.Error("credit grant failed", "user", target, "err", err)
		p.responder.ReplyText(msg, "加积分失败，请稍后再试")
		return domain.HandledWithError, err
	}

	balance, err := p.ledger.Balance(ctx, target)
	if err != nil {
		p.responder.ReplyText(msg, fmt.Sprintf("已为 %s 增加 %d 积分", target, amount))
		return domain.Handled, nil
	}
	p.responder.ReplyText(msg, fmt.Sprintf("已为 %s 增加 %d 积分，当前积分：%d", target, amount, balance))
	return domain.Handled, nil
}
