package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"wxbot/internal/attach"
	"wxbot/internal/command"
	"wxbot/internal/domain"
)

const (
	missingAttachmentReply = "请先发送图片"
	creditHintReply        = "你可以通过签到获取积分哦。"
	defaultFailureReply    = "服务暂时不可用"
)

// Adapter performs the provider call for a matched command and maps
// the result to a reply. It makes exactly one upstream call.
type Adapter func(ctx context.Context, req domain.Request) (*domain.Reply, error)

// GateConfig wires one plugin's dispatch gate.
type GateConfig struct {
	Plugin            string
	Price             int64
	AdminIgnore       bool
	Usage             string
	FailureReply      string // sent on provider errors, defaults to a generic notice
	ImageFailureReply string // failure reply for the image command path
	Model             string // optional per-plugin model override passed to the adapter
	Commands          *command.Matcher
	ImageCommands     *command.Matcher
	Cache             *attach.Cache
	Ledger            domain.CreditLedger
	Responder         domain.Responder
	Logger            *slog.Logger
}

// Gate runs the shared per-message flow in front of a plugin's
// adapter: cache inbound attachments, match commands, check credit,
// invoke, reply, and deduct only when the upstream call succeeded.
// It holds no state across messages beyond the attachment cache.
type Gate struct {
	plugin       string
	price        int64
	adminIgnore  bool
	usage        string
	failureReply string
	imageFailure string
	model        string
	commands     *command.Matcher
	imageCmds    *command.Matcher
	cache        *attach.Cache
	ledger       domain.CreditLedger
	responder    domain.Responder
	logger       *slog.Logger
}

func NewGate(cfg GateConfig) *Gate {
	if cfg.FailureReply == "" {
		cfg.FailureReply = defaultFailureReply
	}
	if cfg.ImageFailureReply == "" {
		cfg.ImageFailureReply = cfg.FailureReply
	}
	return &Gate{
		plugin:       cfg.Plugin,
		price:        cfg.Price,
		adminIgnore:  cfg.AdminIgnore,
		usage:        cfg.Usage,
		failureReply: cfg.FailureReply,
		imageFailure: cfg.ImageFailureReply,
		model:        cfg.Model,
		commands:     cfg.Commands,
		imageCmds:    cfg.ImageCommands,
		cache:        cfg.Cache,
		ledger:       cfg.Ledger,
		responder:    cfg.Responder,
		logger:       cfg.Logger,
	}
}

// Dispatch runs the standard command flow for one message:
//  1. a message carrying an attachment is remembered and passed on,
//  2. an image command consumes the cached attachment,
//  3. a plain command runs with its residual query,
//  4. anything else is left for the next plugin.
func (g *Gate) Dispatch(ctx context.Context, msg domain.InboundMessage, text, image Adapter) (domain.DispatchResult, error) {
	if len(msg.Attachments) > 0 && g.cache != nil {
		g.cache.Put(msg.ChatID, msg.Attachments[len(msg.Attachments)-1])
		return domain.NotHandled, nil
	}

	if g.imageCmds != nil && image != nil {
		if m := g.imageCmds.Match(msg.Content); m != nil {
			ref, ok := g.cache.Take(msg.ChatID)
			if !ok {
				g.responder.ReplyText(msg, missingAttachmentReply)
				return domain.Handled, nil
			}
			return g.Invoke(ctx, msg, m.Query, ref, g.imageFailure, image)
		}
	}

	if g.commands != nil && text != nil {
		if m := g.commands.Match(msg.Content); m != nil {
			if m.Query == "" {
				g.responder.ReplyText(msg, g.usage)
				return domain.Handled, nil
			}
			return g.Invoke(ctx, msg, m.Query, "", "", text)
		}
	}

	return domain.NotHandled, nil
}

// Invoke runs the billed tail of the flow: credit check, one adapter
// call, reply, and settlement. An empty failure falls back to the
// gate's configured failure reply. Custom plugins that do their own
// matching call it directly.
func (g *Gate) Invoke(ctx context.Context, msg domain.InboundMessage, query, attachment, failure string, fn Adapter) (domain.DispatchResult, error) {
	if failure == "" {
		failure = g.failureReply
	}

	free, err := g.Allow(ctx, msg)
	if err != nil {
		return g.Deny(msg, err)
	}

	reply, err := fn(ctx, domain.Request{
		Query:      query,
		Attachment: attachment,
		ChatID:     msg.ChatID,
		SenderID:   msg.SenderID,
		Model:      g.model,
	})
	if err != nil {
		g.logger.Error("adapter call failed", "plugin", g.plugin, "err", err)
		g.responder.ReplyText(msg, failure)
		return domain.HandledWithError, err
	}

	g.send(msg, reply)
	g.Settle(ctx, msg, free)
	return domain.Handled, nil
}

// Deny translates a failed Allow into the user-facing outcome: an
// insufficient balance gets the price notice plus the sign-in hint,
// anything else bubbles up as an error.
func (g *Gate) Deny(msg domain.InboundMessage, err error) (domain.DispatchResult, error) {
	var ice *domain.InsufficientCreditError
	if errors.As(err, &ice) {
		g.responder.ReplyText(msg, fmt.Sprintf("😭你的积分不够啦！需要 %d 积分", g.price))
		g.responder.ReplyText(msg, creditHintReply)
		return domain.Handled, nil
	}
	return domain.HandledWithError, err
}

// Allow reports whether the sender may invoke the plugin and whether
// the call is free of charge. Insufficient balance comes back as
// *domain.InsufficientCreditError; a ledger that cannot be read lets
// the call through free rather than locking users out.
func (g *Gate) Allow(ctx context.Context, msg domain.InboundMessage) (free bool, err error) {
	if g.price <= 0 {
		return true, nil
	}
	if g.adminIgnore {
		if msg.FromAdmin {
			return true, nil
		}
		exempt, err := g.ledger.IsExempt(ctx, msg.SenderID)
		if err != nil {
			g.logger.Warn("whitelist check failed, allowing", "plugin", g.plugin, "err", err)
		} else if exempt {
			return true, nil
		}
	}

	balance, err := g.ledger.Balance(ctx, msg.SenderID)
	if err != nil {
		g.logger.Warn("balance check failed, allowing free", "plugin", g.plugin, "err", err)
		return true, nil
	}
	if balance < g.price {
		return false, &domain.InsufficientCreditError{
			UserID:  msg.SenderID,
			Balance: balance,
			Price:   g.price,
		}
	}
	return false, nil
}

// Settle deducts the plugin price after a successful adapter call.
func (g *Gate) Settle(ctx context.Context, msg domain.InboundMessage, free bool) {
	if free || g.price <= 0 {
		return
	}
	if err := g.ledger.Deduct(ctx, msg.SenderID, g.price, g.plugin); err != nil {
		g.logger.Error("credit deduction failed", "plugin", g.plugin, "user", msg.SenderID, "err", err)
	}
}

// Refund returns a settled charge, used when a successful call turned
// out to deliver nothing.
func (g *Gate) Refund(ctx context.Context, msg domain.InboundMessage, free bool) {
	if free || g.price <= 0 {
		return
	}
	if err := g.ledger.Add(ctx, msg.SenderID, g.price, g.plugin); err != nil {
		g.logger.Error("credit refund failed", "plugin", g.plugin, "user", msg.SenderID, "err", err)
	}
}

func (g *Gate) send(msg domain.InboundMessage, reply *domain.Reply) {
	if reply == nil {
		return
	}
	if reply.Text != "" {
		g.responder.ReplyText(msg, reply.Text)
	}
	if len(reply.Images) > 0 {
		g.responder.ReplyImage(msg, reply.Images...)
	}
}
