package plugin

import (
	"context"
	"log/slog"
	"sort"

	"wxbot/internal/domain"
)

// Chain walks registered plugins in priority order until one handles
// the message. Higher priority values see messages first.
type Chain struct {
	plugins []domain.Plugin
	logger  *slog.Logger
}

func NewChain(logger *slog.Logger, plugins ...domain.Plugin) *Chain {
	c := &Chain{logger: logger}
	for _, p := range plugins {
		c.Add(p)
	}
	return c
}

func (c *Chain) Add(p domain.Plugin) {
	c.plugins = append(c.plugins, p)
	sort.SliceStable(c.plugins, func(i, j int) bool {
		return c.plugins[i].Priority() > c.plugins[j].Priority()
	})
}

func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.plugins))
	for _, p := range c.plugins {
		names = append(names, p.Name())
	}
	return names
}

// Dispatch offers the message to each enabled plugin in turn and stops
// at the first one that handles it. A plugin that panics or errors is
// logged and the chain moves on.
func (c *Chain) Dispatch(ctx context.Context, msg domain.InboundMessage) domain.DispatchResult {
	for _, p := range c.plugins {
		if !p.Enabled() {
			continue
		}
		res, err := c.dispatchOne(ctx, p, msg)
		if err != nil {
			c.logger.Error("plugin error", "plugin", p.Name(), "err", err)
		}
		if res != domain.NotHandled {
			c.logger.Debug("message handled", "plugin", p.Name(), "result", res.String())
			return res
		}
	}
	return domain.NotHandled
}

func (c *Chain) dispatchOne(ctx context.Context, p domain.Plugin, msg domain.InboundMessage) (res domain.DispatchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("plugin panicked", "plugin", p.Name(), "panic", r)
			res = domain.NotHandled
			err = nil
		}
	}()
	return p.Handle(ctx, msg)
}
