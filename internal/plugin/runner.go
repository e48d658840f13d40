package plugin

import (
	"context"
	"log/slog"
	"time"

	"wxbot/internal/bus"
	"wxbot/internal/domain"
	"wxbot/internal/metrics"
)

const defaultConcurrency = 3

// Runner consumes inbound messages from the bus and walks the plugin
// chain with bounded concurrency. Replies flow back through the
// Responder the plugins were built with, so the runner itself only
// moves messages.
type Runner struct {
	chain       *Chain
	bus         domain.MessageBus
	events      *bus.EventBus
	concurrency int
	logger      *slog.Logger
}

func NewRunner(chain *Chain, bus domain.MessageBus, concurrency int, logger *slog.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Runner{
		chain:       chain,
		bus:         bus,
		concurrency: concurrency,
		logger:      logger,
	}
}

// WithEvents makes the runner publish dispatch lifecycle events to the
// internal event bus so observers (metrics, diagnostics) can follow
// along without sitting in the message path.
func (r *Runner) WithEvents(eb *bus.EventBus) *Runner {
	r.events = eb
	return r
}

// Run blocks until ctx is canceled or the bus closes.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("plugin runner started",
		"concurrency", r.concurrency,
		"plugins", r.chain.Names(),
	)

	sem := make(chan struct{}, r.concurrency)
	inbound := r.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("plugin runner stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				r.logger.Info("inbound channel closed, plugin runner stopping")
				return
			}
			sem <- struct{}{}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				r.dispatch(ctx, m)
			}(msg)
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, m domain.InboundMessage) {
	r.emit(bus.EventMessageReceived, m, "")

	metrics.InFlightDispatches.Inc()
	start := time.Now()
	res := r.chain.Dispatch(ctx, m)
	metrics.DispatchLatency.Observe(time.Since(start).Seconds())
	metrics.InFlightDispatches.Dec()

	switch res {
	case domain.Handled:
		r.emit(bus.EventPluginHandled, m, res.String())
	case domain.HandledWithError:
		r.emit(bus.EventPluginError, m, res.String())
	}

	r.logger.Debug("message dispatched",
		"channel", m.Channel,
		"sender", m.SenderID,
		"result", res.String(),
	)
}

func (r *Runner) emit(eventType string, m domain.InboundMessage, result string) {
	if r.events == nil {
		return
	}
	payload := map[string]any{
		"channel": m.Channel,
		"chat":    m.ChatID,
		"sender":  m.SenderID,
	}
	if result != "" {
		payload["result"] = result
	}
	r.events.EmitAsync(bus.Event{
		Type:    eventType,
		Source:  "runner",
		Payload: payload,
	})
}
