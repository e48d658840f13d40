package ledger

import (
	"context"

	"wxbot/internal/bus"
	"wxbot/internal/domain"
)

// Evented wraps a CreditLedger and publishes credit movements to the
// internal event bus. Reads pass straight through; only the mutating
// operations are announced, and only when they succeeded.
type Evented struct {
	domain.CreditLedger
	events *bus.EventBus
}

func WithEvents(inner domain.CreditLedger, eb *bus.EventBus) *Evented {
	return &Evented{CreditLedger: inner, events: eb}
}

func (e *Evented) Deduct(ctx context.Context, userID string, amount int64, plugin string) error {
	if err := e.CreditLedger.Deduct(ctx, userID, amount, plugin); err != nil {
		return err
	}
	e.emit(bus.EventCreditDeducted, userID, amount, plugin)
	return nil
}

func (e *Evented) Add(ctx context.Context, userID string, amount int64, plugin string) error {
	if err := e.CreditLedger.Add(ctx, userID, amount, plugin); err != nil {
		return err
	}
	e.emit(bus.EventCreditRefunded, userID, amount, plugin)
	return nil
}

func (e *Evented) emit(eventType, userID string, amount int64, plugin string) {
	e.events.EmitAsync(bus.Event{
		Type:   eventType,
		Source: "ledger",
		Payload: map[string]any{
			"user":   userID,
			"amount": amount,
			"plugin": plugin,
		},
	})
}
