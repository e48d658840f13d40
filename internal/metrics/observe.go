package metrics

import "wxbot/internal/bus"

// Observe subscribes the pre-defined metrics to the internal event
// bus. Components emit events without knowing about metrics; this is
// the one place the two meet.
func Observe(eb *bus.EventBus) {
	eb.On(bus.EventMessageReceived, func(bus.Event) { MessagesTotal.Inc() })
	eb.On(bus.EventPluginHandled, func(bus.Event) { MessagesHandled.Inc() })
	eb.On(bus.EventPluginError, func(bus.Event) { PluginErrors.Inc() })
	eb.On(bus.EventScheduleFired, func(bus.Event) { SchedulesFired.Inc() })

	eb.On(bus.EventCreditDeducted, func(ev bus.Event) {
		CreditsDeducted.Add(amountOf(ev))
	})
	eb.On(bus.EventCreditRefunded, func(ev bus.Event) {
		CreditsRefunded.Add(amountOf(ev))
	})
}

func amountOf(ev bus.Event) int64 {
	if ev.Payload == nil {
		return 0
	}
	if n, ok := ev.Payload["amount"].(int64); ok {
		return n
	}
	return 0
}
