package plugin

import "wxbot/internal/domain"

// BusResponder routes plugin replies back through the message bus to
// whatever channel the message arrived on.
type BusResponder struct {
	bus domain.MessageBus
}

func NewBusResponder(bus domain.MessageBus) *BusResponder {
	return &BusResponder{bus: bus}
}

func (r *BusResponder) ReplyText(to domain.InboundMessage, text string) {
	if text == "" {
		return
	}
	r.bus.SendOutbound(domain.OutboundMessage{
		Channel: to.Channel,
		ChatID:  to.ChatID,
		Content: text,
		Format:  "text",
	})
}

func (r *BusResponder) ReplyImage(to domain.InboundMessage, refs ...string) {
	if len(refs) == 0 {
		return
	}
	r.bus.SendOutbound(domain.OutboundMessage{
		Channel: to.Channel,
		ChatID:  to.ChatID,
		Images:  refs,
	})
}
