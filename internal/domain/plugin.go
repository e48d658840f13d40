package domain

import "context"

// DispatchResult tells the plugin chain what to do after a plugin has
// seen a message.
type DispatchResult int

const (
	// NotHandled lets the next plugin in the chain see the message.
	NotHandled DispatchResult = iota
	// Handled stops the chain; the plugin produced a reply.
	Handled
	// HandledWithError stops the chain; the plugin replied with a
	// failure message and the error is reported to the caller.
	HandledWithError
)

func (r DispatchResult) String() string {
	switch r {
	case Handled:
		return "handled"
	case HandledWithError:
		return "handled_with_error"
	default:
		return "not_handled"
	}
}

// Plugin is the interface every chat plugin implements.
type Plugin interface {
	Name() string
	Priority() int
	Enabled() bool
	Handle(ctx context.Context, msg InboundMessage) (DispatchResult, error)
}

// Responder sends replies back to the channel a message came from.
// Implementations route through the message bus; sends are fire-and-forget.
type Responder interface {
	ReplyText(to InboundMessage, text string)
	ReplyImage(to InboundMessage, refs ...string)
}
