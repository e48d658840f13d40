package domain

import "context"

// Provider is an external API the bot calls over HTTP. Concrete
// adapters expose typed operations (chat, image generation, market
// data, resource search); this interface is the common surface the
// factory caches and the doctor command probes.
type Provider interface {
	Name() string
	Healthy(ctx context.Context) error
}
