package domain

// Request is the normalized input to an external API adapter: the
// residual query text after the trigger, plus the consumed attachment
// reference when the flow took one from the cache.
type Request struct {
	Query      string
	Attachment string
	ChatID     string
	SenderID   string
	Model      string // optional per-call model override
}

// Reply is the plugin-neutral result of an adapter call.
type Reply struct {
	Text   string
	Images []string
	Files  []string
}
