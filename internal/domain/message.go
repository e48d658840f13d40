package domain

import "time"

type InboundMessage struct {
	Channel     string
	ChatID      string
	SenderID    string
	SenderName  string
	Content     string
	Attachments []string // image/file references delivered with the message
	IsGroup     bool
	FromAdmin   bool
	Timestamp   time.Time
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Images  []string // image references to deliver alongside or instead of text
	Format  string   // text | markdown
}
