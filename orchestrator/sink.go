package orchestrator

import "context"

// Recipient addresses a chat on a transport.
type Recipient struct {
	Channel string
	ChatID  string
}

// Button is an inline reply option. Data comes back as a KindCallback event.
type Button struct {
	Label string
	Data  string
}

// Document is a file to deliver. Either URL or Data is set.
type Document struct {
	Name    string
	URL     string
	Data    []byte
	Caption string
}

// Sink delivers outbound messages.
type Sink interface {
	SendText(ctx context.Context, to Recipient, text string, buttons ...Button) error
	SendDocument(ctx context.Context, to Recipient, doc Document) error
}

// EventLog records every reply the bot sends.
type EventLog interface {
	RecordEvent(ctx context.Context, username, command, response string) error
}
