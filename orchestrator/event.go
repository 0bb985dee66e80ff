package orchestrator

import (
	"strings"

	"github.com/creastat/taskflow/session"
)

// Kind is the transport-level shape of an inbound event.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindCommand  Kind = "command"
	KindCallback Kind = "callback"
)

// Commands understood by the orchestrator.
const (
	CommandStart  = "start"
	CommandHelp   = "help"
	CommandCancel = "cancel"
	CommandDone   = "done"
	CommandSkip   = "skip"
	CommandFormat = "format"
	CommandPrompt = "prompt"
)

// Callback payloads attached to inline buttons.
const (
	CallbackDone      = "done"
	CallbackSkip      = "skip"
	CallbackFormatMD  = "format:md"
	CallbackFormatPDF = "format:pdf"
)

// Event is one inbound chat event with its sender identity.
type Event struct {
	Channel   string // transport name, e.g. "telegram"
	ChatID    string // where replies go
	UserID    string
	Username  string
	MessageID string // dedup token, unique per user across chats; redeliveries carry the same id

	Kind    Kind
	Command string // KindCommand, without the leading slash
	Text    string // message text, command argument or callback data
	Image   string // KindImage: transport file reference
}

// SessionKey identifies the conversation this event belongs to.
func (e Event) SessionKey() string {
	return session.Key(e.Channel, e.UserID)
}

// Recipient returns where replies to this event go.
func (e Event) Recipient() Recipient {
	return Recipient{Channel: e.Channel, ChatID: e.ChatID}
}

// label names the event in the event log.
func (e Event) label() string {
	switch e.Kind {
	case KindCommand:
		return "/" + e.Command
	case KindCallback:
		return "callback:" + e.Text
	case KindImage:
		return "image"
	default:
		return "text"
	}
}

// sessionEvent maps the event onto the state machine's vocabulary.
// ok is false for events the machine does not handle.
func (e Event) sessionEvent() (session.Event, bool) {
	ev := session.Event{MessageID: e.MessageID}
	switch e.Kind {
	case KindImage:
		ev.Kind, ev.Image = session.EventImage, e.Image
	case KindText:
		ev.Kind, ev.Text = session.EventText, e.Text
	case KindCommand:
		switch e.Command {
		case CommandCancel:
			ev.Kind = session.EventCancel
		case CommandDone:
			ev.Kind = session.EventDone
		case CommandSkip:
			ev.Kind = session.EventSkip
		case CommandFormat:
			ev.Kind, ev.Text = session.EventFormat, e.Text
		case CommandPrompt:
			ev.Kind, ev.Text = session.EventText, e.Text
		default:
			return session.Event{}, false
		}
	case KindCallback:
		switch {
		case e.Text == CallbackDone:
			ev.Kind = session.EventDone
		case e.Text == CallbackSkip:
			ev.Kind = session.EventSkip
		case strings.HasPrefix(e.Text, "format:"):
			ev.Kind, ev.Text = session.EventFormat, strings.TrimPrefix(e.Text, "format:")
		default:
			return session.Event{}, false
		}
	default:
		return session.Event{}, false
	}
	return ev, true
}
