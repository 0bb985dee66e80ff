package telegram

import (
	"strconv"
	"strings"

	"github.com/creastat/taskflow/orchestrator"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Channel is the transport name carried on every event.
const Channel = "telegram"

// toEvents maps an update onto orchestrator events. A single photo with a
// caption yields the image followed by the caption as text. Captions inside
// an album are dropped: the text would move the session on to the prompt
// step before the album's remaining photos arrive.
func toEvents(u tgbotapi.Update) []orchestrator.Event {
	if cb := u.CallbackQuery; cb != nil {
		if cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
			return nil
		}
		ev := base(cb.From, cb.Message.Chat, "cb:"+cb.ID)
		ev.Kind, ev.Text = orchestrator.KindCallback, cb.Data
		return []orchestrator.Event{ev}
	}

	msg := u.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return nil
	}
	// Message ids are only unique within a chat, while a session follows
	// the user across chats.
	id := strconv.FormatInt(msg.Chat.ID, 10) + ":" + strconv.Itoa(msg.MessageID)

	if msg.IsCommand() {
		ev := base(msg.From, msg.Chat, id)
		ev.Kind = orchestrator.KindCommand
		ev.Command = strings.ToLower(msg.Command())
		ev.Text = strings.TrimSpace(msg.CommandArguments())
		return []orchestrator.Event{ev}
	}

	var events []orchestrator.Event
	if len(msg.Photo) > 0 {
		ev := base(msg.From, msg.Chat, id)
		ev.Kind, ev.Image = orchestrator.KindImage, largestPhoto(msg.Photo)
		events = append(events, ev)
		if caption := strings.TrimSpace(msg.Caption); caption != "" && msg.MediaGroupID == "" {
			text := base(msg.From, msg.Chat, id+":caption")
			text.Kind, text.Text = orchestrator.KindText, caption
			events = append(events, text)
		}
		return events
	}

	if text := strings.TrimSpace(msg.Text); text != "" {
		ev := base(msg.From, msg.Chat, id)
		ev.Kind, ev.Text = orchestrator.KindText, text
		events = append(events, ev)
	}
	return events
}

func base(from *tgbotapi.User, chat *tgbotapi.Chat, messageID string) orchestrator.Event {
	return orchestrator.Event{
		Channel:   Channel,
		ChatID:    strconv.FormatInt(chat.ID, 10),
		UserID:    strconv.FormatInt(from.ID, 10),
		Username:  from.UserName,
		MessageID: messageID,
	}
}

// largestPhoto returns the file id of the biggest rendition.
func largestPhoto(sizes []tgbotapi.PhotoSize) string {
	best := sizes[0]
	for _, p := range sizes[1:] {
		if p.Width*p.Height > best.Width*best.Height {
			best = p
		}
	}
	return best.FileID
}
