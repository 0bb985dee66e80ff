package telegram

import (
	"testing"

	"github.com/creastat/taskflow/orchestrator"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var (
	alice = &tgbotapi.User{ID: 7, UserName: "alice"}
	chat  = &tgbotapi.Chat{ID: -100}
)

func commandMessage(text string, length int) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 11,
		From:      alice,
		Chat:      chat,
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}},
	}
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

func TestCommandWithArgument(t *testing.T) {
	events := toEvents(tgbotapi.Update{Message: commandMessage("/start t-42", 6)})
	if len(events) != 1 {
		t.Fatalf("expected one event, got %+v", events)
	}
	ev := events[0]
	if ev.Kind != orchestrator.KindCommand || ev.Command != "start" || ev.Text != "t-42" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Channel != Channel || ev.ChatID != "-100" || ev.UserID != "7" || ev.Username != "alice" || ev.MessageID != "-100:11" {
		t.Fatalf("unexpected identity %+v", ev)
	}
}

func TestPlainText(t *testing.T) {
	events := toEvents(tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 3, From: alice, Chat: chat, Text: "  solve x  "}})
	if len(events) != 1 || events[0].Kind != orchestrator.KindText || events[0].Text != "solve x" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestPhotoUsesLargestSizeAndCaption(t *testing.T) {
	msg := &tgbotapi.Message{
		MessageID: 5,
		From:      alice,
		Chat:      chat,
		Caption:   "page one",
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", Width: 90, Height: 90},
			{FileID: "large", Width: 1280, Height: 960},
			{FileID: "medium", Width: 320, Height: 240},
		},
	}
	events := toEvents(tgbotapi.Update{Message: msg})
	if len(events) != 2 {
		t.Fatalf("expected image and caption, got %+v", events)
	}
	if events[0].Kind != orchestrator.KindImage || events[0].Image != "large" || events[0].MessageID != "-100:5" {
		t.Fatalf("unexpected image event %+v", events[0])
	}
	if events[1].Kind != orchestrator.KindText || events[1].Text != "page one" || events[1].MessageID == events[0].MessageID {
		t.Fatalf("unexpected caption event %+v", events[1])
	}
}

func TestAlbumCaptionDoesNotEndImageCollection(t *testing.T) {
	first := &tgbotapi.Message{
		MessageID:    20,
		From:         alice,
		Chat:         chat,
		MediaGroupID: "album-1",
		Caption:      "both pages",
		Photo:        []tgbotapi.PhotoSize{{FileID: "page-1"}},
	}
	events := toEvents(tgbotapi.Update{Message: first})
	if len(events) != 1 || events[0].Kind != orchestrator.KindImage {
		t.Fatalf("album photo must yield only the image, got %+v", events)
	}
}

func TestMessageIDsAreScopedToTheChat(t *testing.T) {
	private := &tgbotapi.Message{MessageID: 42, From: alice, Chat: &tgbotapi.Chat{ID: 7}, Photo: []tgbotapi.PhotoSize{{FileID: "photo-private"}}}
	group := &tgbotapi.Message{MessageID: 42, From: alice, Chat: &tgbotapi.Chat{ID: -200}, Photo: []tgbotapi.PhotoSize{{FileID: "photo-group"}}}

	a := toEvents(tgbotapi.Update{Message: private})
	b := toEvents(tgbotapi.Update{Message: group})
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected one event each, got %+v %+v", a, b)
	}
	if a[0].SessionKey() != b[0].SessionKey() {
		t.Fatalf("same user must share a session, got %q and %q", a[0].SessionKey(), b[0].SessionKey())
	}
	if a[0].MessageID == b[0].MessageID {
		t.Fatalf("equal message ids from different chats collide: %q", a[0].MessageID)
	}
}

func TestCallback(t *testing.T) {
	u := tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "q1",
		From:    alice,
		Message: &tgbotapi.Message{MessageID: 9, Chat: chat},
		Data:    orchestrator.CallbackFormatPDF,
	}}
	events := toEvents(u)
	if len(events) != 1 || events[0].Kind != orchestrator.KindCallback || events[0].Text != "format:pdf" || events[0].MessageID != "cb:q1" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestIgnoredUpdates(t *testing.T) {
	if got := toEvents(tgbotapi.Update{}); len(got) != 0 {
		t.Fatalf("expected nothing, got %+v", got)
	}
	if got := toEvents(tgbotapi.Update{Message: &tgbotapi.Message{From: alice, Chat: chat}}); len(got) != 0 {
		t.Fatalf("empty message must be ignored, got %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

func TestTextMessageWithButtons(t *testing.T) {
	msg, err := textMessage(orchestrator.Recipient{Channel: Channel, ChatID: "42"}, "pick one", []orchestrator.Button{
		{Label: "Markdown", Data: "format:md"},
		{Label: "PDF", Data: "format:pdf"},
	})
	if err != nil {
		t.Fatalf("textMessage: %v", err)
	}
	if msg.ChatID != 42 || msg.Text != "pick one" {
		t.Fatalf("unexpected message %+v", msg)
	}
	markup, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || len(markup.InlineKeyboard) != 1 || len(markup.InlineKeyboard[0]) != 2 {
		t.Fatalf("unexpected markup %#v", msg.ReplyMarkup)
	}
	if data := markup.InlineKeyboard[0][1].CallbackData; data == nil || *data != "format:pdf" {
		t.Fatalf("unexpected callback data %v", data)
	}
}

func TestTextMessageRejectsBadRecipient(t *testing.T) {
	if _, err := textMessage(orchestrator.Recipient{Channel: Channel, ChatID: "abc"}, "x", nil); err == nil {
		t.Fatal("expected error for non-numeric chat id")
	}
	if _, err := textMessage(orchestrator.Recipient{Channel: "web", ChatID: "1"}, "x", nil); err == nil {
		t.Fatal("expected error for foreign channel")
	}
}

func TestDocumentMessage(t *testing.T) {
	to := orchestrator.Recipient{Channel: Channel, ChatID: "1"}

	byURL, err := documentMessage(to, orchestrator.Document{Name: "solution.pdf", URL: "https://files/x.pdf", Caption: "note"})
	if err != nil {
		t.Fatalf("documentMessage: %v", err)
	}
	if _, ok := byURL.File.(tgbotapi.FileURL); !ok || byURL.Caption != "note" {
		t.Fatalf("expected URL document, got %#v", byURL.File)
	}

	byData, err := documentMessage(to, orchestrator.Document{Name: "solution.pdf", Data: []byte("%PDF")})
	if err != nil {
		t.Fatalf("documentMessage: %v", err)
	}
	if f, ok := byData.File.(tgbotapi.FileBytes); !ok || f.Name != "solution.pdf" {
		t.Fatalf("expected uploaded bytes, got %#v", byData.File)
	}

	if _, err := documentMessage(to, orchestrator.Document{Name: "empty"}); err == nil {
		t.Fatal("expected error for empty document")
	}
}
