package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/creastat/taskflow"
	"github.com/creastat/taskflow/orchestrator"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Bot is the Telegram transport. It implements orchestrator.Sink and feeds
// inbound updates to the orchestrator.
type Bot struct {
	api         *tgbotapi.BotAPI
	logger      *slog.Logger
	pollTimeout int
}

// Option configures a Bot.
type Option func(*Bot)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) { b.logger = l }
}

// WithPollTimeout sets the long-poll timeout in seconds.
func WithPollTimeout(seconds int) Option {
	return func(b *Bot) { b.pollTimeout = seconds }
}

// New connects to the Bot API with token.
func New(token string, opts ...Option) (*Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: telegram token is required", taskflow.ErrInvalidConfig)
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	b := &Bot{
		api:         api,
		logger:      slog.New(slog.DiscardHandler),
		pollTimeout: 60,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Username returns the bot's username, used for deep links.
func (b *Bot) Username() string {
	return b.api.Self.UserName
}

// Updates long-polls Telegram and emits events until ctx is cancelled.
// The returned channel is closed when polling stops.
func (b *Bot) Updates(ctx context.Context) <-chan orchestrator.Event {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = b.pollTimeout
	updates := b.api.GetUpdatesChan(cfg)

	out := make(chan orchestrator.Event)
	go func() {
		defer close(out)
		defer b.api.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				if cb := u.CallbackQuery; cb != nil {
					// Stops the client's loading spinner.
					if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
						b.logger.Warn("answer callback failed", "error", err)
					}
				}
				for _, ev := range toEvents(u) {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

// SendText sends text with optional inline buttons.
func (b *Bot) SendText(ctx context.Context, to orchestrator.Recipient, text string, buttons ...orchestrator.Button) error {
	msg, err := textMessage(to, text, buttons)
	if err != nil {
		return err
	}
	return b.send(ctx, msg)
}

// SendDocument sends a file by URL or by content.
func (b *Bot) SendDocument(ctx context.Context, to orchestrator.Recipient, doc orchestrator.Document) error {
	msg, err := documentMessage(to, doc)
	if err != nil {
		return err
	}
	return b.send(ctx, msg)
}

func (b *Bot) send(ctx context.Context, c tgbotapi.Chattable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.api.Send(c); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func textMessage(to orchestrator.Recipient, text string, buttons []orchestrator.Button) (tgbotapi.MessageConfig, error) {
	chatID, err := chatID(to)
	if err != nil {
		return tgbotapi.MessageConfig{}, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if len(buttons) > 0 {
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(buttons))
		for _, btn := range buttons {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Data))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
	}
	return msg, nil
}

func documentMessage(to orchestrator.Recipient, doc orchestrator.Document) (tgbotapi.DocumentConfig, error) {
	chatID, err := chatID(to)
	if err != nil {
		return tgbotapi.DocumentConfig{}, err
	}
	var file tgbotapi.RequestFileData
	switch {
	case len(doc.Data) > 0:
		file = tgbotapi.FileBytes{Name: doc.Name, Bytes: doc.Data}
	case doc.URL != "":
		file = tgbotapi.FileURL(doc.URL)
	default:
		return tgbotapi.DocumentConfig{}, errors.New("document has neither data nor url")
	}
	msg := tgbotapi.NewDocument(chatID, file)
	msg.Caption = doc.Caption
	return msg, nil
}

func chatID(to orchestrator.Recipient) (int64, error) {
	if to.Channel != "" && to.Channel != Channel {
		return 0, fmt.Errorf("recipient on channel %q", to.Channel)
	}
	id, err := strconv.ParseInt(to.ChatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", to.ChatID, err)
	}
	return id, nil
}
