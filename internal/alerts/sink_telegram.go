package alerts

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// telegramClient is the subset of the telegram API the sink uses.
type telegramClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// TelegramSink delivers alerts as plain messages. Telegram has no
// attachment model comparable to slack or discord, so the router falls back
// to the plain rendering.
type TelegramSink struct {
	client telegramClient
	chatID int64
}

// NewTelegramSink creates a telegram sink posting to the given chat.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("telegram sink: %w", err)
	}
	return &TelegramSink{client: b, chatID: chatID}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

// Send posts a plain-text alert.
func (s *TelegramSink) Send(ctx context.Context, message string) error {
	_, err := s.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: s.chatID,
		Text:   message,
	})
	return err
}
