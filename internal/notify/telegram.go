package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
)

const telegramMaxRunes = 4000

// MessageSender is the part of *gotgbot.Bot used for delivery.
type MessageSender interface {
	SendMessageWithContext(ctx context.Context, chatId int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error)
}

type telegramPayload struct {
	ChatID int64  `json:"chatId"`
	Text   string `json:"text"`
}

type TelegramSender struct {
	bot MessageSender
}

func NewTelegramSender(bot MessageSender) *TelegramSender {
	return &TelegramSender{bot: bot}
}

var _ Sender = (*TelegramSender)(nil)

func (s *TelegramSender) Send(ctx context.Context, d Delivery) error {
	var p telegramPayload
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	text := strings.TrimSpace(p.Text)
	if p.ChatID == 0 || text == "" {
		return fmt.Errorf("%w: chatId and text are required", ErrInvalidPayload)
	}
	if r := []rune(text); len(r) > telegramMaxRunes {
		text = string(r[:telegramMaxRunes])
	}
	if _, err := s.bot.SendMessageWithContext(ctx, p.ChatID, text, &gotgbot.SendMessageOpts{}); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
