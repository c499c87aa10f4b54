package providers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-telegram/bot"

	"lab-notification-service/internal/models"
)

// ChatSender delivers chat notifications through the Telegram bot API. The
// resolved address is the chat id.
type ChatSender struct {
	token string
}

func NewChatSender(token string) *ChatSender {
	return &ChatSender{token: token}
}

func (s *ChatSender) Send(ctx context.Context, n models.Notification) (string, error) {
	if s.token == "" {
		return "", &models.ConfigurationError{Subject: "chat", Reason: "missing bot token"}
	}
	chatID, err := strconv.ParseInt(n.Address, 10, 64)
	if err != nil {
		return "", &models.PermanentDeliveryFailure{Message: fmt.Sprintf("invalid chat id %q", n.Address), Err: err}
	}

	b, err := bot.New(s.token)
	if err != nil {
		return "", &models.TransientDeliveryFailure{Message: "telegram bot init failed", Err: err}
	}

	text := fmt.Sprintf("*%s*\n%s", n.Subject, n.Body)
	msg, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "Markdown",
	})
	if err != nil {
		return "", &models.TransientDeliveryFailure{Message: fmt.Sprintf("telegram send to chat %d failed", chatID), Err: err}
	}
	return strconv.Itoa(msg.ID), nil
}
