package messaging

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	PrefixWhatsApp = "wa:"
	PrefixTelegram = "tg:"
)

// Sender отправляет текст в диалог
type Sender interface {
	Send(ctx context.Context, conversationID, text string) error
}

// WhatsAppConversationID ID диалога для номера WhatsApp
func WhatsAppConversationID(waID string) string {
	return PrefixWhatsApp + waID
}

// TelegramConversationID ID диалога для чата Telegram
func TelegramConversationID(chatID int64) string {
	return PrefixTelegram + strconv.FormatInt(chatID, 10)
}

// Router выбирает транспорт по префиксу ID диалога
type Router struct {
	senders map[string]Sender
}

func NewRouter() *Router {
	return &Router{senders: make(map[string]Sender)}
}

// Register привязывает транспорт к префиксу, например "wa:"
func (r *Router) Register(prefix string, s Sender) *Router {
	r.senders[prefix] = s
	return r
}

func (r *Router) Send(ctx context.Context, conversationID, text string) error {
	for prefix, s := range r.senders {
		if strings.HasPrefix(conversationID, prefix) {
			return s.Send(ctx, conversationID, text)
		}
	}
	return fmt.Errorf("no transport for conversation %q", conversationID)
}

// LogSender пишет исходящие сообщения в лог, когда канал не настроен
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, conversationID, text string) error {
	s.logger.Info("Outgoing message (log only)",
		zap.String("conversation_id", conversationID),
		zap.String("text", text))
	return nil
}
