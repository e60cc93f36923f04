package controller

import (
	"context"
	"strings"

	"github.com/Freeeeeet/gym_trial_bot/internal/conversation"
	"github.com/Freeeeeet/gym_trial_bot/internal/integration/messaging"
	"github.com/Freeeeeet/gym_trial_bot/internal/model"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"
)

// Команды переводятся в текст, понятный классификатору
var commandText = map[string]string{
	"/start":  "hello",
	"/book":   "I want to book a trial class",
	"/cancel": "cancel",
}

type BotController struct {
	bot    *bot.Bot
	engine MessageHandler
	logger *zap.Logger
}

func NewBotController(botInstance *bot.Bot, engine MessageHandler, logger *zap.Logger) *BotController {
	return &BotController{
		bot:    botInstance,
		engine: engine,
		logger: logger,
	}
}

// RegisterHandlers регистрирует все обработчики команд
func (c *BotController) RegisterHandlers(ctx context.Context) error {
	for cmd := range commandText {
		c.bot.RegisterHandler(bot.HandlerTypeMessageText, cmd, bot.MatchTypeExact, c.HandleTextMessage)
	}
	c.bot.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypeExact, c.HandleHelp)

	// Остальной текст идёт в диалог
	c.bot.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, c.HandleTextMessage)

	return c.setCommands(ctx)
}

func (c *BotController) setCommands(ctx context.Context) error {
	commands := []models.BotCommand{
		{Command: "start", Description: "Start a conversation"},
		{Command: "book", Description: "Book a free trial class"},
		{Command: "cancel", Description: "Cancel the current booking"},
		{Command: "help", Description: "What can this bot do"},
	}

	_, err := c.bot.SetMyCommands(ctx, &bot.SetMyCommandsParams{
		Commands: commands,
	})
	if err != nil {
		c.logger.Error("Failed to set bot commands", zap.Error(err))
		return err
	}

	c.logger.Info("Bot commands menu set")
	return nil
}

// HandleTextMessage передаёт сообщение движку диалога. Ответ отправляет движок.
func (c *BotController) HandleTextMessage(ctx context.Context, b *bot.Bot, update *models.Update) {
	msg, ok := inboundFromTelegram(update)
	if !ok {
		return
	}

	if _, err := c.engine.HandleMessage(ctx, msg); err != nil {
		c.logger.Error("Failed to handle Telegram message",
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(err))
		c.sendError(ctx, b, update.Message.Chat.ID, "Sorry, something went wrong. Please try again in a moment.")
	}
}

func (c *BotController) HandleHelp(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}

	helpText := "I can book you a free trial class.\n\n" +
		"Tell me which class you'd like and when, for example \"yoga tomorrow evening\".\n" +
		"/book - start booking\n" +
		"/cancel - cancel the current booking\n\n" +
		"You can also ask about prices, opening hours or what to bring."

	c.sendError(ctx, b, update.Message.Chat.ID, helpText)
}

func (c *BotController) sendError(ctx context.Context, b *bot.Bot, chatID int64, text string) {
	_, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		c.logger.Error("Failed to send message",
			zap.Int64("chat_id", chatID),
			zap.Error(err))
	}
}

// Start запускает бота
func (c *BotController) Start(ctx context.Context) {
	c.logger.Info("Starting Telegram bot...")
	c.bot.Start(ctx)
}

func inboundFromTelegram(update *models.Update) (conversation.InboundMessage, bool) {
	if update == nil || update.Message == nil {
		return conversation.InboundMessage{}, false
	}
	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return conversation.InboundMessage{}, false
	}
	if mapped, ok := commandText[strings.Fields(text)[0]]; ok {
		text = mapped
	}

	msg := conversation.InboundMessage{
		ConversationID: messaging.TelegramConversationID(update.Message.Chat.ID),
		Channel:        model.ChannelTelegram,
		Text:           text,
	}
	if from := update.Message.From; from != nil {
		msg.SenderName = strings.TrimSpace(from.FirstName + " " + from.LastName)
	}
	return msg, true
}
