package controller

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/Freeeeeet/gym_trial_bot/internal/conversation"
	"github.com/Freeeeeet/gym_trial_bot/internal/integration/messaging"
	"github.com/Freeeeeet/gym_trial_bot/internal/model"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MessageHandler обрабатывает входящее сообщение диалога
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg conversation.InboundMessage) (string, error)
}

type senderLimiter interface {
	Allow(key string) bool
}

// Тело вебхука WhatsApp Cloud API
type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string       `json:"field"`
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Contacts         []webhookContact `json:"contacts"`
	Messages         []webhookMessage `json:"messages"`
	Statuses         []map[string]any `json:"statuses"`
}

type webhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type webhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
}

// WebhookHandler принимает вебхуки WhatsApp
type WebhookHandler struct {
	engine      MessageHandler
	verifyToken string
	limiter     senderLimiter
	baseCtx     context.Context
	wg          sync.WaitGroup
	logger      *zap.Logger

	// очереди сообщений по диалогам, ключ есть пока работает обработчик очереди
	queuesMu sync.Mutex
	queues   map[string][]conversation.InboundMessage
}

// NewWebhookHandler создаёт обработчик. baseCtx живёт столько же, сколько приложение:
// сообщения обрабатываются после ответа 200.
func NewWebhookHandler(baseCtx context.Context, engine MessageHandler, verifyToken string, limiter senderLimiter, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		engine:      engine,
		verifyToken: verifyToken,
		limiter:     limiter,
		baseCtx:     baseCtx,
		logger:      logger,
		queues:      make(map[string][]conversation.InboundMessage),
	}
}

func (h *WebhookHandler) Register(r gin.IRouter) {
	r.GET("/webhook", h.Verify)
	r.POST("/webhook", h.Receive)
	r.GET("/health", h.Health)
}

// Verify отвечает на проверку подписки
func (h *WebhookHandler) Verify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "" || token == "" {
		h.logger.Info("Webhook verification missing parameters")
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "missing parameters"})
		return
	}
	if mode != "subscribe" || token != h.verifyToken {
		h.logger.Warn("Webhook verification failed", zap.String("mode", mode))
		c.JSON(http.StatusForbidden, gin.H{"status": "error", "message": "verification failed"})
		return
	}

	h.logger.Info("Webhook verified")
	c.String(http.StatusOK, challenge)
}

// Receive принимает событие. Статусы доставки и нетекстовые сообщения подтверждаются без обработки.
func (h *WebhookHandler) Receive(c *gin.Context) {
	var payload webhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.logger.Warn("Invalid webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid json"})
		return
	}

	msgs := extractMessages(payload)
	if len(msgs) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	for _, msg := range msgs {
		if h.limiter != nil && !h.limiter.Allow(msg.ConversationID) {
			h.logger.Warn("Sender rate limited, message dropped",
				zap.String("conversation_id", msg.ConversationID))
			continue
		}
		h.dispatch(msg)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *WebhookHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// dispatch ставит сообщение в очередь диалога. Сообщения одного отправителя
// обрабатываются по одному в порядке поступления.
func (h *WebhookHandler) dispatch(msg conversation.InboundMessage) {
	h.queuesMu.Lock()
	queue, running := h.queues[msg.ConversationID]
	h.queues[msg.ConversationID] = append(queue, msg)
	if running {
		h.queuesMu.Unlock()
		return
	}
	h.wg.Add(1)
	h.queuesMu.Unlock()

	go h.drain(msg.ConversationID)
}

func (h *WebhookHandler) drain(conversationID string) {
	defer h.wg.Done()
	for {
		h.queuesMu.Lock()
		queue := h.queues[conversationID]
		if len(queue) == 0 {
			delete(h.queues, conversationID)
			h.queuesMu.Unlock()
			return
		}
		msg := queue[0]
		h.queues[conversationID] = queue[1:]
		h.queuesMu.Unlock()

		if _, err := h.engine.HandleMessage(h.baseCtx, msg); err != nil {
			h.logger.Error("Failed to handle WhatsApp message",
				zap.String("conversation_id", msg.ConversationID),
				zap.Error(err))
		}
	}
}

// Wait дожидается обработки принятых сообщений
func (h *WebhookHandler) Wait() {
	h.wg.Wait()
}

func extractMessages(p webhookPayload) []conversation.InboundMessage {
	if p.Object == "" {
		return nil
	}

	var out []conversation.InboundMessage
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, ct := range change.Value.Contacts {
				names[ct.WaID] = ct.Profile.Name
			}
			for _, m := range change.Value.Messages {
				if m.Type != "text" || m.Text == nil || strings.TrimSpace(m.Text.Body) == "" || m.From == "" {
					continue
				}
				out = append(out, conversation.InboundMessage{
					ConversationID: messaging.WhatsAppConversationID(m.From),
					Channel:        model.ChannelWhatsApp,
					Text:           m.Text.Body,
					SenderName:     names[m.From],
					SenderPhone:    m.From,
				})
			}
		}
	}
	return out
}
