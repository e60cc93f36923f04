package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Freeeeeet/gym_trial_bot/internal/conversation"
	"github.com/Freeeeeet/gym_trial_bot/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingEngine struct {
	mu   sync.Mutex
	msgs []conversation.InboundMessage
}

func (e *recordingEngine) HandleMessage(_ context.Context, msg conversation.InboundMessage) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, msg)
	return "ok", nil
}

func (e *recordingEngine) received() []conversation.InboundMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]conversation.InboundMessage(nil), e.msgs...)
}

// gatedEngine блокирует обработку до закрытия gate
type gatedEngine struct {
	started chan string
	gate    chan struct{}

	mu    sync.Mutex
	texts []string
}

func (e *gatedEngine) HandleMessage(_ context.Context, msg conversation.InboundMessage) (string, error) {
	e.started <- msg.Text
	<-e.gate
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, msg.Text)
	return "ok", nil
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

func newTestRouter(engine MessageHandler, limiter senderLimiter) (*gin.Engine, *WebhookHandler) {
	gin.SetMode(gin.TestMode)
	h := NewWebhookHandler(context.Background(), engine, "s3cret", limiter, zap.NewNop())
	r := gin.New()
	h.Register(r)
	return r, h
}

const textPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "contacts": [{"wa_id": "34612345678", "profile": {"name": "Anna"}}],
        "messages": [{"from": "34612345678", "id": "wamid.1", "timestamp": "1700000000", "type": "text", "text": {"body": "yoga tomorrow"}}]
      }
    }]
  }]
}`

func TestWebhook_Verify(t *testing.T) {
	r, _ := newTestRouter(&recordingEngine{}, nil)

	tests := []struct {
		name  string
		query string
		code  int
		body  string
	}{
		{"ok", "hub.mode=subscribe&hub.verify_token=s3cret&hub.challenge=42", http.StatusOK, "42"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", http.StatusForbidden, ""},
		{"missing", "hub.challenge=42", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query, nil))
			assert.Equal(t, tt.code, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}

func TestWebhook_ReceiveText(t *testing.T) {
	engine := &recordingEngine{}
	r, h := newTestRouter(engine, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(textPayload)))
	h.Wait()

	require.Equal(t, http.StatusOK, w.Code)
	msgs := engine.received()
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.InboundMessage{
		ConversationID: "wa:34612345678",
		Channel:        model.ChannelWhatsApp,
		Text:           "yoga tomorrow",
		SenderName:     "Anna",
		SenderPhone:    "34612345678",
	}, msgs[0])
}

func TestWebhook_SameSenderProcessedInOrder(t *testing.T) {
	engine := &gatedEngine{started: make(chan string, 4), gate: make(chan struct{})}
	r, h := newTestRouter(engine, nil)

	post := func(body string) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(strings.Replace(textPayload, "yoga tomorrow", body, 1)))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}

	post("first")
	require.Equal(t, "first", <-engine.started)

	post("second")
	select {
	case text := <-engine.started:
		t.Fatalf("%q started while the previous message was in progress", text)
	case <-time.After(50 * time.Millisecond):
	}

	close(engine.gate)
	assert.Equal(t, "second", <-engine.started)
	h.Wait()

	assert.Equal(t, []string{"first", "second"}, engine.texts)
	assert.Empty(t, h.queues)
}

func TestWebhook_AcknowledgesWithoutProcessing(t *testing.T) {
	bodies := map[string]string{
		"status callback": `{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.1","status":"delivered"}]}}]}]}`,
		"image message":   `{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"messages":[{"from":"1","type":"image"}]}}]}]}`,
		"no object":       `{"entry":[]}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			engine := &recordingEngine{}
			r, h := newTestRouter(engine, nil)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))
			h.Wait()

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Empty(t, engine.received())
		})
	}
}

func TestWebhook_InvalidJSON(t *testing.T) {
	r, _ := newTestRouter(&recordingEngine{}, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_RateLimitedSenderDropped(t *testing.T) {
	engine := &recordingEngine{}
	r, h := newTestRouter(engine, denyAll{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(textPayload)))
	h.Wait()

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, engine.received())
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(&recordingEngine{}, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestInboundFromTelegram(t *testing.T) {
	update := &models.Update{Message: &models.Message{
		Text: "/cancel",
		Chat: models.Chat{ID: 42},
		From: &models.User{FirstName: "Anna", LastName: "Smith"},
	}}

	msg, ok := inboundFromTelegram(update)
	require.True(t, ok)
	assert.Equal(t, "tg:42", msg.ConversationID)
	assert.Equal(t, model.ChannelTelegram, msg.Channel)
	assert.Equal(t, "cancel", msg.Text)
	assert.Equal(t, "Anna Smith", msg.SenderName)

	_, ok = inboundFromTelegram(&models.Update{})
	assert.False(t, ok)
}
