package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultGraphURL   = "https://graph.facebook.com"
	defaultAPIVersion = "v18.0"
	sendTimeout       = 10 * time.Second
)

// WhatsAppConfig параметры WhatsApp Cloud API
type WhatsAppConfig struct {
	Token         string
	PhoneNumberID string
	APIVersion    string
	BaseURL       string
}

// WhatsAppClient отправляет текстовые сообщения через WhatsApp Cloud API
type WhatsAppClient struct {
	httpClient *http.Client
	url        string
	token      string
	logger     *zap.Logger
}

func NewWhatsAppClient(cfg WhatsAppConfig, logger *zap.Logger) *WhatsAppClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGraphURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	return &WhatsAppClient{
		httpClient: &http.Client{Timeout: sendTimeout},
		url:        fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(cfg.BaseURL, "/"), cfg.APIVersion, cfg.PhoneNumberID),
		token:      cfg.Token,
		logger:     logger,
	}
}

type textMessage struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text"`
}

func newTextMessage(recipient, body string) textMessage {
	msg := textMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               recipient,
		Type:             "text",
	}
	msg.Text.Body = body
	return msg
}

// Send отправляет текст в диалог "wa:<wa_id>"
func (c *WhatsAppClient) Send(ctx context.Context, conversationID, text string) error {
	recipient, ok := strings.CutPrefix(conversationID, PrefixWhatsApp)
	if !ok || recipient == "" {
		return fmt.Errorf("not a whatsapp conversation: %q", conversationID)
	}

	body, err := json.Marshal(newTextMessage(recipient, FormatForWhatsApp(text)))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("whatsapp api error: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	c.logger.Debug("WhatsApp message sent",
		zap.String("conversation_id", conversationID),
		zap.Int("status", resp.StatusCode),
		zap.String("content_type", resp.Header.Get("Content-Type")),
		zap.ByteString("body", respBody))
	return nil
}
