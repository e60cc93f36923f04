package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Freeeeeet/gym_trial_bot/internal/model"
	genai "github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const (
	defaultGeminiModel   = "gemini-1.5-flash"
	defaultClassifyLimit = 8 * time.Second
)

type generator interface {
	GenerateContent(ctx context.Context, prompt string) (string, error)
}

// GeminiClient обёртка над моделью Gemini, возвращающая текст ответа
type GeminiClient struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewGeminiClient(ctx context.Context, apiKey, modelName string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if modelName == "" {
		modelName = defaultGeminiModel
	}

	m := client.GenerativeModel(modelName)
	m.SetTemperature(0)
	m.ResponseMIMEType = "application/json"
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}

	return &GeminiClient{client: client, model: m}, nil
}

func (g *GeminiClient) GenerateContent(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate error: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini returned no candidates")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if textPart, ok := part.(genai.Text); ok {
			sb.WriteString(string(textPart))
		}
	}
	return sb.String(), nil
}

func (g *GeminiClient) Close() error {
	return g.client.Close()
}

const systemPrompt = `You classify messages sent to a gym's WhatsApp booking assistant.
Return only a JSON object: {"intent": string, "entities": object}.
intent is one of: book, select_slot, provide_info, confirm, decline, cancel, faq, greeting, unknown.
entities may contain: class_type (one of the listed class types, exact spelling), date (YYYY-MM-DD),
time (HH:MM, 24h), name, phone (digits with optional leading +), slot_number (1-based index of an offered slot),
topic (for faq: price, hours, location, equipment or trial).
Resolve relative dates against "today". Omit entities that are not present in the message.`

// GeminiRouter классифицирует сообщения через Gemini.
// При любой ошибке модели используется запасной классификатор.
type GeminiRouter struct {
	gen      generator
	fallback Router
	timeout  time.Duration
	logger   *zap.Logger
}

func NewGeminiRouter(gen generator, fallback Router, logger *zap.Logger) *GeminiRouter {
	if fallback == nil {
		fallback = NewKeywordRouter()
	}
	return &GeminiRouter{
		gen:      gen,
		fallback: fallback,
		timeout:  defaultClassifyLimit,
		logger:   logger,
	}
}

type geminiAnswer struct {
	Intent   string         `json:"intent"`
	Entities map[string]any `json:"entities"`
}

func (r *GeminiRouter) Classify(ctx context.Context, text string, conv model.ConversationContext) (model.Intent, model.Entities) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.gen.GenerateContent(cctx, buildPrompt(text, conv))
	if err != nil {
		r.logger.Warn("Gemini classification failed, using fallback",
			zap.String("conversation_id", conv.ConversationID),
			zap.Error(err))
		return r.fallback.Classify(ctx, text, conv)
	}

	intent, entities, err := parseAnswer(raw, conv)
	if err != nil {
		r.logger.Warn("Unparseable Gemini answer, using fallback",
			zap.String("conversation_id", conv.ConversationID),
			zap.String("answer", raw),
			zap.Error(err))
		return r.fallback.Classify(ctx, text, conv)
	}
	return intent, entities
}

func buildPrompt(text string, conv model.ConversationContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "today: %s\n", conv.Today)
	fmt.Fprintf(&sb, "conversation stage: %s\n", conv.Stage)
	fmt.Fprintf(&sb, "class types: %s\n", strings.Join(conv.ClassTypes, ", "))
	fmt.Fprintf(&sb, "offered slots: %d\n", conv.OfferedSlots)
	fmt.Fprintf(&sb, "message: %q\n", text)
	return sb.String()
}

// parseAnswer проверяет ответ модели и приводит сущности к каноническому виду
func parseAnswer(raw string, conv model.ConversationContext) (model.Intent, model.Entities, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var ans geminiAnswer
	if err := json.Unmarshal([]byte(raw), &ans); err != nil {
		return "", nil, fmt.Errorf("decode answer: %w", err)
	}

	intent := model.Intent(strings.ToLower(strings.TrimSpace(ans.Intent)))
	if !intent.Known() {
		return "", nil, fmt.Errorf("unknown intent %q", ans.Intent)
	}

	entities := model.Entities{}
	for key, value := range ans.Entities {
		s := strings.TrimSpace(fmt.Sprint(value))
		if value == nil || s == "" {
			continue
		}
		switch key {
		case model.EntityClassType:
			if ct := canonicalClass(s, conv.ClassTypes); ct != "" {
				entities[key] = ct
			}
		case model.EntityDate:
			if _, err := time.Parse(model.DateLayout, s); err == nil {
				entities[key] = s
			}
		case model.EntityTime:
			if t, err := time.Parse(model.TimeLayout, s); err == nil {
				entities[key] = t.Format(model.TimeLayout)
			}
		case model.EntitySlotNumber:
			var n int
			if _, err := fmt.Sscan(s, &n); err == nil && n >= 1 && n <= conv.OfferedSlots {
				entities[key] = fmt.Sprint(n)
			}
		case model.EntityPhone:
			if p := parsePhone(s); p != "" {
				entities[key] = p
			}
		case model.EntityName, model.EntityTopic:
			entities[key] = s
		}
	}
	return intent, entities, nil
}

func canonicalClass(s string, classTypes []string) string {
	for _, ct := range classTypes {
		if strings.EqualFold(ct, s) {
			return ct
		}
	}
	return ""
}
