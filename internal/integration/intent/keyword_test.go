package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/Freeeeeet/gym_trial_bot/internal/model"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// понедельник
var baseConv = model.ConversationContext{
	Stage:      model.StageCollectingPreference,
	ClassTypes: []string{"Boxing", "Hot Yoga", "Yoga"},
	Today:      "2025-03-10",
}

func offering(n int) model.ConversationContext {
	c := baseConv
	c.Stage = model.StageOfferingSlots
	c.OfferedSlots = n
	return c
}

func TestKeywordRouter_Classify(t *testing.T) {
	router := NewKeywordRouter()

	tests := []struct {
		name     string
		text     string
		conv     model.ConversationContext
		intent   model.Intent
		entities model.Entities
	}{
		{
			name:     "greeting",
			text:     "Hello!",
			conv:     baseConv,
			intent:   model.IntentGreeting,
			entities: model.Entities{},
		},
		{
			name:   "book with class and relative date",
			text:   "I'd like to try yoga tomorrow",
			conv:   baseConv,
			intent: model.IntentBook,
			entities: model.Entities{
				model.EntityClassType: "Yoga",
				model.EntityDate:      "2025-03-11",
			},
		},
		{
			name:   "longest class name wins",
			text:   "hot yoga on friday at 7pm",
			conv:   baseConv,
			intent: model.IntentBook,
			entities: model.Entities{
				model.EntityClassType: "Hot Yoga",
				model.EntityDate:      "2025-03-14",
				model.EntityTime:      "19:00",
			},
		},
		{
			name:     "iso date",
			text:     "boxing 2025-03-20",
			conv:     baseConv,
			intent:   model.IntentBook,
			entities: model.Entities{model.EntityClassType: "Boxing", model.EntityDate: "2025-03-20"},
		},
		{
			name:     "bare slot number",
			text:     "2",
			conv:     offering(3),
			intent:   model.IntentSelectSlot,
			entities: model.Entities{model.EntitySlotNumber: "2"},
		},
		{
			name:     "slot number out of range ignored",
			text:     "7",
			conv:     offering(3),
			intent:   model.IntentUnknown,
			entities: model.Entities{},
		},
		{
			name:     "ordinal slot",
			text:     "the second one please",
			conv:     offering(3),
			intent:   model.IntentSelectSlot,
			entities: model.Entities{model.EntitySlotNumber: "2"},
		},
		{
			name:     "time selects slot",
			text:     "18:30 works",
			conv:     offering(3),
			intent:   model.IntentSelectSlot,
			entities: model.Entities{model.EntityTime: "18:30"},
		},
		{
			name:     "confirm",
			text:     "Yes please",
			conv:     baseConv,
			intent:   model.IntentConfirm,
			entities: model.Entities{},
		},
		{
			name:     "decline",
			text:     "no, another time",
			conv:     baseConv,
			intent:   model.IntentDecline,
			entities: model.Entities{},
		},
		{
			name:     "cancel",
			text:     "Please cancel my booking",
			conv:     baseConv,
			intent:   model.IntentCancel,
			entities: model.Entities{},
		},
		{
			name:     "faq price",
			text:     "How much does it cost?",
			conv:     baseConv,
			intent:   model.IntentFAQ,
			entities: model.Entities{model.EntityTopic: "price"},
		},
		{
			name:   "contact info",
			text:   "My name is anna smith, phone +34 612 345 678",
			conv:   baseConv,
			intent: model.IntentProvideInfo,
			entities: model.Entities{
				model.EntityName:  "Anna Smith",
				model.EntityPhone: "+34612345678",
			},
		},
		{
			name:     "free text",
			text:     "hmm",
			conv:     baseConv,
			intent:   model.IntentUnknown,
			entities: model.Entities{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, entities := router.Classify(context.Background(), tt.text, tt.conv)
			assert.Equal(t, tt.intent, intent)
			assert.Equal(t, tt.entities, entities)
		})
	}
}

func TestParseTime(t *testing.T) {
	cases := map[string]string{
		"at 7pm":     "19:00",
		"12am":       "00:00",
		"12 pm":      "12:00",
		"9:15":       "09:15",
		"9:15 pm":    "21:15",
		"25:00":      "",
		"no time":    "",
		"10:00am ok": "10:00",
	}
	for in, want := range cases {
		assert.Equal(t, want, parseTime(in), in)
	}
}

type fakeGenerator struct {
	answer string
	err    error
	prompt string
}

func (g *fakeGenerator) GenerateContent(_ context.Context, prompt string) (string, error) {
	g.prompt = prompt
	return g.answer, g.err
}

func TestGeminiRouter(t *testing.T) {
	t.Run("valid answer is normalised", func(t *testing.T) {
		gen := &fakeGenerator{answer: "```json\n" + `{"intent":"book","entities":{"class_type":"yoga","date":"2025-03-12","time":"7pm","slot_number":5,"unknown":"x"}}` + "\n```"}
		router := NewGeminiRouter(gen, nil, zap.NewNop())

		intent, entities := router.Classify(context.Background(), "yoga wednesday", offering(3))

		assert.Equal(t, model.IntentBook, intent)
		assert.Equal(t, model.Entities{model.EntityClassType: "Yoga", model.EntityDate: "2025-03-12"}, entities)
		assert.Contains(t, gen.prompt, `message: "yoga wednesday"`)
		assert.Contains(t, gen.prompt, "today: 2025-03-10")
	})

	t.Run("model error falls back to keywords", func(t *testing.T) {
		router := NewGeminiRouter(&fakeGenerator{err: errors.New("quota")}, nil, zap.NewNop())

		intent, entities := router.Classify(context.Background(), "boxing today", baseConv)

		assert.Equal(t, model.IntentBook, intent)
		assert.Equal(t, "2025-03-10", entities.Get(model.EntityDate))
	})

	t.Run("unknown intent falls back", func(t *testing.T) {
		router := NewGeminiRouter(&fakeGenerator{answer: `{"intent":"dance"}`}, nil, zap.NewNop())

		intent, _ := router.Classify(context.Background(), "yes", baseConv)
		assert.Equal(t, model.IntentConfirm, intent)
	})
}
