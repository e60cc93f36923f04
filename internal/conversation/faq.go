package conversation

import (
	"context"
	"fmt"
	"strings"
)

const (
	TopicHours     = "hours"
	TopicPrice     = "price"
	TopicLocation  = "location"
	TopicEquipment = "equipment"
	TopicTrial     = "trial"
)

// StaticFAQ отвечает на частые вопросы заранее заданными текстами
type StaticFAQ struct {
	answers  map[string]string
	fallback string
}

func NewStaticFAQ(gymName string) *StaticFAQ {
	if gymName == "" {
		gymName = "our gym"
	}
	return &StaticFAQ{
		answers: map[string]string{
			TopicHours:     fmt.Sprintf("%s is open Monday to Friday 6:00-22:00 and weekends 8:00-20:00.", gymName),
			TopicPrice:     "Your first trial class is completely free. Our team will tell you about memberships after the class.",
			TopicLocation:  "You'll get the address and directions together with your booking confirmation.",
			TopicEquipment: "Bring comfortable sportswear, trainers, a towel and a bottle of water. Mats and weights are provided.",
			TopicTrial:     "A trial class is a free, no-obligation session so you can meet the coaches and try a workout.",
		},
		fallback: fmt.Sprintf("Good question! Our team at %s will be happy to help with that in person.", gymName),
	}
}

// WithAnswer заменяет или добавляет ответ на тему
func (f *StaticFAQ) WithAnswer(topic, answer string) *StaticFAQ {
	f.answers[strings.ToLower(topic)] = answer
	return f
}

func (f *StaticFAQ) Answer(_ context.Context, topic, _ string) string {
	if a, ok := f.answers[strings.ToLower(strings.TrimSpace(topic))]; ok {
		return a
	}
	return f.fallback
}
