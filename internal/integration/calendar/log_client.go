package calendar

import (
	"context"
	"sync"

	"github.com/Freeeeeet/gym_trial_bot/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogClient календарь для локальной разработки: события только пишутся в лог
type LogClient struct {
	mu     sync.Mutex
	events map[string]model.SlotRef
	logger *zap.Logger
}

func NewLogClient(logger *zap.Logger) *LogClient {
	return &LogClient{
		events: make(map[string]model.SlotRef),
		logger: logger,
	}
}

func (c *LogClient) CreateEvent(ctx context.Context, slot model.SlotRef, contact model.ContactInfo) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "local-" + uuid.NewString()

	c.mu.Lock()
	c.events[id] = slot
	c.mu.Unlock()

	c.logger.Info("Calendar event (log only)",
		zap.String("calendar_event_id", id),
		zap.String("slot", slot.String()),
		zap.String("contact_name", contact.Name))
	return id, nil
}

func (c *LogClient) CancelEvent(ctx context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.events[eventID]; !ok {
		return model.ErrEventNotFound
	}
	delete(c.events, eventID)
	c.logger.Info("Calendar event cancelled (log only)", zap.String("calendar_event_id", eventID))
	return nil
}
