package model

import "time"

// Stage этап диалога записи на пробное занятие
type Stage string

const (
	StageIdle                  Stage = "idle"
	StageCollectingPreference  Stage = "collecting_preference"
	StageOfferingSlots         Stage = "offering_slots"
	StageAwaitingConfirmation  Stage = "awaiting_confirmation"
	StageCollectingContactInfo Stage = "collecting_contact_info"
	StageCompleted             Stage = "completed"
	StageAbandoned             Stage = "abandoned"
)

// IsTerminal сообщает, завершён ли диалог
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageAbandoned
}

// Channel канал, через который идёт диалог
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
)

// ConversationState состояние одного диалога
type ConversationState struct {
	ConversationID      string    `json:"conversation_id"`
	Channel             Channel   `json:"channel"`
	Stage               Stage     `json:"stage"`
	Entities            Entities  `json:"entities"`
	OfferedSlots        []SlotRef `json:"offered_slots,omitempty"`
	ActiveReservationID string    `json:"active_reservation_id,omitempty"`
	BookingID           string    `json:"booking_id,omitempty"`
	LastActivityAt      time.Time `json:"last_activity_at"`
	CreatedAt           time.Time `json:"created_at"`
}

// NewConversationState создаёт состояние нового диалога
func NewConversationState(conversationID string, channel Channel, now time.Time) *ConversationState {
	return &ConversationState{
		ConversationID: conversationID,
		Channel:        channel,
		Stage:          StageIdle,
		Entities:       Entities{},
		LastActivityAt: now,
		CreatedAt:      now,
	}
}

// Clone возвращает глубокую копию состояния
func (c *ConversationState) Clone() *ConversationState {
	if c == nil {
		return nil
	}
	out := *c
	out.Entities = c.Entities.Clone()
	if c.OfferedSlots != nil {
		out.OfferedSlots = append([]SlotRef(nil), c.OfferedSlots...)
	}
	return &out
}

// Contact собирает контактные данные из сущностей диалога
func (c *ConversationState) Contact() ContactInfo {
	return ContactInfo{
		Name:  c.Entities.Get(EntityName),
		Phone: c.Entities.Get(EntityPhone),
	}
}

// IdleFor сообщает, простаивает ли диалог дольше timeout
func (c *ConversationState) IdleFor(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(c.LastActivityAt) > timeout
}
