package model

// Intent намерение, извлечённое из входящего сообщения
type Intent string

const (
	IntentBook        Intent = "book"
	IntentSelectSlot  Intent = "select_slot"
	IntentProvideInfo Intent = "provide_info"
	IntentConfirm     Intent = "confirm"
	IntentDecline     Intent = "decline"
	IntentCancel      Intent = "cancel"
	IntentFAQ         Intent = "faq"
	IntentGreeting    Intent = "greeting"
	IntentUnknown     Intent = "unknown"
)

// Known сообщает, входит ли значение в перечень намерений
func (i Intent) Known() bool {
	switch i {
	case IntentBook, IntentSelectSlot, IntentProvideInfo, IntentConfirm,
		IntentDecline, IntentCancel, IntentFAQ, IntentGreeting, IntentUnknown:
		return true
	}
	return false
}

const (
	EntityClassType  = "class_type"
	EntityDate       = "date"
	EntityTime       = "time"
	EntityName       = "name"
	EntityPhone      = "phone"
	EntitySlotNumber = "slot_number"
	EntityTopic      = "topic"
)

// Entities значения слотов, собранные из сообщений
type Entities map[string]string

// Get возвращает значение или пустую строку
func (e Entities) Get(key string) string {
	if e == nil {
		return ""
	}
	return e[key]
}

// Merge переносит непустые значения из other
func (e Entities) Merge(other Entities) Entities {
	out := e.Clone()
	for k, v := range other {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Clone возвращает копию
func (e Entities) Clone() Entities {
	out := make(Entities, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// ConversationContext сведения о диалоге, которые получает классификатор намерений
type ConversationContext struct {
	ConversationID string   `json:"conversation_id"`
	Stage          Stage    `json:"stage"`
	ClassTypes     []string `json:"class_types"`
	OfferedSlots   int      `json:"offered_slots"`
	Today          string   `json:"today"` // YYYY-MM-DD во временной зоне зала
}
