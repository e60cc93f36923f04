package model

import "time"

type BookingStatus string

const (
	BookingStatusActive    BookingStatus = "active"
	BookingStatusCancelled BookingStatus = "cancelled"
)

// ContactInfo контактные данные клиента
type ContactInfo struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Complete сообщает, собраны ли все контактные данные
func (c ContactInfo) Complete() bool {
	return c.Name != "" && c.Phone != ""
}

// BookingRecord итог успешной записи на пробное занятие
type BookingRecord struct {
	ID              string        `json:"id"`
	Slot            SlotRef       `json:"slot"`
	ConversationID  string        `json:"conversation_id"`
	ReservationID   string        `json:"reservation_id"`
	CalendarEventID string        `json:"calendar_event_id"`
	ContactName     string        `json:"contact_name"`
	ContactPhone    string        `json:"contact_phone"`
	Status          BookingStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	CancelledAt     *time.Time    `json:"cancelled_at,omitempty"`
}
