package model

import "time"

type ReservationStatus string

const (
	ReservationStatusPending   ReservationStatus = "pending"
	ReservationStatusConfirmed ReservationStatus = "confirmed"
	ReservationStatusReleased  ReservationStatus = "released"
	ReservationStatusExpired   ReservationStatus = "expired"
)

// Reservation временно удерживает одно место в слоте
type Reservation struct {
	ID             string            `json:"id"`
	Slot           SlotRef           `json:"slot"`
	ConversationID string            `json:"conversation_id"`
	Status         ReservationStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"` // когда ушла из pending
}

// IsLive сообщает, держит ли бронь место в момент now
func (r *Reservation) IsLive(now time.Time) bool {
	return r.Status == ReservationStatusPending && now.Before(r.ExpiresAt)
}
