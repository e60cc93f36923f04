package model

import "errors"

var (
	ErrSlotNotFound         = errors.New("slot not found")
	ErrSlotUnavailable      = errors.New("slot unavailable")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationExpired   = errors.New("reservation expired")
	ErrReservationReleased  = errors.New("reservation released")
	ErrReservationConfirmed = errors.New("reservation already confirmed")
	ErrCalendarCreateFailed = errors.New("calendar event creation failed")
	ErrEventNotFound        = errors.New("calendar event not found")
	ErrBookingNotFound      = errors.New("booking not found")
)
