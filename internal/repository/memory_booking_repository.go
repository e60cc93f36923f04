package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Freeeeeet/gym_trial_bot/internal/model"
)

// MemoryBookingRepository хранит записи в памяти процесса (режим без базы данных)
type MemoryBookingRepository struct {
	mu       sync.RWMutex
	bookings map[string]model.BookingRecord
}

func NewMemoryBookingRepository() *MemoryBookingRepository {
	return &MemoryBookingRepository{bookings: make(map[string]model.BookingRecord)}
}

func (r *MemoryBookingRepository) Create(ctx context.Context, booking *model.BookingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bookings[booking.ID]; exists {
		return fmt.Errorf("create booking: duplicate id %s", booking.ID)
	}
	for _, b := range r.bookings {
		if b.ReservationID == booking.ReservationID {
			return fmt.Errorf("create booking: reservation %s already booked", booking.ReservationID)
		}
	}
	r.bookings[booking.ID] = *booking
	return nil
}

func (r *MemoryBookingRepository) GetByID(ctx context.Context, id string) (*model.BookingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bookings[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (r *MemoryBookingRepository) GetByConversationID(ctx context.Context, conversationID string) ([]*model.BookingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.BookingRecord
	for _, b := range r.bookings {
		if b.ConversationID == conversationID {
			b := b
			out = append(out, &b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryBookingRepository) MarkCancelled(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bookings[id]
	if !ok || b.Status != model.BookingStatusActive {
		return model.ErrBookingNotFound
	}
	b.Status = model.BookingStatusCancelled
	b.CancelledAt = &at
	r.bookings[id] = b
	return nil
}

func (r *MemoryBookingRepository) CountActiveBySlot(ctx context.Context) (map[model.SlotRef]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[model.SlotRef]int)
	for _, b := range r.bookings {
		if b.Status == model.BookingStatusActive {
			counts[b.Slot]++
		}
	}
	return counts, nil
}
