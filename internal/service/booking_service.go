package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Freeeeeet/gym_trial_bot/internal/clock"
	"github.com/Freeeeeet/gym_trial_bot/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultCalendarTimeout = 20 * time.Second
	compensationTimeout    = 10 * time.Second

	EventBookingConfirmed = "booking.confirmed"
	EventBookingCancelled = "booking.cancelled"
)

type reservationStore interface {
	Confirm(ctx context.Context, reservationID string) (model.Reservation, error)
	Unconfirm(ctx context.Context, reservationID string) error
	CancelBooking(ctx context.Context, ref model.SlotRef) error
	RestoreBooked(counts map[model.SlotRef]int) int
}

// CalendarClient внешний календарь, в котором создаются события занятий
type CalendarClient interface {
	CreateEvent(ctx context.Context, slot model.SlotRef, contact model.ContactInfo) (string, error)
	CancelEvent(ctx context.Context, eventID string) error
}

// BookingRepository хранилище записей на занятия
type BookingRepository interface {
	Create(ctx context.Context, booking *model.BookingRecord) error
	GetByID(ctx context.Context, id string) (*model.BookingRecord, error)
	GetByConversationID(ctx context.Context, conversationID string) ([]*model.BookingRecord, error)
	MarkCancelled(ctx context.Context, id string, at time.Time) error
	CountActiveBySlot(ctx context.Context) (map[model.SlotRef]int, error)
}

// EventPublisher публикует доменные события о записях
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
}

// BookingEvent тело доменного события о записи
type BookingEvent struct {
	Type           string        `json:"type"`
	BookingID      string        `json:"booking_id"`
	ConversationID string        `json:"conversation_id"`
	Slot           model.SlotRef `json:"slot"`
	OccurredAt     time.Time     `json:"occurred_at"`
}

type BookingService struct {
	store           reservationStore
	calendar        CalendarClient
	bookingRepo     BookingRepository
	publisher       EventPublisher
	clock           clock.Clock
	calendarTimeout time.Duration
	logger          *zap.Logger
}

func NewBookingService(
	store reservationStore,
	calendar CalendarClient,
	bookingRepo BookingRepository,
	publisher EventPublisher,
	clk clock.Clock,
	calendarTimeout time.Duration,
	logger *zap.Logger,
) *BookingService {
	if calendarTimeout <= 0 {
		calendarTimeout = defaultCalendarTimeout
	}
	return &BookingService{
		store:           store,
		calendar:        calendar,
		bookingRepo:     bookingRepo,
		publisher:       publisher,
		clock:           clk,
		calendarTimeout: calendarTimeout,
		logger:          logger,
	}
}

// CommitBooking подтверждает бронь, создаёт событие в календаре и сохраняет запись.
// Если календарь не ответил, подтверждение откатывается.
func (s *BookingService) CommitBooking(ctx context.Context, reservationID string, contact model.ContactInfo) (*model.BookingRecord, error) {
	res, err := s.store.Confirm(ctx, reservationID)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrReservationNotFound):
			return nil, err
		case errors.Is(err, model.ErrReservationExpired),
			errors.Is(err, model.ErrReservationReleased),
			errors.Is(err, model.ErrSlotUnavailable):
			return nil, fmt.Errorf("confirm reservation %s: %w", reservationID, model.ErrReservationExpired)
		default:
			return nil, fmt.Errorf("confirm reservation: %w", err)
		}
	}

	calCtx, cancel := context.WithTimeout(ctx, s.calendarTimeout)
	eventID, err := s.calendar.CreateEvent(calCtx, res.Slot, contact)
	cancel()
	if err != nil {
		s.logger.Warn("Calendar event creation failed, rolling back confirmation",
			zap.String("reservation_id", reservationID),
			zap.String("slot", res.Slot.String()),
			zap.Error(err))
		s.compensate(ctx, reservationID, "")
		return nil, fmt.Errorf("%w: %v", model.ErrCalendarCreateFailed, err)
	}

	booking := &model.BookingRecord{
		ID:              uuid.NewString(),
		Slot:            res.Slot,
		ConversationID:  res.ConversationID,
		ReservationID:   res.ID,
		CalendarEventID: eventID,
		ContactName:     contact.Name,
		ContactPhone:    contact.Phone,
		Status:          model.BookingStatusActive,
		CreatedAt:       s.clock.Now(),
	}

	if err := s.bookingRepo.Create(ctx, booking); err != nil {
		s.logger.Error("Failed to persist booking, rolling back",
			zap.String("reservation_id", reservationID),
			zap.String("calendar_event_id", eventID),
			zap.Error(err))
		s.compensate(ctx, reservationID, eventID)
		return nil, fmt.Errorf("create booking: %w", err)
	}

	s.logger.Info("Trial class booked",
		zap.String("booking_id", booking.ID),
		zap.String("conversation_id", booking.ConversationID),
		zap.String("slot", booking.Slot.String()),
		zap.String("calendar_event_id", eventID),
	)

	s.publish(ctx, EventBookingConfirmed, booking)

	return booking, nil
}

// compensate откатывает подтверждение даже если контекст вызова уже отменён
func (s *BookingService) compensate(ctx context.Context, reservationID, eventID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if eventID != "" {
		if err := s.calendar.CancelEvent(cctx, eventID); err != nil && !errors.Is(err, model.ErrEventNotFound) {
			s.logger.Error("Failed to cancel calendar event during rollback",
				zap.String("calendar_event_id", eventID),
				zap.Error(err))
		}
	}

	if err := s.store.Unconfirm(cctx, reservationID); err != nil {
		s.logger.Error("Failed to roll back reservation",
			zap.String("reservation_id", reservationID),
			zap.Error(err))
	}
}

// CancelBooking отменяет запись, событие в календаре и освобождает место
func (s *BookingService) CancelBooking(ctx context.Context, bookingID string) (*model.BookingRecord, error) {
	booking, err := s.bookingRepo.GetByID(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	if booking == nil {
		return nil, model.ErrBookingNotFound
	}
	if booking.Status == model.BookingStatusCancelled {
		return booking, nil
	}

	if booking.CalendarEventID != "" {
		if err := s.calendar.CancelEvent(ctx, booking.CalendarEventID); err != nil {
			if !errors.Is(err, model.ErrEventNotFound) {
				return nil, fmt.Errorf("cancel calendar event: %w", err)
			}
			s.logger.Info("Calendar event already gone",
				zap.String("booking_id", bookingID),
				zap.String("calendar_event_id", booking.CalendarEventID))
		}
	}

	now := s.clock.Now()
	if err := s.bookingRepo.MarkCancelled(ctx, bookingID, now); err != nil {
		return nil, fmt.Errorf("mark booking cancelled: %w", err)
	}
	booking.Status = model.BookingStatusCancelled
	booking.CancelledAt = &now

	if err := s.store.CancelBooking(ctx, booking.Slot); err != nil && !errors.Is(err, model.ErrSlotNotFound) {
		return nil, fmt.Errorf("free slot: %w", err)
	}

	s.logger.Info("Booking cancelled",
		zap.String("booking_id", bookingID),
		zap.String("slot", booking.Slot.String()),
	)

	s.publish(ctx, EventBookingCancelled, booking)

	return booking, nil
}

// BookingsForConversation возвращает записи, сделанные в диалоге
func (s *BookingService) BookingsForConversation(ctx context.Context, conversationID string) ([]*model.BookingRecord, error) {
	return s.bookingRepo.GetByConversationID(ctx, conversationID)
}

// RestoreCounts восстанавливает занятые места в расписании по активным записям
func (s *BookingService) RestoreCounts(ctx context.Context) error {
	counts, err := s.bookingRepo.CountActiveBySlot(ctx)
	if err != nil {
		return fmt.Errorf("count active bookings: %w", err)
	}
	restored := s.store.RestoreBooked(counts)
	s.logger.Info("Booked counts restored",
		zap.Int("slots_with_bookings", len(counts)),
		zap.Int("restored", restored))
	return nil
}

func (s *BookingService) publish(ctx context.Context, eventType string, booking *model.BookingRecord) {
	if s.publisher == nil {
		return
	}
	payload, err := json.Marshal(BookingEvent{
		Type:           eventType,
		BookingID:      booking.ID,
		ConversationID: booking.ConversationID,
		Slot:           booking.Slot,
		OccurredAt:     s.clock.Now(),
	})
	if err != nil {
		s.logger.Error("Failed to encode booking event", zap.Error(err))
		return
	}
	if err := s.publisher.Publish(ctx, eventType, payload); err != nil {
		s.logger.Warn("Failed to publish booking event",
			zap.String("type", eventType),
			zap.String("booking_id", booking.ID),
			zap.Error(err))
	}
}
