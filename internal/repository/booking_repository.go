package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Freeeeeet/gym_trial_bot/internal/model"
	"github.com/Freeeeeet/gym_trial_bot/internal/repository/base"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const bookingColumns = `id, class_type, class_date, start_time, end_time, conversation_id, reservation_id,
	calendar_event_id, contact_name, contact_phone, status, created_at, cancelled_at`

type BookingRepository struct {
	*base.Repository
}

func NewBookingRepository(pool *pgxpool.Pool) *BookingRepository {
	return &BookingRepository{Repository: base.NewRepository(pool)}
}

// Create сохраняет новую запись
func (r *BookingRepository) Create(ctx context.Context, booking *model.BookingRecord) error {
	query := `
		INSERT INTO bookings (id, class_type, class_date, start_time, end_time, conversation_id, reservation_id,
			calendar_event_id, contact_name, contact_phone, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.ExecAffected(
		ctx, query,
		booking.ID,
		booking.Slot.ClassType,
		booking.Slot.Date,
		booking.Slot.StartTime,
		booking.Slot.EndTime,
		booking.ConversationID,
		booking.ReservationID,
		booking.CalendarEventID,
		booking.ContactName,
		booking.ContactPhone,
		booking.Status,
		booking.CreatedAt,
	)
	if err != nil {
		if base.IsUniqueViolation(err) {
			return fmt.Errorf("create booking: reservation %s already booked", booking.ReservationID)
		}
		return fmt.Errorf("create booking: %w", err)
	}

	return nil
}

// GetByID получает запись по ID
func (r *BookingRepository) GetByID(ctx context.Context, id string) (*model.BookingRecord, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`

	booking, err := scanBooking(r.QueryRow(ctx, query, id))
	if err != nil {
		if base.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get booking by id: %w", err)
	}

	return booking, nil
}

// GetByConversationID получает все записи диалога, новые первыми
func (r *BookingRepository) GetByConversationID(ctx context.Context, conversationID string) ([]*model.BookingRecord, error) {
	query := `SELECT ` + bookingColumns + `
		FROM bookings
		WHERE conversation_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get bookings by conversation: %w", err)
	}
	defer rows.Close()

	var bookings []*model.BookingRecord
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		bookings = append(bookings, booking)
	}

	return bookings, rows.Err()
}

// MarkCancelled помечает запись отменённой
func (r *BookingRepository) MarkCancelled(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE bookings
		SET status = 'cancelled', cancelled_at = $1
		WHERE id = $2 AND status = 'active'
	`

	affected, err := r.ExecAffected(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("cancel booking: %w", err)
	}

	if affected == 0 {
		return model.ErrBookingNotFound
	}

	return nil
}

// CountActiveBySlot считает активные записи по слотам
func (r *BookingRepository) CountActiveBySlot(ctx context.Context) (map[model.SlotRef]int, error) {
	query := `
		SELECT class_type, class_date, start_time, end_time, COUNT(*)
		FROM bookings
		WHERE status = 'active'
		GROUP BY class_type, class_date, start_time, end_time
	`

	rows, err := r.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count active bookings: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.SlotRef]int)
	for rows.Next() {
		var ref model.SlotRef
		var n int
		if err := rows.Scan(&ref.ClassType, &ref.Date, &ref.StartTime, &ref.EndTime, &n); err != nil {
			return nil, fmt.Errorf("scan booking count: %w", err)
		}
		counts[ref] = n
	}

	return counts, rows.Err()
}

func scanBooking(row pgx.Row) (*model.BookingRecord, error) {
	var b model.BookingRecord
	err := row.Scan(
		&b.ID,
		&b.Slot.ClassType,
		&b.Slot.Date,
		&b.Slot.StartTime,
		&b.Slot.EndTime,
		&b.ConversationID,
		&b.ReservationID,
		&b.CalendarEventID,
		&b.ContactName,
		&b.ContactPhone,
		&b.Status,
		&b.CreatedAt,
		&b.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
