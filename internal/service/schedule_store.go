package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Freeeeeet/gym_trial_bot/internal/clock"
	"github.com/Freeeeeet/gym_trial_bot/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultHoldDuration = 10 * time.Minute
	defaultRetention    = time.Hour
)

// slotEntry слот вместе со своими удержаниями. Все изменения ёмкости слота
// и статусов его броней выполняются под mu этого слота.
type slotEntry struct {
	mu      sync.Mutex
	slot    model.ClassSlot
	pending map[string]*model.Reservation
	removed bool
}

type reservationHandle struct {
	res   *model.Reservation
	entry *slotEntry
}

// ScheduleStore единственный владелец доступности слотов.
// Порядок блокировок: ScheduleStore.mu -> slotEntry.mu, никогда наоборот.
type ScheduleStore struct {
	mu           sync.RWMutex
	slots        map[string]*slotEntry
	reservations map[string]*reservationHandle

	clock        clock.Clock
	logger       *zap.Logger
	holdDuration time.Duration
	retention    time.Duration
	location     *time.Location
}

type ScheduleStoreOption func(*ScheduleStore)

// WithHoldDuration задаёт срок удержания по умолчанию
func WithHoldDuration(d time.Duration) ScheduleStoreOption {
	return func(s *ScheduleStore) {
		if d > 0 {
			s.holdDuration = d
		}
	}
}

// WithRetention задаёт, сколько хранить завершённые брони перед архивированием
func WithRetention(d time.Duration) ScheduleStoreOption {
	return func(s *ScheduleStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithLocation задаёт временную зону расписания
func WithLocation(loc *time.Location) ScheduleStoreOption {
	return func(s *ScheduleStore) {
		if loc != nil {
			s.location = loc
		}
	}
}

func NewScheduleStore(clk clock.Clock, logger *zap.Logger, opts ...ScheduleStoreOption) *ScheduleStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ScheduleStore{
		slots:        make(map[string]*slotEntry),
		reservations: make(map[string]*reservationHandle),
		clock:        clk,
		logger:       logger,
		holdDuration: defaultHoldDuration,
		retention:    defaultRetention,
		location:     time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load полностью заменяет определения слотов снимком из источника.
// Для сохранившихся слотов занятые места и живые удержания переносятся,
// у исчезнувших слотов удержания истекают. Исчезнувший слот с занятыми местами
// остаётся в памяти снятым с расписания и при возвращении получает прежний booked count.
func (s *ScheduleStore) Load(snapshot []model.ClassSlot) error {
	next := make(map[string]model.ClassSlot, len(snapshot))
	for i, slot := range snapshot {
		slot, err := normalizeSlot(slot)
		if err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
		key := slot.Ref().String()
		if _, dup := next[key]; dup {
			return fmt.Errorf("slot %d: duplicate slot %s", i, key)
		}
		next[key] = slot
	}

	now := s.clock.Now()
	today := now.In(s.location).Format(model.DateLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	added, removed, restored := 0, 0, 0
	for key, entry := range s.slots {
		if _, keep := next[key]; keep {
			continue
		}
		entry.mu.Lock()
		if !entry.removed {
			entry.removed = true
			removed++
		}
		for id, res := range entry.pending {
			finish(res, model.ReservationStatusExpired, now)
			delete(entry.pending, id)
		}
		forget := entry.slot.BookedCount == 0 || entry.slot.Date < today
		entry.mu.Unlock()
		if forget {
			delete(s.slots, key)
		}
	}

	for key, slot := range next {
		entry, ok := s.slots[key]
		if !ok {
			s.slots[key] = &slotEntry{
				slot:    slot,
				pending: make(map[string]*model.Reservation),
			}
			added++
			continue
		}

		entry.mu.Lock()
		if entry.removed {
			entry.removed = false
			entry.slot = model.ClassSlot{SlotRef: slot.SlotRef, Capacity: slot.Capacity, BookedCount: max(entry.slot.BookedCount, slot.BookedCount)}
			restored++
		}
		entry.slot.Capacity = slot.Capacity
		if entry.slot.BookedCount > slot.Capacity {
			s.logger.Warn("Capacity reduced below booked count",
				zap.String("slot", key),
				zap.Int("booked", entry.slot.BookedCount),
				zap.Int("capacity", slot.Capacity))
			entry.slot.BookedCount = slot.Capacity
		}
		entry.mu.Unlock()
	}

	s.logger.Info("Schedule snapshot loaded",
		zap.Int("slots", len(next)),
		zap.Int("added", added),
		zap.Int("restored", restored),
		zap.Int("removed", removed))

	return nil
}

// RestoreBooked выставляет число занятых мест по сохранённым записям
func (s *ScheduleStore) RestoreBooked(counts map[model.SlotRef]int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	restored := 0
	for ref, n := range counts {
		entry, ok := s.slots[ref.String()]
		if !ok {
			continue
		}
		entry.mu.Lock()
		if n > entry.slot.Capacity {
			n = entry.slot.Capacity
		}
		if n < 0 {
			n = 0
		}
		entry.slot.BookedCount = n
		entry.mu.Unlock()
		restored++
	}
	return restored
}

// FindSlots возвращает слоты со свободными местами, отсортированные по дате и времени начала.
// Пустой результат не является ошибкой.
func (s *ScheduleStore) FindSlots(criteria model.SlotCriteria) []model.ClassSlot {
	now := s.clock.Now()
	entries := s.snapshotEntries()

	result := make([]model.ClassSlot, 0)
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.removed {
			entry.mu.Unlock()
			continue
		}
		live := entry.livePending(now)
		slot := entry.slot
		entry.mu.Unlock()

		if slot.BookedCount+live >= slot.Capacity {
			continue
		}
		if !matches(slot, criteria) {
			continue
		}
		result = append(result, slot)
	}

	SortSlots(result)
	return result
}

// Slots возвращает все слоты расписания, включая заполненные
func (s *ScheduleStore) Slots() []model.ClassSlot {
	entries := s.snapshotEntries()
	result := make([]model.ClassSlot, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		if !entry.removed {
			result = append(result, entry.slot)
		}
		entry.mu.Unlock()
	}
	SortSlots(result)
	return result
}

// Slot возвращает снимок слота
func (s *ScheduleStore) Slot(ref model.SlotRef) (model.ClassSlot, bool) {
	s.mu.RLock()
	entry, ok := s.slots[ref.String()]
	s.mu.RUnlock()
	if !ok {
		return model.ClassSlot{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.slot, !entry.removed
}

// PendingCount возвращает число живых удержаний слота
func (s *ScheduleStore) PendingCount(ref model.SlotRef) int {
	s.mu.RLock()
	entry, ok := s.slots[ref.String()]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.livePending(s.clock.Now())
}

// Reservation возвращает снимок брони
func (s *ScheduleStore) Reservation(id string) (model.Reservation, bool) {
	h, ok := s.lookup(id)
	if !ok {
		return model.Reservation{}, false
	}
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	h.entry.expireIfDue(h.res, s.clock.Now())
	return *h.res, true
}

// Reserve удерживает одно место в слоте на время hold.
// Проверка ёмкости и создание брони атомарны относительно других Reserve того же слота.
func (s *ScheduleStore) Reserve(ctx context.Context, ref model.SlotRef, conversationID string, hold time.Duration) (model.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return model.Reservation{}, err
	}
	if hold <= 0 {
		hold = s.holdDuration
	}

	s.mu.RLock()
	entry, ok := s.slots[ref.String()]
	s.mu.RUnlock()
	if !ok {
		return model.Reservation{}, model.ErrSlotNotFound
	}

	entry.mu.Lock()
	if entry.removed {
		entry.mu.Unlock()
		return model.Reservation{}, model.ErrSlotNotFound
	}

	now := s.clock.Now()
	live := entry.livePending(now)
	if entry.slot.BookedCount+live >= entry.slot.Capacity {
		entry.mu.Unlock()
		return model.Reservation{}, model.ErrSlotUnavailable
	}

	res := &model.Reservation{
		ID:             uuid.NewString(),
		Slot:           entry.slot.Ref(),
		ConversationID: conversationID,
		Status:         model.ReservationStatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(hold),
	}
	entry.pending[res.ID] = res
	snapshot := *res
	entry.mu.Unlock()

	s.mu.Lock()
	s.reservations[res.ID] = &reservationHandle{res: res, entry: entry}
	s.mu.Unlock()

	s.logger.Debug("Reservation created",
		zap.String("reservation_id", snapshot.ID),
		zap.String("slot", ref.String()),
		zap.String("conversation_id", conversationID),
		zap.Time("expires_at", snapshot.ExpiresAt))

	return snapshot, nil
}

// Confirm переводит бронь в confirmed и занимает место в слоте.
// Повторное подтверждение уже подтверждённой брони не меняет состояние.
func (s *ScheduleStore) Confirm(ctx context.Context, reservationID string) (model.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return model.Reservation{}, err
	}

	h, ok := s.lookup(reservationID)
	if !ok {
		return model.Reservation{}, model.ErrReservationNotFound
	}

	entry := h.entry
	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := s.clock.Now()
	res := h.res
	if entry.removed && res.Status == model.ReservationStatusPending {
		finish(res, model.ReservationStatusExpired, now)
		delete(entry.pending, res.ID)
	}
	entry.expireIfDue(res, now)

	switch res.Status {
	case model.ReservationStatusConfirmed:
		return *res, nil
	case model.ReservationStatusReleased:
		return *res, model.ErrReservationReleased
	case model.ReservationStatusExpired:
		return *res, model.ErrReservationExpired
	}

	// удержание уже учтено в ёмкости, переполнение возможно только после уменьшения capacity
	if entry.slot.BookedCount >= entry.slot.Capacity {
		finish(res, model.ReservationStatusReleased, now)
		delete(entry.pending, res.ID)
		return *res, model.ErrSlotUnavailable
	}

	entry.slot.BookedCount++
	finish(res, model.ReservationStatusConfirmed, now)
	delete(entry.pending, res.ID)

	s.logger.Debug("Reservation confirmed",
		zap.String("reservation_id", res.ID),
		zap.String("slot", res.Slot.String()),
		zap.Int("booked", entry.slot.BookedCount))

	return *res, nil
}

// Release снимает удержание. Идемпотентна: released и expired брони не меняются.
// Занятые места не трогает, для подтверждённых броней используйте Unconfirm.
func (s *ScheduleStore) Release(ctx context.Context, reservationID string) error {
	h, ok := s.lookup(reservationID)
	if !ok {
		return model.ErrReservationNotFound
	}

	entry := h.entry
	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := s.clock.Now()
	entry.expireIfDue(h.res, now)

	switch h.res.Status {
	case model.ReservationStatusPending:
		finish(h.res, model.ReservationStatusReleased, now)
		delete(entry.pending, h.res.ID)
		s.logger.Debug("Reservation released", zap.String("reservation_id", reservationID))
		return nil
	case model.ReservationStatusConfirmed:
		return model.ErrReservationConfirmed
	default:
		return nil
	}
}

// Unconfirm компенсирует Confirm: бронь становится released, место освобождается
func (s *ScheduleStore) Unconfirm(ctx context.Context, reservationID string) error {
	h, ok := s.lookup(reservationID)
	if !ok {
		return model.ErrReservationNotFound
	}

	entry := h.entry
	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := s.clock.Now()
	switch h.res.Status {
	case model.ReservationStatusConfirmed:
		if entry.slot.BookedCount > 0 {
			entry.slot.BookedCount--
		}
		finish(h.res, model.ReservationStatusReleased, now)
		s.logger.Info("Reservation confirmation rolled back",
			zap.String("reservation_id", reservationID),
			zap.String("slot", h.res.Slot.String()),
			zap.Int("booked", entry.slot.BookedCount))
	case model.ReservationStatusPending:
		finish(h.res, model.ReservationStatusReleased, now)
		delete(entry.pending, h.res.ID)
	}
	return nil
}

// CancelBooking освобождает одно занятое место после отмены записи
func (s *ScheduleStore) CancelBooking(ctx context.Context, ref model.SlotRef) error {
	s.mu.RLock()
	entry, ok := s.slots[ref.String()]
	s.mu.RUnlock()
	if !ok {
		return model.ErrSlotNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.slot.BookedCount > 0 {
		entry.slot.BookedCount--
	}
	return nil
}

// Sweep переводит просроченные удержания в expired и архивирует старые завершённые брони.
// Возвращает число истёкших удержаний.
func (s *ScheduleStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for _, entry := range s.slots {
		entry.mu.Lock()
		for _, res := range entry.pending {
			if entry.expireIfDue(res, now) {
				expired++
			}
		}
		entry.mu.Unlock()
	}

	archived := 0
	for id, h := range s.reservations {
		h.entry.mu.Lock()
		done := h.res.FinishedAt != nil && now.Sub(*h.res.FinishedAt) > s.retention
		h.entry.mu.Unlock()
		if done {
			delete(s.reservations, id)
			archived++
		}
	}

	if expired > 0 || archived > 0 {
		s.logger.Info("Reservation sweep finished",
			zap.Int("expired", expired),
			zap.Int("archived", archived))
	}
	return expired
}

func (s *ScheduleStore) lookup(id string) (*reservationHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.reservations[id]
	return h, ok
}

func (s *ScheduleStore) snapshotEntries() []*slotEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*slotEntry, 0, len(s.slots))
	for _, entry := range s.slots {
		entries = append(entries, entry)
	}
	return entries
}

// livePending считает живые удержания, попутно помечая просроченные. Вызывается под e.mu.
func (e *slotEntry) livePending(now time.Time) int {
	live := 0
	for _, res := range e.pending {
		if e.expireIfDue(res, now) {
			continue
		}
		live++
	}
	return live
}

// expireIfDue переводит просроченную pending бронь в expired. Вызывается под e.mu.
func (e *slotEntry) expireIfDue(res *model.Reservation, now time.Time) bool {
	if res.Status != model.ReservationStatusPending || now.Before(res.ExpiresAt) {
		return false
	}
	finish(res, model.ReservationStatusExpired, now)
	delete(e.pending, res.ID)
	return true
}

func finish(res *model.Reservation, status model.ReservationStatus, now time.Time) {
	res.Status = status
	t := now
	res.FinishedAt = &t
}

func matches(slot model.ClassSlot, c model.SlotCriteria) bool {
	if c.ClassType != "" && !strings.EqualFold(slot.ClassType, c.ClassType) {
		return false
	}
	if c.Date != "" && slot.Date != c.Date {
		return false
	}
	if c.From != "" && slot.StartTime < c.From {
		return false
	}
	if c.To != "" && slot.StartTime >= c.To {
		return false
	}
	return true
}

// SortSlots сортирует слоты по дате, времени начала и типу занятия
func SortSlots(slots []model.ClassSlot) {
	sort.SliceStable(slots, func(i, j int) bool {
		a, b := slots[i], slots[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return a.ClassType < b.ClassType
	})
}

func normalizeSlot(slot model.ClassSlot) (model.ClassSlot, error) {
	slot.ClassType = strings.TrimSpace(slot.ClassType)
	if slot.ClassType == "" {
		return slot, fmt.Errorf("class type is required")
	}
	if slot.Capacity < 1 {
		return slot, fmt.Errorf("capacity must be at least 1, got %d", slot.Capacity)
	}
	if _, err := time.Parse(model.DateLayout, slot.Date); err != nil {
		return slot, fmt.Errorf("invalid date %q", slot.Date)
	}
	start, err := time.Parse(model.TimeLayout, slot.StartTime)
	if err != nil {
		return slot, fmt.Errorf("invalid start time %q", slot.StartTime)
	}
	end, err := time.Parse(model.TimeLayout, slot.EndTime)
	if err != nil {
		return slot, fmt.Errorf("invalid end time %q", slot.EndTime)
	}
	if !end.After(start) {
		return slot, fmt.Errorf("end time %s must be after start time %s", slot.EndTime, slot.StartTime)
	}
	slot.StartTime = start.Format(model.TimeLayout)
	slot.EndTime = end.Format(model.TimeLayout)
	if slot.BookedCount < 0 {
		slot.BookedCount = 0
	}
	if slot.BookedCount > slot.Capacity {
		slot.BookedCount = slot.Capacity
	}
	return slot, nil
}
