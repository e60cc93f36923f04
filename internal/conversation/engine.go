package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Freeeeeet/gym_trial_bot/internal/clock"
	"github.com/Freeeeeet/gym_trial_bot/internal/model"
	"go.uber.org/zap"
)

const maxEffectRounds = 4

// Store хранилище состояний диалогов
type Store interface {
	Get(ctx context.Context, conversationID string) (*model.ConversationState, error)
	Save(ctx context.Context, state *model.ConversationState) error
	Delete(ctx context.Context, conversationID string) error
	List(ctx context.Context) ([]*model.ConversationState, error)
}

// Classifier определяет намерение и сущности во входящем тексте
type Classifier interface {
	Classify(ctx context.Context, text string, conv model.ConversationContext) (model.Intent, model.Entities)
}

// SlotFinder поиск свободных слотов
type SlotFinder interface {
	FindSlots(criteria model.SlotCriteria) []model.ClassSlot
	CheckAvailability(classType, date, startTime string) bool
	ClassTypes() []string
}

// Reserver удержание мест в расписании
type Reserver interface {
	Reserve(ctx context.Context, ref model.SlotRef, conversationID string, hold time.Duration) (model.Reservation, error)
	Release(ctx context.Context, reservationID string) error
}

// Committer оформление и отмена записи
type Committer interface {
	CommitBooking(ctx context.Context, reservationID string, contact model.ContactInfo) (*model.BookingRecord, error)
	CancelBooking(ctx context.Context, bookingID string) (*model.BookingRecord, error)
}

// Sender отправка ответа пользователю
type Sender interface {
	Send(ctx context.Context, conversationID, text string) error
}

// FAQResponder отвечает на общие вопросы о зале
type FAQResponder interface {
	Answer(ctx context.Context, topic, text string) string
}

// InboundMessage входящее сообщение из любого канала
type InboundMessage struct {
	ConversationID string
	Channel        model.Channel
	Text           string
	SenderName     string
	SenderPhone    string
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

// Engine выполняет решения машины состояний: вызывает хранилище расписания,
// координатор записи и транспорт, сохраняет состояние диалога.
type Engine struct {
	machine   *Machine
	store     Store
	router    Classifier
	slots     SlotFinder
	reserver  Reserver
	bookings  Committer
	sender    Sender
	faq       FAQResponder
	clock     clock.Clock
	loc       *time.Location
	hold      time.Duration
	retention time.Duration
	logger    *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*convLock
}

type EngineDeps struct {
	Store    Store
	Router   Classifier
	Slots    SlotFinder
	Reserver Reserver
	Bookings Committer
	Sender   Sender
	FAQ      FAQResponder
	Clock    clock.Clock
	Location *time.Location
	Logger   *zap.Logger
}

func NewEngine(machine *Machine, deps EngineDeps, retention time.Duration) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.FAQ == nil {
		deps.FAQ = NewStaticFAQ(machine.cfg.GymName)
	}
	return &Engine{
		machine:   machine,
		store:     deps.Store,
		router:    deps.Router,
		slots:     deps.Slots,
		reserver:  deps.Reserver,
		bookings:  deps.Bookings,
		sender:    deps.Sender,
		faq:       deps.FAQ,
		clock:     deps.Clock,
		loc:       deps.Location,
		hold:      machine.cfg.HoldDuration,
		retention: retention,
		logger:    deps.Logger,
		locks:     make(map[string]*convLock),
	}
}

// lock захватывает мьютекс диалога, возвращает функцию освобождения
func (e *Engine) lock(conversationID string) func() {
	e.locksMu.Lock()
	l, ok := e.locks[conversationID]
	if !ok {
		l = &convLock{}
		e.locks[conversationID] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, conversationID)
		}
		e.locksMu.Unlock()
	}
}

// HandleMessage обрабатывает одно входящее сообщение и возвращает отправленный ответ
func (e *Engine) HandleMessage(ctx context.Context, msg InboundMessage) (string, error) {
	if msg.ConversationID == "" {
		return "", errors.New("empty conversation id")
	}

	unlock := e.lock(msg.ConversationID)
	defer unlock()

	now := e.clock.Now()
	st, err := e.store.Get(ctx, msg.ConversationID)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}

	if st == nil {
		st = model.NewConversationState(msg.ConversationID, msg.Channel, now)
	} else if d, ok := e.machine.Timeout(st, now); ok {
		e.logger.Info("Conversation timed out before new message",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("stage", string(st.Stage)))
		st, _ = e.run(ctx, d, Input{Now: now})
	}
	prefillContact(st, msg)

	classTypes := e.slots.ClassTypes()
	intent, entities := e.router.Classify(ctx, msg.Text, model.ConversationContext{
		ConversationID: st.ConversationID,
		Stage:          st.Stage,
		ClassTypes:     classTypes,
		OfferedSlots:   len(st.OfferedSlots),
		Today:          now.In(e.loc).Format(model.DateLayout),
	})

	e.logger.Debug("Message classified",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("stage", string(st.Stage)),
		zap.String("intent", string(intent)),
		zap.Any("entities", entities))

	in := Input{
		Intent:     intent,
		Entities:   entities,
		Text:       msg.Text,
		Now:        now,
		ClassTypes: classTypes,
	}
	next, replies := e.run(ctx, e.machine.Decide(st, in), in)

	if err := e.store.Save(ctx, next); err != nil {
		return "", fmt.Errorf("save conversation: %w", err)
	}

	if st.Stage != next.Stage {
		e.logger.Info("Conversation stage changed",
			zap.String("conversation_id", next.ConversationID),
			zap.String("from", string(st.Stage)),
			zap.String("to", string(next.Stage)))
	}

	reply := joinReplies(replies...)
	e.send(ctx, next.ConversationID, reply)
	return reply, nil
}

// run выполняет эффекты решения и передаёт результаты обратно машине
func (e *Engine) run(ctx context.Context, d Decision, in Input) (*model.ConversationState, []string) {
	var replies []string
	for round := 1; ; round++ {
		st := d.Next
		var result *Result
		for _, eff := range d.Effects {
			text, res := e.execute(ctx, st, eff)
			if text != "" {
				replies = append(replies, text)
			}
			if res != nil {
				result = res
			}
		}
		replies = append(replies, d.Reply)

		if result == nil {
			return st, replies
		}
		if round >= maxEffectRounds {
			e.logger.Warn("Effect round limit reached",
				zap.String("conversation_id", st.ConversationID),
				zap.String("stage", string(st.Stage)),
				zap.String("pending_effect", string(result.Kind)))
			return st, replies
		}

		follow := in
		follow.Result = result
		d = e.machine.Decide(st, follow)
	}
}

func (e *Engine) execute(ctx context.Context, st *model.ConversationState, eff Effect) (string, *Result) {
	switch eff.Kind {
	case EffectFindSlots:
		res := &Result{Kind: eff.Kind, Slots: e.slots.FindSlots(eff.Criteria)}
		if c := eff.Criteria; c.ClassType != "" && c.Date != "" && c.From != "" {
			res.ExactChecked = true
			res.ExactFree = e.slots.CheckAvailability(c.ClassType, c.Date, c.From)
		}
		return "", res

	case EffectReserve:
		res, err := e.reserver.Reserve(ctx, eff.Slot, st.ConversationID, e.hold)
		if err != nil {
			e.logger.Info("Reservation failed",
				zap.String("conversation_id", st.ConversationID),
				zap.String("slot", eff.Slot.String()),
				zap.Error(err))
		}
		return "", &Result{Kind: eff.Kind, Reservation: res, Err: err}

	case EffectRelease:
		if err := e.reserver.Release(ctx, eff.ReservationID); err != nil && !errors.Is(err, model.ErrReservationNotFound) {
			e.logger.Warn("Failed to release reservation",
				zap.String("conversation_id", st.ConversationID),
				zap.String("reservation_id", eff.ReservationID),
				zap.Error(err))
		}
		return "", nil

	case EffectCommit:
		booking, err := e.bookings.CommitBooking(ctx, eff.ReservationID, eff.Contact)
		if err != nil {
			e.logger.Warn("Booking commit failed",
				zap.String("conversation_id", st.ConversationID),
				zap.String("reservation_id", eff.ReservationID),
				zap.Error(err))
		}
		return "", &Result{Kind: eff.Kind, Booking: booking, Err: err}

	case EffectCancelBooking:
		booking, err := e.bookings.CancelBooking(ctx, eff.BookingID)
		if err != nil {
			e.logger.Warn("Booking cancellation failed",
				zap.String("conversation_id", st.ConversationID),
				zap.String("booking_id", eff.BookingID),
				zap.Error(err))
		}
		return "", &Result{Kind: eff.Kind, Booking: booking, Err: err}

	case EffectFAQ:
		return e.faq.Answer(ctx, eff.Topic, eff.Text), nil
	}
	return "", nil
}

// send отправляет ответ без ожидания доставки, ошибки только логируются
func (e *Engine) send(ctx context.Context, conversationID, text string) {
	if text == "" || e.sender == nil {
		return
	}
	if err := e.sender.Send(ctx, conversationID, text); err != nil {
		e.logger.Error("Failed to send reply",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
}

// SweepIdle завершает простаивающие диалоги и удаляет старые завершённые
func (e *Engine) SweepIdle(ctx context.Context) (abandoned, evicted int, err error) {
	states, err := e.store.List(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list conversations: %w", err)
	}

	for _, listed := range states {
		if ctx.Err() != nil {
			return abandoned, evicted, ctx.Err()
		}
		a, ev, err := e.sweepOne(ctx, listed.ConversationID)
		if err != nil {
			e.logger.Error("Failed to sweep conversation",
				zap.String("conversation_id", listed.ConversationID),
				zap.Error(err))
			continue
		}
		if a {
			abandoned++
		}
		if ev {
			evicted++
		}
	}
	return abandoned, evicted, nil
}

func (e *Engine) sweepOne(ctx context.Context, conversationID string) (abandoned, evicted bool, err error) {
	unlock := e.lock(conversationID)
	defer unlock()

	// состояние могло измениться после List
	st, err := e.store.Get(ctx, conversationID)
	if err != nil || st == nil {
		return false, false, err
	}

	now := e.clock.Now()
	if d, ok := e.machine.Timeout(st, now); ok {
		next, _ := e.run(ctx, d, Input{Now: now})
		if err := e.store.Save(ctx, next); err != nil {
			return false, false, err
		}
		e.logger.Info("Idle conversation abandoned",
			zap.String("conversation_id", conversationID),
			zap.String("stage", string(st.Stage)))
		return true, false, nil
	}

	if st.Stage.IsTerminal() && e.retention > 0 && now.Sub(st.LastActivityAt) > e.retention {
		if err := e.store.Delete(ctx, conversationID); err != nil {
			return false, false, err
		}
		return false, true, nil
	}
	return false, false, nil
}

// State возвращает текущее состояние диалога, nil если его нет
func (e *Engine) State(ctx context.Context, conversationID string) (*model.ConversationState, error) {
	return e.store.Get(ctx, conversationID)
}

// prefillContact подставляет имя из профиля и номер отправителя WhatsApp
func prefillContact(st *model.ConversationState, msg InboundMessage) {
	if st.Entities == nil {
		st.Entities = model.Entities{}
	}
	if st.Entities.Get(model.EntityName) == "" {
		if name := strings.TrimSpace(msg.SenderName); name != "" {
			st.Entities[model.EntityName] = name
		}
	}
	if st.Entities.Get(model.EntityPhone) == "" && msg.SenderPhone != "" {
		phone := msg.SenderPhone
		if !strings.HasPrefix(phone, "+") {
			phone = "+" + phone
		}
		st.Entities[model.EntityPhone] = phone
	}
}
