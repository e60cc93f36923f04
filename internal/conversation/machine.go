package conversation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/Freeeeeet/gym_trial_bot/internal/model"
)

// EffectKind побочный эффект, который выполняет Engine по решению машины
type EffectKind string

const (
	EffectFindSlots     EffectKind = "find_slots"
	EffectReserve       EffectKind = "reserve"
	EffectRelease       EffectKind = "release"
	EffectCommit        EffectKind = "commit"
	EffectCancelBooking EffectKind = "cancel_booking"
	EffectFAQ           EffectKind = "faq"
)

// Effect запрос к хранилищу расписания, координатору записи или справке
type Effect struct {
	Kind          EffectKind
	Criteria      model.SlotCriteria
	Slot          model.SlotRef
	ReservationID string
	Contact       model.ContactInfo
	BookingID     string
	Topic         string
	Text          string
}

// NeedsResult сообщает, ждёт ли машина результат эффекта
func (e Effect) NeedsResult() bool {
	switch e.Kind {
	case EffectFindSlots, EffectReserve, EffectCommit, EffectCancelBooking:
		return true
	}
	return false
}

// Result результат выполненного эффекта
type Result struct {
	Kind        EffectKind
	Slots       []model.ClassSlot
	Reservation model.Reservation
	Booking     *model.BookingRecord
	Err         error

	// ExactChecked выставляется, когда пользователь назвал тип, дату и время занятия
	ExactChecked bool
	ExactFree    bool
}

// Input входные данные одного шага: либо входящее сообщение, либо результат эффекта
type Input struct {
	Intent     model.Intent
	Entities   model.Entities
	Text       string
	Now        time.Time
	ClassTypes []string
	Result     *Result
}

// Decision следующее состояние, ответ пользователю и эффекты для выполнения
type Decision struct {
	Next    *model.ConversationState
	Reply   string
	Effects []Effect
}

type Config struct {
	IdleTimeout     time.Duration
	MaxOfferedSlots int
	HoldDuration    time.Duration
	GymName         string
}

// Machine решает переходы диалога. Decide не имеет побочных эффектов.
type Machine struct {
	cfg Config
}

func NewMachine(cfg Config) *Machine {
	if cfg.MaxOfferedSlots <= 0 {
		cfg.MaxOfferedSlots = 5
	}
	if cfg.GymName == "" {
		cfg.GymName = "our gym"
	}
	return &Machine{cfg: cfg}
}

// Decide вычисляет переход для входящего сообщения или результата эффекта
func (m *Machine) Decide(state *model.ConversationState, in Input) Decision {
	if in.Result != nil {
		return m.resume(state.Clone(), in)
	}

	next := state.Clone()
	next.LastActivityAt = in.Now

	if next.Stage.IsTerminal() {
		if in.Intent == model.IntentCancel && next.Stage == model.StageCompleted && next.BookingID != "" {
			return Decision{
				Next:    next,
				Effects: []Effect{{Kind: EffectCancelBooking, BookingID: next.BookingID}},
			}
		}
		next = restart(next, in.Now)
	}

	before := next.Entities.Clone()
	next.Entities = next.Entities.Merge(persistent(in.Entities))
	changed := preferenceChanged(before, next.Entities)

	switch in.Intent {
	case model.IntentCancel:
		if next.Stage == model.StageIdle {
			return Decision{Next: next, Reply: "There's no booking in progress. Would you like to book a free trial class?"}
		}
		return m.abandon(next, "No problem, I've cancelled this booking request. Message us anytime to book a trial class.")
	case model.IntentFAQ:
		return Decision{
			Next:    next,
			Reply:   m.prompt(next, in),
			Effects: []Effect{{Kind: EffectFAQ, Topic: in.Entities.Get(model.EntityTopic), Text: in.Text}},
		}
	}

	switch next.Stage {
	case model.StageIdle:
		return m.onIdle(next, in)
	case model.StageCollectingPreference:
		return m.onCollectingPreference(next, in)
	case model.StageOfferingSlots:
		return m.onOfferingSlots(next, in, changed)
	case model.StageAwaitingConfirmation:
		return m.onAwaitingConfirmation(next, in, changed)
	case model.StageCollectingContactInfo:
		return m.onCollectingContact(next, in)
	}

	return Decision{Next: next, Reply: m.prompt(next, in)}
}

// Timeout завершает простаивающий диалог и снимает удержание.
// Второе значение false, если таймаут не наступил.
func (m *Machine) Timeout(state *model.ConversationState, now time.Time) (Decision, bool) {
	if state.Stage.IsTerminal() || !state.IdleFor(now, m.cfg.IdleTimeout) {
		return Decision{}, false
	}
	next := state.Clone()
	d := m.abandon(next, "")
	return d, true
}

func (m *Machine) onIdle(next *model.ConversationState, in Input) Decision {
	switch in.Intent {
	case model.IntentBook, model.IntentSelectSlot, model.IntentProvideInfo:
		next.Stage = model.StageCollectingPreference
		return m.onCollectingPreference(next, in)
	case model.IntentGreeting:
		next.Stage = model.StageCollectingPreference
		d := m.onCollectingPreference(next, in)
		d.Reply = joinReplies(fmt.Sprintf("👋 Hi! Welcome to %s. I can book you a free trial class.", m.cfg.GymName), d.Reply)
		return d
	}
	return Decision{Next: next, Reply: m.prompt(next, in)}
}

func (m *Machine) onCollectingPreference(next *model.ConversationState, in Input) Decision {
	if in.Intent == model.IntentDecline {
		return m.abandon(next, "Okay! Message us anytime if you'd like to book a trial class.")
	}
	if next.Entities.Get(model.EntityClassType) == "" {
		return Decision{Next: next, Reply: m.prompt(next, in)}
	}
	return Decision{Next: next, Effects: []Effect{m.findEffect(next)}}
}

func (m *Machine) onOfferingSlots(next *model.ConversationState, in Input, changed bool) Decision {
	switch in.Intent {
	case model.IntentSelectSlot, model.IntentConfirm:
		slot, ok := m.pick(next, in.Entities)
		if !ok {
			return Decision{Next: next, Reply: m.prompt(next, in)}
		}
		return Decision{Next: next, Effects: []Effect{{Kind: EffectReserve, Slot: slot}}}
	case model.IntentDecline:
		next.Stage = model.StageCollectingPreference
		next.OfferedSlots = nil
		clearPreference(next)
		return Decision{Next: next, Reply: m.prompt(next, in)}
	}

	if changed {
		return Decision{Next: next, Effects: []Effect{m.findEffect(next)}}
	}
	if slot, ok := m.pick(next, in.Entities); ok {
		return Decision{Next: next, Effects: []Effect{{Kind: EffectReserve, Slot: slot}}}
	}
	return Decision{Next: next, Reply: m.prompt(next, in)}
}

func (m *Machine) onAwaitingConfirmation(next *model.ConversationState, in Input, changed bool) Decision {
	switch in.Intent {
	case model.IntentConfirm:
		if !next.Contact().Complete() {
			next.Stage = model.StageCollectingContactInfo
			return Decision{Next: next, Reply: m.prompt(next, in)}
		}
		return Decision{Next: next, Effects: []Effect{{
			Kind:          EffectCommit,
			ReservationID: next.ActiveReservationID,
			Contact:       next.Contact(),
		}}}
	case model.IntentDecline:
		d := m.releaseAndSearch(next)
		d.Reply = "No worries, let's pick another time."
		return d
	case model.IntentSelectSlot:
		if slot, ok := m.pick(next, in.Entities); ok {
			effects := m.releaseEffects(next)
			next.Stage = model.StageOfferingSlots
			return Decision{Next: next, Effects: append(effects, Effect{Kind: EffectReserve, Slot: slot})}
		}
	case model.IntentBook:
		if changed {
			d := m.releaseAndSearch(next)
			return d
		}
	}

	if !next.Contact().Complete() {
		next.Stage = model.StageCollectingContactInfo
	}
	return Decision{Next: next, Reply: m.prompt(next, in)}
}

func (m *Machine) onCollectingContact(next *model.ConversationState, in Input) Decision {
	if in.Intent == model.IntentDecline {
		d := m.releaseAndSearch(next)
		d.Reply = "No worries, let's pick another time."
		return d
	}

	freeText := in.Intent == model.IntentUnknown || in.Intent == model.IntentProvideInfo
	if freeText && next.Entities.Get(model.EntityName) == "" {
		if name, ok := guessName(in.Text); ok {
			next.Entities[model.EntityName] = name
		}
	}

	if next.Contact().Complete() {
		next.Stage = model.StageAwaitingConfirmation
	}
	return Decision{Next: next, Reply: m.prompt(next, in)}
}

// resume обрабатывает результат выполненного эффекта
func (m *Machine) resume(next *model.ConversationState, in Input) Decision {
	res := in.Result
	switch res.Kind {
	case EffectFindSlots:
		return m.offer(next, res.Slots, in)

	case EffectReserve:
		if res.Err != nil {
			next.Stage = model.StageOfferingSlots
			return Decision{
				Next:    next,
				Reply:   "😕 Sorry, that slot has just been taken.",
				Effects: []Effect{m.findEffect(next)},
			}
		}
		next.ActiveReservationID = res.Reservation.ID
		next.Stage = model.StageAwaitingConfirmation
		hold := fmt.Sprintf("⏳ I'm holding *%s* for you for %s.",
			FormatSlot(res.Reservation.Slot), FormatHold(res.Reservation.ExpiresAt.Sub(res.Reservation.CreatedAt)))
		if !next.Contact().Complete() {
			next.Stage = model.StageCollectingContactInfo
		}
		return Decision{Next: next, Reply: joinReplies(hold, m.prompt(next, in))}

	case EffectCommit:
		reservationID := next.ActiveReservationID
		next.ActiveReservationID = ""
		switch {
		case res.Err == nil:
			next.Stage = model.StageCompleted
			next.OfferedSlots = nil
			next.BookingID = res.Booking.ID
			return Decision{Next: next, Reply: fmt.Sprintf(
				"✅ You're booked! *%s*. See you at %s, %s.\nReply CANCEL if your plans change.",
				FormatSlot(res.Booking.Slot), m.cfg.GymName, res.Booking.ContactName)}
		case errors.Is(res.Err, model.ErrReservationNotFound):
			next.Stage = model.StageAbandoned
			next.OfferedSlots = nil
			return Decision{Next: next, Reply: "😕 Sorry, something went wrong with your booking. Send us a message anytime to start again."}
		case errors.Is(res.Err, model.ErrReservationExpired):
			next.Stage = model.StageOfferingSlots
			return Decision{
				Next:    next,
				Reply:   "⌛ Your hold on that slot has expired.",
				Effects: []Effect{m.findEffect(next)},
			}
		default:
			next.Stage = model.StageOfferingSlots
			return Decision{
				Next:  next,
				Reply: "😕 Sorry, we couldn't add your class to our calendar just now, so the slot was released. Please pick a slot again.",
				Effects: []Effect{
					{Kind: EffectRelease, ReservationID: reservationID},
					m.findEffect(next),
				},
			}
		}

	case EffectCancelBooking:
		if res.Err != nil {
			return Decision{Next: next, Reply: "😕 Sorry, we couldn't cancel your booking right now. Please try again in a few minutes."}
		}
		next.BookingID = ""
		return Decision{Next: next, Reply: fmt.Sprintf("🗑 Your trial class *%s* has been cancelled. Message us anytime to book again.",
			FormatSlot(res.Booking.Slot))}
	}

	return Decision{Next: next}
}

func (m *Machine) offer(next *model.ConversationState, slots []model.ClassSlot, in Input) Decision {
	if len(slots) == 0 {
		class := next.Entities.Get(model.EntityClassType)
		when := ""
		if date := next.Entities.Get(model.EntityDate); date != "" {
			when = " on " + FormatSlotDate(date)
		}
		next.Stage = model.StageCollectingPreference
		next.OfferedSlots = nil
		delete(next.Entities, model.EntityDate)
		delete(next.Entities, model.EntityTime)
		reply := fmt.Sprintf("Sorry, there are no free %s classes%s.", class, when)
		if len(in.ClassTypes) > 0 {
			reply += fmt.Sprintf(" Try another day or another class: %s.", joinClassTypes(in.ClassTypes))
		} else {
			reply += " Try another day?"
		}
		return Decision{Next: next, Reply: reply}
	}

	if len(slots) > m.cfg.MaxOfferedSlots {
		slots = slots[:m.cfg.MaxOfferedSlots]
	}
	refs := make([]model.SlotRef, len(slots))
	for i, s := range slots {
		refs[i] = s.Ref()
	}
	next.OfferedSlots = refs
	next.Stage = model.StageOfferingSlots
	return Decision{Next: next, Reply: joinReplies(exactNote(next.Entities, in.Result), m.prompt(next, in))}
}

// exactNote сообщает, свободно ли занятие в названное пользователем время
func exactNote(e model.Entities, res *Result) string {
	if res == nil || !res.ExactChecked {
		return ""
	}
	when := fmt.Sprintf("*%s* on %s at %s", e.Get(model.EntityClassType),
		FormatSlotDate(e.Get(model.EntityDate)), e.Get(model.EntityTime))
	if res.ExactFree {
		return "👍 " + when + " has free places."
	}
	return "😕 " + when + " is full or not on the schedule. Here is what's available later that day."
}

// prompt формирует вопрос пользователю для текущего этапа
func (m *Machine) prompt(st *model.ConversationState, in Input) string {
	switch st.Stage {
	case model.StageIdle:
		return fmt.Sprintf("Hi! I'm the %s booking assistant. Would you like to book a free trial class?", m.cfg.GymName)
	case model.StageCollectingPreference:
		if len(in.ClassTypes) > 0 {
			return fmt.Sprintf("Which class would you like to try? We offer %s.", joinClassTypes(in.ClassTypes))
		}
		return "Which class would you like to try?"
	case model.StageOfferingSlots:
		if len(st.OfferedSlots) == 0 {
			return "Which class would you like to try?"
		}
		return fmt.Sprintf("Here are the available slots:\n%s\n\nReply with the number of the slot you'd like.",
			FormatSlotList(st.OfferedSlots))
	case model.StageCollectingContactInfo:
		if st.Entities.Get(model.EntityName) == "" {
			return "What's your full name?"
		}
		return "What phone number can we reach you on?"
	case model.StageAwaitingConfirmation:
		return fmt.Sprintf("Please confirm your free trial%s for %s. Reply YES to book or NO to choose another slot.",
			m.heldSlot(st), FormatContact(st.Contact()))
	case model.StageCompleted:
		return "You're all set! Reply CANCEL if you need to cancel your trial class."
	}
	return ""
}

func (m *Machine) heldSlot(st *model.ConversationState) string {
	if sel := st.Entities.Get(selectedSlotKey); sel != "" {
		if ref, err := model.ParseSlotRef(sel); err == nil {
			return " *" + FormatSlot(ref) + "*"
		}
	}
	return ""
}

func (m *Machine) abandon(next *model.ConversationState, reply string) Decision {
	effects := m.releaseEffects(next)
	delete(next.Entities, selectedSlotKey)
	next.Stage = model.StageAbandoned
	next.OfferedSlots = nil
	return Decision{Next: next, Reply: reply, Effects: effects}
}

func (m *Machine) releaseEffects(next *model.ConversationState) []Effect {
	if next.ActiveReservationID == "" {
		return nil
	}
	id := next.ActiveReservationID
	next.ActiveReservationID = ""
	return []Effect{{Kind: EffectRelease, ReservationID: id}}
}

func (m *Machine) releaseAndSearch(next *model.ConversationState) Decision {
	effects := m.releaseEffects(next)
	delete(next.Entities, selectedSlotKey)
	next.Stage = model.StageOfferingSlots
	return Decision{Next: next, Effects: append(effects, m.findEffect(next))}
}

func (m *Machine) findEffect(st *model.ConversationState) Effect {
	return Effect{Kind: EffectFindSlots, Criteria: criteria(st.Entities)}
}

// pick выбирает слот из предложенных по номеру или времени начала
func (m *Machine) pick(st *model.ConversationState, msg model.Entities) (model.SlotRef, bool) {
	if n, err := strconv.Atoi(msg.Get(model.EntitySlotNumber)); err == nil {
		if n >= 1 && n <= len(st.OfferedSlots) {
			ref := st.OfferedSlots[n-1]
			st.Entities[selectedSlotKey] = ref.String()
			return ref, true
		}
		return model.SlotRef{}, false
	}
	if t := msg.Get(model.EntityTime); t != "" {
		date := msg.Get(model.EntityDate)
		for _, ref := range st.OfferedSlots {
			if ref.StartTime == t && (date == "" || ref.Date == date) {
				st.Entities[selectedSlotKey] = ref.String()
				return ref, true
			}
		}
	}
	return model.SlotRef{}, false
}

// selectedSlotKey служебная сущность: выбранный слот в форме SlotRef.String
const selectedSlotKey = "selected_slot"

func criteria(e model.Entities) model.SlotCriteria {
	return model.SlotCriteria{
		ClassType: e.Get(model.EntityClassType),
		Date:      e.Get(model.EntityDate),
		From:      e.Get(model.EntityTime),
	}
}

// persistent отбрасывает сущности, которые относятся только к текущему сообщению
func persistent(e model.Entities) model.Entities {
	out := make(model.Entities, len(e))
	for k, v := range e {
		switch k {
		case model.EntitySlotNumber, model.EntityTopic, selectedSlotKey:
			continue
		}
		out[k] = v
	}
	return out
}

func preferenceChanged(before, after model.Entities) bool {
	for _, k := range []string{model.EntityClassType, model.EntityDate, model.EntityTime} {
		if !strings.EqualFold(before.Get(k), after.Get(k)) {
			return true
		}
	}
	return false
}

func clearPreference(st *model.ConversationState) {
	delete(st.Entities, model.EntityClassType)
	delete(st.Entities, model.EntityDate)
	delete(st.Entities, model.EntityTime)
}

// restart начинает новый диалог, сохраняя контактные данные
func restart(old *model.ConversationState, now time.Time) *model.ConversationState {
	next := model.NewConversationState(old.ConversationID, old.Channel, now)
	for _, k := range []string{model.EntityName, model.EntityPhone} {
		if v := old.Entities.Get(k); v != "" {
			next.Entities[k] = v
		}
	}
	return next
}

// guessName принимает свободный текст за имя, если он похож на имя
func guessName(text string) (string, bool) {
	text = strings.TrimSpace(text)
	words := strings.Fields(text)
	if len(text) < 2 || len(text) > 60 || len(words) == 0 || len(words) > 4 {
		return "", false
	}
	for _, r := range text {
		if !unicode.IsLetter(r) && r != ' ' && r != '-' && r != '\'' && r != '.' {
			return "", false
		}
	}
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " "), true
}

func joinReplies(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}
