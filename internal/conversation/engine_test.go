package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Freeeeeet/gym_trial_bot/internal/clock"
	"github.com/Freeeeeet/gym_trial_bot/internal/controller/state"
	"github.com/Freeeeeet/gym_trial_bot/internal/model"
	"github.com/Freeeeeet/gym_trial_bot/internal/repository"
	"github.com/Freeeeeet/gym_trial_bot/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scripted struct {
	intent   model.Intent
	entities model.Entities
}

// scriptedRouter классифицирует заранее известные фразы
type scriptedRouter map[string]scripted

func (r scriptedRouter) Classify(_ context.Context, text string, _ model.ConversationContext) (model.Intent, model.Entities) {
	if s, ok := r[text]; ok {
		return s.intent, s.entities.Clone()
	}
	return model.IntentUnknown, model.Entities{}
}

var phrases = scriptedRouter{
	"hi":          {intent: model.IntentGreeting},
	"yoga please": {intent: model.IntentBook, entities: model.Entities{model.EntityClassType: "Yoga", model.EntityDate: "2025-03-11"}},
	"1":           {intent: model.IntentSelectSlot, entities: model.Entities{model.EntitySlotNumber: "1"}},
	"yes":         {intent: model.IntentConfirm},
	"cancel":      {intent: model.IntentCancel},
	"yoga at 8":   {intent: model.IntentBook, entities: model.Entities{model.EntityClassType: "Yoga", model.EntityDate: "2025-03-11", model.EntityTime: "08:00"}},
	"yoga at 7":   {intent: model.IntentBook, entities: model.Entities{model.EntityClassType: "Yoga", model.EntityDate: "2025-03-11", model.EntityTime: "07:00"}},
	"price?":      {intent: model.IntentFAQ, entities: model.Entities{model.EntityTopic: TopicPrice}},
}

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]string
}

func (s *recordingSender) Send(_ context.Context, conversationID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = make(map[string][]string)
	}
	s.sent[conversationID] = append(s.sent[conversationID], text)
	return nil
}

type stubCalendar struct {
	mu      sync.Mutex
	err     error
	created int
}

func (c *stubCalendar) CreateEvent(_ context.Context, _ model.SlotRef, _ model.ContactInfo) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.created++
	return "evt-1", nil
}

func (c *stubCalendar) CancelEvent(_ context.Context, _ string) error { return nil }

type engineFixture struct {
	engine   *Engine
	store    *service.ScheduleStore
	states   *state.Manager
	sender   *recordingSender
	calendar *stubCalendar
	clock    *clock.Manual
	slot     model.SlotRef
}

func newEngineFixture(t *testing.T, capacity int) *engineFixture {
	t.Helper()

	clk := clock.NewManual(testNow)
	logger := zap.NewNop()
	store := service.NewScheduleStore(clk, logger, service.WithHoldDuration(10*time.Minute))
	slot := model.ClassSlot{
		SlotRef:  model.SlotRef{ClassType: "Yoga", Date: "2025-03-11", StartTime: "08:00", EndTime: "09:00"},
		Capacity: capacity,
	}
	require.NoError(t, store.Load([]model.ClassSlot{slot}))

	calendar := &stubCalendar{}
	bookings := service.NewBookingService(store, calendar, repository.NewMemoryBookingRepository(), nil, clk, time.Second, logger)
	states := state.NewManager()
	sender := &recordingSender{}

	machine := NewMachine(Config{
		IdleTimeout:  5 * time.Minute,
		HoldDuration: 10 * time.Minute,
		GymName:      "Iron Temple",
	})
	engine := NewEngine(machine, EngineDeps{
		Store:    states,
		Router:   phrases,
		Slots:    service.NewAvailabilityChecker(store, clk, time.UTC),
		Reserver: store,
		Bookings: bookings,
		Sender:   sender,
		Clock:    clk,
		Logger:   logger,
	}, time.Hour)

	return &engineFixture{
		engine:   engine,
		store:    store,
		states:   states,
		sender:   sender,
		calendar: calendar,
		clock:    clk,
		slot:     slot.Ref(),
	}
}

func (f *engineFixture) say(t *testing.T, conversationID, text string) string {
	t.Helper()
	reply, err := f.engine.HandleMessage(context.Background(), InboundMessage{
		ConversationID: conversationID,
		Channel:        model.ChannelWhatsApp,
		Text:           text,
		SenderName:     "Anna",
		SenderPhone:    "15550001",
	})
	require.NoError(t, err)
	return reply
}

func (f *engineFixture) stage(t *testing.T, conversationID string) model.Stage {
	t.Helper()
	st, err := f.engine.State(context.Background(), conversationID)
	require.NoError(t, err)
	require.NotNil(t, st)
	return st.Stage
}

func TestEngine_BookingFlow(t *testing.T) {
	f := newEngineFixture(t, 5)
	const conv = "wa:15550001"

	reply := f.say(t, conv, "hi")
	assert.Contains(t, reply, "Welcome to Iron Temple")
	assert.Equal(t, model.StageCollectingPreference, f.stage(t, conv))

	reply = f.say(t, conv, "yoga please")
	assert.Contains(t, reply, "1. Yoga, Tue 11 Mar 08:00-09:00")
	assert.Equal(t, model.StageOfferingSlots, f.stage(t, conv))

	reply = f.say(t, conv, "1")
	assert.Contains(t, reply, "holding")
	assert.Contains(t, reply, "Anna (+15550001)")
	assert.Equal(t, model.StageAwaitingConfirmation, f.stage(t, conv))
	assert.Equal(t, 1, f.store.PendingCount(f.slot))

	reply = f.say(t, conv, "yes")
	assert.Contains(t, reply, "You're booked")

	st, err := f.engine.State(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, model.StageCompleted, st.Stage)
	assert.NotEmpty(t, st.BookingID)

	slot, ok := f.store.Slot(f.slot)
	require.True(t, ok)
	assert.Equal(t, 1, slot.BookedCount)
	assert.Equal(t, 0, f.store.PendingCount(f.slot))
	assert.Equal(t, 1, f.calendar.created)

	assert.Len(t, f.sender.sent[conv], 4)
}

func TestEngine_CancelAfterBookingFreesSlot(t *testing.T) {
	f := newEngineFixture(t, 5)
	const conv = "wa:15550001"
	for _, text := range []string{"yoga please", "1", "yes"} {
		f.say(t, conv, text)
	}

	reply := f.say(t, conv, "cancel")
	assert.Contains(t, reply, "has been cancelled")

	slot, _ := f.store.Slot(f.slot)
	assert.Equal(t, 0, slot.BookedCount)
}

func TestEngine_CalendarFailureReleasesReservation(t *testing.T) {
	f := newEngineFixture(t, 1)
	f.calendar.err = errors.New("calendar unavailable")
	const conv = "wa:15550001"

	f.say(t, conv, "yoga please")
	f.say(t, conv, "1")
	reply := f.say(t, conv, "yes")

	assert.Contains(t, reply, "couldn't add your class to our calendar")
	assert.Contains(t, reply, "1. Yoga, Tue 11 Mar 08:00-09:00")
	assert.Equal(t, model.StageOfferingSlots, f.stage(t, conv))

	slot, _ := f.store.Slot(f.slot)
	assert.Equal(t, 0, slot.BookedCount)
	assert.Equal(t, 0, f.store.PendingCount(f.slot))
}

func TestEngine_SlotTakenOffersRefreshedList(t *testing.T) {
	f := newEngineFixture(t, 1)

	f.say(t, "wa:1", "yoga please")
	f.say(t, "wa:2", "yoga please")
	f.say(t, "wa:1", "1")

	reply := f.say(t, "wa:2", "1")
	assert.Contains(t, reply, "just been taken")
	assert.Equal(t, model.StageCollectingPreference, f.stage(t, "wa:2"))
	assert.Equal(t, 1, f.store.PendingCount(f.slot))
}

func TestEngine_IdleTimeoutReleasesReservation(t *testing.T) {
	f := newEngineFixture(t, 1)
	const conv = "wa:15550001"

	f.say(t, conv, "yoga please")
	f.say(t, conv, "1")
	require.Equal(t, 1, f.store.PendingCount(f.slot))

	f.clock.Advance(6 * time.Minute)
	abandoned, evicted, err := f.engine.SweepIdle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, abandoned)
	assert.Equal(t, 0, evicted)
	assert.Equal(t, model.StageAbandoned, f.stage(t, conv))
	assert.Equal(t, 0, f.store.PendingCount(f.slot))

	// место снова доступно другим
	reply := f.say(t, "wa:other", "yoga please")
	assert.Contains(t, reply, "1. Yoga")
}

func TestEngine_TimeoutAppliedOnNextMessage(t *testing.T) {
	f := newEngineFixture(t, 1)
	const conv = "wa:15550001"

	f.say(t, conv, "yoga please")
	f.say(t, conv, "1")

	f.clock.Advance(6 * time.Minute)
	reply := f.say(t, conv, "hi")

	assert.Contains(t, reply, "Welcome")
	assert.Equal(t, model.StageCollectingPreference, f.stage(t, conv))
	assert.Equal(t, 0, f.store.PendingCount(f.slot))
}

func TestEngine_SweepEvictsOldTerminalConversations(t *testing.T) {
	f := newEngineFixture(t, 1)
	const conv = "wa:15550001"

	f.say(t, conv, "yoga please")
	f.say(t, conv, "cancel")
	require.Equal(t, model.StageAbandoned, f.stage(t, conv))

	f.clock.Advance(2 * time.Hour)
	_, evicted, err := f.engine.SweepIdle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	st, err := f.engine.State(context.Background(), conv)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestEngine_FAQAnswersBeforePrompt(t *testing.T) {
	f := newEngineFixture(t, 1)

	reply := f.say(t, "wa:1", "price?")

	assert.Contains(t, reply, "completely free")
	assert.Less(t, strings.Index(reply, "completely free"), strings.Index(reply, "book a free trial class"))
}

func TestEngine_ConcurrentConversationsNeverOverbook(t *testing.T) {
	f := newEngineFixture(t, 3)
	const n = 20

	for i := 0; i < n; i++ {
		f.say(t, convID(i), "yoga please")
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.HandleMessage(context.Background(), InboundMessage{
				ConversationID: convID(i),
				Channel:        model.ChannelWhatsApp,
				Text:           "1",
				SenderName:     "Anna",
				SenderPhone:    "15550001",
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, f.store.PendingCount(f.slot))

	awaiting := 0
	states, err := f.states.List(context.Background())
	require.NoError(t, err)
	for _, st := range states {
		if st.Stage == model.StageAwaitingConfirmation {
			awaiting++
		}
	}
	assert.Equal(t, 3, awaiting)
}

func convID(i int) string {
	return "wa:" + string(rune('a'+i))
}

func TestEngine_ExactTimeChecked(t *testing.T) {
	f := newEngineFixture(t, 1)

	reply := f.say(t, "wa:1", "yoga at 8")
	assert.Contains(t, reply, "*Yoga* on Tue 11 Mar at 08:00 has free places")
	assert.Contains(t, reply, "1. Yoga, Tue 11 Mar 08:00-09:00")

	reply = f.say(t, "wa:2", "yoga at 7")
	assert.Contains(t, reply, "at 07:00 is full or not on the schedule")
	assert.Contains(t, reply, "1. Yoga, Tue 11 Mar 08:00-09:00")
}
