package conversation

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Freeeeeet/gym_trial_bot/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func testMachine() *Machine {
	return NewMachine(Config{
		IdleTimeout:     30 * time.Minute,
		MaxOfferedSlots: 5,
		HoldDuration:    10 * time.Minute,
		GymName:         "Iron Temple",
	})
}

func yogaSlots(n int) []model.ClassSlot {
	slots := make([]model.ClassSlot, n)
	for i := range slots {
		slots[i] = model.ClassSlot{
			SlotRef: model.SlotRef{
				ClassType: "Yoga",
				Date:      "2025-03-11",
				StartTime: fmt.Sprintf("%02d:00", 8+i),
				EndTime:   fmt.Sprintf("%02d:00", 9+i),
			},
			Capacity: 10,
		}
	}
	return slots
}

func stateAt(stage model.Stage) *model.ConversationState {
	st := model.NewConversationState("wa:15550001", model.ChannelWhatsApp, testNow)
	st.Stage = stage
	return st
}

func offeringState(n int) *model.ConversationState {
	st := stateAt(model.StageOfferingSlots)
	st.Entities[model.EntityClassType] = "Yoga"
	for _, s := range yogaSlots(n) {
		st.OfferedSlots = append(st.OfferedSlots, s.Ref())
	}
	return st
}

func awaitingState() *model.ConversationState {
	st := offeringState(3)
	st.Stage = model.StageAwaitingConfirmation
	st.ActiveReservationID = "res-1"
	st.Entities[model.EntityName] = "Anna Smith"
	st.Entities[model.EntityPhone] = "+15550001"
	st.Entities[selectedSlotKey] = st.OfferedSlots[0].String()
	return st
}

func msg(intent model.Intent, entities model.Entities) Input {
	return Input{Intent: intent, Entities: entities, Now: testNow, ClassTypes: []string{"Boxing", "Yoga"}}
}

func result(r Result) Input {
	in := msg(model.IntentUnknown, nil)
	in.Result = &r
	return in
}

func effectKinds(effects []Effect) []EffectKind {
	kinds := make([]EffectKind, len(effects))
	for i, e := range effects {
		kinds[i] = e.Kind
	}
	return kinds
}

func TestDecide_GreetingStartsCollectingPreference(t *testing.T) {
	d := testMachine().Decide(stateAt(model.StageIdle), msg(model.IntentGreeting, nil))

	assert.Equal(t, model.StageCollectingPreference, d.Next.Stage)
	assert.Contains(t, d.Reply, "Iron Temple")
	assert.Contains(t, d.Reply, "Boxing or Yoga")
	assert.Empty(t, d.Effects)
}

func TestDecide_ClassTypeTriggersSearch(t *testing.T) {
	d := testMachine().Decide(stateAt(model.StageIdle), msg(model.IntentBook, model.Entities{
		model.EntityClassType: "Yoga",
		model.EntityDate:      "2025-03-11",
	}))

	require.Len(t, d.Effects, 1)
	assert.Equal(t, EffectFindSlots, d.Effects[0].Kind)
	assert.Equal(t, model.SlotCriteria{ClassType: "Yoga", Date: "2025-03-11"}, d.Effects[0].Criteria)
	assert.Equal(t, model.StageCollectingPreference, d.Next.Stage)
}

func TestDecide_SearchResults(t *testing.T) {
	m := testMachine()
	st := stateAt(model.StageCollectingPreference)
	st.Entities[model.EntityClassType] = "Yoga"
	st.Entities[model.EntityDate] = "2025-03-11"

	t.Run("no slots asks for another day", func(t *testing.T) {
		d := m.Decide(st, result(Result{Kind: EffectFindSlots}))

		assert.Equal(t, model.StageCollectingPreference, d.Next.Stage)
		assert.Contains(t, d.Reply, "no free Yoga classes")
		assert.Empty(t, d.Next.Entities.Get(model.EntityDate))
		assert.Equal(t, "Yoga", d.Next.Entities.Get(model.EntityClassType))
	})

	t.Run("slots are offered up to the limit", func(t *testing.T) {
		d := m.Decide(st, result(Result{Kind: EffectFindSlots, Slots: yogaSlots(7)}))

		assert.Equal(t, model.StageOfferingSlots, d.Next.Stage)
		assert.Len(t, d.Next.OfferedSlots, 5)
		assert.Contains(t, d.Reply, "1. Yoga, Tue 11 Mar 08:00-09:00")
		assert.Contains(t, d.Reply, "5. Yoga, Tue 11 Mar 12:00-13:00")
		assert.NotContains(t, d.Reply, "6.")
	})
}

func TestDecide_SearchResultsExactTime(t *testing.T) {
	m := testMachine()
	st := stateAt(model.StageCollectingPreference)
	st.Entities[model.EntityClassType] = "Yoga"
	st.Entities[model.EntityDate] = "2025-03-11"
	st.Entities[model.EntityTime] = "09:00"

	d := m.Decide(st, result(Result{Kind: EffectFindSlots, Slots: yogaSlots(2)[1:], ExactChecked: true, ExactFree: true}))
	assert.Contains(t, d.Reply, "*Yoga* on Tue 11 Mar at 09:00 has free places")
	assert.Contains(t, d.Reply, "1. Yoga, Tue 11 Mar 09:00-10:00")

	d = m.Decide(st, result(Result{Kind: EffectFindSlots, Slots: yogaSlots(3)[2:], ExactChecked: true}))
	assert.Contains(t, d.Reply, "at 09:00 is full")
	assert.Contains(t, d.Reply, "1. Yoga, Tue 11 Mar 10:00-11:00")

	d = m.Decide(st, result(Result{Kind: EffectFindSlots, Slots: yogaSlots(1)}))
	assert.NotContains(t, d.Reply, "has free places")
}

func TestDecide_SelectSlot(t *testing.T) {
	m := testMachine()
	st := offeringState(3)

	t.Run("by number", func(t *testing.T) {
		d := m.Decide(st, msg(model.IntentSelectSlot, model.Entities{model.EntitySlotNumber: "2"}))

		require.Len(t, d.Effects, 1)
		assert.Equal(t, EffectReserve, d.Effects[0].Kind)
		assert.Equal(t, st.OfferedSlots[1], d.Effects[0].Slot)
	})

	t.Run("by start time", func(t *testing.T) {
		d := m.Decide(st, msg(model.IntentSelectSlot, model.Entities{model.EntityTime: "10:00"}))

		require.Len(t, d.Effects, 1)
		assert.Equal(t, st.OfferedSlots[2], d.Effects[0].Slot)
	})

	t.Run("out of range number re-prompts", func(t *testing.T) {
		d := m.Decide(st, msg(model.IntentSelectSlot, model.Entities{model.EntitySlotNumber: "9"}))

		assert.Empty(t, d.Effects)
		assert.Equal(t, model.StageOfferingSlots, d.Next.Stage)
		assert.Contains(t, d.Reply, "Reply with the number")
	})
}

func TestDecide_ReserveResult(t *testing.T) {
	m := testMachine()

	t.Run("slot taken refreshes the list", func(t *testing.T) {
		d := m.Decide(offeringState(3), result(Result{Kind: EffectReserve, Err: model.ErrSlotUnavailable}))

		assert.Equal(t, model.StageOfferingSlots, d.Next.Stage)
		assert.Equal(t, []EffectKind{EffectFindSlots}, effectKinds(d.Effects))
		assert.Contains(t, d.Reply, "just been taken")
	})

	t.Run("success with known contact awaits confirmation", func(t *testing.T) {
		st := offeringState(3)
		st.Entities[model.EntityName] = "Anna"
		st.Entities[model.EntityPhone] = "+15550001"
		res := model.Reservation{
			ID:        "res-1",
			Slot:      st.OfferedSlots[0],
			CreatedAt: testNow,
			ExpiresAt: testNow.Add(10 * time.Minute),
			Status:    model.ReservationStatusPending,
		}

		d := m.Decide(st, result(Result{Kind: EffectReserve, Reservation: res}))

		assert.Equal(t, model.StageAwaitingConfirmation, d.Next.Stage)
		assert.Equal(t, "res-1", d.Next.ActiveReservationID)
		assert.Contains(t, d.Reply, "10 minutes")
		assert.Contains(t, d.Reply, "Reply YES")
	})

	t.Run("success without contact collects it", func(t *testing.T) {
		st := offeringState(3)
		res := model.Reservation{ID: "res-2", Slot: st.OfferedSlots[0], CreatedAt: testNow, ExpiresAt: testNow.Add(10 * time.Minute)}

		d := m.Decide(st, result(Result{Kind: EffectReserve, Reservation: res}))

		assert.Equal(t, model.StageCollectingContactInfo, d.Next.Stage)
		assert.Equal(t, "res-2", d.Next.ActiveReservationID)
		assert.Contains(t, d.Reply, "full name")
	})
}

func TestDecide_ConfirmCommits(t *testing.T) {
	st := awaitingState()

	d := testMachine().Decide(st, msg(model.IntentConfirm, nil))

	require.Len(t, d.Effects, 1)
	assert.Equal(t, EffectCommit, d.Effects[0].Kind)
	assert.Equal(t, "res-1", d.Effects[0].ReservationID)
	assert.Equal(t, model.ContactInfo{Name: "Anna Smith", Phone: "+15550001"}, d.Effects[0].Contact)
}

func TestDecide_ConfirmWithoutPhoneAsksForIt(t *testing.T) {
	st := awaitingState()
	delete(st.Entities, model.EntityPhone)

	d := testMachine().Decide(st, msg(model.IntentConfirm, nil))

	assert.Empty(t, d.Effects)
	assert.Equal(t, model.StageCollectingContactInfo, d.Next.Stage)
	assert.Contains(t, d.Reply, "phone number")
}

func TestDecide_CommitResult(t *testing.T) {
	m := testMachine()

	t.Run("success completes", func(t *testing.T) {
		booking := &model.BookingRecord{ID: "b-1", Slot: yogaSlots(1)[0].Ref(), ContactName: "Anna Smith"}

		d := m.Decide(awaitingState(), result(Result{Kind: EffectCommit, Booking: booking}))

		assert.Equal(t, model.StageCompleted, d.Next.Stage)
		assert.Equal(t, "b-1", d.Next.BookingID)
		assert.Empty(t, d.Next.ActiveReservationID)
		assert.Empty(t, d.Effects)
		assert.Contains(t, d.Reply, "You're booked")
	})

	t.Run("calendar failure releases and re-offers", func(t *testing.T) {
		err := fmt.Errorf("%w: %v", model.ErrCalendarCreateFailed, errors.New("timeout"))

		d := m.Decide(awaitingState(), result(Result{Kind: EffectCommit, Err: err}))

		assert.Equal(t, model.StageOfferingSlots, d.Next.Stage)
		assert.Equal(t, []EffectKind{EffectRelease, EffectFindSlots}, effectKinds(d.Effects))
		assert.Equal(t, "res-1", d.Effects[0].ReservationID)
		assert.Contains(t, d.Reply, "Sorry")
	})

	t.Run("expired hold searches again", func(t *testing.T) {
		d := m.Decide(awaitingState(), result(Result{Kind: EffectCommit, Err: model.ErrReservationExpired}))

		assert.Equal(t, model.StageOfferingSlots, d.Next.Stage)
		assert.Equal(t, []EffectKind{EffectFindSlots}, effectKinds(d.Effects))
	})

	t.Run("unknown reservation abandons", func(t *testing.T) {
		d := m.Decide(awaitingState(), result(Result{Kind: EffectCommit, Err: model.ErrReservationNotFound}))

		assert.Equal(t, model.StageAbandoned, d.Next.Stage)
		assert.Empty(t, d.Effects)
	})
}

func TestDecide_DeclineReleasesAndReoffers(t *testing.T) {
	d := testMachine().Decide(awaitingState(), msg(model.IntentDecline, nil))

	assert.Equal(t, model.StageOfferingSlots, d.Next.Stage)
	assert.Equal(t, []EffectKind{EffectRelease, EffectFindSlots}, effectKinds(d.Effects))
	assert.Empty(t, d.Next.ActiveReservationID)
	assert.Empty(t, d.Next.Entities.Get(selectedSlotKey))
}

func TestDecide_CancelAbandonsAndReleases(t *testing.T) {
	d := testMachine().Decide(awaitingState(), msg(model.IntentCancel, nil))

	assert.Equal(t, model.StageAbandoned, d.Next.Stage)
	require.Len(t, d.Effects, 1)
	assert.Equal(t, EffectRelease, d.Effects[0].Kind)
	assert.Equal(t, "res-1", d.Effects[0].ReservationID)
}

func TestDecide_CancelCompletedBooking(t *testing.T) {
	st := stateAt(model.StageCompleted)
	st.BookingID = "b-1"

	d := testMachine().Decide(st, msg(model.IntentCancel, nil))
	require.Len(t, d.Effects, 1)
	assert.Equal(t, EffectCancelBooking, d.Effects[0].Kind)
	assert.Equal(t, "b-1", d.Effects[0].BookingID)

	booking := &model.BookingRecord{ID: "b-1", Slot: yogaSlots(1)[0].Ref()}
	d = testMachine().Decide(d.Next, result(Result{Kind: EffectCancelBooking, Booking: booking}))
	assert.Empty(t, d.Next.BookingID)
	assert.Contains(t, d.Reply, "has been cancelled")
}

func TestDecide_FAQKeepsStage(t *testing.T) {
	st := offeringState(2)

	d := testMachine().Decide(st, msg(model.IntentFAQ, model.Entities{model.EntityTopic: TopicPrice}))

	assert.Equal(t, model.StageOfferingSlots, d.Next.Stage)
	require.Len(t, d.Effects, 1)
	assert.Equal(t, EffectFAQ, d.Effects[0].Kind)
	assert.Equal(t, TopicPrice, d.Effects[0].Topic)
	assert.Contains(t, d.Reply, "Here are the available slots")
}

func TestDecide_TerminalConversationRestarts(t *testing.T) {
	st := stateAt(model.StageAbandoned)
	st.Entities[model.EntityName] = "Anna"
	st.Entities[model.EntityClassType] = "Boxing"

	d := testMachine().Decide(st, msg(model.IntentGreeting, nil))

	assert.Equal(t, model.StageCollectingPreference, d.Next.Stage)
	assert.Equal(t, "Anna", d.Next.Entities.Get(model.EntityName))
	assert.Empty(t, d.Next.Entities.Get(model.EntityClassType))
}

func TestDecide_CollectingContactGuessesName(t *testing.T) {
	st := awaitingState()
	st.Stage = model.StageCollectingContactInfo
	delete(st.Entities, model.EntityName)

	in := msg(model.IntentUnknown, nil)
	in.Text = "anna smith"
	d := testMachine().Decide(st, in)

	assert.Equal(t, "Anna Smith", d.Next.Entities.Get(model.EntityName))
	assert.Equal(t, model.StageAwaitingConfirmation, d.Next.Stage)
	assert.Contains(t, d.Reply, "Anna Smith (+15550001)")
}

func TestDecide_DoesNotMutateInput(t *testing.T) {
	st := awaitingState()
	before := st.Clone()

	testMachine().Decide(st, msg(model.IntentCancel, nil))
	testMachine().Decide(st, msg(model.IntentBook, model.Entities{model.EntityClassType: "Boxing"}))

	assert.Equal(t, before, st)
}

func TestTimeout(t *testing.T) {
	m := testMachine()

	t.Run("idle conversation is abandoned and released", func(t *testing.T) {
		d, ok := m.Timeout(awaitingState(), testNow.Add(31*time.Minute))

		require.True(t, ok)
		assert.Equal(t, model.StageAbandoned, d.Next.Stage)
		assert.Equal(t, []EffectKind{EffectRelease}, effectKinds(d.Effects))
		assert.Empty(t, d.Reply)
	})

	t.Run("active conversation is kept", func(t *testing.T) {
		_, ok := m.Timeout(awaitingState(), testNow.Add(5*time.Minute))
		assert.False(t, ok)
	})

	t.Run("terminal conversation is kept", func(t *testing.T) {
		_, ok := m.Timeout(stateAt(model.StageCompleted), testNow.Add(time.Hour))
		assert.False(t, ok)
	})
}
