package service

import (
	"context"
	"testing"
	"time"

	"github.com/Freeeeeet/gym_trial_bot/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailabilityChecker(t *testing.T) {
	started := slot("Yoga", "2025-03-10", "08:30", "09:30", 5)
	store, clk := newTestStore(t, started, yogaMorning, boxingSingle, slot("yoga", "2025-03-13", "07:00", "08:00", 1))
	checker := NewAvailabilityChecker(store, clk, time.UTC)

	t.Run("started classes are not offered", func(t *testing.T) {
		got := checker.FindSlots(model.SlotCriteria{ClassType: "Yoga"})
		require.Len(t, got, 2)
		assert.Equal(t, yogaMorning.Ref(), got[0].Ref())
	})

	t.Run("check availability", func(t *testing.T) {
		assert.True(t, checker.CheckAvailability("Boxing", "2025-03-11", "19:00"))
		assert.False(t, checker.CheckAvailability("Boxing", "2025-03-11", "20:00"))

		_, err := store.Reserve(context.Background(), boxingSingle.Ref(), "wa:a", 0)
		require.NoError(t, err)
		assert.False(t, checker.CheckAvailability("Boxing", "2025-03-11", "19:00"))
	})

	t.Run("class types deduplicated", func(t *testing.T) {
		assert.Equal(t, []string{"Boxing", "Yoga"}, checker.ClassTypes())
	})
}

func TestAvailabilityChecker_Location(t *testing.T) {
	madrid, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)

	// 09:00 UTC = 10:00 в Мадриде, занятие в 10:00 по местному времени уже началось
	store, clk := newTestStore(t, slot("Yoga", "2025-03-10", "10:00", "11:00", 1), slot("Yoga", "2025-03-10", "10:30", "11:30", 1))
	checker := NewAvailabilityChecker(store, clk, madrid)

	got := checker.FindSlots(model.SlotCriteria{})
	require.Len(t, got, 1)
	assert.Equal(t, "10:30", got[0].StartTime)
}
