package service

import (
	"sort"
	"strings"
	"time"

	"github.com/Freeeeeet/gym_trial_bot/internal/clock"
	"github.com/Freeeeeet/gym_trial_bot/internal/model"
)

type slotSource interface {
	FindSlots(criteria model.SlotCriteria) []model.ClassSlot
	Slots() []model.ClassSlot
}

// AvailabilityChecker отвечает на запросы о свободных слотах, ничего не изменяя
type AvailabilityChecker struct {
	store slotSource
	clock clock.Clock
	loc   *time.Location
}

func NewAvailabilityChecker(store slotSource, clk clock.Clock, loc *time.Location) *AvailabilityChecker {
	if loc == nil {
		loc = time.UTC
	}
	return &AvailabilityChecker{store: store, clock: clk, loc: loc}
}

// FindSlots возвращает свободные слоты, которые ещё не начались
func (a *AvailabilityChecker) FindSlots(criteria model.SlotCriteria) []model.ClassSlot {
	now := a.clock.Now().In(a.loc)
	slots := a.store.FindSlots(criteria)

	upcoming := make([]model.ClassSlot, 0, len(slots))
	for _, slot := range slots {
		start, _, err := slot.Window(a.loc)
		if err != nil || !start.After(now) {
			continue
		}
		upcoming = append(upcoming, slot)
	}
	return upcoming
}

// CheckAvailability проверяет, есть ли свободное место на ещё не начавшемся занятии
// указанного типа в указанные дату и время начала
func (a *AvailabilityChecker) CheckAvailability(classType, date, startTime string) bool {
	slots := a.FindSlots(model.SlotCriteria{ClassType: classType, Date: date, From: startTime})
	for _, slot := range slots {
		if slot.StartTime == startTime {
			return true
		}
	}
	return false
}

// ClassTypes возвращает типы занятий из расписания
func (a *AvailabilityChecker) ClassTypes() []string {
	seen := make(map[string]struct{})
	var types []string
	for _, slot := range a.store.Slots() {
		key := strings.ToLower(slot.ClassType)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		types = append(types, slot.ClassType)
	}
	sort.Strings(types)
	return types
}
