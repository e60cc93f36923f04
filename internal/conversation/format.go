package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/Freeeeeet/gym_trial_bot/internal/model"
)

// FormatSlotDate форматирует дату занятия: "Mon 25 Dec"
func FormatSlotDate(date string) string {
	t, err := time.Parse(model.DateLayout, date)
	if err != nil {
		return date
	}
	return t.Format("Mon 02 Jan")
}

// FormatSlot форматирует слот для сообщения
func FormatSlot(ref model.SlotRef) string {
	return fmt.Sprintf("%s, %s %s-%s", ref.ClassType, FormatSlotDate(ref.Date), ref.StartTime, ref.EndTime)
}

// FormatSlotList форматирует пронумерованный список предложенных слотов
func FormatSlotList(slots []model.SlotRef) string {
	var sb strings.Builder
	for i, ref := range slots {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%d. %s", i+1, FormatSlot(ref))
	}
	return sb.String()
}

// FormatContact форматирует контактные данные
func FormatContact(c model.ContactInfo) string {
	return fmt.Sprintf("%s (%s)", c.Name, c.Phone)
}

// FormatHold форматирует срок удержания в минутах
func FormatHold(d time.Duration) string {
	minutes := int(d.Round(time.Minute) / time.Minute)
	if minutes <= 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", minutes)
}

func joinClassTypes(types []string) string {
	switch len(types) {
	case 0:
		return ""
	case 1:
		return types[0]
	}
	return strings.Join(types[:len(types)-1], ", ") + " or " + types[len(types)-1]
}
