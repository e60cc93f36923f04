package model

import (
	"fmt"
	"strings"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// SlotRef идентифицирует занятие в расписании
type SlotRef struct {
	ClassType string `json:"class_type"`
	Date      string `json:"date"`       // YYYY-MM-DD
	StartTime string `json:"start_time"` // HH:MM
	EndTime   string `json:"end_time"`   // HH:MM
}

// String возвращает стабильный ключ слота: class|date|start|end
func (r SlotRef) String() string {
	return strings.Join([]string{r.ClassType, r.Date, r.StartTime, r.EndTime}, "|")
}

// ParseSlotRef разбирает ключ, полученный из SlotRef.String
func ParseSlotRef(s string) (SlotRef, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return SlotRef{}, fmt.Errorf("invalid slot reference %q", s)
	}
	return SlotRef{ClassType: parts[0], Date: parts[1], StartTime: parts[2], EndTime: parts[3]}, nil
}

// Window возвращает начало и конец занятия в указанной временной зоне
func (r SlotRef) Window(loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation(DateLayout+" "+TimeLayout, r.Date+" "+r.StartTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse start: %w", err)
	}
	end, err := time.ParseInLocation(DateLayout+" "+TimeLayout, r.Date+" "+r.EndTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse end: %w", err)
	}
	return start, end, nil
}

type ClassSlot struct {
	SlotRef
	Capacity    int `json:"capacity"`     // >= 1
	BookedCount int `json:"booked_count"` // 0 <= BookedCount <= Capacity
}

// Ref возвращает ключ слота
func (s ClassSlot) Ref() SlotRef {
	return s.SlotRef
}

// SlotCriteria частичный фильтр для поиска слотов
type SlotCriteria struct {
	ClassType string // пусто - любой тип
	Date      string // пусто - любая дата
	From      string // HH:MM, включительно
	To        string // HH:MM, не включительно
}
