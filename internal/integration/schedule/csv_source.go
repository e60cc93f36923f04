package schedule

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Freeeeeet/gym_trial_bot/internal/model"
	"go.uber.org/zap"
)

const DefaultClassDuration = time.Hour

// RowError ошибка в строке файла расписания
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// ParseError все ошибки, найденные в файле расписания
type ParseError struct {
	Rows []RowError
}

func (e *ParseError) Error() string {
	parts := make([]string, 0, len(e.Rows))
	for _, r := range e.Rows {
		parts = append(parts, r.Error())
	}
	return "invalid schedule: " + strings.Join(parts, "; ")
}

// CSVSource читает полный снимок расписания из CSV файла
type CSVSource struct {
	path            string
	defaultDuration time.Duration
	logger          *zap.Logger
}

func NewCSVSource(path string, defaultDuration time.Duration, logger *zap.Logger) *CSVSource {
	if defaultDuration <= 0 {
		defaultDuration = DefaultClassDuration
	}
	return &CSVSource{path: path, defaultDuration: defaultDuration, logger: logger}
}

func (s *CSVSource) Path() string {
	return s.path
}

// Load читает файл целиком. Любая ошибочная строка отклоняет весь снимок.
func (s *CSVSource) Load(ctx context.Context) ([]model.ClassSlot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open schedule: %w", err)
	}
	defer f.Close()

	slots, skipped, err := Parse(f, s.defaultDuration)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Schedule loaded",
		zap.String("path", s.path),
		zap.Int("slots", len(slots)),
		zap.Int("unavailable_rows", skipped))
	return slots, nil
}

type columns struct {
	classType, date, start, end, capacity, availability int
}

func mapColumns(header []string) (columns, error) {
	cols := columns{-1, -1, -1, -1, -1, -1}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case "class_type", "class":
			cols.classType = i
		case "date":
			cols.date = i
		case "start_time", "time":
			cols.start = i
		case "end_time":
			cols.end = i
		case "capacity":
			cols.capacity = i
		case "availability", "available":
			cols.availability = i
		}
	}

	var missing []string
	if cols.classType < 0 {
		missing = append(missing, "class_type")
	}
	if cols.date < 0 {
		missing = append(missing, "date")
	}
	if cols.start < 0 {
		missing = append(missing, "start_time")
	}
	if len(missing) > 0 {
		return cols, fmt.Errorf("missing columns: %s", strings.Join(missing, ", "))
	}
	return cols, nil
}

// Parse разбирает CSV расписания. Возвращает слоты и число строк, помеченных как недоступные.
func Parse(r io.Reader, defaultDuration time.Duration) ([]model.ClassSlot, int, error) {
	if defaultDuration <= 0 {
		defaultDuration = DefaultClassDuration
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, 0, &ParseError{Rows: []RowError{{Line: 1, Err: errors.New("empty file")}}}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read header: %w", err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return nil, 0, &ParseError{Rows: []RowError{{Line: 1, Err: err}}}
	}

	var (
		slots   []model.ClassSlot
		rowErrs []RowError
		skipped int
		seen    = make(map[string]int)
	)

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				rowErrs = append(rowErrs, RowError{Line: pe.Line, Err: pe.Err})
				continue
			}
			return nil, skipped, fmt.Errorf("read schedule: %w", err)
		}
		line, _ := reader.FieldPos(0)

		slot, ok, err := parseRow(record, cols, defaultDuration)
		if err != nil {
			rowErrs = append(rowErrs, RowError{Line: line, Err: err})
			continue
		}
		if !ok {
			skipped++
			continue
		}

		key := slot.Ref().String()
		if first, dup := seen[key]; dup {
			rowErrs = append(rowErrs, RowError{Line: line, Err: fmt.Errorf("duplicate of line %d", first)})
			continue
		}
		seen[key] = line
		slots = append(slots, slot)
	}

	if len(rowErrs) > 0 {
		return nil, skipped, &ParseError{Rows: rowErrs}
	}
	return slots, skipped, nil
}

// parseRow возвращает ok=false для строк без свободных мест
func parseRow(record []string, cols columns, defaultDuration time.Duration) (model.ClassSlot, bool, error) {
	field := func(i int) string {
		if i < 0 || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	classType := field(cols.classType)
	if classType == "" {
		return model.ClassSlot{}, false, errors.New("empty class_type")
	}

	date, err := time.Parse(model.DateLayout, field(cols.date))
	if err != nil {
		return model.ClassSlot{}, false, fmt.Errorf("invalid date %q", field(cols.date))
	}

	start, err := time.Parse(model.TimeLayout, field(cols.start))
	if err != nil {
		return model.ClassSlot{}, false, fmt.Errorf("invalid start time %q", field(cols.start))
	}

	end := start.Add(defaultDuration)
	if raw := field(cols.end); raw != "" {
		end, err = time.Parse(model.TimeLayout, raw)
		if err != nil {
			return model.ClassSlot{}, false, fmt.Errorf("invalid end time %q", raw)
		}
	}
	if !end.After(start) || end.Day() != start.Day() {
		return model.ClassSlot{}, false, errors.New("class must end after it starts on the same day")
	}

	capacity := 1
	if raw := field(cols.capacity); raw != "" {
		capacity, err = strconv.Atoi(raw)
		if err != nil || capacity < 0 {
			return model.ClassSlot{}, false, fmt.Errorf("invalid capacity %q", raw)
		}
	}
	if raw := field(cols.availability); raw != "" {
		available, err := parseBool(raw)
		if err != nil {
			return model.ClassSlot{}, false, err
		}
		if !available {
			return model.ClassSlot{}, false, nil
		}
	}
	if capacity == 0 {
		return model.ClassSlot{}, false, nil
	}

	return model.ClassSlot{
		SlotRef: model.SlotRef{
			ClassType: classType,
			Date:      date.Format(model.DateLayout),
			StartTime: start.Format(model.TimeLayout),
			EndTime:   end.Format(model.TimeLayout),
		},
		Capacity: capacity,
	}, true, nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "true", "yes", "y", "1":
		return true, nil
	case "false", "no", "n", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid availability %q", raw)
}
