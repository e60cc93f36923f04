package intent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/Freeeeeet/gym_trial_bot/internal/model"
)

// Router определяет намерение пользователя и извлекает сущности.
// Никогда не возвращает ошибку: нераспознанный текст даёт model.IntentUnknown.
type Router interface {
	Classify(ctx context.Context, text string, conv model.ConversationContext) (model.Intent, model.Entities)
}

var (
	isoDateRe   = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	dayMonthRe  = regexp.MustCompile(`\b(\d{1,2})[/.](\d{1,2})\b`)
	clockTimeRe = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\s*(am|pm)?\b`)
	hourTimeRe  = regexp.MustCompile(`\b(\d{1,2})\s*(am|pm)\b`)
	phoneRe     = regexp.MustCompile(`\+?\d[\d\s\-()]{6,}\d`)
	nameRe      = regexp.MustCompile(`(?i)\b(?:my name is|name is|this is|call me|name:)\s+([\p{L}][\p{L}'\-]*(?:\s+[\p{L}][\p{L}'\-]*){0,3})`)
	bareNumRe   = regexp.MustCompile(`^#?\s*(\d{1,2})\s*[.)]?$`)
	optionNumRe = regexp.MustCompile(`\b(?:option|number|slot|#)\s*(\d{1,2})\b`)
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

var (
	cancelWords   = []string{"cancel", "stop", "quit", "nevermind", "never mind", "forget it"}
	confirmWords  = []string{"yes", "y", "yeah", "yep", "yup", "sure", "ok", "okay", "confirm", "confirmed", "correct", "sounds good", "perfect", "great", "book it", "si", "sí"}
	declineWords  = []string{"no", "nope", "nah", "not now", "another", "different", "other time", "something else", "none"}
	greetingWords = []string{"hi", "hello", "hey", "hola", "good morning", "good afternoon", "good evening", "howdy"}
	bookWords     = []string{"book", "trial", "class", "sign up", "signup", "reserve", "schedule", "try", "session", "appointment", "join"}
	questionWords = []string{"what", "how", "where", "when", "do", "does", "is", "are", "can", "should"}
)

var faqTopics = []struct {
	topic    string
	keywords []string
}{
	{"price", []string{"price", "cost", "how much", "fee", "pay", "free"}},
	{"hours", []string{"hours", "open", "close", "opening"}},
	{"location", []string{"where", "address", "location", "directions", "parking"}},
	{"equipment", []string{"bring", "wear", "equipment", "shoes", "towel", "clothes"}},
	{"trial", []string{"what is a trial", "how does the trial", "trial work"}},
}

// KeywordRouter классификатор на правилах и регулярных выражениях
type KeywordRouter struct{}

func NewKeywordRouter() *KeywordRouter {
	return &KeywordRouter{}
}

func (r *KeywordRouter) Classify(_ context.Context, text string, conv model.ConversationContext) (model.Intent, model.Entities) {
	lower := strings.ToLower(strings.TrimSpace(text))
	entities := model.Entities{}
	if lower == "" {
		return model.IntentUnknown, entities
	}
	words := tokenize(lower)

	if ct := matchClassType(lower, conv.ClassTypes); ct != "" {
		entities[model.EntityClassType] = ct
	}
	if d := parseDate(lower, words, conv.Today); d != "" {
		entities[model.EntityDate] = d
	}
	if t := parseTime(lower); t != "" {
		entities[model.EntityTime] = t
	}
	if p := parsePhone(isoDateRe.ReplaceAllString(text, " ")); p != "" {
		entities[model.EntityPhone] = p
	}
	if m := nameRe.FindStringSubmatch(text); m != nil {
		entities[model.EntityName] = titleCase(m[1])
	}
	if conv.OfferedSlots > 0 {
		if n := parseSlotNumber(lower, conv.OfferedSlots); n > 0 {
			entities[model.EntitySlotNumber] = strconv.Itoa(n)
		}
	}

	switch {
	case containsAny(lower, words, cancelWords):
		return model.IntentCancel, entities
	case len(words) <= 4 && containsAny(lower, words, confirmWords) && !containsAny(lower, words, declineWords):
		return model.IntentConfirm, entities
	case len(words) <= 5 && containsAny(lower, words, declineWords):
		return model.IntentDecline, entities
	}

	if topic := faqTopic(lower, words); topic != "" && isQuestion(lower, words) &&
		entities.Get(model.EntityClassType) == "" && entities.Get(model.EntitySlotNumber) == "" {
		entities[model.EntityTopic] = topic
		return model.IntentFAQ, entities
	}

	if conv.OfferedSlots > 0 && (entities.Get(model.EntitySlotNumber) != "" ||
		(entities.Get(model.EntityTime) != "" && entities.Get(model.EntityClassType) == "")) {
		return model.IntentSelectSlot, entities
	}

	switch {
	case entities.Get(model.EntityClassType) != "",
		containsAny(lower, words, bookWords),
		entities.Get(model.EntityDate) != "" && conv.Stage != model.StageCollectingContactInfo:
		return model.IntentBook, entities
	case entities.Get(model.EntityName) != "" || entities.Get(model.EntityPhone) != "":
		return model.IntentProvideInfo, entities
	case containsAny(lower, words, greetingWords):
		return model.IntentGreeting, entities
	}
	return model.IntentUnknown, entities
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// containsAny ищет однословные ключи среди слов, многословные в строке
func containsAny(lower string, words, keys []string) bool {
	for _, k := range keys {
		if strings.Contains(k, " ") {
			if strings.Contains(lower, k) {
				return true
			}
			continue
		}
		for _, w := range words {
			if w == k {
				return true
			}
		}
	}
	return false
}

func matchClassType(lower string, classTypes []string) string {
	best := ""
	for _, ct := range classTypes {
		key := strings.ToLower(ct)
		if key == "" || !containsWord(lower, key) {
			continue
		}
		// "hot yoga" важнее "yoga"
		if len(key) > len(best) {
			best = ct
		}
	}
	return best
}

func containsWord(s, word string) bool {
	idx := strings.Index(s, word)
	for idx >= 0 {
		before := idx == 0 || !isWordRune(rune(s[idx-1]))
		end := idx + len(word)
		after := end == len(s) || !isWordRune(rune(s[end]))
		if before && after {
			return true
		}
		next := strings.Index(s[idx+1:], word)
		if next < 0 {
			break
		}
		idx += next + 1
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func parseDate(lower string, words []string, today string) string {
	if m := isoDateRe.FindString(lower); m != "" {
		if _, err := time.Parse(model.DateLayout, m); err == nil {
			return m
		}
	}

	base, err := time.Parse(model.DateLayout, today)
	if err != nil {
		return ""
	}

	for _, w := range words {
		switch w {
		case "today", "tonight":
			return base.Format(model.DateLayout)
		case "tomorrow", "tmrw", "tmr":
			return base.AddDate(0, 0, 1).Format(model.DateLayout)
		}
		if wd, ok := weekdays[w]; ok {
			diff := (int(wd) - int(base.Weekday()) + 7) % 7
			return base.AddDate(0, 0, diff).Format(model.DateLayout)
		}
	}

	if m := dayMonthRe.FindStringSubmatch(lower); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		d := time.Date(base.Year(), time.Month(month), day, 0, 0, 0, 0, time.UTC)
		if d.Day() != day || int(d.Month()) != month {
			return ""
		}
		if d.Before(base) {
			d = d.AddDate(1, 0, 0)
		}
		return d.Format(model.DateLayout)
	}
	return ""
}

func parseTime(lower string) string {
	if m := clockTimeRe.FindStringSubmatch(lower); m != nil {
		h, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		return formatClock(to24(h, m[3]), minute)
	}
	if m := hourTimeRe.FindStringSubmatch(lower); m != nil {
		h, _ := strconv.Atoi(m[1])
		return formatClock(to24(h, m[2]), 0)
	}
	return ""
}

func to24(h int, suffix string) int {
	switch suffix {
	case "pm":
		if h < 12 {
			h += 12
		}
	case "am":
		if h == 12 {
			h = 0
		}
	}
	return h
}

func formatClock(h, m int) string {
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return ""
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

func parsePhone(text string) string {
	m := phoneRe.FindString(text)
	if m == "" {
		return ""
	}
	var sb strings.Builder
	for i, r := range m {
		if r == '+' && i == 0 {
			sb.WriteRune(r)
		}
		if unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	digits := strings.TrimPrefix(sb.String(), "+")
	if len(digits) < 8 || len(digits) > 15 {
		return ""
	}
	return sb.String()
}

func parseSlotNumber(lower string, offered int) int {
	var raw string
	if m := bareNumRe.FindStringSubmatch(lower); m != nil {
		raw = m[1]
	} else if m := optionNumRe.FindStringSubmatch(lower); m != nil {
		raw = m[1]
	} else {
		for i, ord := range []string{"first", "second", "third", "fourth", "fifth"} {
			if containsWord(lower, ord) {
				raw = strconv.Itoa(i + 1)
				break
			}
		}
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > offered {
		return 0
	}
	return n
}

func faqTopic(lower string, words []string) string {
	for _, t := range faqTopics {
		if containsAny(lower, words, t.keywords) {
			return t.topic
		}
	}
	return ""
}

func isQuestion(lower string, words []string) bool {
	if strings.Contains(lower, "?") {
		return true
	}
	return len(words) > 0 && containsAny(words[0], words[:1], questionWords)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
