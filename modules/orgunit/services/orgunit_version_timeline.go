package services

import (
	"sort"
	"strings"
	"time"
)

const effectiveDayLayout = "2006-01-02"

type PlanMode string

const (
	PlanModeAppend PlanMode = "append"
	PlanModeInsert PlanMode = "insert"
)

type DatePlanKind string

const (
	DatePlanAppend                 DatePlanKind = "append"
	DatePlanInsert                 DatePlanKind = "insert"
	DatePlanInsertDegradesToAppend DatePlanKind = "insert_degrades_to_append"
	DatePlanInsertNoAvailableSlot  DatePlanKind = "insert_has_no_available_slot"
	DatePlanInvalidInput           DatePlanKind = "invalid_input"
)

// DatePlan is the legal effective-date window for one version write.
// MinDate/MaxDate empty means unbounded on that side.
type DatePlan struct {
	Kind         DatePlanKind `json:"kind"`
	SelectedDate string       `json:"selected_date"`
	LastDate     string       `json:"last_date"`
	DefaultDate  string       `json:"default_date"`
	MinDate      string       `json:"min_date,omitempty"`
	MaxDate      string       `json:"max_date,omitempty"`
}

type DateValidateReason string

const (
	DateValidateOK            DateValidateReason = "ok"
	DateValidateRequired      DateValidateReason = "required"
	DateValidateInvalidFormat DateValidateReason = "invalid_format"
	DateValidateOutOfRange    DateValidateReason = "out_of_range"
	DateValidateNoSlot        DateValidateReason = "no_slot"
)

// PlanVersionDate computes the window in which a new version of an
// effective-dated record may take effect. existingDates is the raw version
// history; it is sorted and deduplicated here, never trusted as-is.
func PlanVersionDate(mode PlanMode, existingDates []string, selectedDate string) DatePlan {
	selectedDate = strings.TrimSpace(selectedDate)
	invalid := DatePlan{Kind: DatePlanInvalidInput, SelectedDate: selectedDate}

	if _, ok := parseEffectiveDay(selectedDate); !ok {
		return invalid
	}
	timeline, ok := normalizeTimeline(existingDates)
	if !ok || len(timeline) == 0 {
		return invalid
	}

	lastDate := timeline[len(timeline)-1]
	afterLast, ok := nextEffectiveDay(lastDate)
	if !ok {
		return invalid
	}

	switch mode {
	case PlanModeAppend:
		return DatePlan{
			Kind:         DatePlanAppend,
			SelectedDate: selectedDate,
			LastDate:     lastDate,
			DefaultDate:  afterLast,
			MinDate:      afterLast,
		}

	case PlanModeInsert:
		idx := timelineIndexOf(timeline, selectedDate)
		if idx < 0 {
			return invalid
		}
		if idx == len(timeline)-1 {
			// Latest version selected: no later neighbor to bound against.
			return DatePlan{
				Kind:         DatePlanInsertDegradesToAppend,
				SelectedDate: selectedDate,
				LastDate:     lastDate,
				DefaultDate:  afterLast,
				MinDate:      afterLast,
			}
		}

		maxDate, ok := previousEffectiveDay(timeline[idx+1])
		if !ok {
			return invalid
		}
		var minDate string
		if idx == 0 {
			// Frozen policy: never earlier than the day after the selected
			// version itself, even when no earlier version exists.
			minDate, ok = nextEffectiveDay(selectedDate)
		} else {
			minDate, ok = nextEffectiveDay(timeline[idx-1])
		}
		if !ok {
			return invalid
		}
		defaultDate, ok := nextEffectiveDay(selectedDate)
		if !ok {
			return invalid
		}

		plan := DatePlan{
			Kind:         DatePlanInsert,
			SelectedDate: selectedDate,
			LastDate:     lastDate,
			DefaultDate:  defaultDate,
			MinDate:      minDate,
			MaxDate:      maxDate,
		}
		if effectiveDayAfter(minDate, maxDate) {
			plan.Kind = DatePlanInsertNoAvailableSlot
		}
		return plan

	default:
		return invalid
	}
}

// ValidateCandidate checks one operator-chosen date against a plan. A no-slot
// plan rejects every candidate; the caller must disable submission, not ask
// for another date.
func ValidateCandidate(plan DatePlan, candidate string) DateValidateReason {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return DateValidateRequired
	}
	if _, ok := parseEffectiveDay(candidate); !ok {
		return DateValidateInvalidFormat
	}
	switch plan.Kind {
	case DatePlanInsertNoAvailableSlot:
		return DateValidateNoSlot
	case DatePlanInvalidInput:
		return DateValidateOutOfRange
	case DatePlanInsert, DatePlanInsertDegradesToAppend:
		// Insertion must strictly advance time; a same-day insert is a no-op.
		if candidate == plan.SelectedDate {
			return DateValidateOutOfRange
		}
	}
	if plan.MinDate != "" && effectiveDayAfter(plan.MinDate, candidate) {
		return DateValidateOutOfRange
	}
	if plan.MaxDate != "" && effectiveDayAfter(candidate, plan.MaxDate) {
		return DateValidateOutOfRange
	}
	return DateValidateOK
}

func normalizeTimeline(dates []string) ([]string, bool) {
	out := make([]string, 0, len(dates))
	seen := make(map[string]struct{}, len(dates))
	for _, raw := range dates {
		day := strings.TrimSpace(raw)
		if day == "" {
			continue
		}
		if _, ok := parseEffectiveDay(day); !ok {
			return nil, false
		}
		if _, ok := seen[day]; ok {
			continue
		}
		seen[day] = struct{}{}
		out = append(out, day)
	}
	sort.Strings(out)
	return out, true
}

func timelineIndexOf(timeline []string, day string) int {
	for i, item := range timeline {
		if item == day {
			return i
		}
	}
	return -1
}

func parseEffectiveDay(raw string) (time.Time, bool) {
	t, err := time.Parse(effectiveDayLayout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func nextEffectiveDay(day string) (string, bool) {
	return shiftEffectiveDay(day, 1)
}

func previousEffectiveDay(day string) (string, bool) {
	return shiftEffectiveDay(day, -1)
}

func shiftEffectiveDay(day string, days int) (string, bool) {
	t, ok := parseEffectiveDay(day)
	if !ok {
		return "", false
	}
	shifted := t.AddDate(0, 0, days)
	if shifted.Year() < 1 || shifted.Year() > 9999 {
		return "", false
	}
	return shifted.Format(effectiveDayLayout), true
}

func effectiveDayAfter(a string, b string) bool {
	ta, okA := parseEffectiveDay(a)
	tb, okB := parseEffectiveDay(b)
	if !okA || !okB {
		return false
	}
	return ta.After(tb)
}
