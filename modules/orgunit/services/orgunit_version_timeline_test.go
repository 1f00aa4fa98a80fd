package services

import (
	"reflect"
	"testing"
)

func TestPlanVersionDateAppend(t *testing.T) {
	plan := PlanVersionDate(PlanModeAppend, []string{"2026-01-01", "2026-02-01"}, "2026-02-01")
	want := DatePlan{
		Kind:         DatePlanAppend,
		SelectedDate: "2026-02-01",
		LastDate:     "2026-02-01",
		DefaultDate:  "2026-02-02",
		MinDate:      "2026-02-02",
	}
	if !reflect.DeepEqual(plan, want) {
		t.Fatalf("plan = %+v, want %+v", plan, want)
	}
	if plan.MaxDate != "" {
		t.Fatalf("append plan must be unbounded above, got max %q", plan.MaxDate)
	}
}

func TestPlanVersionDateAppendIgnoresSelectedPosition(t *testing.T) {
	// Append always anchors on the latest version, not the selected one.
	plan := PlanVersionDate(PlanModeAppend, []string{"2026-01-01", "2026-03-01"}, "2026-01-01")
	if plan.Kind != DatePlanAppend {
		t.Fatalf("kind = %q", plan.Kind)
	}
	if plan.MinDate != "2026-03-02" || plan.DefaultDate != "2026-03-02" {
		t.Fatalf("min = %q default = %q, want 2026-03-02 for both", plan.MinDate, plan.DefaultDate)
	}
}

func TestPlanVersionDateInsertBetweenNeighbors(t *testing.T) {
	dates := []string{"2026-01-01", "2026-02-01", "2026-02-10"}
	plan := PlanVersionDate(PlanModeInsert, dates, "2026-02-01")
	want := DatePlan{
		Kind:         DatePlanInsert,
		SelectedDate: "2026-02-01",
		LastDate:     "2026-02-10",
		DefaultDate:  "2026-02-02",
		MinDate:      "2026-01-02",
		MaxDate:      "2026-02-09",
	}
	if !reflect.DeepEqual(plan, want) {
		t.Fatalf("plan = %+v, want %+v", plan, want)
	}
}

func TestPlanVersionDateInsertDegradesToAppend(t *testing.T) {
	plan := PlanVersionDate(PlanModeInsert, []string{"2026-01-01", "2026-02-01"}, "2026-02-01")
	if plan.Kind != DatePlanInsertDegradesToAppend {
		t.Fatalf("kind = %q, want %q", plan.Kind, DatePlanInsertDegradesToAppend)
	}
	if plan.MinDate != "2026-02-02" || plan.DefaultDate != "2026-02-02" {
		t.Fatalf("min = %q default = %q, want 2026-02-02", plan.MinDate, plan.DefaultDate)
	}
	if plan.MaxDate != "" {
		t.Fatalf("degraded plan must be unbounded above, got %q", plan.MaxDate)
	}
}

func TestPlanVersionDateInsertFirstEntryFrozenLowerBound(t *testing.T) {
	// The selected version is the earliest entry: the lower bound is the day
	// after the selected date itself, never earlier.
	dates := []string{"2026-01-01", "2026-06-01"}
	plan := PlanVersionDate(PlanModeInsert, dates, "2026-01-01")
	if plan.Kind != DatePlanInsert {
		t.Fatalf("kind = %q", plan.Kind)
	}
	if plan.MinDate != "2026-01-02" {
		t.Fatalf("min = %q, want 2026-01-02", plan.MinDate)
	}
	if plan.MaxDate != "2026-05-31" {
		t.Fatalf("max = %q, want 2026-05-31", plan.MaxDate)
	}
}

func TestPlanVersionDateInsertNoAvailableSlot(t *testing.T) {
	// Adjacent days leave no insertion slot between them.
	dates := []string{"2026-01-01", "2026-01-02"}
	plan := PlanVersionDate(PlanModeInsert, dates, "2026-01-01")
	if plan.Kind != DatePlanInsertNoAvailableSlot {
		t.Fatalf("kind = %q, want %q", plan.Kind, DatePlanInsertNoAvailableSlot)
	}
	if plan.MinDate != "2026-01-02" || plan.MaxDate != "2026-01-01" {
		t.Fatalf("window = [%q, %q]", plan.MinDate, plan.MaxDate)
	}
	for _, candidate := range []string{"2026-01-01", "2026-01-02", "2026-01-03", "2025-12-31"} {
		if got := ValidateCandidate(plan, candidate); got != DateValidateNoSlot {
			t.Fatalf("ValidateCandidate(%q) = %q, want no_slot", candidate, got)
		}
	}
}

func TestPlanVersionDateNormalizesTimeline(t *testing.T) {
	dates := []string{" 2026-02-01 ", "2026-01-01", "", "2026-02-01"}
	plan := PlanVersionDate(PlanModeInsert, dates, "2026-01-01")
	if plan.Kind != DatePlanInsert {
		t.Fatalf("kind = %q", plan.Kind)
	}
	if plan.MaxDate != "2026-01-31" {
		t.Fatalf("max = %q, want 2026-01-31", plan.MaxDate)
	}
}

func TestPlanVersionDateInvalidInput(t *testing.T) {
	cases := []struct {
		name     string
		mode     PlanMode
		dates    []string
		selected string
	}{
		{"blank selected", PlanModeAppend, []string{"2026-01-01"}, ""},
		{"malformed selected", PlanModeAppend, []string{"2026-01-01"}, "2026/01/01"},
		{"empty timeline", PlanModeAppend, nil, "2026-01-01"},
		{"corrupt timeline entry", PlanModeInsert, []string{"2026-01-01", "not-a-date"}, "2026-01-01"},
		{"selected not on timeline", PlanModeInsert, []string{"2026-01-01"}, "2026-03-01"},
		{"unknown mode", PlanMode("replace"), []string{"2026-01-01"}, "2026-01-01"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := PlanVersionDate(tc.mode, tc.dates, tc.selected)
			if plan.Kind != DatePlanInvalidInput {
				t.Fatalf("kind = %q, want invalid_input", plan.Kind)
			}
		})
	}
}

func TestValidateCandidate(t *testing.T) {
	insert := PlanVersionDate(PlanModeInsert, []string{"2026-01-01", "2026-02-01", "2026-02-10"}, "2026-02-01")
	appendPlan := PlanVersionDate(PlanModeAppend, []string{"2026-01-01"}, "2026-01-01")

	cases := []struct {
		name      string
		plan      DatePlan
		candidate string
		want      DateValidateReason
	}{
		{"blank", insert, "", DateValidateRequired},
		{"whitespace only", insert, "   ", DateValidateRequired},
		{"malformed", insert, "Feb 2 2026", DateValidateInvalidFormat},
		{"same day as selected", insert, "2026-02-01", DateValidateOutOfRange},
		{"below window", insert, "2026-01-01", DateValidateOutOfRange},
		{"above window", insert, "2026-02-10", DateValidateOutOfRange},
		{"lower edge", insert, "2026-01-02", DateValidateOK},
		{"upper edge", insert, "2026-02-09", DateValidateOK},
		{"default", insert, "2026-02-02", DateValidateOK},
		{"append below min", appendPlan, "2026-01-01", DateValidateOutOfRange},
		{"append far future", appendPlan, "2030-01-01", DateValidateOK},
		{"invalid plan", DatePlan{Kind: DatePlanInvalidInput}, "2026-01-01", DateValidateOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidateCandidate(tc.plan, tc.candidate); got != tc.want {
				t.Fatalf("ValidateCandidate(%q) = %q, want %q", tc.candidate, got, tc.want)
			}
		})
	}
}

func TestValidateCandidateFormatBeforeWindow(t *testing.T) {
	// Malformed input reports invalid_format even when the plan has no slot
	// would not apply; required wins over everything.
	plan := PlanVersionDate(PlanModeInsert, []string{"2026-01-01", "2026-01-02"}, "2026-01-01")
	if got := ValidateCandidate(plan, ""); got != DateValidateRequired {
		t.Fatalf("blank = %q, want required", got)
	}
	if got := ValidateCandidate(plan, "20260101"); got != DateValidateInvalidFormat {
		t.Fatalf("malformed = %q, want invalid_format", got)
	}
}
