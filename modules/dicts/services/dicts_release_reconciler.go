package services

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultReleaseMaxConflicts = 200

var ErrReleasePreviewRequired = errors.New("PREVIEW_REQUIRED")

type ReleaseStage string

const (
	ReleaseStageIdle       ReleaseStage = "idle"
	ReleaseStagePreviewing ReleaseStage = "previewing"
	ReleaseStageConflict   ReleaseStage = "conflict"
	ReleaseStageReady      ReleaseStage = "ready"
	ReleaseStageReleasing  ReleaseStage = "releasing"
	ReleaseStageSuccess    ReleaseStage = "success"
	ReleaseStageFail       ReleaseStage = "fail"
)

// ReleaseForm is the operator's raw input for one baseline release attempt.
// MaxConflicts is kept as entered; blank or unparsable falls back to 200.
type ReleaseForm struct {
	SourceTenantID string `json:"source_tenant_id"`
	AsOf           string `json:"as_of"`
	ReleaseID      string `json:"release_id"`
	RequestID      string `json:"request_id"`
	MaxConflicts   string `json:"max_conflicts"`
}

type ReleaseIssue string

const (
	ReleaseIssueSourceTenantInvalid ReleaseIssue = "source_tenant_invalid"
	ReleaseIssueAsOfInvalid         ReleaseIssue = "as_of_invalid"
	ReleaseIssueReleaseIDRequired   ReleaseIssue = "release_id_required"
	ReleaseIssueRequestIDRequired   ReleaseIssue = "request_id_required"
)

// ReleasePreview mirrors the kernel's baseline preview response.
type ReleasePreview struct {
	ReleaseID               string            `json:"release_id"`
	SourceTenantID          string            `json:"source_tenant_id"`
	TargetTenantID          string            `json:"target_tenant_id"`
	AsOf                    string            `json:"as_of"`
	SourceDictCount         int               `json:"source_dict_count"`
	SourceValueCount        int               `json:"source_value_count"`
	TargetDictCount         int               `json:"target_dict_count"`
	TargetValueCount        int               `json:"target_value_count"`
	MissingDictCount        int               `json:"missing_dict_count"`
	DictNameMismatchCount   int               `json:"dict_name_mismatch_count"`
	MissingValueCount       int               `json:"missing_value_count"`
	ValueLabelMismatchCount int               `json:"value_label_mismatch_count"`
	Conflicts               []ReleaseConflict `json:"conflicts"`
}

type ReleaseConflict struct {
	Kind        string `json:"kind"`
	DictCode    string `json:"dict_code"`
	Code        string `json:"code,omitempty"`
	SourceValue string `json:"source_value,omitempty"`
	TargetValue string `json:"target_value,omitempty"`
}

// ReleaseResult is the kernel's terminal commit response. Retried counts mean
// the kernel re-applied an already-seen event under the same request id;
// that is the idempotency contract working, not a failure.
type ReleaseResult struct {
	TaskID             string    `json:"task_id"`
	ReleaseID          string    `json:"release_id"`
	RequestID          string    `json:"request_id"`
	SourceTenantID     string    `json:"source_tenant_id"`
	TargetTenantID     string    `json:"target_tenant_id"`
	AsOf               string    `json:"as_of"`
	Status             string    `json:"status"`
	DictEventsTotal    int       `json:"dict_events_total"`
	DictEventsApplied  int       `json:"dict_events_applied"`
	DictEventsRetried  int       `json:"dict_events_retried"`
	ValueEventsTotal   int       `json:"value_events_total"`
	ValueEventsApplied int       `json:"value_events_applied"`
	ValueEventsRetried int       `json:"value_events_retried"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
}

// ValidateReleaseForm collects every local problem with the form, in a fixed
// order, without short-circuiting. RequestID is only demanded for commit.
func ValidateReleaseForm(form ReleaseForm, requireRequestID bool) []ReleaseIssue {
	issues := []ReleaseIssue{}
	if _, err := uuid.Parse(strings.TrimSpace(form.SourceTenantID)); err != nil {
		issues = append(issues, ReleaseIssueSourceTenantInvalid)
	}
	if !isReleaseDay(form.AsOf) {
		issues = append(issues, ReleaseIssueAsOfInvalid)
	}
	if strings.TrimSpace(form.ReleaseID) == "" {
		issues = append(issues, ReleaseIssueReleaseIDRequired)
	}
	if requireRequestID && strings.TrimSpace(form.RequestID) == "" {
		issues = append(issues, ReleaseIssueRequestIDRequired)
	}
	return issues
}

// ResolveMaxConflicts parses the operator's cap on enumerated conflicts.
func ResolveMaxConflicts(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return defaultReleaseMaxConflicts
	}
	return n
}

// PreviewIsClean gates commit: every mismatch count zero and no conflicts.
func PreviewIsClean(preview ReleasePreview) bool {
	return preview.MissingDictCount == 0 &&
		preview.DictNameMismatchCount == 0 &&
		preview.MissingValueCount == 0 &&
		preview.ValueLabelMismatchCount == 0 &&
		len(preview.Conflicts) == 0
}

// ReleaseMachine is the four-stage baseline release workflow. It holds no
// hidden state and every transition returns a new value, so a caller may keep
// one machine per (tenant, release id) and re-derive on each request.
type ReleaseMachine struct {
	Stage        ReleaseStage    `json:"stage"`
	Form         ReleaseForm     `json:"form"`
	MaxConflicts int             `json:"max_conflicts"`
	Issues       []ReleaseIssue  `json:"issues,omitempty"`
	Preview      *ReleasePreview `json:"preview,omitempty"`
	Result       *ReleaseResult  `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func NewReleaseMachine() ReleaseMachine {
	return ReleaseMachine{Stage: ReleaseStageIdle}
}

// BeginPreview validates the form and, if clean, enters previewing. On
// validation failure the machine fails locally; no remote call may follow.
func (m ReleaseMachine) BeginPreview(form ReleaseForm) ReleaseMachine {
	form = normalizeReleaseForm(form)
	issues := ValidateReleaseForm(form, false)
	if len(issues) > 0 {
		return ReleaseMachine{
			Stage:        ReleaseStageFail,
			Form:         form,
			Issues:       issues,
			ErrorCode:    "invalid_request",
			ErrorMessage: "release form validation failed",
		}
	}
	return ReleaseMachine{
		Stage:        ReleaseStagePreviewing,
		Form:         form,
		MaxConflicts: ResolveMaxConflicts(form.MaxConflicts),
	}
}

// ApplyPreview records the kernel's preview response. Ready is reachable only
// through a fully clean preview; any mismatch or listed conflict blocks.
func (m ReleaseMachine) ApplyPreview(preview ReleasePreview) ReleaseMachine {
	if m.Stage != ReleaseStagePreviewing {
		return m
	}
	m.Preview = &preview
	if PreviewIsClean(preview) {
		m.Stage = ReleaseStageReady
	} else {
		m.Stage = ReleaseStageConflict
	}
	return m
}

// ApplyPreviewError fails the workflow with the kernel's code and message
// preserved verbatim.
func (m ReleaseMachine) ApplyPreviewError(code string, message string) ReleaseMachine {
	if m.Stage != ReleaseStagePreviewing {
		return m
	}
	m.Stage = ReleaseStageFail
	m.ErrorCode = code
	m.ErrorMessage = message
	return m
}

// BeginCommit gates the committing call on a clean preview of the same
// release id. Outside ready the machine is returned unchanged together with
// ErrReleasePreviewRequired and no remote call may be attempted.
func (m ReleaseMachine) BeginCommit(form ReleaseForm) (ReleaseMachine, error) {
	if m.Stage != ReleaseStageReady {
		return m, ErrReleasePreviewRequired
	}
	form = normalizeReleaseForm(form)
	if form.ReleaseID != m.Form.ReleaseID {
		return m, ErrReleasePreviewRequired
	}
	issues := ValidateReleaseForm(form, true)
	if len(issues) > 0 {
		return ReleaseMachine{
			Stage:        ReleaseStageFail,
			Form:         form,
			Issues:       issues,
			ErrorCode:    "invalid_request",
			ErrorMessage: "release form validation failed",
		}, nil
	}
	m.Form = form
	m.MaxConflicts = ResolveMaxConflicts(form.MaxConflicts)
	m.Stage = ReleaseStageReleasing
	return m, nil
}

func (m ReleaseMachine) ApplyResult(result ReleaseResult) ReleaseMachine {
	if m.Stage != ReleaseStageReleasing {
		return m
	}
	m.Result = &result
	m.Stage = ReleaseStageSuccess
	return m
}

func (m ReleaseMachine) ApplyCommitError(code string, message string) ReleaseMachine {
	if m.Stage != ReleaseStageReleasing {
		return m
	}
	m.Stage = ReleaseStageFail
	m.ErrorCode = code
	m.ErrorMessage = message
	return m
}

func normalizeReleaseForm(form ReleaseForm) ReleaseForm {
	form.SourceTenantID = strings.TrimSpace(form.SourceTenantID)
	form.AsOf = strings.TrimSpace(form.AsOf)
	form.ReleaseID = strings.TrimSpace(form.ReleaseID)
	form.RequestID = strings.TrimSpace(form.RequestID)
	form.MaxConflicts = strings.TrimSpace(form.MaxConflicts)
	return form
}

func isReleaseDay(raw string) bool {
	_, err := time.Parse("2006-01-02", strings.TrimSpace(raw))
	return err == nil
}
