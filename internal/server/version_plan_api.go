package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jacksonlee411/Blossom-Console/internal/kernel"
	"github.com/jacksonlee411/Blossom-Console/internal/routing"
	dictsservices "github.com/jacksonlee411/Blossom-Console/modules/dicts/services"
	orgunitservices "github.com/jacksonlee411/Blossom-Console/modules/orgunit/services"
)

// KernelGateway is the console's view of the org-data kernel.
type KernelGateway interface {
	VersionHistory(ctx context.Context, tenantID string, orgCode string) ([]kernel.VersionEvent, error)
	WriteCapability(ctx context.Context, tenantID string, query kernel.CapabilityQuery) (orgunitservices.WriteCapability, error)
	SubmitWrite(ctx context.Context, tenantID string, sub kernel.WriteSubmission) (kernel.WriteResult, error)
	PreviewRelease(ctx context.Context, tenantID string, form dictsservices.ReleaseForm, maxConflicts int) (dictsservices.ReleasePreview, error)
	CommitRelease(ctx context.Context, tenantID string, form dictsservices.ReleaseForm, maxConflicts int) (dictsservices.ReleaseResult, error)
}

type versionPlanRequest struct {
	OrgCode       string `json:"org_code"`
	Mode          string `json:"mode"`
	SelectedDate  string `json:"selected_date"`
	CandidateDate string `json:"candidate_date,omitempty"`
}

type versionPlanResponse struct {
	Plan            orgunitservices.DatePlan           `json:"plan"`
	CandidateReason orgunitservices.DateValidateReason `json:"candidate_reason,omitempty"`
}

// handleVersionPlanAPI computes the legal effective-date window for a new
// version of one org unit. Blocking plan kinds (invalid_input, no slot) are
// ordinary response payloads; only transport and input-shape problems become
// HTTP errors.
func handleVersionPlanAPI(w http.ResponseWriter, r *http.Request, gw KernelGateway) {
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if gw == nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "kernel_gateway_missing", "kernel gateway missing")
		return
	}
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	var req versionPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	req.OrgCode = strings.TrimSpace(req.OrgCode)
	req.Mode = strings.TrimSpace(req.Mode)
	req.SelectedDate = strings.TrimSpace(req.SelectedDate)
	req.CandidateDate = strings.TrimSpace(req.CandidateDate)
	if req.OrgCode == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "org_code required")
		return
	}

	mode, ok := parsePlanMode(req.Mode)
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "mode must be append or insert")
		return
	}

	history, err := gw.VersionHistory(r.Context(), tenant.ID, req.OrgCode)
	if err != nil {
		writeKernelError(w, r, err, "version_history_failed")
		return
	}
	existingDates := make([]string, 0, len(history))
	for _, event := range history {
		existingDates = append(existingDates, event.EffectiveDate)
	}

	resp := versionPlanResponse{
		Plan: orgunitservices.PlanVersionDate(mode, existingDates, req.SelectedDate),
	}
	if req.CandidateDate != "" {
		resp.CandidateReason = orgunitservices.ValidateCandidate(resp.Plan, req.CandidateDate)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func parsePlanMode(raw string) (orgunitservices.PlanMode, bool) {
	switch orgunitservices.PlanMode(raw) {
	case orgunitservices.PlanModeAppend:
		return orgunitservices.PlanModeAppend, true
	case orgunitservices.PlanModeInsert:
		return orgunitservices.PlanModeInsert, true
	default:
		return "", false
	}
}

// writeKernelError surfaces the kernel's own code and message when present;
// only unstructured failures fall back to the default code.
func writeKernelError(w http.ResponseWriter, r *http.Request, err error, defaultCode string) {
	var kerr *kernel.KernelError
	if errors.As(err, &kerr) {
		status := kerr.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		message := strings.TrimSpace(kerr.Message)
		if message == "" {
			message = defaultCode
		}
		routing.WriteError(w, r, routing.RouteClassInternalAPI, status, kerr.Code, message)
		return
	}
	routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadGateway, defaultCode, defaultCode)
}
