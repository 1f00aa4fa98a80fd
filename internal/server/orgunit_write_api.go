package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jacksonlee411/Blossom-Console/internal/kernel"
	"github.com/jacksonlee411/Blossom-Console/internal/routing"
	orgunitservices "github.com/jacksonlee411/Blossom-Console/modules/orgunit/services"
	"github.com/jacksonlee411/Blossom-Console/pkg/uuidv7"
)

type orgUnitWriteRequest struct {
	Intent              string                          `json:"intent"`
	OrgCode             string                          `json:"org_code"`
	EffectiveDate       string                          `json:"effective_date"`
	TargetEffectiveDate string                          `json:"target_effective_date,omitempty"`
	RequestID           string                          `json:"request_id,omitempty"`
	Original            orgunitservices.OrgUnitSnapshot `json:"original"`
	Next                orgunitservices.OrgUnitSnapshot `json:"next"`
}

type orgUnitWriteDenied struct {
	Enabled     bool     `json:"enabled"`
	DenyReasons []string `json:"deny_reasons"`
}

type orgUnitWriteResponse struct {
	RequestID string                     `json:"request_id"`
	Patch     orgunitservices.WritePatch `json:"patch"`
	Result    kernel.WriteResult         `json:"result"`
}

var orgUnitWriteIntents = map[string]struct{}{
	"create":         {},
	"append_version": {},
	"insert_version": {},
	"correct":        {},
	"rescind":        {},
}

// handleOrgUnitWriteAPI runs one governed write: fetch a fresh capability for
// the exact (intent, org, effective date) tuple, build the minimal patch
// under it, check tenant extension rules, then submit to the kernel.
func handleOrgUnitWriteAPI(w http.ResponseWriter, r *http.Request, gw KernelGateway, rules ExtRuleSource) {
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

	var req orgUnitWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	req.Intent = strings.TrimSpace(req.Intent)
	req.OrgCode = strings.TrimSpace(req.OrgCode)
	req.EffectiveDate = strings.TrimSpace(req.EffectiveDate)
	req.TargetEffectiveDate = strings.TrimSpace(req.TargetEffectiveDate)
	req.RequestID = strings.TrimSpace(req.RequestID)

	if _, ok := orgUnitWriteIntents[req.Intent]; !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "invalid intent")
		return
	}
	if req.OrgCode == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "org_code required")
		return
	}
	if !isDate(req.EffectiveDate) {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "invalid effective_date")
		return
	}
	if req.TargetEffectiveDate != "" && !isDate(req.TargetEffectiveDate) {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "invalid target_effective_date")
		return
	}

	// Capability contracts are scoped to one tuple; always fetch fresh.
	capability, err := gw.WriteCapability(r.Context(), tenant.ID, kernel.CapabilityQuery{
		Intent:              req.Intent,
		OrgCode:             req.OrgCode,
		EffectiveDate:       req.EffectiveDate,
		TargetEffectiveDate: req.TargetEffectiveDate,
	})
	if err != nil {
		writeKernelError(w, r, err, "write_capability_failed")
		return
	}
	if !capability.Enabled {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(orgUnitWriteDenied{
			Enabled:     false,
			DenyReasons: capability.DenyReasons,
		})
		return
	}

	patch, err := orgunitservices.BuildWritePatch(capability, req.Original, req.Next)
	if err != nil {
		if errors.Is(err, orgunitservices.ErrCapabilityContractInvalid) {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusConflict, "capability_contract_invalid", "capability contract invalid")
			return
		}
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "patch_build_failed", "patch build failed")
		return
	}
	if len(patch) == 0 {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "no_changes", "nothing to submit")
		return
	}

	if rules != nil {
		tenantRules, err := rules.RulesForTenant(r.Context(), tenant.ID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "ext_rules_failed", "ext rules unavailable")
			return
		}
		violations, err := orgunitservices.EvaluateExtFieldRules(tenantRules, patch, map[string]string{
			"tenant_id":      tenant.ID,
			"intent":         req.Intent,
			"org_code":       req.OrgCode,
			"effective_date": req.EffectiveDate,
		})
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "ext_rules_failed", "ext rules unavailable")
			return
		}
		if len(violations) > 0 {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code":       "ext_rule_denied",
				"violations": violations,
			})
			return
		}
	}

	requestID := req.RequestID
	if requestID == "" {
		generated, err := uuidv7.NewString()
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "request_id_failed", "request id generation failed")
			return
		}
		requestID = generated
	}

	result, err := gw.SubmitWrite(r.Context(), tenant.ID, kernel.WriteSubmission{
		Intent:              req.Intent,
		OrgCode:             req.OrgCode,
		EffectiveDate:       req.EffectiveDate,
		TargetEffectiveDate: req.TargetEffectiveDate,
		RequestID:           requestID,
		Patch:               patch,
	})
	if err != nil {
		writeKernelError(w, r, err, "write_submit_failed")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(orgUnitWriteResponse{
		RequestID: requestID,
		Patch:     patch,
		Result:    result,
	})
}
