package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/jacksonlee411/Blossom-Console/internal/kernel"
	"github.com/jacksonlee411/Blossom-Console/internal/routing"
	dictsservices "github.com/jacksonlee411/Blossom-Console/modules/dicts/services"
)

// releaseWorkflowRegistry holds one ReleaseMachine per (tenant, release id).
// The machines themselves are pure values; this registry is the only place
// the preview→commit workflow state lives between requests. Above maxEntries
// terminal-stage machines are evicted; in-flight workflows are never dropped.
type releaseWorkflowRegistry struct {
	mu         sync.Mutex
	maxEntries int
	machines   map[string]dictsservices.ReleaseMachine
}

const releaseWorkflowMaxEntries = 1024

func newReleaseWorkflowRegistry() *releaseWorkflowRegistry {
	return &releaseWorkflowRegistry{
		maxEntries: releaseWorkflowMaxEntries,
		machines:   make(map[string]dictsservices.ReleaseMachine),
	}
}

func releaseWorkflowKey(tenantID string, releaseID string) string {
	return tenantID + "|" + releaseID
}

func (g *releaseWorkflowRegistry) load(tenantID string, releaseID string) (dictsservices.ReleaseMachine, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.machines[releaseWorkflowKey(tenantID, releaseID)]
	return m, ok
}

func (g *releaseWorkflowRegistry) store(tenantID string, releaseID string, m dictsservices.ReleaseMachine) {
	if releaseID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.machines[releaseWorkflowKey(tenantID, releaseID)] = m
	if len(g.machines) > g.maxEntries {
		g.evictTerminal()
	}
}

// evictTerminal drops success and fail machines. Caller holds the lock.
func (g *releaseWorkflowRegistry) evictTerminal() {
	for key, m := range g.machines {
		switch m.Stage {
		case dictsservices.ReleaseStageSuccess, dictsservices.ReleaseStageFail:
			delete(g.machines, key)
		}
	}
}

type releaseStageResponse struct {
	Stage   dictsservices.ReleaseStage    `json:"stage"`
	Issues  []dictsservices.ReleaseIssue  `json:"issues,omitempty"`
	Preview *dictsservices.ReleasePreview `json:"preview,omitempty"`
	Result  *dictsservices.ReleaseResult  `json:"result,omitempty"`
	Code    string                        `json:"code,omitempty"`
	Message string                        `json:"message,omitempty"`
}

func handleDictReleasePreviewAPI(w http.ResponseWriter, r *http.Request, gw KernelGateway, registry *releaseWorkflowRegistry, audit ReleaseAuditStore) {
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

	var form dictsservices.ReleaseForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
		return
	}

	machine := dictsservices.NewReleaseMachine().BeginPreview(form)
	if machine.Stage == dictsservices.ReleaseStageFail {
		registry.store(tenant.ID, machine.Form.ReleaseID, machine)
		appendReleaseAudit(r, audit, tenant.ID, machine, "preview")
		writeReleaseStage(w, http.StatusBadRequest, machine)
		return
	}

	preview, err := gw.PreviewRelease(r.Context(), tenant.ID, machine.Form, machine.MaxConflicts)
	if err != nil {
		code, message, status := kernelErrorParts(err, "dict_release_preview_failed")
		machine = machine.ApplyPreviewError(code, message)
		registry.store(tenant.ID, machine.Form.ReleaseID, machine)
		appendReleaseAudit(r, audit, tenant.ID, machine, "preview")
		writeReleaseStage(w, status, machine)
		return
	}

	machine = machine.ApplyPreview(preview)
	registry.store(tenant.ID, machine.Form.ReleaseID, machine)
	appendReleaseAudit(r, audit, tenant.ID, machine, "preview")

	status := http.StatusOK
	if machine.Stage == dictsservices.ReleaseStageConflict {
		status = http.StatusConflict
	}
	writeReleaseStage(w, status, machine)
}

func handleDictReleaseCommitAPI(w http.ResponseWriter, r *http.Request, gw KernelGateway, registry *releaseWorkflowRegistry, audit ReleaseAuditStore) {
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

	var form dictsservices.ReleaseForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
		return
	}

	releaseID := strings.TrimSpace(form.ReleaseID)
	machine, _ := registry.load(tenant.ID, releaseID)
	if machine.Stage == "" {
		machine = dictsservices.NewReleaseMachine()
	}

	// The gate: commit is legal only from a clean preview of this release id.
	next, err := machine.BeginCommit(form)
	if err != nil {
		if errors.Is(err, dictsservices.ErrReleasePreviewRequired) {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusConflict, "preview_required", "preview required before commit")
			return
		}
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "dict_release_failed", "release failed")
		return
	}
	machine = next
	if machine.Stage == dictsservices.ReleaseStageFail {
		registry.store(tenant.ID, releaseID, machine)
		appendReleaseAudit(r, audit, tenant.ID, machine, "commit")
		writeReleaseStage(w, http.StatusBadRequest, machine)
		return
	}

	result, err := gw.CommitRelease(r.Context(), tenant.ID, machine.Form, machine.MaxConflicts)
	if err != nil {
		code, message, status := kernelErrorParts(err, "dict_release_failed")
		machine = machine.ApplyCommitError(code, message)
		registry.store(tenant.ID, releaseID, machine)
		appendReleaseAudit(r, audit, tenant.ID, machine, "commit")
		writeReleaseStage(w, status, machine)
		return
	}

	machine = machine.ApplyResult(result)
	registry.store(tenant.ID, releaseID, machine)
	appendReleaseAudit(r, audit, tenant.ID, machine, "commit")
	writeReleaseStage(w, http.StatusCreated, machine)
}

func handleDictReleaseStatusAPI(w http.ResponseWriter, r *http.Request, registry *releaseWorkflowRegistry) {
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	releaseID := strings.TrimSpace(r.URL.Query().Get("release_id"))
	if releaseID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "release_id required")
		return
	}
	machine, ok := registry.load(tenant.ID, releaseID)
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "release_not_found", "release not found")
		return
	}
	writeReleaseStage(w, http.StatusOK, machine)
}

func writeReleaseStage(w http.ResponseWriter, status int, machine dictsservices.ReleaseMachine) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(releaseStageResponse{
		Stage:   machine.Stage,
		Issues:  machine.Issues,
		Preview: machine.Preview,
		Result:  machine.Result,
		Code:    machine.ErrorCode,
		Message: machine.ErrorMessage,
	})
}

// kernelErrorParts extracts the kernel's verbatim code/message; unstructured
// failures synthesize a generic fallback from the default code.
func kernelErrorParts(err error, defaultCode string) (code string, message string, status int) {
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
		return kerr.Code, message, status
	}
	return defaultCode, defaultCode, http.StatusBadGateway
}
