package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jacksonlee411/Blossom-Console/internal/kernel"
	dictsservices "github.com/jacksonlee411/Blossom-Console/modules/dicts/services"
	orgunitservices "github.com/jacksonlee411/Blossom-Console/modules/orgunit/services"
	"github.com/jacksonlee411/Blossom-Console/pkg/authz"
)

const (
	testTenantID     = "22222222-2222-2222-2222-222222222222"
	testTenantHost   = "console.test"
	testSourceTenant = "11111111-1111-1111-1111-111111111111"
)

type gatewayStub struct {
	versionHistoryFunc  func(ctx context.Context, tenantID string, orgCode string) ([]kernel.VersionEvent, error)
	writeCapabilityFunc func(ctx context.Context, tenantID string, query kernel.CapabilityQuery) (orgunitservices.WriteCapability, error)
	submitWriteFunc     func(ctx context.Context, tenantID string, sub kernel.WriteSubmission) (kernel.WriteResult, error)
	previewReleaseFunc  func(ctx context.Context, tenantID string, form dictsservices.ReleaseForm, maxConflicts int) (dictsservices.ReleasePreview, error)
	commitReleaseFunc   func(ctx context.Context, tenantID string, form dictsservices.ReleaseForm, maxConflicts int) (dictsservices.ReleaseResult, error)
}

func (g *gatewayStub) VersionHistory(ctx context.Context, tenantID string, orgCode string) ([]kernel.VersionEvent, error) {
	if g.versionHistoryFunc == nil {
		return nil, nil
	}
	return g.versionHistoryFunc(ctx, tenantID, orgCode)
}

func (g *gatewayStub) WriteCapability(ctx context.Context, tenantID string, query kernel.CapabilityQuery) (orgunitservices.WriteCapability, error) {
	if g.writeCapabilityFunc == nil {
		return orgunitservices.WriteCapability{}, nil
	}
	return g.writeCapabilityFunc(ctx, tenantID, query)
}

func (g *gatewayStub) SubmitWrite(ctx context.Context, tenantID string, sub kernel.WriteSubmission) (kernel.WriteResult, error) {
	if g.submitWriteFunc == nil {
		return kernel.WriteResult{}, nil
	}
	return g.submitWriteFunc(ctx, tenantID, sub)
}

func (g *gatewayStub) PreviewRelease(ctx context.Context, tenantID string, form dictsservices.ReleaseForm, maxConflicts int) (dictsservices.ReleasePreview, error) {
	if g.previewReleaseFunc == nil {
		return dictsservices.ReleasePreview{}, nil
	}
	return g.previewReleaseFunc(ctx, tenantID, form, maxConflicts)
}

func (g *gatewayStub) CommitRelease(ctx context.Context, tenantID string, form dictsservices.ReleaseForm, maxConflicts int) (dictsservices.ReleaseResult, error) {
	if g.commitReleaseFunc == nil {
		return dictsservices.ReleaseResult{}, nil
	}
	return g.commitReleaseFunc(ctx, tenantID, form, maxConflicts)
}

type extRuleSourceStub struct {
	rules []orgunitservices.ExtFieldRule
	err   error
}

func (s extRuleSourceStub) RulesForTenant(context.Context, string) ([]orgunitservices.ExtFieldRule, error) {
	return s.rules, s.err
}

func testAuthorizer(t *testing.T) *authz.Authorizer {
	t.Helper()
	modelPath, err := defaultConfigPath(filepath.Join("authz", "model.conf"))
	if err != nil {
		t.Fatalf("model path: %v", err)
	}
	policyPath, err := defaultConfigPath(filepath.Join("authz", "policy.csv"))
	if err != nil {
		t.Fatalf("policy path: %v", err)
	}
	a, err := authz.NewAuthorizer(modelPath, policyPath, authz.ModeEnforce)
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}
	return a
}

func newTestHandler(t *testing.T, gw KernelGateway, rules ExtRuleSource, audit ReleaseAuditStore) http.Handler {
	t.Helper()
	if rules == nil {
		rules = extRuleSourceStub{}
	}
	if audit == nil {
		audit = newReleaseAuditMemoryStore()
	}
	h, err := NewHandlerWithOptions(HandlerOptions{
		Tenants: map[string]Tenant{
			testTenantHost: {ID: testTenantID, Domain: testTenantHost, Name: "Test"},
		},
		Kernel:       gw,
		ExtRules:     rules,
		ReleaseAudit: audit,
		Authorizer:   testAuthorizer(t),
	})
	if err != nil {
		t.Fatalf("NewHandlerWithOptions: %v", err)
	}
	return h
}

func adminRequest(t *testing.T, method string, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, "http://"+testTenantHost+path, &buf)
	req.Header.Set("X-Principal-ID", "op-1")
	req.Header.Set("X-Principal-Role", "tenant-admin")
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, &gatewayStub{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "http://"+testTenantHost+"/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUnknownTenantHost(t *testing.T) {
	h := newTestHandler(t, &gatewayStub{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "http://elsewhere.test/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["code"] != "tenant_unknown" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestAPIRequiresPrincipal(t *testing.T) {
	h := newTestHandler(t, &gatewayStub{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "http://"+testTenantHost+"/orgunit/api/version-plans", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["code"] != "principal_missing" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestAPIForbidsNonAdminRole(t *testing.T) {
	h := newTestHandler(t, &gatewayStub{}, nil, nil)

	req := adminRequest(t, http.MethodPost, "/orgunit/api/version-plans", map[string]string{})
	req.Header.Set("X-Principal-Role", "viewer")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestVersionPlanAPI(t *testing.T) {
	gw := &gatewayStub{
		versionHistoryFunc: func(_ context.Context, tenantID string, orgCode string) ([]kernel.VersionEvent, error) {
			if tenantID != testTenantID || orgCode != "DEP-1" {
				t.Fatalf("tenant = %q org = %q", tenantID, orgCode)
			}
			return []kernel.VersionEvent{
				{EffectiveDate: "2026-01-01", EventType: "create"},
				{EffectiveDate: "2026-02-01", EventType: "append_version"},
				{EffectiveDate: "2026-02-10", EventType: "append_version"},
			}, nil
		},
	}
	h := newTestHandler(t, gw, nil, nil)

	req := adminRequest(t, http.MethodPost, "/orgunit/api/version-plans", map[string]string{
		"org_code":       "DEP-1",
		"mode":           "insert",
		"selected_date":  "2026-02-01",
		"candidate_date": "2026-02-05",
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Plan            orgunitservices.DatePlan           `json:"plan"`
		CandidateReason orgunitservices.DateValidateReason `json:"candidate_reason"`
	}
	decodeBody(t, rec, &resp)
	wantPlan := orgunitservices.DatePlan{
		Kind:         orgunitservices.DatePlanInsert,
		SelectedDate: "2026-02-01",
		LastDate:     "2026-02-10",
		DefaultDate:  "2026-02-02",
		MinDate:      "2026-01-02",
		MaxDate:      "2026-02-09",
	}
	if !reflect.DeepEqual(resp.Plan, wantPlan) {
		t.Fatalf("plan = %+v, want %+v", resp.Plan, wantPlan)
	}
	if resp.CandidateReason != orgunitservices.DateValidateOK {
		t.Fatalf("candidate reason = %q", resp.CandidateReason)
	}
}

func TestVersionPlanAPINoSlotIsPayloadNotError(t *testing.T) {
	gw := &gatewayStub{
		versionHistoryFunc: func(context.Context, string, string) ([]kernel.VersionEvent, error) {
			return []kernel.VersionEvent{
				{EffectiveDate: "2026-01-01", EventType: "create"},
				{EffectiveDate: "2026-01-02", EventType: "append_version"},
			}, nil
		},
	}
	h := newTestHandler(t, gw, nil, nil)

	req := adminRequest(t, http.MethodPost, "/orgunit/api/version-plans", map[string]string{
		"org_code":      "DEP-1",
		"mode":          "insert",
		"selected_date": "2026-01-01",
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Plan orgunitservices.DatePlan `json:"plan"`
	}
	decodeBody(t, rec, &resp)
	if resp.Plan.Kind != orgunitservices.DatePlanInsertNoAvailableSlot {
		t.Fatalf("kind = %q", resp.Plan.Kind)
	}
}

func TestVersionPlanAPIRejectsBadMode(t *testing.T) {
	h := newTestHandler(t, &gatewayStub{}, nil, nil)

	req := adminRequest(t, http.MethodPost, "/orgunit/api/version-plans", map[string]string{
		"org_code":      "DEP-1",
		"mode":          "replace",
		"selected_date": "2026-01-01",
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestVersionPlanAPIKernelErrorPassthrough(t *testing.T) {
	gw := &gatewayStub{
		versionHistoryFunc: func(context.Context, string, string) ([]kernel.VersionEvent, error) {
			return nil, &kernel.KernelError{StatusCode: http.StatusNotFound, Code: "org_not_found", Message: "no such org"}
		},
	}
	h := newTestHandler(t, gw, nil, nil)

	req := adminRequest(t, http.MethodPost, "/orgunit/api/version-plans", map[string]string{
		"org_code":      "DEP-404",
		"mode":          "append",
		"selected_date": "2026-01-01",
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["code"] != "org_not_found" || body["message"] != "no such org" {
		t.Fatalf("body = %v", body)
	}
}
