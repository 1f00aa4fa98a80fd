package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	orgunitservices "github.com/jacksonlee411/Blossom-Console/modules/orgunit/services"
)

func TestNewRejectsBadBaseURL(t *testing.T) {
	cases := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"no scheme", "kernel.internal:8080"},
		{"bad scheme", "ftp://kernel.internal"},
		{"no host", "http://"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.url); err == nil {
				t.Fatalf("New(%q) accepted", tc.url)
			}
		})
	}
}

func TestNewTrimsTrailingSlash(t *testing.T) {
	c, err := New("http://kernel.internal:8080/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.baseURL != "http://kernel.internal:8080" {
		t.Fatalf("baseURL = %q", c.baseURL)
	}
}

func TestVersionHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s", r.Method)
		}
		if r.URL.Path != "/orgunit/api/org-units/versions" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("org_code"); got != "DEP-1" {
			t.Fatalf("org_code = %q", got)
		}
		if got := r.Header.Get("X-Tenant-ID"); got != "t1" {
			t.Fatalf("tenant header = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"versions": []map[string]string{
				{"effective_date": "2026-01-01", "event_type": "create"},
				{"effective_date": "2026-02-01", "event_type": "append_version"},
			},
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events, err := c.VersionHistory(context.Background(), "t1", "DEP-1")
	if err != nil {
		t.Fatalf("VersionHistory: %v", err)
	}
	want := []VersionEvent{
		{EffectiveDate: "2026-01-01", EventType: "create"},
		{EffectiveDate: "2026-02-01", EventType: "append_version"},
	}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %+v, want %+v", events, want)
	}
}

func TestWriteCapabilityQueryEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("intent") != "insert_version" || q.Get("org_code") != "DEP-1" {
			t.Fatalf("query = %v", q)
		}
		if q.Get("effective_date") != "2026-02-02" || q.Get("target_effective_date") != "2026-02-01" {
			t.Fatalf("query = %v", q)
		}
		_ = json.NewEncoder(w).Encode(orgunitservices.WriteCapability{
			Enabled:          true,
			AllowedFields:    []string{"name"},
			FieldPayloadKeys: map[string]string{"name": "name"},
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	capability, err := c.WriteCapability(context.Background(), "t1", CapabilityQuery{
		Intent:              "insert_version",
		OrgCode:             "DEP-1",
		EffectiveDate:       "2026-02-02",
		TargetEffectiveDate: "2026-02-01",
	})
	if err != nil {
		t.Fatalf("WriteCapability: %v", err)
	}
	if !capability.Enabled || len(capability.AllowedFields) != 1 {
		t.Fatalf("capability = %+v", capability)
	}
}

func TestSubmitWrite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orgunit/api/org-units:write" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["intent"] != "append_version" || body["request_id"] != "req-1" {
			t.Fatalf("body = %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(WriteResult{OrgUnitID: "ou-1", EventID: 42, WasRetry: true})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	result, err := c.SubmitWrite(context.Background(), "t1", WriteSubmission{
		Intent:        "append_version",
		OrgCode:       "DEP-1",
		EffectiveDate: "2026-02-02",
		RequestID:     "req-1",
		Patch:         orgunitservices.WritePatch{"name": "New"},
	})
	if err != nil {
		t.Fatalf("SubmitWrite: %v", err)
	}
	if result.EventID != 42 || !result.WasRetry {
		t.Fatalf("result = %+v", result)
	}
}

func TestKernelErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    "effective_date_conflict",
			"message": "a version already exists on that day",
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	_, err := c.VersionHistory(context.Background(), "t1", "DEP-1")

	var kerr *KernelError
	if !errors.As(err, &kerr) {
		t.Fatalf("err = %v, want *KernelError", err)
	}
	if kerr.StatusCode != http.StatusConflict || kerr.Code != "effective_date_conflict" {
		t.Fatalf("kerr = %+v", kerr)
	}
	if kerr.Message != "a version already exists on that day" {
		t.Fatalf("message = %q", kerr.Message)
	}
}

func TestKernelErrorFallbackCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	_, err := c.VersionHistory(context.Background(), "t1", "DEP-1")

	var kerr *KernelError
	if !errors.As(err, &kerr) {
		t.Fatalf("err = %v, want *KernelError", err)
	}
	if kerr.Code != "kernel_http_502" {
		t.Fatalf("code = %q", kerr.Code)
	}
	if kerr.Message != "upstream exploded" {
		t.Fatalf("message = %q", kerr.Message)
	}
}
