package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	dictsservices "github.com/jacksonlee411/Blossom-Console/modules/dicts/services"
	orgunitservices "github.com/jacksonlee411/Blossom-Console/modules/orgunit/services"
)

const tenantHeader = "X-Tenant-ID"

// Client talks to the org-data kernel's internal APIs. It performs no
// retries; surfacing the kernel's error code and message verbatim is the
// caller's contract.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type KernelError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *KernelError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("kernel: http %d: %s: %s", e.StatusCode, e.Code, msg)
}

type VersionEvent struct {
	EffectiveDate string `json:"effective_date"`
	EventType     string `json:"event_type"`
}

type CapabilityQuery struct {
	Intent              string
	OrgCode             string
	EffectiveDate       string
	TargetEffectiveDate string
}

type WriteSubmission struct {
	Intent              string                     `json:"intent"`
	OrgCode             string                     `json:"org_code"`
	EffectiveDate       string                     `json:"effective_date"`
	TargetEffectiveDate string                     `json:"target_effective_date,omitempty"`
	RequestID           string                     `json:"request_id"`
	Patch               orgunitservices.WritePatch `json:"patch"`
}

type WriteResult struct {
	OrgUnitID string `json:"org_unit_id"`
	EventID   int64  `json:"event_id"`
	WasRetry  bool   `json:"was_retry"`
}

func New(baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("kernel: missing base url")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.New("kernel: invalid base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("kernel: invalid base url scheme")
	}
	if u.Host == "" {
		return nil, errors.New("kernel: invalid base url host")
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// VersionHistory returns the effective-dated event tuples of one org unit.
func (c *Client) VersionHistory(ctx context.Context, tenantID string, orgCode string) ([]VersionEvent, error) {
	q := url.Values{}
	q.Set("org_code", orgCode)

	var out struct {
		Versions []VersionEvent `json:"versions"`
	}
	if err := c.getJSON(ctx, tenantID, "/orgunit/api/org-units/versions?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

// WriteCapability fetches a fresh capability contract. Contracts are scoped
// to one (intent, org, effective date, target date) tuple and must never be
// reused across a different tuple.
func (c *Client) WriteCapability(ctx context.Context, tenantID string, query CapabilityQuery) (orgunitservices.WriteCapability, error) {
	q := url.Values{}
	q.Set("intent", query.Intent)
	q.Set("org_code", query.OrgCode)
	q.Set("effective_date", query.EffectiveDate)
	if query.TargetEffectiveDate != "" {
		q.Set("target_effective_date", query.TargetEffectiveDate)
	}

	var out orgunitservices.WriteCapability
	if err := c.getJSON(ctx, tenantID, "/orgunit/api/write-capabilities?"+q.Encode(), &out); err != nil {
		return orgunitservices.WriteCapability{}, err
	}
	return out, nil
}

func (c *Client) SubmitWrite(ctx context.Context, tenantID string, sub WriteSubmission) (WriteResult, error) {
	var out WriteResult
	if err := c.postJSON(ctx, tenantID, "/orgunit/api/org-units:write", sub, &out); err != nil {
		return WriteResult{}, err
	}
	return out, nil
}

func (c *Client) PreviewRelease(ctx context.Context, tenantID string, form dictsservices.ReleaseForm, maxConflicts int) (dictsservices.ReleasePreview, error) {
	body := map[string]any{
		"source_tenant_id": form.SourceTenantID,
		"as_of":            form.AsOf,
		"release_id":       form.ReleaseID,
		"max_conflicts":    maxConflicts,
	}
	var out dictsservices.ReleasePreview
	if err := c.postJSON(ctx, tenantID, "/iam/api/dicts/release:preview", body, &out); err != nil {
		return dictsservices.ReleasePreview{}, err
	}
	return out, nil
}

func (c *Client) CommitRelease(ctx context.Context, tenantID string, form dictsservices.ReleaseForm, maxConflicts int) (dictsservices.ReleaseResult, error) {
	body := map[string]any{
		"source_tenant_id": form.SourceTenantID,
		"as_of":            form.AsOf,
		"release_id":       form.ReleaseID,
		"request_id":       form.RequestID,
		"max_conflicts":    maxConflicts,
	}
	var out dictsservices.ReleaseResult
	if err := c.postJSON(ctx, tenantID, "/iam/api/dicts/release:commit", body, &out); err != nil {
		return dictsservices.ReleaseResult{}, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, tenantID string, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(tenantHeader, tenantID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return readKernelError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, tenantID string, path string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tenantHeader, tenantID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return readKernelError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// readKernelError preserves the kernel's structured code/message when the
// body carries one; otherwise a generic code is synthesized from the status.
func readKernelError(resp *http.Response) error {
	const maxBody = 4096
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))

	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &envelope); err == nil && strings.TrimSpace(envelope.Code) != "" {
		return &KernelError{
			StatusCode: resp.StatusCode,
			Code:       envelope.Code,
			Message:    envelope.Message,
		}
	}
	return &KernelError{
		StatusCode: resp.StatusCode,
		Code:       "kernel_http_" + strconv.Itoa(resp.StatusCode),
		Message:    strings.TrimSpace(string(b)),
	}
}
