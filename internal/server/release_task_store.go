package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	dictsservices "github.com/jacksonlee411/Blossom-Console/modules/dicts/services"
)

// ReleaseAuditEntry records one preview or commit attempt and the stage the
// workflow landed in. The trail is append-only; reruns under the same
// release id append new rows.
type ReleaseAuditEntry struct {
	TenantID  string
	ReleaseID string
	RequestID string
	Action    string
	Stage     dictsservices.ReleaseStage
	ErrorCode string
	CreatedAt time.Time
}

type ReleaseAuditStore interface {
	Append(ctx context.Context, entry ReleaseAuditEntry) error
}

type releaseAuditPGStore struct {
	pool *pgxpool.Pool
}

func newReleaseAuditPGStore(pool *pgxpool.Pool) *releaseAuditPGStore {
	return &releaseAuditPGStore{pool: pool}
}

func (s *releaseAuditPGStore) Append(ctx context.Context, entry ReleaseAuditEntry) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO console.release_audit (tenant_uuid, release_id, request_id, action, stage, error_code, created_at)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)
`, entry.TenantID, entry.ReleaseID, entry.RequestID, entry.Action, string(entry.Stage), entry.ErrorCode, entry.CreatedAt)
	return err
}

type releaseAuditMemoryStore struct {
	mu      sync.Mutex
	entries []ReleaseAuditEntry
}

func newReleaseAuditMemoryStore() *releaseAuditMemoryStore {
	return &releaseAuditMemoryStore{}
}

func (s *releaseAuditMemoryStore) Append(_ context.Context, entry ReleaseAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *releaseAuditMemoryStore) Entries() []ReleaseAuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReleaseAuditEntry(nil), s.entries...)
}

// appendReleaseAudit never fails the request; the audit trail is best-effort
// relative to the workflow itself.
func appendReleaseAudit(r *http.Request, audit ReleaseAuditStore, tenantID string, machine dictsservices.ReleaseMachine, action string) {
	if audit == nil {
		return
	}
	_ = audit.Append(r.Context(), ReleaseAuditEntry{
		TenantID:  tenantID,
		ReleaseID: machine.Form.ReleaseID,
		RequestID: machine.Form.RequestID,
		Action:    action,
		Stage:     machine.Stage,
		ErrorCode: machine.ErrorCode,
		CreatedAt: time.Now().UTC(),
	})
}
