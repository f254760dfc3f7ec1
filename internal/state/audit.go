package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/orchestrator/internal/common/clock"
	apperrors "github.com/openclaw/orchestrator/internal/common/errors"
	v1 "github.com/openclaw/orchestrator/pkg/api/v1"
)

const insertAuditSQL = `
	INSERT INTO state_audit_log (id, ts, entity_type, entity_id, action, prev, next, triggered_by, metadata)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// appendAudit writes one audit entry inside the mutation's transaction.
func (m *Manager) appendAudit(ctx context.Context, tx *sqlx.Tx, entry *v1.AuditEntry) error {
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return apperrors.Internal("failed to marshal audit metadata", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(insertAuditSQL),
		entry.ID, entry.TS, entry.EntityType, entry.EntityID, entry.Action,
		nullableRaw(entry.Prev), nullableRaw(entry.Next), entry.TriggeredBy, string(meta)); err != nil {
		return apperrors.Internal("failed to append audit entry", err)
	}
	return nil
}

// appendAuditDirect writes an entry outside any transaction, used for
// recording mutations that never got as far as a commit.
func (m *Manager) appendAuditDirect(ctx context.Context, entry *v1.AuditEntry) error {
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return apperrors.Internal("failed to marshal audit metadata", err)
	}
	w := m.pool.Writer()
	if _, err := w.ExecContext(ctx, w.Rebind(insertAuditSQL),
		entry.ID, entry.TS, entry.EntityType, entry.EntityID, entry.Action,
		nullableRaw(entry.Prev), nullableRaw(entry.Next), entry.TriggeredBy, string(meta)); err != nil {
		return apperrors.Internal("failed to append audit entry", err)
	}
	return nil
}

// RecordAction appends an audit entry with no state snapshots, for
// operations that must leave a trace without mutating the entity, e.g. an
// idempotent re-destroy.
func (m *Manager) RecordAction(ctx context.Context, entityType v1.EntityType, entityID, action, triggeredBy string, metadata map[string]interface{}) error {
	return m.appendAuditDirect(ctx, &v1.AuditEntry{
		ID:          clock.NewID(),
		TS:          m.clk.Now(),
		EntityType:  entityType,
		EntityID:    entityID,
		Action:      action,
		TriggeredBy: triggeredBy,
		Metadata:    metadata,
	})
}

// RecordError appends an error-action audit entry for a mutation that was
// refused before reaching the store, e.g. a retry attempted past the budget.
func (m *Manager) RecordError(ctx context.Context, entityType v1.EntityType, entityID, triggeredBy string, cause error, metadata map[string]interface{}) error {
	meta := make(map[string]interface{}, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["error"] = apperrors.Code(cause)
	meta["message"] = cause.Error()

	return m.appendAuditDirect(ctx, &v1.AuditEntry{
		ID:          clock.NewID(),
		TS:          m.clk.Now(),
		EntityType:  entityType,
		EntityID:    entityID,
		Action:      v1.ActionError,
		TriggeredBy: triggeredBy,
		Metadata:    meta,
	})
}

func nullableRaw(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

type auditRow struct {
	ID          string         `db:"id"`
	TS          time.Time      `db:"ts"`
	EntityType  string         `db:"entity_type"`
	EntityID    string         `db:"entity_id"`
	Action      string         `db:"action"`
	Prev        sql.NullString `db:"prev"`
	Next        sql.NullString `db:"next"`
	TriggeredBy string         `db:"triggered_by"`
	Metadata    sql.NullString `db:"metadata"`
}

func (r *auditRow) toEntry() (*v1.AuditEntry, error) {
	entry := &v1.AuditEntry{
		ID:          r.ID,
		TS:          r.TS,
		EntityType:  v1.EntityType(r.EntityType),
		EntityID:    r.EntityID,
		Action:      r.Action,
		TriggeredBy: r.TriggeredBy,
	}
	if r.Prev.Valid && r.Prev.String != "" {
		entry.Prev = json.RawMessage(r.Prev.String)
	}
	if r.Next.Valid && r.Next.String != "" {
		entry.Next = json.RawMessage(r.Next.String)
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		if err := json.Unmarshal([]byte(r.Metadata.String), &entry.Metadata); err != nil {
			return nil, apperrors.Internal("failed to unmarshal audit metadata", err)
		}
	}
	return entry, nil
}

// AuditForEntity returns the newest audit entries for one entity, newest
// first, up to limit.
func (m *Manager) AuditForEntity(ctx context.Context, entityType v1.EntityType, entityID string, limit int) ([]*v1.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	r := m.pool.Reader()
	if err := r.SelectContext(ctx, &rows, r.Rebind(`
		SELECT id, ts, entity_type, entity_id, action, prev, next, triggered_by, metadata
		FROM state_audit_log
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?`), entityType, entityID, limit); err != nil {
		return nil, apperrors.Internal("failed to query audit log", err)
	}
	return toEntries(rows)
}

// AuditRange returns audit entries within [from, to], newest first, up to
// limit.
func (m *Manager) AuditRange(ctx context.Context, from, to time.Time, limit int) ([]*v1.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	r := m.pool.Reader()
	if err := r.SelectContext(ctx, &rows, r.Rebind(`
		SELECT id, ts, entity_type, entity_id, action, prev, next, triggered_by, metadata
		FROM state_audit_log
		WHERE ts >= ? AND ts <= ?
		ORDER BY ts DESC, id DESC
		LIMIT ?`), from, to, limit); err != nil {
		return nil, apperrors.Internal("failed to query audit log", err)
	}
	return toEntries(rows)
}

func toEntries(rows []auditRow) ([]*v1.AuditEntry, error) {
	entries := make([]*v1.AuditEntry, 0, len(rows))
	for i := range rows {
		entry, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// findAuditAtVersion returns the audit entry whose mutation produced the
// given version for the entity, or nil if no such entry exists.
func (m *Manager) findAuditAtVersion(ctx context.Context, entityType v1.EntityType, entityID string, version int64) (*v1.AuditEntry, error) {
	entries, err := m.AuditForEntity(ctx, entityType, entityID, 1000)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.Action == v1.ActionError {
			continue
		}
		if v, ok := entry.Metadata["version"]; ok {
			if asInt64(v) == version {
				return entry, nil
			}
		}
	}
	return nil, nil
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return -1
}
