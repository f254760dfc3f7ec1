package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/orchestrator/internal/common/clock"
	apperrors "github.com/openclaw/orchestrator/internal/common/errors"
	v1 "github.com/openclaw/orchestrator/pkg/api/v1"
)

// CreateCheckpoint snapshots the current state of one entity. Checkpoints are
// immutable; taking one never modifies existing rows.
func (m *Manager) CreateCheckpoint(ctx context.Context, entityType v1.EntityType, entityID, reason string) (*v1.Checkpoint, error) {
	table := tableFor(entityType)
	w := m.pool.Writer()

	var raw string
	err := w.GetContext(ctx, &raw,
		w.Rebind(fmt.Sprintf("SELECT state FROM %s WHERE id = ?", table)), entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(string(entityType), entityID)
	}
	if err != nil {
		return nil, apperrors.Internal("failed to read state for checkpoint", err)
	}

	cp := &v1.Checkpoint{
		ID:         clock.NewID(),
		TS:         m.clk.Now(),
		EntityType: entityType,
		EntityID:   entityID,
		Snapshot:   json.RawMessage(raw),
		Reason:     reason,
	}
	if _, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO recovery_checkpoints (id, ts, entity_type, entity_id, snapshot, reason)
		VALUES (?, ?, ?, ?, ?, ?)`),
		cp.ID, cp.TS, cp.EntityType, cp.EntityID, string(cp.Snapshot), cp.Reason); err != nil {
		return nil, apperrors.Internal("failed to write checkpoint", err)
	}
	return cp, nil
}

// CheckpointLiveTeams snapshots every non-terminal team. Called on graceful
// stop of the orchestrator.
func (m *Manager) CheckpointLiveTeams(ctx context.Context, reason string) (int, error) {
	teams, err := m.ListLiveTeams(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, team := range teams {
		if _, err := m.CreateCheckpoint(ctx, v1.EntityTeam, team.ID, reason); err != nil {
			m.log.Error("Failed to checkpoint team",
				zap.String("team_id", team.ID),
				zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// ListCheckpoints returns all checkpoints for an entity, newest first.
func (m *Manager) ListCheckpoints(ctx context.Context, entityType v1.EntityType, entityID string) ([]*v1.Checkpoint, error) {
	type row struct {
		ID         string    `db:"id"`
		TS         time.Time `db:"ts"`
		EntityType string    `db:"entity_type"`
		EntityID   string    `db:"entity_id"`
		Snapshot   string    `db:"snapshot"`
		Reason     string    `db:"reason"`
	}
	var rows []row
	r := m.pool.Reader()
	if err := r.SelectContext(ctx, &rows, r.Rebind(`
		SELECT id, ts, entity_type, entity_id, snapshot, reason
		FROM recovery_checkpoints
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY ts DESC, id DESC`), entityType, entityID); err != nil {
		return nil, apperrors.Internal("failed to list checkpoints", err)
	}
	cps := make([]*v1.Checkpoint, 0, len(rows))
	for _, r := range rows {
		cps = append(cps, &v1.Checkpoint{
			ID:         r.ID,
			TS:         r.TS,
			EntityType: v1.EntityType(r.EntityType),
			EntityID:   r.EntityID,
			Snapshot:   json.RawMessage(r.Snapshot),
			Reason:     r.Reason,
		})
	}
	return cps, nil
}

// CleanupCheckpoints deletes checkpoints older than maxAge. Operator-requested
// only; nothing prunes checkpoints automatically.
func (m *Manager) CleanupCheckpoints(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := m.clk.Now().Add(-maxAge)
	w := m.pool.Writer()
	res, err := w.ExecContext(ctx,
		w.Rebind("DELETE FROM recovery_checkpoints WHERE ts < ?"), cutoff)
	if err != nil {
		return 0, apperrors.Internal("failed to clean up checkpoints", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
