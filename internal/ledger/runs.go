package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
)

func (s *Store) CreateRun(ctx context.Context, rec engine.RunRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+TableRuns+`
			(id, sync_def_id, kind, status, processed, succeeded, failed, skipped, error, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL)`,
		rec.ID, rec.SyncDefID, string(rec.Kind), string(rec.Status),
		rec.Processed, rec.Succeeded, rec.Failed, rec.Skipped, rec.Error, rec.StartedAt)
	if err != nil {
		return engine.Transport("ledger.create_run", err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, rec engine.RunRecord) error {
	var endedAt interface{}
	if !rec.EndedAt.IsZero() {
		endedAt = rec.EndedAt
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE `+TableRuns+` SET
			status = $2, processed = $3, succeeded = $4, failed = $5, skipped = $6,
			error = $7, ended_at = $8
		WHERE id = $1`,
		rec.ID, string(rec.Status), rec.Processed, rec.Succeeded, rec.Failed, rec.Skipped,
		rec.Error, endedAt)
	if err != nil {
		return engine.Transport("ledger.update_run", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev engine.EventRecord) error {
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+TableEvents+` (id, run_id, sync_def_id, severity, type, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, ev.RunID, ev.SyncDefID, string(ev.Severity), ev.Type, ev.Message, ev.CreatedAt)
	if err != nil {
		return engine.Transport("ledger.append_event", err)
	}
	return nil
}
