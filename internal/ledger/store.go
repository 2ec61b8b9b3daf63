package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
)

// Store implements engine.LedgerStore and engine.RunStore against a
// dedicated pgxpool.Pool. Every mutation that must not race a concurrent
// writer for the same (sync_def_id, source_identity_hash) key runs inside a
// transaction that takes the row with SELECT ... FOR UPDATE first, giving
// the per-key linearizability the push and ingress engines rely on to
// never interleave two writers' ledger updates for the same identity
// (SPEC_FULL.md §4.4).
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

var (
	_ engine.LedgerStore = (*Store)(nil)
	_ engine.RunStore    = (*Store)(nil)
)

// New wraps an already-connected pool. Callers are expected to have run
// DDL once at startup (cmd/syncengine wires this).
func New(pool *pgxpool.Pool, log *zap.Logger) *Store {
	return &Store{pool: pool, log: log}
}

// EnsureSchema runs the idempotent DDL. Safe to call on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, DDL)
	if err != nil {
		return engine.Transport("ledger.ensure_schema", err)
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, syncDefID, sourceIdentityHash string) (*engine.LedgerEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT source_identity, source_instance_id, target_list_id, target_item_id,
		       content_hash, last_source_ts, last_sync_ts, provenance
		FROM `+TableLedgerEntries+`
		WHERE sync_def_id = $1 AND source_identity_hash = $2`,
		syncDefID, sourceIdentityHash)

	var e engine.LedgerEntry
	e.SyncDefID = syncDefID
	e.SourceIdentityHash = sourceIdentityHash
	var provenance string
	err := row.Scan(&e.SourceIdentity, &e.SourceInstanceID, &e.TargetListID, &e.TargetItemID,
		&e.ContentHash, &e.LastSourceTS, &e.LastSyncTS, &provenance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, engine.Transport("ledger.get_entry", err)
	}
	e.Provenance = engine.Provenance(provenance)
	return &e, nil
}

// UpsertEntry writes entry under SELECT ... FOR UPDATE serialization: the
// transaction first locks any existing row for this key before deciding
// between INSERT and UPDATE, so two concurrent writers for the same
// identity (a push run and a CDC consumer racing on the same row) never
// interleave their reads of the prior state with their writes.
func (s *Store) UpsertEntry(ctx context.Context, entry engine.LedgerEntry) error {
	return s.withTx(ctx, "ledger.upsert_entry", func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx, `
			SELECT true FROM `+TableLedgerEntries+`
			WHERE sync_def_id = $1 AND source_identity_hash = $2 FOR UPDATE`,
			entry.SyncDefID, entry.SourceIdentityHash).Scan(&exists)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		if exists {
			_, err = tx.Exec(ctx, `
				UPDATE `+TableLedgerEntries+` SET
					source_identity = $3, source_instance_id = $4, target_list_id = $5,
					target_item_id = $6, content_hash = $7, last_source_ts = $8,
					last_sync_ts = $9, provenance = $10
				WHERE sync_def_id = $1 AND source_identity_hash = $2`,
				entry.SyncDefID, entry.SourceIdentityHash, entry.SourceIdentity,
				entry.SourceInstanceID, entry.TargetListID, entry.TargetItemID,
				entry.ContentHash, entry.LastSourceTS, entry.LastSyncTS, string(entry.Provenance))
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO `+TableLedgerEntries+`
				(sync_def_id, source_identity_hash, source_identity, source_instance_id,
				 target_list_id, target_item_id, content_hash, last_source_ts, last_sync_ts, provenance)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			entry.SyncDefID, entry.SourceIdentityHash, entry.SourceIdentity, entry.SourceInstanceID,
			entry.TargetListID, entry.TargetItemID, entry.ContentHash, entry.LastSourceTS,
			entry.LastSyncTS, string(entry.Provenance))
		return err
	})
}

func (s *Store) DeleteEntry(ctx context.Context, syncDefID, sourceIdentityHash string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM `+TableLedgerEntries+` WHERE sync_def_id = $1 AND source_identity_hash = $2`,
		syncDefID, sourceIdentityHash)
	if err != nil {
		return engine.Transport("ledger.delete_entry", err)
	}
	return nil
}

func (s *Store) GetCursor(ctx context.Context, syncDefID string, scope engine.CursorScope, discriminator string) (*engine.Cursor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT cursor_type, cursor_value, updated_at FROM `+TableCursors+`
		WHERE sync_def_id = $1 AND scope = $2 AND discriminator = $3`,
		syncDefID, string(scope), discriminator)

	var c engine.Cursor
	c.SyncDefID = syncDefID
	c.Scope = scope
	c.Discriminator = discriminator
	var cursorType string
	err := row.Scan(&cursorType, &c.CursorValue, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, engine.Transport("ledger.get_cursor", err)
	}
	c.CursorType = engine.CursorType(cursorType)
	return &c, nil
}

func (s *Store) UpsertCursor(ctx context.Context, cursor engine.Cursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+TableCursors+` (sync_def_id, scope, discriminator, cursor_type, cursor_value, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sync_def_id, scope, discriminator) DO UPDATE SET
			cursor_type = EXCLUDED.cursor_type,
			cursor_value = EXCLUDED.cursor_value,
			updated_at = EXCLUDED.updated_at`,
		cursor.SyncDefID, string(cursor.Scope), cursor.Discriminator,
		string(cursor.CursorType), cursor.CursorValue, cursor.UpdatedAt)
	if err != nil {
		return engine.Transport("ledger.upsert_cursor", err)
	}
	return nil
}

func (s *Store) AppendMoveAudit(ctx context.Context, rec engine.MoveAuditRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+TableMoveAudit+`
			(id, sync_def_id, source_identity_hash, old_target_list_id, old_target_item_id,
			 new_target_list_id, new_target_item_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.SyncDefID, rec.SourceIdentityHash, rec.OldTargetListID, rec.OldTargetItemID,
		rec.NewTargetListID, rec.NewTargetItemID, string(rec.Status), rec.CreatedAt)
	if err != nil {
		return engine.Transport("ledger.append_move_audit", err)
	}
	return nil
}

func (s *Store) ListEntries(ctx context.Context, syncDefID string) ([]engine.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_identity_hash, source_identity, source_instance_id, target_list_id,
		       target_item_id, content_hash, last_source_ts, last_sync_ts, provenance
		FROM `+TableLedgerEntries+` WHERE sync_def_id = $1`, syncDefID)
	if err != nil {
		return nil, engine.Transport("ledger.list_entries", err)
	}
	defer rows.Close()

	var out []engine.LedgerEntry
	for rows.Next() {
		var e engine.LedgerEntry
		e.SyncDefID = syncDefID
		var provenance string
		if err := rows.Scan(&e.SourceIdentityHash, &e.SourceIdentity, &e.SourceInstanceID,
			&e.TargetListID, &e.TargetItemID, &e.ContentHash, &e.LastSourceTS, &e.LastSyncTS, &provenance); err != nil {
			return nil, engine.Transport("ledger.list_entries", err)
		}
		e.Provenance = engine.Provenance(provenance)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.Transport("ledger.list_entries", err)
	}
	return out, nil
}

func (s *Store) withTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return engine.Transport(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return engine.Transport(op, pkgerrors.Wrap(err, op))
	}
	if err := tx.Commit(ctx); err != nil {
		return engine.Transport(op, err)
	}
	return nil
}
