// Package ledger is the engine-owned store for ledger entries, cursors,
// move audit records, and run/event history (SPEC_FULL.md §4.4, §6). It
// backs engine.LedgerStore and engine.RunStore with jackc/pgx/v5 against a
// schema this package owns outright (unlike the externally-owned
// definitions tables internal/definitions reads from).
package ledger

// Table names, documented the way a schema constant carries its row shape
// inline rather than in a separate migration doc.
const (
	// TableLedgerEntries
	// key   - (sync_def_id, source_identity_hash)
	// value - the authoritative source-identity -> target-item mapping,
	//         plus the content hash and provenance used for loop suppression.
	TableLedgerEntries = "ledger_entries"

	// TableCursors
	// key   - (sync_def_id, scope, discriminator)
	// value - the watermark (timestamp, LSN, or delta token text) a push or
	//         ingress run resumes from.
	TableCursors = "cursors"

	// TableMoveAudit
	// key   - id (uuid)
	// value - an append-only record of one cross-list relocation and its
	//         orphan-risk outcome.
	TableMoveAudit = "move_audit"

	// TableRuns
	// key   - id (uuid)
	// value - one push/ingress run's lifecycle and outcome counters.
	TableRuns = "runs"

	// TableEvents
	// key   - id (uuid)
	// value - one severity-tagged event attached to a run.
	TableEvents = "events"
)

// DDL creates the ledger's own tables. It is idempotent and intended to run
// once at startup (SPEC_FULL.md ambient stack: no separate migration
// tool is introduced for engine-owned state).
const DDL = `
CREATE TABLE IF NOT EXISTS ` + TableLedgerEntries + ` (
	sync_def_id          TEXT NOT NULL,
	source_identity_hash TEXT NOT NULL,
	source_identity      TEXT NOT NULL,
	source_instance_id   TEXT NOT NULL,
	target_list_id       TEXT NOT NULL,
	target_item_id       BIGINT NOT NULL,
	content_hash         TEXT NOT NULL,
	last_source_ts       TEXT NOT NULL,
	last_sync_ts         TIMESTAMPTZ NOT NULL,
	provenance           TEXT NOT NULL,
	PRIMARY KEY (sync_def_id, source_identity_hash)
);

CREATE TABLE IF NOT EXISTS ` + TableCursors + ` (
	sync_def_id   TEXT NOT NULL,
	scope         TEXT NOT NULL,
	discriminator TEXT NOT NULL,
	cursor_type   TEXT NOT NULL,
	cursor_value  TEXT NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (sync_def_id, scope, discriminator)
);

CREATE TABLE IF NOT EXISTS ` + TableMoveAudit + ` (
	id                   TEXT PRIMARY KEY,
	sync_def_id          TEXT NOT NULL,
	source_identity_hash TEXT NOT NULL,
	old_target_list_id   TEXT NOT NULL,
	old_target_item_id   BIGINT NOT NULL,
	new_target_list_id   TEXT NOT NULL,
	new_target_item_id   BIGINT NOT NULL,
	status               TEXT NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ` + TableRuns + ` (
	id          TEXT PRIMARY KEY,
	sync_def_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	processed   INT NOT NULL,
	succeeded   INT NOT NULL,
	failed      INT NOT NULL,
	skipped     INT NOT NULL,
	error       TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	ended_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS ` + TableEvents + ` (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	sync_def_id TEXT NOT NULL,
	severity    TEXT NOT NULL,
	type        TEXT NOT NULL,
	message     TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
`
