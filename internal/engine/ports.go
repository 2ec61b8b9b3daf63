package engine

import (
	"context"
	"time"

	"github.com/jare20895/ArcoreSyncBridge/internal/row"
)

// DefinitionRepository is the read-mostly port onto the external control
// plane (SPEC_FULL.md §6). It is owned and implemented out of this
// package's scope; the engine only ever sees this interface.
type DefinitionRepository interface {
	Get(ctx context.Context, syncDefID string) (*SyncDefinition, error)
	GetSourceBinding(ctx context.Context, syncDefID string) ([]SyncSource, error)
	ListTargets(ctx context.Context, syncDefID string) ([]SyncTarget, error)
	ListMappings(ctx context.Context, syncDefID string) ([]FieldMapping, error)
	EnumerateCDCDefinitions(ctx context.Context) ([]CDCBinding, error)
}

// CDCBinding is one (instance, schema, table) → definition triple returned
// by EnumerateCDCDefinitions, used to seed the CDC consumer's lookup cache.
type CDCBinding struct {
	InstanceID string
	Schema     string
	Table      string
	Definition *SyncDefinition
}

// ChangedRow is one row returned by SourceDB.FetchChanged, carrying both the
// typed row and the raw cursor-column text (so the push engine can persist
// it verbatim as the new watermark without re-deriving it from row.Value).
type ChangedRow struct {
	Row         row.Row
	CursorValue string
}

// SourceDB is the port onto the monitored source database (SPEC_FULL.md
// §4.6).
type SourceDB interface {
	FetchChanged(ctx context.Context, schema, table, cursorCol, cursorValue string, limit int) ([]ChangedRow, error)
	FetchOne(ctx context.Context, schema, table, keyCol string, keyValue row.Value) (row.Row, error)
	Insert(ctx context.Context, schema, table string, fields row.Row) (row.Row, error)
	Update(ctx context.Context, schema, table, keyCol string, keyValue row.Value, fields row.Row) (row.Row, error)
	Delete(ctx context.Context, schema, table, keyCol string, keyValue row.Value) (bool, error)

	OpenReplication(ctx context.Context, slotName string, startLSN uint64) (ReplicationStream, error)
	SendFeedback(ctx context.Context, lsn uint64) error
	CreateSlot(ctx context.Context, slotName string) error
	DropSlot(ctx context.Context, slotName string) error
	ListSlots(ctx context.Context) ([]string, error)
}

// ReplicationStream is the typed stream abstraction from SPEC_FULL.md §9
// ("Coroutine/async streaming of replication frames").
type ReplicationStream interface {
	// Next blocks until a frame is available or timeout elapses. ok is true
	// only when frame holds a frame. A false ok with a nil err means nothing
	// arrived in time, or only a keepalive or other non-data message did; a
	// non-nil err reports a failed stream, including cancellation of ctx.
	Next(ctx context.Context, timeout time.Duration) (frame []byte, lsn uint64, ok bool, err error)
	Close() error
}

// DeltaItem is one entry in a ListBackend.DeltaChanges response.
type DeltaItem struct {
	ItemID int64
	Reason string // "changed" | "deleted"
	Fields row.Row
}

// ListBackend is the port onto the target list backend (SPEC_FULL.md §4.5).
type ListBackend interface {
	CreateItem(ctx context.Context, site, list string, fields row.Row) (int64, error)
	UpdateItem(ctx context.Context, site, list string, itemID int64, fields row.Row) error
	DeleteItem(ctx context.Context, site, list string, itemID int64) error
	GetItem(ctx context.Context, site, list string, itemID int64) (row.Row, bool, error)
	DeltaChanges(ctx context.Context, site, list, deltaToken string) (items []DeltaItem, newDeltaToken string, err error)
}

// DurableQueue is the port onto the CDC event transport (SPEC_FULL.md §6).
type DurableQueue interface {
	Append(ctx context.Context, key string, payload []byte) error
	ReadGroup(ctx context.Context, group, consumer, stream string, count int, block time.Duration) ([]QueueMessage, error)
	Ack(ctx context.Context, stream, group, id string) error
	Len(ctx context.Context, stream string) (int64, error)
}

// QueueMessage is one delivered message from DurableQueue.ReadGroup.
type QueueMessage struct {
	ID      string
	Payload []byte
}

// LedgerStore is the port onto the engine-owned ledger & cursor store
// (SPEC_FULL.md §4.4).
type LedgerStore interface {
	GetEntry(ctx context.Context, syncDefID, sourceIdentityHash string) (*LedgerEntry, error)
	UpsertEntry(ctx context.Context, entry LedgerEntry) error
	DeleteEntry(ctx context.Context, syncDefID, sourceIdentityHash string) error

	GetCursor(ctx context.Context, syncDefID string, scope CursorScope, discriminator string) (*Cursor, error)
	UpsertCursor(ctx context.Context, cursor Cursor) error

	AppendMoveAudit(ctx context.Context, rec MoveAuditRecord) error

	// ListEntries supports the drift report (SPEC_FULL.md §4.13).
	ListEntries(ctx context.Context, syncDefID string) ([]LedgerEntry, error)
}

// RunStore persists RunRecord/EventRecord rows for the orchestrator.
type RunStore interface {
	CreateRun(ctx context.Context, rec RunRecord) error
	UpdateRun(ctx context.Context, rec RunRecord) error
	AppendEvent(ctx context.Context, ev EventRecord) error
}

// Clock abstracts time so tests can control it; mirrors the design note
// that the engine threads dependencies explicitly rather than reaching for
// time.Now() / ambient globals directly inside engine logic.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock implementation.
var SystemClock Clock = systemClock{}
