package cdc

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
	"github.com/jare20895/ArcoreSyncBridge/internal/identity"
	"github.com/jare20895/ArcoreSyncBridge/internal/row"
)

// frameBuilder assembles raw pgoutput-v1-shaped test frames, mirroring the
// one in internal/replication's own tests.
type frameBuilder struct{ buf []byte }

func (f *frameBuilder) tag(b byte) *frameBuilder { f.buf = append(f.buf, b); return f }
func (f *frameBuilder) u8(b byte) *frameBuilder  { f.buf = append(f.buf, b); return f }
func (f *frameBuilder) u16(v uint16) *frameBuilder {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	f.buf = append(f.buf, b[:]...)
	return f
}
func (f *frameBuilder) u32(v uint32) *frameBuilder {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	f.buf = append(f.buf, b[:]...)
	return f
}
func (f *frameBuilder) cstring(s string) *frameBuilder {
	f.buf = append(f.buf, []byte(s)...)
	f.buf = append(f.buf, 0)
	return f
}
func (f *frameBuilder) text(s string) *frameBuilder {
	f.u8('t').u32(uint32(len(s)))
	f.buf = append(f.buf, []byte(s)...)
	return f
}

func relationFrame(relID uint32, schema, table string, cols []string) []byte {
	f := &frameBuilder{}
	f.tag('R').u32(relID).cstring(schema).cstring(table).u8('d').u16(uint16(len(cols)))
	for _, c := range cols {
		f.u8(0).cstring(c).u32(0).u32(0)
	}
	return f.buf
}

func insertFrame(relID uint32, values []string) []byte {
	f := &frameBuilder{}
	f.tag('I').u32(relID).u8('N').u16(uint16(len(values)))
	for _, v := range values {
		f.text(v)
	}
	return f.buf
}

func deleteFrame(relID uint32, values []string) []byte {
	f := &frameBuilder{}
	f.tag('D').u32(relID).u8('K').u16(uint16(len(values)))
	for _, v := range values {
		f.text(v)
	}
	return f.buf
}

type fakeDefinitions struct{ bindings []engine.CDCBinding }

func (f *fakeDefinitions) Get(ctx context.Context, id string) (*engine.SyncDefinition, error) {
	return nil, nil
}
func (f *fakeDefinitions) GetSourceBinding(ctx context.Context, id string) ([]engine.SyncSource, error) {
	return nil, nil
}
func (f *fakeDefinitions) ListTargets(ctx context.Context, id string) ([]engine.SyncTarget, error) {
	return nil, nil
}
func (f *fakeDefinitions) ListMappings(ctx context.Context, id string) ([]engine.FieldMapping, error) {
	return nil, nil
}
func (f *fakeDefinitions) EnumerateCDCDefinitions(ctx context.Context) ([]engine.CDCBinding, error) {
	return f.bindings, nil
}

type fakeLedger struct{ entries map[string]engine.LedgerEntry }

func newFakeLedger() *fakeLedger { return &fakeLedger{entries: map[string]engine.LedgerEntry{}} }

func (f *fakeLedger) GetEntry(ctx context.Context, syncDefID, hash string) (*engine.LedgerEntry, error) {
	e, ok := f.entries[hash]
	if !ok {
		return nil, nil
	}
	return &e, nil
}
func (f *fakeLedger) UpsertEntry(ctx context.Context, entry engine.LedgerEntry) error {
	f.entries[entry.SourceIdentityHash] = entry
	return nil
}
func (f *fakeLedger) DeleteEntry(ctx context.Context, syncDefID, hash string) error {
	delete(f.entries, hash)
	return nil
}
func (f *fakeLedger) GetCursor(ctx context.Context, syncDefID string, scope engine.CursorScope, disc string) (*engine.Cursor, error) {
	return nil, nil
}
func (f *fakeLedger) UpsertCursor(ctx context.Context, c engine.Cursor) error { return nil }
func (f *fakeLedger) AppendMoveAudit(ctx context.Context, rec engine.MoveAuditRecord) error {
	return nil
}
func (f *fakeLedger) ListEntries(ctx context.Context, syncDefID string) ([]engine.LedgerEntry, error) {
	return nil, nil
}

type fakeListBackend struct {
	nextItemID int64
	creates    []string
	deletes    []int64
}

func (f *fakeListBackend) CreateItem(ctx context.Context, site, list string, fields row.Row) (int64, error) {
	f.creates = append(f.creates, list)
	f.nextItemID++
	return f.nextItemID, nil
}
func (f *fakeListBackend) UpdateItem(ctx context.Context, site, list string, itemID int64, fields row.Row) error {
	return nil
}
func (f *fakeListBackend) DeleteItem(ctx context.Context, site, list string, itemID int64) error {
	f.deletes = append(f.deletes, itemID)
	return nil
}
func (f *fakeListBackend) GetItem(ctx context.Context, site, list string, itemID int64) (row.Row, bool, error) {
	return nil, false, nil
}
func (f *fakeListBackend) DeltaChanges(ctx context.Context, site, list, deltaToken string) ([]engine.DeltaItem, string, error) {
	return nil, "", nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func baseDef() *engine.SyncDefinition {
	return &engine.SyncDefinition{
		ID: "def1", SourceSchema: "public", SourceTable: "widgets",
		DefaultTargetList: "L1", KeyStrategy: identity.KeyStrategyPrimaryKey, CDCEnabled: true,
		Mappings: []engine.FieldMapping{
			{SourceName: "id", TargetName: "ID", IsKey: true, Direction: engine.DirectionBidirectional},
			{SourceName: "name", TargetName: "Title", Direction: engine.DirectionBidirectional},
		},
		Targets: []engine.SyncTarget{{TargetListID: "L1", SiteID: "site1", Active: true}},
	}
}

func newTestConsumer(defs *fakeDefinitions, ledger *fakeLedger, lb *fakeListBackend) *Consumer {
	ec := engine.Context{Definitions: defs, Ledger: ledger, ListBackend: lb, Clock: fixedClock{now: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)}, Log: zap.NewNop()}
	return NewConsumer(ec, "grp", "consumer-1")
}

func TestHandle_InsertCreatesTargetItem(t *testing.T) {
	def := baseDef()
	defs := &fakeDefinitions{bindings: []engine.CDCBinding{{InstanceID: "inst1", Schema: "public", Table: "widgets", Definition: def}}}
	ledger := newFakeLedger()
	lb := &fakeListBackend{}
	c := newTestConsumer(defs, ledger, lb)

	frame := insertFrame(7, []string{"42", "widget-a"})
	envelope := encodeEnvelope("inst1", 100, frame)
	// Prime the decoder's relation cache the way the ingestion worker's
	// stream would have: a Relation frame always precedes row frames.
	_, err := c.decoderFor("inst1").Decode(relationFrame(7, "public", "widgets", []string{"id", "name"}), 99)
	require.NoError(t, err)

	require.NoError(t, c.handle(context.Background(), engine.QueueMessage{ID: "1-1", Payload: envelope}))

	require.Equal(t, []string{"L1"}, lb.creates)
	require.Len(t, ledger.entries, 1)
}

func TestHandle_DeleteRemovesTrackedItem(t *testing.T) {
	def := baseDef()
	defs := &fakeDefinitions{bindings: []engine.CDCBinding{{InstanceID: "inst1", Schema: "public", Table: "widgets", Definition: def}}}
	ledger := newFakeLedger()
	sourceRow := row.Row{"id": row.Text("42")}
	hash := identity.SourceIdentityHash(identity.SourceIdentity(identity.KeyStrategyPrimaryKey, []string{"id"}, sourceRow))
	ledger.entries[hash] = engine.LedgerEntry{SyncDefID: "def1", SourceIdentityHash: hash, TargetListID: "L1", TargetItemID: 9}
	lb := &fakeListBackend{}
	c := newTestConsumer(defs, ledger, lb)

	frame := deleteFrame(7, []string{"42", "widget-a"})
	envelope := encodeEnvelope("inst1", 101, frame)
	_, err := c.decoderFor("inst1").Decode(relationFrame(7, "public", "widgets", []string{"id", "name"}), 100)
	require.NoError(t, err)

	require.NoError(t, c.handle(context.Background(), engine.QueueMessage{ID: "1-2", Payload: envelope}))

	require.Equal(t, []int64{9}, lb.deletes)
	require.Empty(t, ledger.entries)
}

func TestHandle_DeleteWithoutLedgerEntry_NoOp(t *testing.T) {
	def := baseDef()
	defs := &fakeDefinitions{bindings: []engine.CDCBinding{{InstanceID: "inst1", Schema: "public", Table: "widgets", Definition: def}}}
	ledger := newFakeLedger()
	lb := &fakeListBackend{}
	c := newTestConsumer(defs, ledger, lb)

	frame := deleteFrame(7, []string{"42", "widget-a"})
	envelope := encodeEnvelope("inst1", 101, frame)
	_, err := c.decoderFor("inst1").Decode(relationFrame(7, "public", "widgets", []string{"id", "name"}), 100)
	require.NoError(t, err)

	require.NoError(t, c.handle(context.Background(), engine.QueueMessage{ID: "1-3", Payload: envelope}))
	require.Empty(t, lb.deletes)
}
