package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jare20895/ArcoreSyncBridge/internal/drift"
	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
	"github.com/jare20895/ArcoreSyncBridge/internal/identity"
	"github.com/jare20895/ArcoreSyncBridge/internal/row"
)

type fakeDefinitions struct {
	def     *engine.SyncDefinition
	targets []engine.SyncTarget
}

func (f *fakeDefinitions) Get(ctx context.Context, id string) (*engine.SyncDefinition, error) {
	return f.def, nil
}
func (f *fakeDefinitions) GetSourceBinding(ctx context.Context, id string) ([]engine.SyncSource, error) {
	return f.def.Sources, nil
}
func (f *fakeDefinitions) ListTargets(ctx context.Context, id string) ([]engine.SyncTarget, error) {
	return f.targets, nil
}
func (f *fakeDefinitions) ListMappings(ctx context.Context, id string) ([]engine.FieldMapping, error) {
	return f.def.Mappings, nil
}
func (f *fakeDefinitions) EnumerateCDCDefinitions(ctx context.Context) ([]engine.CDCBinding, error) {
	return nil, nil
}

type fakeSourceDB struct{ changed []engine.ChangedRow }

func (f *fakeSourceDB) FetchChanged(ctx context.Context, schema, table, cursorCol, cursorValue string, limit int) ([]engine.ChangedRow, error) {
	return f.changed, nil
}
func (f *fakeSourceDB) FetchOne(ctx context.Context, schema, table, keyCol string, keyValue row.Value) (row.Row, error) {
	return nil, nil
}
func (f *fakeSourceDB) Insert(ctx context.Context, schema, table string, fields row.Row) (row.Row, error) {
	return fields, nil
}
func (f *fakeSourceDB) Update(ctx context.Context, schema, table, keyCol string, keyValue row.Value, fields row.Row) (row.Row, error) {
	return fields, nil
}
func (f *fakeSourceDB) Delete(ctx context.Context, schema, table, keyCol string, keyValue row.Value) (bool, error) {
	return true, nil
}
func (f *fakeSourceDB) OpenReplication(ctx context.Context, slotName string, startLSN uint64) (engine.ReplicationStream, error) {
	return nil, nil
}
func (f *fakeSourceDB) SendFeedback(ctx context.Context, lsn uint64) error    { return nil }
func (f *fakeSourceDB) CreateSlot(ctx context.Context, slotName string) error { return nil }
func (f *fakeSourceDB) DropSlot(ctx context.Context, slotName string) error   { return nil }
func (f *fakeSourceDB) ListSlots(ctx context.Context) ([]string, error)      { return nil, nil }

type fakeListBackend struct {
	nextItemID int64
	creates    []string
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
	return nil
}
func (f *fakeListBackend) GetItem(ctx context.Context, site, list string, itemID int64) (row.Row, bool, error) {
	return nil, false, nil
}
func (f *fakeListBackend) DeltaChanges(ctx context.Context, site, list, deltaToken string) ([]engine.DeltaItem, string, error) {
	return nil, "", nil
}

type fakeLedger struct {
	entries map[string]engine.LedgerEntry
	cursors map[string]engine.Cursor
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{entries: map[string]engine.LedgerEntry{}, cursors: map[string]engine.Cursor{}}
}
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
	c, ok := f.cursors[disc]
	if !ok {
		return nil, nil
	}
	return &c, nil
}
func (f *fakeLedger) UpsertCursor(ctx context.Context, c engine.Cursor) error {
	f.cursors[c.Discriminator] = c
	return nil
}
func (f *fakeLedger) AppendMoveAudit(ctx context.Context, rec engine.MoveAuditRecord) error { return nil }
func (f *fakeLedger) ListEntries(ctx context.Context, syncDefID string) ([]engine.LedgerEntry, error) {
	var out []engine.LedgerEntry
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

type fakeRuns struct {
	created []engine.RunRecord
	updated []engine.RunRecord
}

func (f *fakeRuns) CreateRun(ctx context.Context, rec engine.RunRecord) error {
	f.created = append(f.created, rec)
	return nil
}
func (f *fakeRuns) UpdateRun(ctx context.Context, rec engine.RunRecord) error {
	f.updated = append(f.updated, rec)
	return nil
}
func (f *fakeRuns) AppendEvent(ctx context.Context, ev engine.EventRecord) error { return nil }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func baseDefinition() *engine.SyncDefinition {
	return &engine.SyncDefinition{
		ID: "def1", SourceSchema: "public", SourceTable: "products",
		CursorColumn: "updated_at", DefaultTargetList: "L1",
		SyncMode: engine.SyncModePushOnly, KeyStrategy: identity.KeyStrategyPrimaryKey,
		CursorStrategy: engine.CursorTypeTimestamp,
		Mappings: []engine.FieldMapping{
			{SourceName: "sku", TargetName: "SKU", IsKey: true, Direction: engine.DirectionBidirectional},
		},
		Sources: []engine.SyncSource{{InstanceID: "inst1", Role: "primary", Enabled: true}},
	}
}

func newTestOrchestrator(defs *fakeDefinitions, ledger *fakeLedger, lb *fakeListBackend, sdb *fakeSourceDB, runs *fakeRuns) *Orchestrator {
	ec := engine.Context{
		Definitions: defs, SourceDB: sdb, ListBackend: lb, Ledger: ledger, Runs: runs,
		Clock: fixedClock{now: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)}, Log: zap.NewNop(),
	}
	return New(ec)
}

func TestRunPush_RecordsCompletedRun(t *testing.T) {
	def := baseDefinition()
	targets := []engine.SyncTarget{{TargetListID: "L1", SiteID: "site1", Active: true}}
	def.Targets = targets
	defs := &fakeDefinitions{def: def, targets: targets}
	sdb := &fakeSourceDB{changed: []engine.ChangedRow{
		{Row: row.Row{"sku": row.Text("SKU-1")}, CursorValue: "2026-01-02T09:00:00Z"},
	}}
	lb := &fakeListBackend{}
	ledger := newFakeLedger()
	runs := &fakeRuns{}

	orch := newTestOrchestrator(defs, ledger, lb, sdb, runs)
	result, err := orch.RunPush(context.Background(), "def1")

	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)
	require.Len(t, runs.created, 1)
	require.Equal(t, engine.RunStatusRunning, runs.created[0].Status)
	require.Len(t, runs.updated, 1)
	require.Equal(t, engine.RunStatusCompleted, runs.updated[0].Status)
	require.Equal(t, 1, runs.updated[0].Succeeded)
}

func TestRunIngress_AggregatesAcrossActiveTargets(t *testing.T) {
	def := baseDefinition()
	targets := []engine.SyncTarget{
		{TargetListID: "L1", SiteID: "site1", Active: true},
		{TargetListID: "L2", SiteID: "site1", Active: false}, // inactive: skipped
	}
	def.Targets = targets
	defs := &fakeDefinitions{def: def, targets: targets}
	lb := &fakeListBackend{}
	ledger := newFakeLedger()
	runs := &fakeRuns{}

	orch := newTestOrchestrator(defs, ledger, lb, &fakeSourceDB{}, runs)
	result, err := orch.RunIngress(context.Background(), "def1")

	require.NoError(t, err)
	require.Equal(t, 0, result.Processed) // no delta changes queued by the fake backend
	require.Len(t, runs.updated, 1)
	require.Equal(t, engine.RunStatusCompleted, runs.updated[0].Status)
}

func TestMove_UnknownTargetList_NotFound(t *testing.T) {
	def := baseDefinition()
	targets := []engine.SyncTarget{{TargetListID: "L1", SiteID: "site1", Active: true}}
	def.Targets = targets
	defs := &fakeDefinitions{def: def, targets: targets}

	orch := newTestOrchestrator(defs, newFakeLedger(), &fakeListBackend{}, &fakeSourceDB{}, &fakeRuns{})
	_, err := orch.Move(context.Background(), "def1", "h1", "L_UNKNOWN", row.Row{})

	require.Error(t, err)
	require.True(t, engine.Is(err, engine.KindNotFound))
}

func TestMove_ResolvesSiteFromTargetBinding(t *testing.T) {
	def := baseDefinition()
	targets := []engine.SyncTarget{{TargetListID: "L_NEW", SiteID: "site-new", Active: true}}
	def.Targets = targets
	defs := &fakeDefinitions{def: def, targets: targets}
	ledger := newFakeLedger()
	ledger.entries["h1"] = engine.LedgerEntry{SyncDefID: "def1", SourceIdentityHash: "h1", TargetListID: "L_OLD", TargetItemID: 5}
	lb := &fakeListBackend{}

	orch := newTestOrchestrator(defs, ledger, lb, &fakeSourceDB{}, &fakeRuns{})
	result, err := orch.Move(context.Background(), "def1", "h1", "L_NEW", row.Row{"Title": row.Text("x")})

	require.NoError(t, err)
	require.True(t, result.Ok)
	require.Equal(t, []string{"L_NEW"}, lb.creates)
}

func TestReport_DelegatesToDriftRun(t *testing.T) {
	def := baseDefinition()
	targets := []engine.SyncTarget{{TargetListID: "L1", SiteID: "site1", Active: true}}
	def.Targets = targets
	defs := &fakeDefinitions{def: def, targets: targets}
	ledger := newFakeLedger()
	lb := &fakeListBackend{}

	orch := newTestOrchestrator(defs, ledger, lb, &fakeSourceDB{}, &fakeRuns{})
	report, err := orch.Report(context.Background(), "def1", drift.KindLedgerValidity)

	require.NoError(t, err)
	require.Empty(t, report.ItemsWithIssue)
}
