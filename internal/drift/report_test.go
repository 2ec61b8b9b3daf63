package drift

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
	"github.com/jare20895/ArcoreSyncBridge/internal/identity"
	"github.com/jare20895/ArcoreSyncBridge/internal/mapping"
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
	return nil, nil
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

type fakeLedger struct {
	entries []engine.LedgerEntry
}

func (f *fakeLedger) GetEntry(ctx context.Context, syncDefID, hash string) (*engine.LedgerEntry, error) {
	return nil, nil
}
func (f *fakeLedger) UpsertEntry(ctx context.Context, entry engine.LedgerEntry) error { return nil }
func (f *fakeLedger) DeleteEntry(ctx context.Context, syncDefID, hash string) error   { return nil }
func (f *fakeLedger) GetCursor(ctx context.Context, syncDefID string, scope engine.CursorScope, disc string) (*engine.Cursor, error) {
	return nil, nil
}
func (f *fakeLedger) UpsertCursor(ctx context.Context, c engine.Cursor) error { return nil }
func (f *fakeLedger) AppendMoveAudit(ctx context.Context, rec engine.MoveAuditRecord) error {
	return nil
}
func (f *fakeLedger) ListEntries(ctx context.Context, syncDefID string) ([]engine.LedgerEntry, error) {
	return f.entries, nil
}

type fakeListBackend struct {
	items map[int64]row.Row
}

func (f *fakeListBackend) CreateItem(ctx context.Context, site, list string, fields row.Row) (int64, error) {
	return 0, nil
}
func (f *fakeListBackend) UpdateItem(ctx context.Context, site, list string, itemID int64, fields row.Row) error {
	return nil
}
func (f *fakeListBackend) DeleteItem(ctx context.Context, site, list string, itemID int64) error {
	return nil
}
func (f *fakeListBackend) GetItem(ctx context.Context, site, list string, itemID int64) (row.Row, bool, error) {
	r, ok := f.items[itemID]
	return r, ok, nil
}
func (f *fakeListBackend) DeltaChanges(ctx context.Context, site, list, deltaToken string) ([]engine.DeltaItem, string, error) {
	return nil, "", nil
}

type fakeSourceDB struct {
	rows map[string]row.Row
}

func (f *fakeSourceDB) FetchChanged(ctx context.Context, schema, table, cursorCol, cursorValue string, limit int) ([]engine.ChangedRow, error) {
	return nil, nil
}
func (f *fakeSourceDB) FetchOne(ctx context.Context, schema, table, keyCol string, keyValue row.Value) (row.Row, error) {
	r, ok := f.rows[keyValue.String()]
	if !ok {
		return nil, nil
	}
	return r, nil
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

func baseDef() *engine.SyncDefinition {
	return &engine.SyncDefinition{
		ID: "def1", SourceSchema: "public", SourceTable: "products",
		KeyStrategy: identity.KeyStrategyPrimaryKey,
		Mappings: []engine.FieldMapping{
			{SourceName: "sku", TargetName: "SKU", IsKey: true, Direction: engine.DirectionBidirectional},
			{SourceName: "title", TargetName: "Title", Direction: engine.DirectionBidirectional},
		},
	}
}

func newContext(defs *fakeDefinitions, ledger *fakeLedger, lb *fakeListBackend, sdb *fakeSourceDB) engine.Context {
	return engine.Context{Definitions: defs, Ledger: ledger, ListBackend: lb, SourceDB: sdb}
}

func TestRun_LedgerValidity_FlagsMissingTargetItem(t *testing.T) {
	def := baseDef()
	targets := []engine.SyncTarget{{TargetListID: "L1", SiteID: "site1", Active: true}}
	defs := &fakeDefinitions{def: def, targets: targets}
	ledger := &fakeLedger{entries: []engine.LedgerEntry{
		{SyncDefID: "def1", SourceIdentityHash: "h1", SourceIdentity: "SKU-1", TargetListID: "L1", TargetItemID: 42},
	}}
	lb := &fakeListBackend{items: map[int64]row.Row{}} // item 42 absent
	sdb := &fakeSourceDB{rows: map[string]row.Row{"SKU-1": {"sku": row.Text("SKU-1")}}}

	report, err := Run(context.Background(), newContext(defs, ledger, lb, sdb), "def1", KindLedgerValidity)

	require.NoError(t, err)
	require.Len(t, report.ItemsWithIssue, 1)
	require.Equal(t, "target_item_missing", report.ItemsWithIssue[0].Reason)
}

func TestRun_LedgerValidity_FlagsMissingSourceRow(t *testing.T) {
	def := baseDef()
	targets := []engine.SyncTarget{{TargetListID: "L1", SiteID: "site1", Active: true}}
	defs := &fakeDefinitions{def: def, targets: targets}
	ledger := &fakeLedger{entries: []engine.LedgerEntry{
		{SyncDefID: "def1", SourceIdentityHash: "h1", SourceIdentity: "SKU-GONE", TargetListID: "L1", TargetItemID: 42},
	}}
	lb := &fakeListBackend{items: map[int64]row.Row{42: {"Title": row.Text("x")}}}
	sdb := &fakeSourceDB{rows: map[string]row.Row{}}

	report, err := Run(context.Background(), newContext(defs, ledger, lb, sdb), "def1", KindLedgerValidity)

	require.NoError(t, err)
	require.Len(t, report.ItemsWithIssue, 1)
	require.Equal(t, "source_row_missing", report.ItemsWithIssue[0].Reason)
}

func TestRun_FullReconcile_FlagsContentHashMismatch(t *testing.T) {
	def := baseDef()
	targets := []engine.SyncTarget{{TargetListID: "L1", SiteID: "site1", Active: true}}
	defs := &fakeDefinitions{def: def, targets: targets}

	sourceRow := row.Row{"sku": row.Text("SKU-1"), "title": row.Text("New Title")}
	currentHash := identity.ContentHash(mapping.ToTarget(def.PushMappings(), sourceRow))

	ledger := &fakeLedger{entries: []engine.LedgerEntry{
		{SyncDefID: "def1", SourceIdentityHash: "h1", SourceIdentity: "SKU-1", TargetListID: "L1", TargetItemID: 42, ContentHash: "stale-hash"},
	}}
	lb := &fakeListBackend{items: map[int64]row.Row{42: {"Title": row.Text("Old Title")}}}
	sdb := &fakeSourceDB{rows: map[string]row.Row{"SKU-1": sourceRow}}

	report, err := Run(context.Background(), newContext(defs, ledger, lb, sdb), "def1", KindFullReconcile)

	require.NoError(t, err)
	require.Len(t, report.ItemsWithIssue, 1)
	require.Equal(t, "content_hash_mismatch", report.ItemsWithIssue[0].Reason)
	require.NotEqual(t, "stale-hash", currentHash)
}

// TestRun_FullReconcile_FlagsTargetSideDrift covers the case where the
// source row and ledger's stored content_hash still agree, but the target
// item's fields were edited directly on the list backend: SPEC_FULL.md
// §4.13 says full_reconcile diffs a fresh content_hash recompute on both
// sides, so this must still be flagged even though the source-side
// recompute alone would find nothing wrong.
func TestRun_FullReconcile_FlagsTargetSideDrift(t *testing.T) {
	def := baseDef()
	targets := []engine.SyncTarget{{TargetListID: "L1", SiteID: "site1", Active: true}}
	defs := &fakeDefinitions{def: def, targets: targets}

	sourceRow := row.Row{"sku": row.Text("SKU-1"), "title": row.Text("Widget")}
	agreeingHash := identity.ContentHash(mapping.ToTarget(def.PushMappings(), sourceRow))

	ledger := &fakeLedger{entries: []engine.LedgerEntry{
		{SyncDefID: "def1", SourceIdentityHash: "h1", SourceIdentity: "SKU-1", TargetListID: "L1", TargetItemID: 42, ContentHash: agreeingHash},
	}}
	// Target item was edited directly on the backend: Title no longer
	// matches what source/ledger agree on.
	lb := &fakeListBackend{items: map[int64]row.Row{42: {"SKU": row.Text("SKU-1"), "Title": row.Text("Edited Directly")}}}
	sdb := &fakeSourceDB{rows: map[string]row.Row{"SKU-1": sourceRow}}

	report, err := Run(context.Background(), newContext(defs, ledger, lb, sdb), "def1", KindFullReconcile)

	require.NoError(t, err)
	require.Len(t, report.ItemsWithIssue, 1)
	require.Equal(t, "content_hash_mismatch", report.ItemsWithIssue[0].Reason)
}

func TestRun_LedgerValidity_NoIssues(t *testing.T) {
	def := baseDef()
	targets := []engine.SyncTarget{{TargetListID: "L1", SiteID: "site1", Active: true}}
	defs := &fakeDefinitions{def: def, targets: targets}
	ledger := &fakeLedger{entries: []engine.LedgerEntry{
		{SyncDefID: "def1", SourceIdentityHash: "h1", SourceIdentity: "SKU-1", TargetListID: "L1", TargetItemID: 42},
	}}
	lb := &fakeListBackend{items: map[int64]row.Row{42: {"Title": row.Text("x")}}}
	sdb := &fakeSourceDB{rows: map[string]row.Row{"SKU-1": {"sku": row.Text("SKU-1")}}}

	report, err := Run(context.Background(), newContext(defs, ledger, lb, sdb), "def1", KindLedgerValidity)

	require.NoError(t, err)
	require.Empty(t, report.ItemsWithIssue)
}
