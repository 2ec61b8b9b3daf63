package move

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
	"github.com/jare20895/ArcoreSyncBridge/internal/row"
)

type fakeLedger struct {
	entries map[string]engine.LedgerEntry
	audits  []engine.MoveAuditRecord
}

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
	f.audits = append(f.audits, rec)
	return nil
}
func (f *fakeLedger) ListEntries(ctx context.Context, syncDefID string) ([]engine.LedgerEntry, error) {
	return nil, nil
}

type fakeListBackend struct {
	nextID       int64
	creates      []string // list ids created into
	deletes      []string // list ids deleted from
	deleteSites  []string // sites the deletes were issued against
	failDelete   bool
	failUpsertAfterCreate bool
}

func (f *fakeListBackend) CreateItem(ctx context.Context, site, list string, fields row.Row) (int64, error) {
	f.creates = append(f.creates, list)
	f.nextID++
	return f.nextID, nil
}
func (f *fakeListBackend) UpdateItem(ctx context.Context, site, list string, itemID int64, fields row.Row) error {
	return nil
}
func (f *fakeListBackend) DeleteItem(ctx context.Context, site, list string, itemID int64) error {
	f.deletes = append(f.deletes, list)
	f.deleteSites = append(f.deleteSites, site)
	if f.failDelete {
		return errors.New("backend unavailable")
	}
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

type fakeDefinitions struct{ targets []engine.SyncTarget }

func (f *fakeDefinitions) Get(ctx context.Context, id string) (*engine.SyncDefinition, error) {
	return nil, nil
}
func (f *fakeDefinitions) GetSourceBinding(ctx context.Context, id string) ([]engine.SyncSource, error) {
	return nil, nil
}
func (f *fakeDefinitions) ListTargets(ctx context.Context, id string) ([]engine.SyncTarget, error) {
	return f.targets, nil
}
func (f *fakeDefinitions) ListMappings(ctx context.Context, id string) ([]engine.FieldMapping, error) {
	return nil, nil
}
func (f *fakeDefinitions) EnumerateCDCDefinitions(ctx context.Context) ([]engine.CDCBinding, error) {
	return nil, nil
}

func newTestContext(ledger engine.LedgerStore, lb engine.ListBackend) engine.Context {
	return engine.Context{Ledger: ledger, ListBackend: lb, Clock: fixedClock{now: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)}, Log: zap.NewNop()}
}

func TestMove_Success(t *testing.T) {
	ledger := newFakeLedger()
	ledger.entries["h1"] = engine.LedgerEntry{SyncDefID: "def1", SourceIdentityHash: "h1", TargetListID: "L_OLD", TargetItemID: 10}
	lb := &fakeListBackend{}

	mgr := New(newTestContext(ledger, lb))
	result, err := mgr.Move(context.Background(), "def1", "h1", "site1", "L_NEW", row.Row{"Title": row.Text("Widget")})

	require.NoError(t, err)
	require.True(t, result.Ok)
	require.Equal(t, int64(1), result.NewItemID)
	require.Equal(t, engine.MoveStatusSuccess, result.AuditStatus)

	entry := ledger.entries["h1"]
	require.Equal(t, "L_NEW", entry.TargetListID)
	require.Equal(t, int64(1), entry.TargetItemID)
	require.Equal(t, []string{"L_NEW"}, lb.creates)
	require.Equal(t, []string{"L_OLD"}, lb.deletes)
	require.Len(t, ledger.audits, 1)
}

func TestMove_DeleteFails_RecordsSuccessOrphan(t *testing.T) {
	ledger := newFakeLedger()
	ledger.entries["h1"] = engine.LedgerEntry{SyncDefID: "def1", SourceIdentityHash: "h1", TargetListID: "L_OLD", TargetItemID: 10}
	lb := &fakeListBackend{failDelete: true}

	mgr := New(newTestContext(ledger, lb))
	result, err := mgr.Move(context.Background(), "def1", "h1", "site1", "L_NEW", row.Row{})

	require.NoError(t, err)
	require.True(t, result.Ok)
	require.Equal(t, engine.MoveStatusSuccessOrphan, result.AuditStatus)
	// Ledger is still correct even though the old item was not cleaned up.
	require.Equal(t, "L_NEW", ledger.entries["h1"].TargetListID)
}

// TestMove_DeletesOldItemOnOldTargetsSite ensures the old item is deleted
// against its own target's site binding, not the new target's, when the two
// differ (SPEC_FULL.md §4.11 step 3).
func TestMove_DeletesOldItemOnOldTargetsSite(t *testing.T) {
	ledger := newFakeLedger()
	ledger.entries["h1"] = engine.LedgerEntry{SyncDefID: "def1", SourceIdentityHash: "h1", TargetListID: "L_OLD", TargetItemID: 10}
	lb := &fakeListBackend{}

	ec := newTestContext(ledger, lb)
	ec.Definitions = &fakeDefinitions{targets: []engine.SyncTarget{
		{TargetListID: "L_OLD", SiteID: "site_old"},
		{TargetListID: "L_NEW", SiteID: "site_new"},
	}}

	mgr := New(ec)
	result, err := mgr.Move(context.Background(), "def1", "h1", "site_new", "L_NEW", row.Row{})

	require.NoError(t, err)
	require.True(t, result.Ok)
	require.Equal(t, []string{"site_old"}, lb.deleteSites)
}

func TestMove_NoLedgerEntry_NotFound(t *testing.T) {
	ledger := newFakeLedger()
	lb := &fakeListBackend{}
	mgr := New(newTestContext(ledger, lb))

	_, err := mgr.Move(context.Background(), "def1", "missing", "site1", "L_NEW", row.Row{})
	require.Error(t, err)
	require.True(t, engine.Is(err, engine.KindNotFound))
}
