// Package move implements the move manager (C11, SPEC_FULL.md §4.11): the
// controlled, create-new/rewrite-ledger/delete-old relocation of a logical
// row's target binding from one list to another.
package move

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
	"github.com/jare20895/ArcoreSyncBridge/internal/row"
)

// Result is returned by Move; NewItemID is meaningful only when Ok is true.
type Result struct {
	Ok         bool
	NewItemID  int64
	AuditID    string
	AuditStatus engine.MoveStatus
}

// Manager runs the move algorithm against an engine.Context.
type Manager struct {
	ctx engine.Context
}

// New builds a Manager bound to ec.
func New(ec engine.Context) *Manager {
	return &Manager{ctx: ec.WithLog("move")}
}

// Move relocates the logical row (syncDefID, sourceIdentityHash), currently
// bound per the ledger's recorded target, to newTargetListID, creating the
// new item from itemData (SPEC_FULL.md §4.11).
//
// Ordering follows the spec exactly: create-new, then rewrite the ledger
// (the index of truth — once this commits, every subsequent push targets
// item_new), then delete-old as best-effort cleanup. A failure after the
// create but before the ledger rewrite leaves the row present in both
// lists; this is recorded as orphan_risk rather than retried automatically,
// per the SPEC_FULL.md §9 decision not to synthesize a compensating delete.
func (m *Manager) Move(ctx context.Context, syncDefID, sourceIdentityHash, newSite, newTargetListID string, itemData row.Row) (Result, error) {
	entry, err := m.ctx.Ledger.GetEntry(ctx, syncDefID, sourceIdentityHash)
	if err != nil {
		return Result{}, err
	}
	if entry == nil {
		return Result{}, engine.NotFound("move.lookup_entry", fmt.Errorf("no ledger entry for (%s, %s)", syncDefID, sourceIdentityHash))
	}

	oldListID := entry.TargetListID
	oldItemID := entry.TargetItemID
	oldSite := newSite // fallback if the old target's own binding can't be resolved
	if m.ctx.Definitions != nil {
		if targets, terr := m.ctx.Definitions.ListTargets(ctx, syncDefID); terr == nil {
			for _, t := range targets {
				if t.TargetListID == oldListID {
					oldSite = t.SiteID
					break
				}
			}
		}
	}

	newItemID, err := m.ctx.ListBackend.CreateItem(ctx, newSite, newTargetListID, itemData)
	if err != nil {
		return Result{}, err
	}

	newEntry := *entry
	newEntry.TargetListID = newTargetListID
	newEntry.TargetItemID = newItemID
	newEntry.LastSyncTS = m.ctx.Clock.Now()

	if err := m.ctx.Ledger.UpsertEntry(ctx, newEntry); err != nil {
		// Critical: the item now exists in two lists and the ledger still
		// points at the old one. Recorded as orphan_risk so a human or a
		// future reconciliation sweep can act (SPEC_FULL.md §4.11 step 2).
		audit := m.audit(ctx, syncDefID, sourceIdentityHash, oldListID, oldItemID, newTargetListID, newItemID, engine.MoveStatusOrphanRisk)
		return Result{AuditID: audit.ID, AuditStatus: audit.Status}, err
	}

	status := engine.MoveStatusSuccess
	if delErr := m.ctx.ListBackend.DeleteItem(ctx, oldSite, oldListID, oldItemID); delErr != nil {
		// Ledger is correct; the old item is orphaned and left for
		// reconciliation (SPEC_FULL.md §4.11 step 3).
		status = engine.MoveStatusSuccessOrphan
	}

	audit := m.audit(ctx, syncDefID, sourceIdentityHash, oldListID, oldItemID, newTargetListID, newItemID, status)
	return Result{Ok: true, NewItemID: newItemID, AuditID: audit.ID, AuditStatus: audit.Status}, nil
}

func (m *Manager) audit(ctx context.Context, syncDefID, sourceIdentityHash, oldList string, oldItem int64, newList string, newItem int64, status engine.MoveStatus) engine.MoveAuditRecord {
	rec := engine.MoveAuditRecord{
		ID:                 uuid.NewString(),
		SyncDefID:          syncDefID,
		SourceIdentityHash: sourceIdentityHash,
		OldTargetListID:    oldList,
		OldTargetItemID:    oldItem,
		NewTargetListID:    newList,
		NewTargetItemID:    newItem,
		Status:             status,
		CreatedAt:          m.ctx.Clock.Now(),
	}
	_ = m.ctx.Ledger.AppendMoveAudit(ctx, rec)
	return rec
}
