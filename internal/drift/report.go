// Package drift implements the supplemented drift report (SPEC_FULL.md
// §4.13): a read-only scan over a definition's ledger entries that flags
// entries whose target list, target item or source row no longer resolves
// and, for full_reconcile, entries whose stored content_hash no longer
// matches either side, without writing anything back. Only rows that have
// a ledger entry are examined: target items with no ledger entry and move
// audit records are not scanned. A human, or a future automated sweep,
// decides what to do with the report.
package drift

import (
	"context"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
	"github.com/jare20895/ArcoreSyncBridge/internal/identity"
	"github.com/jare20895/ArcoreSyncBridge/internal/mapping"
	"github.com/jare20895/ArcoreSyncBridge/internal/row"
)

// Kind mirrors the report(sync_def_id, kind) port (SPEC_FULL.md §6).
type Kind string

const (
	KindLedgerValidity Kind = "ledger_validity"
	KindFullReconcile  Kind = "full_reconcile"
)

// Issue is one flagged ledger entry.
type Issue struct {
	SourceIdentityHash string
	TargetListID       string
	TargetItemID       int64
	Reason             string
}

// Report is the port's return shape: {items_with_issue[]}.
type Report struct {
	Kind           Kind
	ItemsWithIssue []Issue
}

// Run executes the report for syncDefID (SPEC_FULL.md §4.13).
func Run(ctx context.Context, ec engine.Context, syncDefID string, kind Kind) (Report, error) {
	def, err := ec.Definitions.Get(ctx, syncDefID)
	if err != nil {
		return Report{}, err
	}
	targets, err := ec.Definitions.ListTargets(ctx, syncDefID)
	if err != nil {
		return Report{}, err
	}
	targetsByID := make(map[string]engine.SyncTarget, len(targets))
	for _, t := range targets {
		targetsByID[t.TargetListID] = t
	}

	entries, err := ec.Ledger.ListEntries(ctx, syncDefID)
	if err != nil {
		return Report{}, err
	}

	keyCols := def.KeyColumns()
	pushShape := def.PushMappings()
	report := Report{Kind: kind}

	for _, entry := range entries {
		target, ok := targetsByID[entry.TargetListID]
		if !ok {
			report.ItemsWithIssue = append(report.ItemsWithIssue, Issue{
				SourceIdentityHash: entry.SourceIdentityHash, TargetListID: entry.TargetListID,
				TargetItemID: entry.TargetItemID, Reason: "target_list_unknown",
			})
			continue
		}

		targetFields, found, err := ec.ListBackend.GetItem(ctx, target.SiteID, target.TargetListID, entry.TargetItemID)
		if err != nil {
			return Report{}, err
		}
		if !found {
			report.ItemsWithIssue = append(report.ItemsWithIssue, Issue{
				SourceIdentityHash: entry.SourceIdentityHash, TargetListID: entry.TargetListID,
				TargetItemID: entry.TargetItemID, Reason: "target_item_missing",
			})
			continue
		}

		if kind == KindFullReconcile {
			targetHash := identity.ContentHash(mapping.TargetSubset(pushShape, targetFields))
			if targetHash != entry.ContentHash {
				report.ItemsWithIssue = append(report.ItemsWithIssue, Issue{
					SourceIdentityHash: entry.SourceIdentityHash, TargetListID: entry.TargetListID,
					TargetItemID: entry.TargetItemID, Reason: "content_hash_mismatch",
				})
				continue
			}
		}

		if len(keyCols) == 0 {
			continue
		}
		sourceRow, err := ec.SourceDB.FetchOne(ctx, def.SourceSchema, def.SourceTable, keyCols[0], row.Text(entry.SourceIdentity))
		if err != nil {
			return Report{}, err
		}
		if sourceRow == nil {
			report.ItemsWithIssue = append(report.ItemsWithIssue, Issue{
				SourceIdentityHash: entry.SourceIdentityHash, TargetListID: entry.TargetListID,
				TargetItemID: entry.TargetItemID, Reason: "source_row_missing",
			})
			continue
		}

		if kind == KindFullReconcile {
			sourceHash := identity.ContentHash(mapping.ToTarget(pushShape, sourceRow))
			if sourceHash != entry.ContentHash {
				report.ItemsWithIssue = append(report.ItemsWithIssue, Issue{
					SourceIdentityHash: entry.SourceIdentityHash, TargetListID: entry.TargetListID,
					TargetItemID: entry.TargetItemID, Reason: "content_hash_mismatch",
				})
			}
		}
	}

	return report, nil
}
