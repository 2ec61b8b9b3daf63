// Package ingress implements the ingress engine (SPEC_FULL.md §4.10), the
// delta-token-polling target-to-source synchronization path: the mirror
// image of internal/push, reversed across the same ledger.
package ingress

import (
	"context"
	"fmt"
	"time"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
	"github.com/jare20895/ArcoreSyncBridge/internal/identity"
	"github.com/jare20895/ArcoreSyncBridge/internal/mapping"
	"github.com/jare20895/ArcoreSyncBridge/internal/metrics"
	"github.com/jare20895/ArcoreSyncBridge/internal/row"
)

// Result is the outcome summary the orchestrator records onto a RunRecord.
type Result struct {
	Processed         int
	Succeeded         int
	Failed            int
	Skipped           int
	NewTokenPersisted bool
}

// Engine runs the ingress algorithm against an engine.Context.
type Engine struct {
	ctx engine.Context
}

// New builds an ingress Engine bound to ec.
func New(ec engine.Context) *Engine {
	return &Engine{ctx: ec.WithLog("ingress")}
}

// Run executes one ingress run for (syncDefID, targetListID) (SPEC_FULL.md
// §4.10). The orchestrator invokes this once per active target list bound
// to the definition.
func (e *Engine) Run(ctx context.Context, runID, syncDefID, targetListID string) (Result, error) {
	def, err := e.ctx.Definitions.Get(ctx, syncDefID)
	if err != nil {
		return Result{}, err
	}
	if def.Paused {
		return Result{}, nil
	}

	target, err := e.resolveTarget(ctx, syncDefID, targetListID)
	if err != nil {
		return Result{}, err
	}

	cursor, err := e.ctx.Ledger.GetCursor(ctx, syncDefID, engine.ScopeTarget, target.TargetListID)
	if err != nil {
		return Result{}, err
	}
	token := ""
	if cursor != nil {
		token = cursor.CursorValue
	}

	changes, newToken, err := e.ctx.ListBackend.DeltaChanges(ctx, target.SiteID, target.TargetListID, token)
	if err != nil {
		return Result{}, err
	}

	pushShape := def.PushMappings() // same subset/shape the push engine hashed
	pullMappings := def.PullMappings()
	result := Result{}

	for _, change := range changes {
		result.Processed++
		outcome, err := e.processChange(ctx, def, pushShape, pullMappings, target, change)
		switch {
		case err != nil && engine.Is(err, engine.KindTransport):
			// Fail-fast (SPEC_FULL.md §4.10 step 4): a failed change means
			// the page's new token must not be persisted.
			result.Failed++
			metrics.ObserveRow("ingress", syncDefID, metrics.OutcomeFailed)
			e.appendEvent(ctx, runID, syncDefID, engine.SeverityError, "ingress_change_failed", err.Error())
			return result, nil
		case err != nil:
			return result, err
		case outcome.conflictSkipped:
			result.Skipped++
			metrics.ObserveRow("ingress", syncDefID, metrics.OutcomeConflict)
			e.appendEvent(ctx, runID, syncDefID, engine.SeverityInfo, "conflict_skipped", outcome.note)
		case outcome.skipped:
			result.Skipped++
			metrics.ObserveRow("ingress", syncDefID, metrics.OutcomeSkipped)
		default:
			result.Succeeded++
			metrics.ObserveRow("ingress", syncDefID, metrics.OutcomeSucceeded)
		}
	}

	if result.Failed == 0 {
		if err := e.ctx.Ledger.UpsertCursor(ctx, engine.Cursor{
			SyncDefID:     syncDefID,
			Scope:         engine.ScopeTarget,
			Discriminator: target.TargetListID,
			CursorType:    engine.CursorTypeDeltaToken,
			CursorValue:   newToken,
			UpdatedAt:     e.ctx.Clock.Now(),
		}); err != nil {
			return result, err
		}
		result.NewTokenPersisted = true
	}

	return result, nil
}

type changeOutcome struct {
	skipped         bool
	conflictSkipped bool
	note            string
}

func (e *Engine) processChange(
	ctx context.Context,
	def *engine.SyncDefinition,
	pushShape, pullMappings []engine.FieldMapping,
	target engine.SyncTarget,
	change engine.DeltaItem,
) (changeOutcome, error) {
	if change.Reason == "deleted" {
		return e.applyDelete(ctx, def, change)
	}
	return e.applyChange(ctx, def, pushShape, pullMappings, target, change)
}

// applyDelete mirrors SPEC_FULL.md §4.10 step 3's deleted branch: only acts
// when a ledger entry still points at this target item (an already-deleted
// or never-tracked item is a no-op, matching the idempotence law in §8).
func (e *Engine) applyDelete(ctx context.Context, def *engine.SyncDefinition, change engine.DeltaItem) (changeOutcome, error) {
	entry, err := e.entryByTargetItem(ctx, def.ID, change.ItemID)
	if err != nil {
		return changeOutcome{}, err
	}
	if entry == nil {
		return changeOutcome{skipped: true}, nil
	}

	keyCols := def.KeyColumns()
	if len(keyCols) == 0 {
		return changeOutcome{}, engine.Invariant("ingress.apply_delete", fmt.Errorf("definition %q has no key mapping", def.ID))
	}

	if _, err := e.ctx.SourceDB.Delete(ctx, def.SourceSchema, def.SourceTable, keyCols[0], row.Text(entry.SourceIdentity)); err != nil {
		return changeOutcome{}, err
	}
	if err := e.ctx.Ledger.DeleteEntry(ctx, def.ID, entry.SourceIdentityHash); err != nil {
		return changeOutcome{}, err
	}
	return changeOutcome{}, nil
}

// applyChange mirrors SPEC_FULL.md §4.10 step 3's changed branch: echo
// suppression, then conflict detection against the source's own current
// content, then the insert-or-update.
func (e *Engine) applyChange(
	ctx context.Context,
	def *engine.SyncDefinition,
	pushShape, pullMappings []engine.FieldMapping,
	target engine.SyncTarget,
	change engine.DeltaItem,
) (changeOutcome, error) {
	// content_hash is computed over the same target-shaped subset the push
	// engine hashes (internal/mapping.ToTarget output), not a re-derived
	// source-shaped payload, so push- and pull-produced hashes for
	// identical content compare equal (SPEC_FULL.md §4.3).
	targetShaped := mapping.TargetSubset(pushShape, change.Fields)
	contentHash := identity.ContentHash(targetShaped)

	sourceMapped := mapping.ToSource(pullMappings, change.Fields)
	keyCols := def.KeyColumns()
	if len(keyCols) == 0 {
		return changeOutcome{}, engine.Invariant("ingress.apply_change", fmt.Errorf("definition %q has no key mapping", def.ID))
	}

	sourceIdentity := identity.SourceIdentity(def.KeyStrategy, keyCols, sourceMapped)
	hash := identity.SourceIdentityHash(sourceIdentity)

	entry, err := e.ctx.Ledger.GetEntry(ctx, def.ID, hash)
	if err != nil {
		return changeOutcome{}, err
	}
	if entry == nil {
		entry, err = e.entryByTargetItem(ctx, def.ID, change.ItemID)
		if err != nil {
			return changeOutcome{}, err
		}
	}

	if entry != nil {
		if entry.Provenance == engine.ProvenancePush && entry.ContentHash == contentHash {
			return changeOutcome{skipped: true}, nil
		}

		conflict, err := e.sourceDivergedFromLedger(ctx, def, pushShape, keyCols[0], sourceMapped[keyCols[0]], entry)
		if err != nil {
			return changeOutcome{}, err
		}
		if conflict {
			outcome, err := e.resolveConflict(def, entry, change)
			if err != errApplyChange {
				return outcome, err
			}
			// err == errApplyChange: target_wins or a tie-broken
			// last_writer_wins falls through to the normal update below.
		}

		updated, err := e.ctx.SourceDB.Update(ctx, def.SourceSchema, def.SourceTable, keyCols[0], sourceMapped[keyCols[0]], sourceMapped)
		if err != nil {
			return changeOutcome{}, err
		}
		sourceIdentity = identity.SourceIdentity(def.KeyStrategy, keyCols, updated)
		hash = identity.SourceIdentityHash(sourceIdentity)
	} else {
		inserted, err := e.ctx.SourceDB.Insert(ctx, def.SourceSchema, def.SourceTable, sourceMapped)
		if err != nil {
			return changeOutcome{}, err
		}
		sourceIdentity = identity.SourceIdentity(def.KeyStrategy, keyCols, inserted)
		hash = identity.SourceIdentityHash(sourceIdentity)
	}

	if err := e.ctx.Ledger.UpsertEntry(ctx, engine.LedgerEntry{
		SyncDefID:          def.ID,
		SourceIdentityHash: hash,
		SourceIdentity:     sourceIdentity,
		TargetListID:       target.TargetListID,
		TargetItemID:       change.ItemID,
		ContentHash:        contentHash,
		LastSyncTS:         e.ctx.Clock.Now(),
		Provenance:         engine.ProvenancePull,
	}); err != nil {
		return changeOutcome{}, err
	}
	return changeOutcome{}, nil
}

// sourceDivergedFromLedger reports whether the source row's current
// content (mapped the way push would hash it) differs from what the
// ledger last recorded — the trigger condition for SPEC_FULL.md §4.10's
// conflict policy branch ("source changed since we last wrote").
func (e *Engine) sourceDivergedFromLedger(
	ctx context.Context,
	def *engine.SyncDefinition,
	pushShape []engine.FieldMapping,
	keyCol string,
	keyVal row.Value,
	entry *engine.LedgerEntry,
) (bool, error) {
	current, err := e.ctx.SourceDB.FetchOne(ctx, def.SourceSchema, def.SourceTable, keyCol, keyVal)
	if err != nil {
		if engine.Is(err, engine.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	if current == nil {
		return false, nil
	}
	currentHash := identity.ContentHash(mapping.ToTarget(pushShape, current))
	return currentHash != entry.ContentHash, nil
}

// resolveConflict applies SyncDefinition.ConflictPolicy once a genuine
// conflict has been detected (SPEC_FULL.md §4.10). last_writer_wins falls
// back to treating the incoming change as newer when the delta item does
// not carry a recognizable modified-time field, per the SPEC_FULL.md §9
// open-question decision: the target backend's per-item modified time is
// not surfaced on every wire shape, and the ledger's own last_sync_ts is
// the write we are currently re-evaluating, not an independent signal.
func (e *Engine) resolveConflict(def *engine.SyncDefinition, entry *engine.LedgerEntry, change engine.DeltaItem) (changeOutcome, error) {
	switch def.ConflictPolicy {
	case engine.ConflictSourceWins:
		return changeOutcome{conflictSkipped: true, note: fmt.Sprintf("source_wins: rejected target change on item %d", change.ItemID)}, nil
	case engine.ConflictTargetWins:
		return changeOutcome{}, errApplyChange
	case engine.ConflictLastWriterWins:
		if modified, ok := modifiedTime(change.Fields); ok && modified.Before(entry.LastSyncTS) {
			return changeOutcome{conflictSkipped: true, note: fmt.Sprintf("last_writer_wins: source is newer on item %d", change.ItemID)}, nil
		}
		return changeOutcome{}, errApplyChange
	default:
		return changeOutcome{conflictSkipped: true, note: fmt.Sprintf("unknown conflict policy %q: rejected target change", def.ConflictPolicy)}, nil
	}
}

// errApplyChange is the sentinel resolveConflict returns to signal "apply
// anyway", so applyChange can fall through to its own insert-or-update path
// without duplicating that logic. applyChange consumes it; it never reaches
// callers of applyChange.
var errApplyChange = fmt.Errorf("ingress: apply change despite conflict")

func (e *Engine) entryByTargetItem(ctx context.Context, syncDefID string, itemID int64) (*engine.LedgerEntry, error) {
	entries, err := e.ctx.Ledger.ListEntries(ctx, syncDefID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].TargetItemID == itemID {
			return &entries[i], nil
		}
	}
	return nil, nil
}

func (e *Engine) resolveTarget(ctx context.Context, syncDefID, targetListID string) (engine.SyncTarget, error) {
	targets, err := e.ctx.Definitions.ListTargets(ctx, syncDefID)
	if err != nil {
		return engine.SyncTarget{}, err
	}
	for _, t := range targets {
		if t.TargetListID == targetListID && t.Active && !t.Deleted {
			return t, nil
		}
	}
	return engine.SyncTarget{}, engine.NotFound("ingress.resolve_target", fmt.Errorf("target list %q is not an active target of %q", targetListID, syncDefID))
}

func (e *Engine) appendEvent(ctx context.Context, runID, syncDefID string, sev engine.EventSeverity, typ, msg string) {
	_ = e.ctx.Runs.AppendEvent(ctx, engine.EventRecord{
		RunID:     runID,
		SyncDefID: syncDefID,
		Severity:  sev,
		Type:      typ,
		Message:   msg,
		CreatedAt: e.ctx.Clock.Now(),
	})
}

// modifiedTime looks for a conventional "Modified" system column on a delta
// item's fields; returns ok=false when absent or not a timestamp.
func modifiedTime(fields row.Row) (time.Time, bool) {
	v, present := fields["Modified"]
	if !present || v.Kind != row.KindTimestamp {
		return time.Time{}, false
	}
	return v.Timestamp, true
}
