// Package orchestrator implements the run dispatcher (C12, SPEC_FULL.md
// §4.12): request entry points for push/ingress/move/report, RunRecord
// lifecycle bookkeeping, and per-(sync_def_id, kind) serialization so two
// overlapping triggers for the same definition never race the same
// ledger rows.
package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jare20895/ArcoreSyncBridge/internal/drift"
	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
	"github.com/jare20895/ArcoreSyncBridge/internal/ingress"
	"github.com/jare20895/ArcoreSyncBridge/internal/move"
	"github.com/jare20895/ArcoreSyncBridge/internal/push"
	"github.com/jare20895/ArcoreSyncBridge/internal/row"
)

// Orchestrator dispatches run requests against an engine.Context.
type Orchestrator struct {
	ctx engine.Context

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds an Orchestrator bound to ec.
func New(ec engine.Context) *Orchestrator {
	return &Orchestrator{ctx: ec.WithLog("orchestrator"), locks: make(map[string]*sync.Mutex)}
}

// lockFor returns the mutex serializing runs for (syncDefID, kind),
// creating it on first use (SPEC_FULL.md §5, "serialize by sync_def_id").
func (o *Orchestrator) lockFor(syncDefID string, kind engine.RunKind) *sync.Mutex {
	key := string(kind) + ":" + syncDefID
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[key]
	if !ok {
		l = &sync.Mutex{}
		o.locks[key] = l
	}
	return l
}

// RunPush drives one push engine run end to end, wrapping it in a
// RunRecord (SPEC_FULL.md §4.12 step 1).
func (o *Orchestrator) RunPush(ctx context.Context, syncDefID string) (push.Result, error) {
	lock := o.lockFor(syncDefID, engine.RunKindPush)
	lock.Lock()
	defer lock.Unlock()

	runID := uuid.NewString()
	o.startRun(ctx, runID, syncDefID, engine.RunKindPush)

	result, err := push.New(o.ctx).Run(ctx, runID, syncDefID)
	o.finishRun(ctx, runID, syncDefID, engine.RunKindPush, result.Processed, result.Succeeded, result.Failed, result.Skipped, err)
	return result, err
}

// RunIngress drives one ingress engine run per active target list bound
// to syncDefID, aggregating the per-target results (SPEC_FULL.md §4.12
// step 1; ingress itself is scoped per target list, §4.10).
func (o *Orchestrator) RunIngress(ctx context.Context, syncDefID string) (ingress.Result, error) {
	lock := o.lockFor(syncDefID, engine.RunKindIngress)
	lock.Lock()
	defer lock.Unlock()

	runID := uuid.NewString()
	o.startRun(ctx, runID, syncDefID, engine.RunKindIngress)

	targets, err := o.ctx.Definitions.ListTargets(ctx, syncDefID)
	if err != nil {
		o.finishRun(ctx, runID, syncDefID, engine.RunKindIngress, 0, 0, 0, 0, err)
		return ingress.Result{}, err
	}

	eng := ingress.New(o.ctx)
	var total ingress.Result
	var firstErr error
	for _, t := range targets {
		if !t.Active || t.Deleted {
			continue
		}
		r, err := eng.Run(ctx, runID, syncDefID, t.TargetListID)
		total.Processed += r.Processed
		total.Succeeded += r.Succeeded
		total.Failed += r.Failed
		total.Skipped += r.Skipped
		total.NewTokenPersisted = total.NewTokenPersisted || r.NewTokenPersisted
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	o.finishRun(ctx, runID, syncDefID, engine.RunKindIngress, total.Processed, total.Succeeded, total.Failed, total.Skipped, firstErr)
	return total, firstErr
}

// Move relocates a tracked row to a different target list, resolving the
// new target's site binding from the definition's target list (§4.11).
func (o *Orchestrator) Move(ctx context.Context, syncDefID, sourceIdentityHash, newTargetListID string, itemData row.Row) (move.Result, error) {
	targets, err := o.ctx.Definitions.ListTargets(ctx, syncDefID)
	if err != nil {
		return move.Result{}, err
	}
	var site string
	found := false
	for _, t := range targets {
		if t.TargetListID == newTargetListID {
			site = t.SiteID
			found = true
			break
		}
	}
	if !found {
		return move.Result{}, engine.NotFound("orchestrator.move", errUnknownTarget(newTargetListID))
	}
	return move.New(o.ctx).Move(ctx, syncDefID, sourceIdentityHash, site, newTargetListID, itemData)
}

// Report runs the read-only drift report for syncDefID (§4.13).
func (o *Orchestrator) Report(ctx context.Context, syncDefID string, kind drift.Kind) (drift.Report, error) {
	return drift.Run(ctx, o.ctx, syncDefID, kind)
}

func (o *Orchestrator) startRun(ctx context.Context, runID, syncDefID string, kind engine.RunKind) {
	_ = o.ctx.Runs.CreateRun(ctx, engine.RunRecord{
		ID: runID, SyncDefID: syncDefID, Kind: kind,
		Status: engine.RunStatusRunning, StartedAt: o.ctx.Clock.Now(),
	})
}

func (o *Orchestrator) finishRun(ctx context.Context, runID, syncDefID string, kind engine.RunKind, processed, succeeded, failed, skipped int, runErr error) {
	status := engine.RunStatusCompleted
	errMsg := ""
	if runErr != nil {
		status = engine.RunStatusFailed
		errMsg = runErr.Error()
	}
	_ = o.ctx.Runs.UpdateRun(ctx, engine.RunRecord{
		ID: runID, SyncDefID: syncDefID, Kind: kind, Status: status,
		Processed: processed, Succeeded: succeeded, Failed: failed, Skipped: skipped,
		Error: errMsg, EndedAt: o.ctx.Clock.Now(),
	})
}
