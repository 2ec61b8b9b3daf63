// Package push implements the push engine (SPEC_FULL.md §4.7), the
// watermark-polling source-to-target synchronization path.
package push

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
	"github.com/jare20895/ArcoreSyncBridge/internal/identity"
	"github.com/jare20895/ArcoreSyncBridge/internal/mapping"
	"github.com/jare20895/ArcoreSyncBridge/internal/metrics"
	"github.com/jare20895/ArcoreSyncBridge/internal/sharding"
)

// pageSize bounds a single run's fetch of changed rows.
const pageSize = 500

// Result is the outcome summary the orchestrator records onto a RunRecord.
type Result struct {
	Processed      int
	Succeeded      int
	Failed         int
	Skipped        int
	CursorAdvanced bool
}

// Engine runs the push algorithm against an engine.Context.
type Engine struct {
	ctx engine.Context
}

// New builds a push Engine bound to ec.
func New(ec engine.Context) *Engine {
	return &Engine{ctx: ec.WithLog("push")}
}

// Run executes one push run for syncDefID (SPEC_FULL.md §4.7).
func (e *Engine) Run(ctx context.Context, runID, syncDefID string) (Result, error) {
	def, err := e.ctx.Definitions.Get(ctx, syncDefID)
	if err != nil {
		return Result{}, err
	}
	if def.Paused {
		return Result{}, nil
	}

	source, err := e.resolveSource(ctx, syncDefID)
	if err != nil {
		return Result{}, err
	}

	cursor, err := e.ctx.Ledger.GetCursor(ctx, syncDefID, engine.ScopeSource, source.InstanceID)
	if err != nil {
		return Result{}, err
	}
	cursorValue := ""
	if cursor != nil {
		cursorValue = cursor.CursorValue
	}

	changed, err := e.ctx.SourceDB.FetchChanged(ctx, def.SourceSchema, def.SourceTable, def.CursorColumn, cursorValue, pageSize)
	if err != nil {
		return Result{}, err
	}

	evaluator, err := sharding.NewEvaluator(sharding.Policy{
		Rules:             toShardingRules(def.ShardingPolicy.Rules),
		DefaultTargetList: def.ShardingPolicy.DefaultTargetList,
	})
	if err != nil {
		return Result{}, engine.Invariant("push.compile_sharding_policy", err)
	}

	pushMappings := def.PushMappings()
	targetsByID := indexTargets(def.Targets)

	var limiter *rate.Limiter
	if def.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(def.RateLimitPerSec), 1)
	}

	result := Result{}
	highestCursor := cursorValue
	sawFailure := false

	for _, cr := range changed {
		result.Processed++
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return result, engine.Transport("push.rate_limit_wait", err)
			}
		}

		outcome, targetSide, err := e.processRow(ctx, def, pushMappings, evaluator, targetsByID, source.InstanceID, cr)
		switch {
		case err != nil && targetSide:
			// Target-side failure (SPEC_FULL.md §4.7 step 6g names the
			// target, not an error kind): record and continue, but the
			// watermark must never pass this row even if a later row
			// succeeds (§8 "Watermark safety").
			result.Failed++
			sawFailure = true
			metrics.ObserveRow("push", syncDefID, metrics.OutcomeFailed)
			e.appendEvent(ctx, runID, syncDefID, engine.SeverityError, "push_row_failed", err.Error())
			continue
		case err != nil:
			// Source-side or invariant failure aborts the run.
			return result, err
		case outcome.skipped:
			result.Skipped++
			metrics.ObserveRow("push", syncDefID, metrics.OutcomeSkipped)
		default:
			result.Succeeded++
			metrics.ObserveRow("push", syncDefID, metrics.OutcomeSucceeded)
		}
		if !sawFailure {
			highestCursor = cr.CursorValue
		}
	}

	if result.Succeeded+result.Skipped > 0 && highestCursor != cursorValue {
		if err := e.ctx.Ledger.UpsertCursor(ctx, engine.Cursor{
			SyncDefID:     syncDefID,
			Scope:         engine.ScopeSource,
			Discriminator: source.InstanceID,
			CursorType:    def.CursorStrategy,
			CursorValue:   highestCursor,
			UpdatedAt:     e.ctx.Clock.Now(),
		}); err != nil {
			return result, err
		}
		result.CursorAdvanced = true
	}

	return result, nil
}

type rowOutcome struct {
	skipped bool
}

// processRow applies one changed row and reports, alongside any error,
// whether the failure originated on the target side (the list backend, or
// the row's resolved target list being unavailable) versus the source side
// (the ledger, or an internal invariant like a broken sharding policy).
// SPEC_FULL.md §4.7 step 6g gates continue-vs-abort on WHICH SIDE failed,
// not on any particular error kind, so the classification is made at each
// call site below rather than inferred from the returned error afterward.
func (e *Engine) processRow(
	ctx context.Context,
	def *engine.SyncDefinition,
	pushMappings []engine.FieldMapping,
	evaluator *sharding.Evaluator,
	targetsByID map[string]engine.SyncTarget,
	sourceInstanceID string,
	cr engine.ChangedRow,
) (outcome rowOutcome, targetSide bool, err error) {
	sourceIdentity := identity.SourceIdentity(def.KeyStrategy, def.KeyColumns(), cr.Row)
	hash := identity.SourceIdentityHash(sourceIdentity)

	mapped := mapping.ToTarget(pushMappings, cr.Row)
	contentHash := identity.ContentHash(mapped)

	targetListID, err := evaluator.Evaluate(cr.Row)
	if err != nil {
		return rowOutcome{}, false, engine.Invariant("push.evaluate_sharding", err)
	}
	if targetListID == "" {
		targetListID = def.DefaultTargetList
	}

	target, ok := targetsByID[targetListID]
	if !ok || target.Deleted || !target.Active {
		// A missing/deleted/inactive target list is a target-side
		// condition: the row and its source are fine, only where it would
		// land is not.
		return rowOutcome{}, true, engine.NotFound("push.resolve_target", fmt.Errorf("target list %q is unavailable", targetListID))
	}

	entry, err := e.ctx.Ledger.GetEntry(ctx, def.ID, hash)
	if err != nil {
		return rowOutcome{}, false, err
	}

	if entry != nil && entry.Provenance == engine.ProvenancePull && entry.ContentHash == contentHash {
		return rowOutcome{skipped: true}, false, nil
	}

	var itemID int64
	if entry != nil {
		itemID = entry.TargetItemID
		if err := e.ctx.ListBackend.UpdateItem(ctx, target.SiteID, target.TargetListID, itemID, mapped); err != nil {
			return rowOutcome{}, true, err
		}
	} else {
		id, err := e.ctx.ListBackend.CreateItem(ctx, target.SiteID, target.TargetListID, mapped)
		if err != nil {
			return rowOutcome{}, true, err
		}
		itemID = id
	}

	if err := e.ctx.Ledger.UpsertEntry(ctx, engine.LedgerEntry{
		SyncDefID:          def.ID,
		SourceIdentityHash: hash,
		SourceIdentity:     sourceIdentity,
		SourceInstanceID:   sourceInstanceID,
		TargetListID:       target.TargetListID,
		TargetItemID:       itemID,
		ContentHash:        contentHash,
		LastSourceTS:       cr.CursorValue,
		LastSyncTS:         e.ctx.Clock.Now(),
		Provenance:         engine.ProvenancePush,
	}); err != nil {
		return rowOutcome{}, false, err
	}

	return rowOutcome{}, false, nil
}

// resolveSource picks the enabled primary source, falling back to the
// highest-priority enabled source (SPEC_FULL.md §4.7 step 2).
func (e *Engine) resolveSource(ctx context.Context, syncDefID string) (engine.SyncSource, error) {
	sources, err := e.ctx.Definitions.GetSourceBinding(ctx, syncDefID)
	if err != nil {
		return engine.SyncSource{}, err
	}
	var best *engine.SyncSource
	for i := range sources {
		s := sources[i]
		if !s.Enabled {
			continue
		}
		if s.Role == "primary" {
			return s, nil
		}
		if best == nil || s.Priority > best.Priority {
			best = &s
		}
	}
	if best != nil {
		return *best, nil
	}
	return engine.SyncSource{}, engine.NotFound("push.resolve_source", fmt.Errorf("no enabled source bound to %q", syncDefID))
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

func indexTargets(targets []engine.SyncTarget) map[string]engine.SyncTarget {
	out := make(map[string]engine.SyncTarget, len(targets))
	for _, t := range targets {
		out[t.TargetListID] = t
	}
	return out
}

func toShardingRules(rules []engine.ShardingRule) []sharding.Rule {
	out := make([]sharding.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, sharding.Rule{If: r.If, TargetListID: r.TargetListID})
	}
	return out
}
