package cdc

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
	"github.com/jare20895/ArcoreSyncBridge/internal/identity"
	"github.com/jare20895/ArcoreSyncBridge/internal/mapping"
	"github.com/jare20895/ArcoreSyncBridge/internal/replication"
	"github.com/jare20895/ArcoreSyncBridge/internal/row"
	"github.com/jare20895/ArcoreSyncBridge/internal/sharding"
)

// definitionCacheTTL matches the 60s TTL SPEC_FULL.md §2B specifies for the
// definition lookup cache shared across the engine.
const definitionCacheTTL = 60 * time.Second

const readBlock = 2 * time.Second

// binding resolves one (instance, schema, table) CDC route.
type binding struct {
	def       *engine.SyncDefinition
	evaluator *sharding.Evaluator
}

// Consumer is the CDC consumer (C9, SPEC_FULL.md §4.9): it reads frame
// envelopes off the durable queue, decodes them, and applies each
// Insert/Update/Delete to the resolved target list the same way the push
// engine would, sharing the ledger as the single source of truth for
// loop suppression.
type Consumer struct {
	ctx      engine.Context
	group    string
	consumer string
	log      *zap.Logger

	decoders map[string]*replication.Decoder
	cache    *expirable.LRU[string, binding]
}

// NewConsumer builds a Consumer in the named Redis consumer group, reading
// as consumerName.
func NewConsumer(ec engine.Context, group, consumerName string) *Consumer {
	ec = ec.WithLog("cdc_consumer")
	return &Consumer{
		ctx:      ec,
		group:    group,
		consumer: consumerName,
		log:      ec.Log,
		decoders: make(map[string]*replication.Decoder),
		cache:    expirable.NewLRU[string, binding](256, nil, definitionCacheTTL),
	}
}

// Run reads and applies frames from instanceID's stream until stop closes.
func (c *Consumer) Run(ctx context.Context, instanceID string, stop <-chan struct{}) error {
	stream := StreamName(instanceID)
	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := c.ctx.Queue.ReadGroup(ctx, c.group, c.consumer, stream, 50, readBlock)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			if err := c.handle(ctx, msg); err != nil {
				c.log.Error("cdc consumer failed to apply frame", zap.String("stream", stream), zap.String("id", msg.ID), zap.Error(err))
				// Left unacked: the entry stays in the group's pending list.
				// ReadGroup only reads new entries, so Run does not read it again.
				continue
			}
			if err := c.ctx.Queue.Ack(ctx, stream, c.group, msg.ID); err != nil {
				return err
			}
		}
	}
}

// decoderFor returns the per-instance Decoder, creating it on first use. A
// Decoder is not safe for concurrent use, which is fine here: one Consumer
// processes one instance's stream sequentially in Run's loop.
func (c *Consumer) decoderFor(instanceID string) *replication.Decoder {
	d, ok := c.decoders[instanceID]
	if !ok {
		d = replication.NewDecoder()
		c.decoders[instanceID] = d
	}
	return d
}

func (c *Consumer) handle(ctx context.Context, msg engine.QueueMessage) error {
	instanceID, lsn, frame, err := decodeEnvelope(msg.Payload)
	if err != nil {
		return engine.Decode("cdc.decode_envelope", err)
	}

	event, err := c.decoderFor(instanceID).Decode(frame, lsn)
	if err != nil {
		return err
	}

	switch event.Type {
	case replication.EventInsert, replication.EventUpdate:
		return c.applyChange(ctx, instanceID, event)
	case replication.EventDelete:
		return c.applyDelete(ctx, instanceID, event)
	default:
		// Begin/Commit/Relation/Unknown carry no row to apply.
		return nil
	}
}

// applyChange mirrors push's insert/update branch (SPEC_FULL.md §4.7 step
// 6e applied here per §4.9): loop suppression first, then create-or-update,
// then ledger upsert with provenance push.
func (c *Consumer) applyChange(ctx context.Context, instanceID string, event replication.Event) error {
	b, ok, err := c.resolveBinding(ctx, instanceID, event.Schema, event.Table)
	if err != nil {
		return err
	}
	if !ok || b.def.Paused {
		return nil
	}

	sourceRow := columnsToRow(event.Row)
	keyCols := b.def.KeyColumns()
	if len(keyCols) == 0 {
		return nil
	}
	sourceIdentity := identity.SourceIdentity(b.def.KeyStrategy, keyCols, sourceRow)
	hash := identity.SourceIdentityHash(sourceIdentity)

	pushMappings := b.def.PushMappings()
	mapped := mapping.ToTarget(pushMappings, sourceRow)
	contentHash := identity.ContentHash(mapped)

	targetListID, err := b.evaluator.Evaluate(sourceRow)
	if err != nil {
		return engine.Invariant("cdc.evaluate_sharding", err)
	}
	if targetListID == "" {
		targetListID = b.def.DefaultTargetList
	}
	target, ok := findTarget(b.def.Targets, targetListID)
	if !ok {
		return engine.NotFound("cdc.resolve_target", errUnresolvedTarget(targetListID))
	}

	entry, err := c.ctx.Ledger.GetEntry(ctx, b.def.ID, hash)
	if err != nil {
		return err
	}
	if entry != nil && entry.Provenance == engine.ProvenancePull && entry.ContentHash == contentHash {
		return nil // echo of our own prior ingress write
	}

	var itemID int64
	if entry != nil {
		itemID = entry.TargetItemID
		if err := c.ctx.ListBackend.UpdateItem(ctx, target.SiteID, target.TargetListID, itemID, mapped); err != nil {
			return err
		}
	} else {
		id, err := c.ctx.ListBackend.CreateItem(ctx, target.SiteID, target.TargetListID, mapped)
		if err != nil {
			return err
		}
		itemID = id
	}

	return c.ctx.Ledger.UpsertEntry(ctx, engine.LedgerEntry{
		SyncDefID:          b.def.ID,
		SourceIdentityHash: hash,
		SourceIdentity:     sourceIdentity,
		SourceInstanceID:   instanceID,
		TargetListID:       target.TargetListID,
		TargetItemID:       itemID,
		ContentHash:        contentHash,
		LastSyncTS:         c.ctx.Clock.Now(),
		Provenance:         engine.ProvenancePush,
	})
}

// applyDelete mirrors the ledger-gated delete SPEC_FULL.md §4.9 specifies:
// a delete for a row never pushed is a no-op.
func (c *Consumer) applyDelete(ctx context.Context, instanceID string, event replication.Event) error {
	b, ok, err := c.resolveBinding(ctx, instanceID, event.Schema, event.Table)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	keyCols := b.def.KeyColumns()
	if len(keyCols) == 0 {
		return nil
	}
	sourceRow := columnsToRow(event.Row)
	hash := identity.SourceIdentityHash(identity.SourceIdentity(b.def.KeyStrategy, keyCols, sourceRow))

	entry, err := c.ctx.Ledger.GetEntry(ctx, b.def.ID, hash)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	target, ok := findTarget(b.def.Targets, entry.TargetListID)
	if !ok {
		return nil
	}
	if err := c.ctx.ListBackend.DeleteItem(ctx, target.SiteID, target.TargetListID, entry.TargetItemID); err != nil && !engine.Is(err, engine.KindNotFound) {
		return err
	}
	return c.ctx.Ledger.DeleteEntry(ctx, b.def.ID, hash)
}

// resolveBinding looks up the (instanceID, schema, table) → definition
// route via the TTL cache, falling back to EnumerateCDCDefinitions and a
// freshly compiled sharding.Evaluator on a miss (SPEC_FULL.md §2B).
func (c *Consumer) resolveBinding(ctx context.Context, instanceID, schema, table string) (binding, bool, error) {
	key := instanceID + "/" + schema + "/" + table
	if b, ok := c.cache.Get(key); ok {
		return b, true, nil
	}

	bindings, err := c.ctx.Definitions.EnumerateCDCDefinitions(ctx)
	if err != nil {
		return binding{}, false, err
	}
	for _, cb := range bindings {
		if cb.InstanceID != instanceID || cb.Schema != schema || cb.Table != table {
			continue
		}
		if !cb.Definition.CDCEnabled {
			return binding{}, false, nil
		}
		evaluator, err := sharding.NewEvaluator(sharding.Policy{
			Rules:             toShardingRules(cb.Definition.ShardingPolicy.Rules),
			DefaultTargetList: cb.Definition.ShardingPolicy.DefaultTargetList,
		})
		if err != nil {
			return binding{}, false, engine.Invariant("cdc.compile_sharding_policy", err)
		}
		b := binding{def: cb.Definition, evaluator: evaluator}
		c.cache.Add(key, b)
		return b, true, nil
	}
	return binding{}, false, nil
}

func toShardingRules(rules []engine.ShardingRule) []sharding.Rule {
	out := make([]sharding.Rule, len(rules))
	for i, r := range rules {
		out[i] = sharding.Rule{If: r.If, TargetListID: r.TargetListID}
	}
	return out
}

func findTarget(targets []engine.SyncTarget, targetListID string) (engine.SyncTarget, bool) {
	for _, t := range targets {
		if t.TargetListID == targetListID && t.Active && !t.Deleted {
			return t, true
		}
	}
	return engine.SyncTarget{}, false
}

// columnsToRow projects a decoded tuple into a row.Row. An
// unchanged-TOAST-marked column (MarkerUnchangedTOAST) is left absent
// rather than guessed at; a definition that maps such a column relies on
// the drift report's full_reconcile pass to catch the resulting staleness,
// the same residual-risk posture SPEC_FULL.md §9 accepts for move orphans.
func columnsToRow(cols []replication.Column) row.Row {
	out := make(row.Row, len(cols))
	for _, c := range cols {
		switch c.Marker {
		case replication.MarkerNull:
			out[c.Name] = row.Null
		case replication.MarkerText:
			out[c.Name] = row.Text(c.Value)
		}
	}
	return out
}
