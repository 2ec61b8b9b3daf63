// Package definitions implements engine.DefinitionRepository against the
// externally-owned control-plane tables (SPEC_FULL.md §1 "out of scope":
// the engine only ever reads these, it never creates or edits an
// Application/Database/Instance/Connection/SyncDefinition/FieldMapping).
package definitions

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
	"github.com/jare20895/ArcoreSyncBridge/internal/identity"
	"github.com/jare20895/ArcoreSyncBridge/internal/sharding"
)

// Repo implements engine.DefinitionRepository by reading the control-plane
// schema with a read-only pgxpool.Pool.
type Repo struct {
	pool *pgxpool.Pool
}

var _ engine.DefinitionRepository = (*Repo)(nil)

// NewRepo wraps an already-connected pool pointed at the control-plane
// database.
func NewRepo(pool *pgxpool.Pool) *Repo { return &Repo{pool: pool} }

func (r *Repo) Get(ctx context.Context, syncDefID string) (*engine.SyncDefinition, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, source_schema, source_table, cursor_column, default_target_list_id,
		       sync_mode, conflict_policy, key_strategy, target_strategy,
		       cursor_strategy, rate_limit_per_sec, paused, cdc_enabled,
		       sharding_default_target_list_id
		FROM sync_definitions WHERE id = $1`, syncDefID)

	var def engine.SyncDefinition
	var syncMode, conflictPolicy, keyStrategy, targetStrategy, cursorStrategy string
	err := row.Scan(&def.ID, &def.SourceSchema, &def.SourceTable, &def.CursorColumn, &def.DefaultTargetList,
		&syncMode, &conflictPolicy, &keyStrategy, &targetStrategy,
		&cursorStrategy, &def.RateLimitPerSec, &def.Paused, &def.CDCEnabled,
		&def.ShardingPolicy.DefaultTargetList)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, engine.NotFound("definitions.get", err)
		}
		return nil, engine.Transport("definitions.get", err)
	}
	def.SyncMode = engine.SyncMode(syncMode)
	def.ConflictPolicy = engine.ConflictPolicy(conflictPolicy)
	def.KeyStrategy = identity.KeyStrategy(keyStrategy)
	def.TargetStrategy = engine.TargetStrategy(targetStrategy)
	def.CursorStrategy = engine.CursorType(cursorStrategy)

	rules, err := r.shardingRules(ctx, syncDefID)
	if err != nil {
		return nil, err
	}
	def.ShardingPolicy.Rules = rules

	def.Mappings, err = r.ListMappings(ctx, syncDefID)
	if err != nil {
		return nil, err
	}
	def.Targets, err = r.ListTargets(ctx, syncDefID)
	if err != nil {
		return nil, err
	}
	def.Sources, err = r.GetSourceBinding(ctx, syncDefID)
	if err != nil {
		return nil, err
	}

	return &def, nil
}

func (r *Repo) shardingRules(ctx context.Context, syncDefID string) ([]engine.ShardingRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT predicate, target_list_id FROM sharding_rules
		WHERE sync_def_id = $1 ORDER BY ordinal`, syncDefID)
	if err != nil {
		return nil, engine.Transport("definitions.sharding_rules", err)
	}
	defer rows.Close()

	var out []engine.ShardingRule
	for rows.Next() {
		var rule engine.ShardingRule
		if err := rows.Scan(&rule.If, &rule.TargetListID); err != nil {
			return nil, engine.Decode("definitions.sharding_rules", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *Repo) GetSourceBinding(ctx context.Context, syncDefID string) ([]engine.SyncSource, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT instance_id, role, priority, enabled, replication_slot_name, connection_dsn
		FROM sync_sources WHERE sync_def_id = $1 ORDER BY priority`, syncDefID)
	if err != nil {
		return nil, engine.Transport("definitions.get_source_binding", err)
	}
	defer rows.Close()

	var out []engine.SyncSource
	for rows.Next() {
		var s engine.SyncSource
		if err := rows.Scan(&s.InstanceID, &s.Role, &s.Priority, &s.Enabled, &s.ReplicationSlotName, &s.ConnectionDSN); err != nil {
			return nil, engine.Decode("definitions.get_source_binding", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repo) ListTargets(ctx context.Context, syncDefID string) ([]engine.SyncTarget, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT target_list_id, site_id, connection_id, active, deleted
		FROM sync_targets WHERE sync_def_id = $1`, syncDefID)
	if err != nil {
		return nil, engine.Transport("definitions.list_targets", err)
	}
	defer rows.Close()

	var out []engine.SyncTarget
	for rows.Next() {
		var t engine.SyncTarget
		if err := rows.Scan(&t.TargetListID, &t.SiteID, &t.ConnectionID, &t.Active, &t.Deleted); err != nil {
			return nil, engine.Decode("definitions.list_targets", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repo) ListMappings(ctx context.Context, syncDefID string) ([]engine.FieldMapping, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT source_name, target_name, target_type, is_key, is_readonly, is_system,
		       direction, transform_rule
		FROM field_mappings WHERE sync_def_id = $1`, syncDefID)
	if err != nil {
		return nil, engine.Transport("definitions.list_mappings", err)
	}
	defer rows.Close()

	var out []engine.FieldMapping
	for rows.Next() {
		var m engine.FieldMapping
		var direction string
		if err := rows.Scan(&m.SourceName, &m.TargetName, &m.TargetType, &m.IsKey, &m.IsReadonly, &m.IsSystem,
			&direction, &m.TransformRule); err != nil {
			return nil, engine.Decode("definitions.list_mappings", err)
		}
		m.Direction = engine.FieldDirection(direction)
		out = append(out, m)
	}
	return out, rows.Err()
}

// EnumerateCDCDefinitions joins every CDC-enabled definition's sources
// against its primary key mapping to produce the (instance, schema,
// table) -> definition routing table the CDC consumer's cache seeds
// itself from (SPEC_FULL.md §4.9 step 3).
func (r *Repo) EnumerateCDCDefinitions(ctx context.Context) ([]engine.CDCBinding, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT d.id, s.instance_id, d.source_schema, d.source_table
		FROM sync_definitions d
		JOIN sync_sources s ON s.sync_def_id = d.id AND s.enabled
		WHERE d.cdc_enabled`)
	if err != nil {
		return nil, engine.Transport("definitions.enumerate_cdc_definitions", err)
	}
	defer rows.Close()

	type route struct {
		defID, instanceID, schema, table string
	}
	var routes []route
	for rows.Next() {
		var rt route
		if err := rows.Scan(&rt.defID, &rt.instanceID, &rt.schema, &rt.table); err != nil {
			return nil, engine.Decode("definitions.enumerate_cdc_definitions", err)
		}
		routes = append(routes, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.Transport("definitions.enumerate_cdc_definitions", err)
	}

	out := make([]engine.CDCBinding, 0, len(routes))
	seen := make(map[string]*engine.SyncDefinition, len(routes))
	for _, rt := range routes {
		def, ok := seen[rt.defID]
		if !ok {
			d, err := r.Get(ctx, rt.defID)
			if err != nil {
				return nil, err
			}
			seen[rt.defID] = d
			def = d
		}
		out = append(out, engine.CDCBinding{InstanceID: rt.instanceID, Schema: rt.schema, Table: rt.table, Definition: def})
	}
	return out, nil
}

// compileShardingPolicy is exposed for callers (the CDC consumer cache,
// push/ingress engines) that want to fail fast on a malformed policy at
// definition-load time rather than on first evaluation.
func compileShardingPolicy(policy engine.ShardingPolicy) (*sharding.Evaluator, error) {
	rules := make([]sharding.Rule, len(policy.Rules))
	for i, r := range policy.Rules {
		rules[i] = sharding.Rule{If: r.If, TargetListID: r.TargetListID}
	}
	return sharding.NewEvaluator(sharding.Policy{Rules: rules, DefaultTargetList: policy.DefaultTargetList})
}
