package engine

import (
	"time"

	"github.com/jare20895/ArcoreSyncBridge/internal/identity"
)

// SyncMode mirrors SyncDefinition.sync_mode.
type SyncMode string

const (
	SyncModePushOnly SyncMode = "push_only"
	SyncModeTwoWay   SyncMode = "two_way"
)

// ConflictPolicy mirrors SyncDefinition.conflict_policy.
type ConflictPolicy string

const (
	ConflictSourceWins     ConflictPolicy = "source_wins"
	ConflictTargetWins     ConflictPolicy = "target_wins"
	ConflictLastWriterWins ConflictPolicy = "last_writer_wins"
)

// TargetStrategy mirrors SyncDefinition.target_strategy.
type TargetStrategy string

const (
	TargetStrategySingle      TargetStrategy = "single"
	TargetStrategyConditional TargetStrategy = "conditional"
)

// CursorType mirrors SyncDefinition.cursor_strategy / Cursor.cursor_type.
type CursorType string

const (
	CursorTypeTimestamp  CursorType = "timestamp"
	CursorTypeLSN        CursorType = "lsn"
	CursorTypeDeltaToken CursorType = "delta_token"
)

// FieldDirection mirrors FieldMapping.direction.
type FieldDirection string

const (
	DirectionPushOnly     FieldDirection = "push_only"
	DirectionPullOnly     FieldDirection = "pull_only"
	DirectionBidirectional FieldDirection = "bidirectional"
)

// FieldMapping is a per-column contract (SPEC_FULL.md §3).
type FieldMapping struct {
	SourceName    string
	TargetName    string
	TargetType    string
	IsKey         bool
	IsReadonly    bool
	IsSystem      bool
	Direction     FieldDirection
	TransformRule string
}

// ShardingRule is one `{if: predicate, target_list_id}` entry.
type ShardingRule struct {
	If             string
	TargetListID   string
}

// ShardingPolicy is the full `{rules, default_target_list_id}` policy.
type ShardingPolicy struct {
	Rules             []ShardingRule
	DefaultTargetList string // may be empty, meaning "fall back to definition default"
}

// SyncSource binds a definition to an active source database instance.
type SyncSource struct {
	InstanceID string
	Role       string // "primary" | "replica"
	Priority   int
	Enabled    bool

	ReplicationSlotName string
	ConnectionDSN        string
}

// SyncTarget binds a definition to a specific target list.
type SyncTarget struct {
	TargetListID string
	SiteID       string
	ConnectionID string
	Active       bool
	Deleted      bool
}

// SyncDefinition is the directed contract between one source table and 1..N
// target lists (SPEC_FULL.md §3).
type SyncDefinition struct {
	ID                string
	SourceSchema      string
	SourceTable       string
	CursorColumn      string
	DefaultTargetList string
	SyncMode          SyncMode
	ConflictPolicy    ConflictPolicy
	KeyStrategy       identity.KeyStrategy
	TargetStrategy    TargetStrategy
	ShardingPolicy    ShardingPolicy
	CursorStrategy    CursorType
	RateLimitPerSec   float64
	Paused            bool
	CDCEnabled        bool
	Mappings          []FieldMapping

	Sources []SyncSource
	Targets []SyncTarget
}

// KeyColumns returns the source column names flagged IsKey, in declaration
// order (identity.SourceIdentity sorts composite keys itself).
func (d *SyncDefinition) KeyColumns() []string {
	var cols []string
	for _, m := range d.Mappings {
		if m.IsKey {
			cols = append(cols, m.SourceName)
		}
	}
	return cols
}

// PushMappings returns the mappings eligible for source→target propagation:
// excludes pull_only, is_readonly, is_system (SPEC_FULL.md §4.7 step 5).
func (d *SyncDefinition) PushMappings() []FieldMapping {
	var out []FieldMapping
	for _, m := range d.Mappings {
		if m.Direction == DirectionPullOnly || m.IsReadonly || m.IsSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}

// PullMappings returns the mappings eligible for target→source propagation:
// excludes push_only (SPEC_FULL.md §4.10).
func (d *SyncDefinition) PullMappings() []FieldMapping {
	var out []FieldMapping
	for _, m := range d.Mappings {
		if m.Direction == DirectionPushOnly {
			continue
		}
		out = append(out, m)
	}
	return out
}

// CursorScope mirrors Cursor.scope.
type CursorScope string

const (
	ScopeSource CursorScope = "source"
	ScopeTarget CursorScope = "target"
)

// Cursor is a per-scope watermark.
type Cursor struct {
	SyncDefID     string
	Scope         CursorScope
	Discriminator string // source_instance_id or target_list_id
	CursorType    CursorType
	CursorValue   string
	UpdatedAt     time.Time
}

// Provenance mirrors LedgerEntry.provenance.
type Provenance string

const (
	ProvenancePush Provenance = "push"
	ProvenancePull Provenance = "pull"
)

// LedgerEntry is the authoritative per-identity mapping (SPEC_FULL.md §3).
type LedgerEntry struct {
	SyncDefID          string
	SourceIdentityHash string
	SourceIdentity     string
	SourceInstanceID   string
	TargetListID       string
	TargetItemID       int64
	ContentHash        string
	LastSourceTS       string
	LastSyncTS         time.Time
	Provenance         Provenance
}

// MoveStatus mirrors MoveAuditRecord.status.
type MoveStatus string

const (
	MoveStatusSuccess     MoveStatus = "success"
	MoveStatusOrphanRisk  MoveStatus = "orphan_risk"
	MoveStatusSuccessOrphan MoveStatus = "success_orphan"
)

// MoveAuditRecord is an append-only record of target-list relocations.
type MoveAuditRecord struct {
	ID                 string
	SyncDefID          string
	SourceIdentityHash string
	OldTargetListID    string
	OldTargetItemID    int64
	NewTargetListID    string
	NewTargetItemID    int64
	Status             MoveStatus
	CreatedAt          time.Time
}

// RunKind mirrors the orchestrator's run requests.
type RunKind string

const (
	RunKindPush    RunKind = "push"
	RunKindIngress RunKind = "ingress"
)

// RunStatus mirrors RunRecord.status.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is per-run status (SPEC_FULL.md §3).
type RunRecord struct {
	ID        string
	SyncDefID string
	Kind      RunKind
	Status    RunStatus
	Processed int
	Succeeded int
	Failed    int
	Skipped   int
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// EventSeverity mirrors EventRecord.severity.
type EventSeverity string

const (
	SeverityInfo  EventSeverity = "info"
	SeverityWarn  EventSeverity = "warn"
	SeverityError EventSeverity = "error"
)

// EventRecord is a severity-tagged event attached to a run.
type EventRecord struct {
	ID        string
	RunID     string
	SyncDefID string
	Severity  EventSeverity
	Type      string
	Message   string
	CreatedAt time.Time
}
