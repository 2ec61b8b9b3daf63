// Package mapping applies a SyncDefinition's field mappings to translate a
// row between its source and target shapes (SPEC_FULL.md §3, used by C7/C9
// push-side mapping and C10 pull-side mapping).
package mapping

import (
	"strings"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
	"github.com/jare20895/ArcoreSyncBridge/internal/row"
)

// Transform is a named, pure per-value transform applied during mapping.
type Transform func(row.Value) row.Value

// transforms is the registry of known transform_rule names. An unrecognized
// rule name (or an empty one) is the identity transform.
var transforms = map[string]Transform{
	"uppercase": func(v row.Value) row.Value {
		if v.Kind != row.KindText {
			return v
		}
		return row.Text(strings.ToUpper(v.Text))
	},
	"lowercase": func(v row.Value) row.Value {
		if v.Kind != row.KindText {
			return v
		}
		return row.Text(strings.ToLower(v.Text))
	},
	"trim": func(v row.Value) row.Value {
		if v.Kind != row.KindText {
			return v
		}
		return row.Text(strings.TrimSpace(v.Text))
	},
}

func transformFor(rule string) Transform {
	if rule == "" {
		return nil
	}
	return transforms[rule]
}

// ToTarget maps source into a target-shaped row.Row using mappings,
// applying each mapping's transform_rule (if recognized). Callers are
// expected to have already filtered mappings to the eligible subset via
// SyncDefinition.PushMappings.
func ToTarget(mappings []engine.FieldMapping, source row.Row) row.Row {
	out := make(row.Row, len(mappings))
	for _, m := range mappings {
		v, ok := source[m.SourceName]
		if !ok {
			continue
		}
		if t := transformFor(m.TransformRule); t != nil {
			v = t(v)
		}
		out[m.TargetName] = v
	}
	return out
}

// TargetSubset filters an already target-shaped row (e.g. a delta item's
// Fields, as pulled from the list backend) down to the columns mappings
// declares, without renaming. The ingress engine (C10) uses this to recover
// the same target-shaped view of a row that the push engine (C7) hashed via
// ToTarget, so content_hash is comparable across both directions of the
// boundary (SPEC_FULL.md §4.3: "the exact same function is used on both
// sides").
func TargetSubset(mappings []engine.FieldMapping, target row.Row) row.Row {
	out := make(row.Row, len(mappings))
	for _, m := range mappings {
		if v, ok := target[m.TargetName]; ok {
			out[m.TargetName] = v
		}
	}
	return out
}

// ToSource maps a target-shaped row (as pulled from the list backend) back
// into a source-shaped row.Row using mappings. Callers filter mappings to
// the pull-eligible subset via SyncDefinition.PullMappings first.
func ToSource(mappings []engine.FieldMapping, target row.Row) row.Row {
	out := make(row.Row, len(mappings))
	for _, m := range mappings {
		if m.IsReadonly || m.IsSystem {
			continue
		}
		v, ok := target[m.TargetName]
		if !ok {
			continue
		}
		if t := transformFor(m.TransformRule); t != nil {
			v = t(v)
		}
		out[m.SourceName] = v
	}
	return out
}
