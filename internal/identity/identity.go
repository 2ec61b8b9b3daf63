// Package identity computes the two stable hashes the rest of the engine
// keys on: source_identity_hash (the ledger key) and content_hash (the echo
// detector's comparator). Grounded on SPEC_FULL.md §4.3.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/jare20895/ArcoreSyncBridge/internal/row"
)

// KeyStrategy mirrors SyncDefinition.key_strategy.
type KeyStrategy string

const (
	KeyStrategyPrimaryKey        KeyStrategy = "primary_key"
	KeyStrategyCompositeColumns  KeyStrategy = "composite_columns"
)

// keySeparator joins composite key column values; chosen to be unlikely to
// collide with legitimate column text and to sort consistently.
const keySeparator = "\x1f"

// SourceIdentity builds the printable identity string for a row given the
// ordered key column names and the key strategy. For primary_key, keyCols
// must contain exactly one column. For composite_columns, the columns are
// sorted ordinally (by name) before joining so the identity is independent
// of map iteration order or declaration order.
func SourceIdentity(strategy KeyStrategy, keyCols []string, r row.Row) string {
	switch strategy {
	case KeyStrategyPrimaryKey:
		if len(keyCols) == 0 {
			return ""
		}
		return r[keyCols[0]].String()
	case KeyStrategyCompositeColumns:
		sorted := append([]string(nil), keyCols...)
		sort.Strings(sorted)
		parts := make([]string, len(sorted))
		for i, c := range sorted {
			parts[i] = r[c].String()
		}
		return strings.Join(parts, keySeparator)
	default:
		return ""
	}
}

// SourceIdentityHash is the lowercase-hex SHA-256 of the UTF-8 identity
// string; this is the ledger's composite-key second component.
func SourceIdentityHash(sourceIdentity string) string {
	sum := sha256.Sum256([]byte(sourceIdentity))
	return hex.EncodeToString(sum[:])
}

// ContentHash is the lowercase-hex SHA-256 of the canonical serialization of
// the mapped payload (only columns participating in the cross-side
// mapping). The exact same function must be used on both sides of the
// boundary so that push-produced and pull-produced payloads for the same
// logical content hash identically (the basis of loop/echo suppression).
func ContentHash(mapped row.Row) string {
	sum := sha256.Sum256(row.Canonical(mapped))
	return hex.EncodeToString(sum[:])
}
