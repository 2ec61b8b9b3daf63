// Package row implements the engine's semantic row model: a typed sum-value
// in place of the dynamic, language-native dictionaries the original service
// passed between layers (see SPEC_FULL.md §9, "Dynamic row dictionaries").
package row

import (
	"fmt"
	"math/big"
	"time"
)

// Kind tags which alternative of Value is populated.
type Kind uint8

const (
	KindNull Kind = iota
	KindText
	KindInteger
	KindDecimal
	KindBoolean
	KindTimestamp
	KindBinary
)

// Value is the sum type every column value is coerced into before it
// crosses a component boundary (mapping, hashing, sharding, adapters).
// Only one of the typed fields is meaningful, selected by Kind.
type Value struct {
	Kind      Kind
	Text      string
	Integer   int64
	Decimal   *big.Rat
	Boolean   bool
	Timestamp time.Time
	Binary    []byte
}

// Null is the zero-information value.
var Null = Value{Kind: KindNull}

func Text(s string) Value           { return Value{Kind: KindText, Text: s} }
func Integer(i int64) Value         { return Value{Kind: KindInteger, Integer: i} }
func Boolean(b bool) Value          { return Value{Kind: KindBoolean, Boolean: b} }
func Timestamp(t time.Time) Value   { return Value{Kind: KindTimestamp, Timestamp: t.UTC()} }
func Binary(b []byte) Value         { return Value{Kind: KindBinary, Binary: b} }

// DecimalFromString builds a Value from a base-10 literal string (e.g. "19.900").
// Returns false if s is not a valid decimal literal.
func DecimalFromString(s string) (Value, bool) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return Value{}, false
	}
	return Value{Kind: KindDecimal, Decimal: r}, true
}

// DecimalFromFloat builds a Value from a float64; callers that have exact
// decimal text (e.g. from a database driver) should prefer DecimalFromString.
func DecimalFromFloat(f float64) Value {
	return Value{Kind: KindDecimal, Decimal: new(big.Rat).SetFloat64(f)}
}

// IsNull reports whether v is the Null alternative.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Row is the mapped/unmapped column view passed between engine components.
type Row map[string]Value

// Clone returns a shallow copy safe to mutate independently of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String renders v in the stable textual form used for diagnostics. It is
// NOT the canonical hashing form; see canonical.go for that.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "<null>"
	case KindText:
		return v.Text
	case KindInteger:
		return fmt.Sprintf("%d", v.Integer)
	case KindDecimal:
		return v.Decimal.RatString()
	case KindBoolean:
		return fmt.Sprintf("%t", v.Boolean)
	case KindTimestamp:
		return v.Timestamp.Format(time.RFC3339Nano)
	case KindBinary:
		return fmt.Sprintf("<%d bytes>", len(v.Binary))
	default:
		return "<unknown>"
	}
}
