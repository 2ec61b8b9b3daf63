package sourcedb

import (
	"fmt"
	"math/big"
	"time"

	"github.com/jare20895/ArcoreSyncBridge/internal/row"
)

// valueFromPg converts a value decoded by pgx's default type map into the
// sum-type row.Value model. pgx already resolves Postgres wire types into
// native Go types (int64, float64, string, bool, time.Time, []byte,
// pgtype.Numeric via the numeric default, etc); this only has to fold that
// fairly small native-type surface down to row.Kind.
func valueFromPg(v interface{}) row.Value {
	switch t := v.(type) {
	case nil:
		return row.Null
	case bool:
		return row.Boolean(t)
	case int16:
		return row.Integer(int64(t))
	case int32:
		return row.Integer(int64(t))
	case int64:
		return row.Integer(t)
	case float32:
		return row.DecimalFromFloat(float64(t))
	case float64:
		return row.DecimalFromFloat(t)
	case string:
		return row.Text(t)
	case []byte:
		return row.Binary(t)
	case time.Time:
		return row.Timestamp(t)
	case *big.Rat:
		return row.Value{Kind: row.KindDecimal, Decimal: t}
	default:
		// pgtype.Numeric and similar structured wire types stringify
		// cleanly via fmt; anything this adapter has not special-cased
		// still round-trips as text rather than dropping data.
		return row.Text(fmt.Sprintf("%v", t))
	}
}

// paramValue converts a row.Value back to a Go value pgx can bind as a
// query parameter.
func paramValue(v row.Value) interface{} {
	switch v.Kind {
	case row.KindNull:
		return nil
	case row.KindText:
		return v.Text
	case row.KindInteger:
		return v.Integer
	case row.KindDecimal:
		return v.Decimal
	case row.KindBoolean:
		return v.Boolean
	case row.KindTimestamp:
		return v.Timestamp
	case row.KindBinary:
		return v.Binary
	default:
		return nil
	}
}

// valueText renders v the way a cursor column's raw text should be
// persisted verbatim as the new watermark (SPEC_FULL.md §4.6 ChangedRow).
func valueText(v row.Value) string {
	switch v.Kind {
	case row.KindTimestamp:
		return v.Timestamp.UTC().Format(time.RFC3339Nano)
	case row.KindInteger:
		return fmt.Sprintf("%d", v.Integer)
	case row.KindText:
		return v.Text
	case row.KindDecimal:
		return v.Decimal.FloatString(18)
	default:
		return v.String()
	}
}
