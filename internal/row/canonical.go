package row

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Canonical renders a Row as deterministic, sorted-key text suitable for
// hashing (SPEC_FULL.md §4.3): decimals without trailing zeros, timestamps
// as ISO-8601 UTC, null preserved as a distinct token. The exact byte layout
// is private to this package; callers only rely on it being a pure function
// of the Row's contents (two equal Rows canonicalize identically, two
// differing Rows canonicalize differently with overwhelming probability,
// and hashing the output is what SPEC_FULL.md calls content_hash).
func Canonical(r Row) []byte {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		writeCanonicalValue(&b, r[k])
	}
	b.WriteByte('}')
	return []byte(b.String())
}

func writeCanonicalValue(b *strings.Builder, v Value) {
	switch v.Kind {
	case KindNull:
		b.WriteString("null")
	case KindText:
		b.WriteString(strconv.Quote(v.Text))
	case KindInteger:
		b.WriteString(strconv.FormatInt(v.Integer, 10))
	case KindDecimal:
		// RatString gives an exact fraction ("3/2"); FloatString with a large
		// precision then trimmed of trailing zeros gives a canonical decimal
		// literal instead, matching "decimals without trailing zeros".
		b.WriteString(trimTrailingZeros(v.Decimal.FloatString(18)))
	case KindBoolean:
		if v.Boolean {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case KindTimestamp:
		b.WriteString(strconv.Quote(v.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z")))
	case KindBinary:
		b.WriteString(strconv.Quote(fmt.Sprintf("%x", v.Binary)))
	default:
		b.WriteString("null")
	}
}

func trimTrailingZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	return s
}
