// Package sharding evaluates the per-row predicate DSL that routes a row to
// one of several target lists (SPEC_FULL.md §4.2). Predicates are compiled
// to CEL programs (google/cel-go), the same library the teacher lineage
// already depends on for its own rule evaluation needs — a natural fit for
// a small, pure, deterministic boolean expression language.
package sharding

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/pkg/errors"

	"github.com/jare20895/ArcoreSyncBridge/internal/row"
)

// Rule is one `{if: predicate, target_list_id}` policy entry.
type Rule struct {
	If           string
	TargetListID string
}

// Policy is the full sharding policy for a definition.
type Policy struct {
	Rules             []Rule
	DefaultTargetList string
}

// compiledRule pairs a rule with its compiled CEL program.
type compiledRule struct {
	program      cel.Program
	targetListID string
	source       string
}

// Evaluator evaluates a compiled Policy against rows. It is safe for
// concurrent use (CEL programs are stateless once compiled) and pure: the
// same row always evaluates to the same target.
type Evaluator struct {
	env     *cel.Env
	rules   []compiledRule
	def     string // default target list id, possibly empty
}

// NewEvaluator compiles policy. The conjunction-of-comparisons grammar
// (SPEC_FULL.md §4.2: `field OP literal` atoms joined by `and`) is translated
// to CEL syntax before compilation so operators and literal forms match the
// spec grammar exactly, and so every identifier referenced by the predicate
// resolves through a single dynamic "row" map rather than requiring static
// CEL variable declarations per column.
func NewEvaluator(policy Policy) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "sharding: build cel env")
	}

	ev := &Evaluator{env: env, def: policy.DefaultTargetList}
	for _, r := range policy.Rules {
		expr, err := translate(r.If)
		if err != nil {
			return nil, errors.Wrapf(err, "sharding: translate rule %q", r.If)
		}
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, errors.Wrapf(issues.Err(), "sharding: compile rule %q (as %q)", r.If, expr)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, errors.Wrapf(err, "sharding: program rule %q", r.If)
		}
		ev.rules = append(ev.rules, compiledRule{program: prg, targetListID: r.TargetListID, source: r.If})
	}
	return ev, nil
}

// Evaluate returns the target list id for r: the first rule whose predicate
// is true, else the policy default (which may be ""), never an error for a
// well-formed policy — missing fields make an atom false, they never raise.
func (e *Evaluator) Evaluate(r row.Row) (string, error) {
	activation, err := cel.NewActivation(map[string]interface{}{"row": toCELMap(r)})
	if err != nil {
		return "", errors.Wrap(err, "sharding: build activation")
	}
	for _, cr := range e.rules {
		out, _, err := cr.program.Eval(activation)
		if err != nil {
			// An unbound/missing attribute error folds to "false": the spec
			// requires a missing field to make the atom false, never raise.
			if types.IsError(out) || isNoSuchAttr(err) {
				continue
			}
			return "", errors.Wrapf(err, "sharding: eval rule %q", cr.source)
		}
		b, ok := out.Value().(bool)
		if ok && b {
			return cr.targetListID, nil
		}
	}
	return e.def, nil
}

func isNoSuchAttr(err error) bool {
	// cel-go surfaces missing map keys / unset optional fields as runtime
	// errors whose message identifies the absent attribute; since CEL has
	// no typed "missing" sentinel for a DynType map lookup, string-matching
	// the documented phrasing is the supported way to distinguish "field
	// absent" (spec: atom is false) from a genuine evaluation failure.
	return err != nil && strings.Contains(err.Error(), "no such attribute")
}

func toCELMap(r row.Row) map[string]interface{} {
	out := make(map[string]interface{}, len(r))
	for k, v := range r {
		out[k] = celValue(v)
	}
	return out
}

func celValue(v row.Value) interface{} {
	switch v.Kind {
	case row.KindNull:
		return nil
	case row.KindText:
		return v.Text
	case row.KindInteger:
		return v.Integer
	case row.KindDecimal:
		f, _ := v.Decimal.Float64()
		return f
	case row.KindBoolean:
		return v.Boolean
	case row.KindTimestamp:
		return v.Timestamp.Unix()
	default:
		return nil
	}
}

// translate rewrites the spec's `field OP literal [and field OP literal]*`
// grammar into CEL syntax: bare identifiers become `row["identifier"]` map
// lookups (via has()-guarded access so a missing key evaluates the whole
// conjunction to false instead of raising), and `and` is rewritten to CEL's
// `&&`.
func translate(predicate string) (string, error) {
	atoms := strings.Split(predicate, " and ")
	var parts []string
	for _, atom := range atoms {
		expr, err := translateAtom(strings.TrimSpace(atom))
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
	}
	return strings.Join(parts, " && "), nil
}

var ops = []string{"==", "!=", "<=", ">=", "<", ">"}

func translateAtom(atom string) (string, error) {
	for _, op := range ops {
		idx := strings.Index(atom, op)
		if idx < 0 {
			continue
		}
		field := strings.TrimSpace(atom[:idx])
		lit := strings.TrimSpace(atom[idx+len(op):])
		if field == "" || lit == "" {
			continue
		}
		// Guard the lookup with has(): an absent key makes the atom false
		// rather than raising "no such attribute" (still belt-and-braces
		// with the isNoSuchAttr fallback in Evaluate).
		return fmt.Sprintf("has(row.%s) && row[%q] %s %s", safeIdent(field), field, op, celLiteral(lit)), nil
	}
	return "", errors.Errorf("sharding: unrecognized atom %q", atom)
}

// safeIdent returns field unchanged: has() requires field-selector syntax,
// which works for any bare word the
// spec grammar allows (predicate field names are plain column identifiers).
func safeIdent(field string) string { return field }

func celLiteral(lit string) string {
	if strings.HasPrefix(lit, "'") && strings.HasSuffix(lit, "'") && len(lit) >= 2 {
		return strconv.Quote(lit[1 : len(lit)-1])
	}
	// Integer or decimal literal: passes through unchanged: CEL accepts
	// both int and double literal syntax natively.
	return lit
}
