// Package query implements the thin filter layer described in spec.md
// §4.6: a small fixed-size condition list evaluated against a type's
// queryable fields, executed by driving a ForEach-style iteration and
// testing each record against every condition. Grounded in the reference
// implementation's engine/eval.go evaluator shape (sum-typed comparison
// values, a BETWEEN/LIKE/IS_NULL operator set, and matchLikePattern's
// backtracking matcher), adapted from full SQL expression evaluation down
// to spec.md's deliberately small, code-size-critical condition grammar.
package query

import (
	"fmt"

	"github.com/kferreira/traitdb/storage"
)

// MaxConditions is the default fixed cap on a Query's condition list
// (spec.md §4.6: "up to a small fixed number of conditions (default 8)").
const MaxConditions = 8

// Op is the comparison operator a Condition applies.
type Op int

const (
	OpEQ Op = iota
	OpNE
	OpLT
	OpLE
	OpGT
	OpGE
	OpBetween
	OpLike
	OpIsNull
	OpNotNull
)

// ValueKind tags which alternative of Value is populated — the "sum type"
// design notes call for ("avoid any runtime type reflection by requiring
// the caller to use the type-specific constructor").
type ValueKind int

const (
	KindInt ValueKind = iota
	KindFloat
	KindBool
	KindString
)

// Value is a tagged-union condition operand. Use the IntValue/FloatValue/
// BoolValue/StringValue constructors rather than composite-literal
// construction, matching spec.md §9's "where_i32, where_str, …" typed
// constructors.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	b    bool
	s    string
}

func IntValue(v int64) Value    { return Value{kind: KindInt, i: v} }
func FloatValue(v float64) Value { return Value{kind: KindFloat, f: v} }
func BoolValue(v bool) Value    { return Value{kind: KindBool, b: v} }
func StringValue(v string) Value { return Value{kind: KindString, s: v} }

// Condition is one (field, operator, value[, upper value for BETWEEN])
// test. Build with the Eq/Ne/... helpers below rather than a composite
// literal, since Upper only applies to OpBetween.
type Condition struct {
	Field string
	Op    Op
	Value Value
	Upper Value // only meaningful when Op == OpBetween
}

func Eq(field string, v Value) Condition      { return Condition{Field: field, Op: OpEQ, Value: v} }
func Ne(field string, v Value) Condition      { return Condition{Field: field, Op: OpNE, Value: v} }
func Lt(field string, v Value) Condition      { return Condition{Field: field, Op: OpLT, Value: v} }
func Le(field string, v Value) Condition      { return Condition{Field: field, Op: OpLE, Value: v} }
func Gt(field string, v Value) Condition      { return Condition{Field: field, Op: OpGT, Value: v} }
func Ge(field string, v Value) Condition      { return Condition{Field: field, Op: OpGE, Value: v} }
func Between(field string, lo, hi Value) Condition {
	return Condition{Field: field, Op: OpBetween, Value: lo, Upper: hi}
}
func Like(field string, pattern string) Condition {
	return Condition{Field: field, Op: OpLike, Value: StringValue(pattern)}
}
func IsNull(field string) Condition  { return Condition{Field: field, Op: OpIsNull} }
func NotNull(field string) Condition { return Condition{Field: field, Op: OpNotNull} }

// Query targets one registered type and a conjunction of conditions, plus
// an optional limit (0 = unlimited) and offset (spec.md §4.6).
type Query struct {
	TypeName   string
	Conditions []Condition
	Limit      int
	Offset     int
}

// New builds a Query against typeName, rejecting more than MaxConditions
// conditions up front rather than silently truncating.
func New(typeName string, conditions ...Condition) (*Query, error) {
	if len(conditions) > MaxConditions {
		return nil, fmt.Errorf("%w: %d conditions exceeds the %d-condition cap", storage.ErrInvalidArg, len(conditions), MaxConditions)
	}
	return &Query{TypeName: typeName, Conditions: conditions}, nil
}

// Source is the minimal capability Exec needs from a database: ForEach
// over one named type's live records. api.DB satisfies this structurally,
// without query importing api (which would be an import cycle, since api
// imports query).
type Source interface {
	ForEach(typeName string, visit func(record any) (keepGoing bool, err error)) error
}

// FieldLookup resolves a type's queryable fields, used to evaluate
// conditions against a record without the query package needing to know
// the type's concrete Go shape. Callers typically obtain this from the
// storage.QueryableDescriptor their RegisterType call was given.
type FieldLookup interface {
	Fields() []storage.FieldDescriptor
}

// Exec runs q against src, invoking visit for each matching record in
// main-file-then-WAL-insert order (the order ForEach already produces),
// applying Offset before the first invocation and stopping once Limit
// matches have been emitted (0 = unlimited). visit returning false stops
// iteration early.
func (q *Query) Exec(src Source, fields FieldLookup, visit func(record any) (keepGoing bool, err error)) error {
	fieldByName := indexFields(fields)
	skipped := 0
	matched := 0
	return src.ForEach(q.TypeName, func(record any) (bool, error) {
		ok, err := q.matches(record, fieldByName)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		if skipped < q.Offset {
			skipped++
			return true, nil
		}
		keepGoing, err := visit(record)
		if err != nil {
			return false, err
		}
		matched++
		if q.Limit > 0 && matched >= q.Limit {
			return false, nil
		}
		return keepGoing, nil
	})
}

// Count runs the same scan as Exec but counts matches, ignoring Limit and
// Offset for the duration of the call and restoring them afterward
// (spec.md §4.6: "count runs the same scan... temporarily ignoring
// limit/offset").
func (q *Query) Count(src Source, fields FieldLookup) (int, error) {
	savedLimit, savedOffset := q.Limit, q.Offset
	q.Limit, q.Offset = 0, 0
	defer func() { q.Limit, q.Offset = savedLimit, savedOffset }()

	fieldByName := indexFields(fields)
	count := 0
	err := src.ForEach(q.TypeName, func(record any) (bool, error) {
		ok, err := q.matches(record, fieldByName)
		if err != nil {
			return false, err
		}
		if ok {
			count++
		}
		return true, nil
	})
	return count, err
}

func indexFields(fields FieldLookup) map[string]storage.FieldDescriptor {
	out := make(map[string]storage.FieldDescriptor)
	if fields == nil {
		return out
	}
	for _, f := range fields.Fields() {
		out[f.Name] = f
	}
	return out
}

// matches reports whether record satisfies every condition (logical
// conjunction); a query with no conditions matches everything, per
// spec.md §8's boundary behavior.
func (q *Query) matches(record any, fieldByName map[string]storage.FieldDescriptor) (bool, error) {
	for _, c := range q.Conditions {
		fd, ok := fieldByName[c.Field]
		if !ok {
			return false, fmt.Errorf("%w: field %q not queryable", storage.ErrInvalidArg, c.Field)
		}
		ok, err := evalCondition(fd, c, record)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalCondition(fd storage.FieldDescriptor, c Condition, record any) (bool, error) {
	raw := fd.Get(record)

	if c.Op == OpIsNull || c.Op == OpNotNull {
		isNull := isZeroOrEmpty(raw)
		if c.Op == OpIsNull {
			return isNull, nil
		}
		return !isNull, nil
	}

	if c.Op == OpLike {
		s, ok := raw.(string)
		if !ok {
			return false, fmt.Errorf("%w: LIKE against non-string field %q", storage.ErrInvalidArg, c.Field)
		}
		return matchGlob(s, c.Value.s), nil
	}

	switch fd.Kind {
	case storage.FieldBool:
		lhs, ok := raw.(bool)
		if !ok {
			return false, fmt.Errorf("%w: field %q is not a bool", storage.ErrInvalidArg, c.Field)
		}
		if c.Op != OpEQ && c.Op != OpNE {
			return false, fmt.Errorf("%w: bool field %q only supports = and !=", storage.ErrInvalidArg, c.Field)
		}
		eq := lhs == c.Value.b
		if c.Op == OpEQ {
			return eq, nil
		}
		return !eq, nil

	case storage.FieldString:
		lhs, ok := raw.(string)
		if !ok {
			return false, fmt.Errorf("%w: field %q is not a string", storage.ErrInvalidArg, c.Field)
		}
		return compareStrings(lhs, c), nil

	case storage.FieldFloat:
		lhs, err := toFloat64(raw)
		if err != nil {
			return false, err
		}
		return compareFloat(lhs, c), nil

	default: // FieldInt, FieldUint
		lhs, err := toInt64(raw)
		if err != nil {
			return false, err
		}
		// If the comparison value was supplied as a float, promote to
		// float64 comparison per spec.md §4.6's cross-type coercion rule.
		if c.Value.kind == KindFloat || c.Upper.kind == KindFloat {
			return compareFloat(float64(lhs), c), nil
		}
		return compareInt(lhs, c), nil
	}
}

func compareInt(lhs int64, c Condition) bool {
	switch c.Op {
	case OpEQ:
		return lhs == c.Value.i
	case OpNE:
		return lhs != c.Value.i
	case OpLT:
		return lhs < c.Value.i
	case OpLE:
		return lhs <= c.Value.i
	case OpGT:
		return lhs > c.Value.i
	case OpGE:
		return lhs >= c.Value.i
	case OpBetween:
		return lhs >= c.Value.i && lhs <= c.Upper.i
	default:
		return false
	}
}

// floatEpsilon is spec.md §4.6's equality tolerance: "floats compare as
// f64 with equality defined by absolute difference < 1e-9".
const floatEpsilon = 1e-9

func compareFloat(lhs float64, c Condition) bool {
	rhs := valueAsFloat(c.Value)
	switch c.Op {
	case OpEQ:
		return absDiff(lhs, rhs) < floatEpsilon
	case OpNE:
		return absDiff(lhs, rhs) >= floatEpsilon
	case OpLT:
		return lhs < rhs
	case OpLE:
		return lhs <= rhs
	case OpGT:
		return lhs > rhs
	case OpGE:
		return lhs >= rhs
	case OpBetween:
		return lhs >= rhs && lhs <= valueAsFloat(c.Upper)
	default:
		return false
	}
}

func compareStrings(lhs string, c Condition) bool {
	rhs := c.Value.s
	switch c.Op {
	case OpEQ:
		return lhs == rhs
	case OpNE:
		return lhs != rhs
	case OpLT:
		return lhs < rhs
	case OpLE:
		return lhs <= rhs
	case OpGT:
		return lhs > rhs
	case OpGE:
		return lhs >= rhs
	case OpBetween:
		return lhs >= rhs && lhs <= c.Upper.s
	default:
		return false
	}
}

func valueAsFloat(v Value) float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

func toFloat64(raw any) (float64, error) {
	switch v := raw.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("%w: value is not a float", storage.ErrInvalidArg)
	}
}

func toInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%w: value is not an integer", storage.ErrInvalidArg)
	}
}

func absDiff(a, b float64) float64 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}

// isZeroOrEmpty implements spec.md §4.6's only available null model:
// "the field's raw bytes equal zero/empty string."
func isZeroOrEmpty(raw any) bool {
	switch v := raw.(type) {
	case string:
		return v == ""
	case bool:
		return !v
	case float32:
		return v == 0
	case float64:
		return v == 0
	default:
		i, err := toInt64(raw)
		return err == nil && i == 0
	}
}

// matchGlob implements spec.md §4.6's LIKE grammar: `*` matches any
// sequence including empty, `?` matches exactly one character, `\*` and
// `\?` are literal, matching is greedy with backtracking, case-sensitive.
// Grounded in the reference implementation's matchLikePattern
// (engine/eval.go) — same backtracking two-pointer algorithm, generalized
// from SQL's `%`/`_` to the spec's `*`/`?` and given escape handling the
// source's percent/underscore grammar does not need.
func matchGlob(s, pattern string) bool {
	lit := unescapePattern(pattern)
	sb := []byte(s)
	si, pi := 0, 0
	starSi, starPi := -1, -1

	for si < len(sb) {
		switch {
		case pi < len(lit) && !lit[pi].isWild && lit[pi].ch == sb[si]:
			si++
			pi++
		case pi < len(lit) && lit[pi].isWild && lit[pi].ch == '?':
			si++
			pi++
		case pi < len(lit) && lit[pi].isWild && lit[pi].ch == '*':
			starSi, starPi = si, pi
			pi++
		case starPi >= 0:
			starSi++
			si = starSi
			pi = starPi + 1
		default:
			return false
		}
	}

	for pi < len(lit) && lit[pi].isWild && lit[pi].ch == '*' {
		pi++
	}
	return pi == len(lit)
}

// patternByte marks whether a pattern position is a literal byte
// (including an escaped `\*`/`\?`) or an active wildcard.
type patternByte struct {
	ch     byte
	isWild bool
}

func unescapePattern(pattern string) []patternByte {
	b := []byte(pattern)
	out := make([]patternByte, 0, len(b))
	for i := 0; i < len(b); i++ {
		switch b[i] {
		case '\\':
			if i+1 < len(b) && (b[i+1] == '*' || b[i+1] == '?') {
				out = append(out, patternByte{ch: b[i+1]})
				i++
			} else {
				out = append(out, patternByte{ch: '\\'})
			}
		case '*', '?':
			out = append(out, patternByte{ch: b[i], isWild: true})
		default:
			out = append(out, patternByte{ch: b[i]})
		}
	}
	return out
}
