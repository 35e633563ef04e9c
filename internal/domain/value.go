package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Epsilon is the tolerance used for all numeric comparisons. Values
// whose difference is below it are considered equal.
const Epsilon = 1e-3

// ValueKind discriminates the tagged Value union.
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueBool
	ValueNumber
	ValueString
	ValueJSON
)

// Value is a tagged union over the scalar shapes that appear in device
// payloads and rule definitions. It gives the normalization step of
// trigger evaluation an explicit, testable home: `"ON"` (a JSON string
// literal), `ON` (a raw cache string), and `true` all reduce to a
// canonical string form before comparison.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	raw  json.RawMessage
}

// Null is the zero Value.
var Null = Value{}

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: ValueBool, b: b} }

// Number wraps a float.
func Number(n float64) Value { return Value{kind: ValueNumber, n: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: ValueString, s: s} }

// ParseJSON interprets a raw JSON literal as a Value. Empty or null
// input yields Null; objects and arrays are kept as opaque JSON.
func ParseJSON(raw json.RawMessage) Value {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return Null
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		// Not valid JSON: treat the raw text as a bare string.
		return String(trimmed)
	}
	return FromAny(v)
}

// FromAny wraps an arbitrary decoded value (as produced by
// encoding/json into map[string]any) as a Value.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return Number(f)
		}
		return String(t.String())
	case string:
		return String(t)
	case Value:
		return t
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return Null
		}
		return Value{kind: ValueJSON, raw: raw}
	}
}

// Kind returns the union discriminator.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the value is absent.
func (v Value) IsNull() bool { return v.kind == ValueNull }

// Canonical reduces the value to its canonical string form: booleans
// become "true"/"false", numbers their shortest decimal rendering,
// strings themselves, JSON its compact text, null the empty string.
func (v Value) Canonical() string {
	switch v.kind {
	case ValueBool:
		return strconv.FormatBool(v.b)
	case ValueNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case ValueString:
		return v.s
	case ValueJSON:
		return string(v.raw)
	default:
		return ""
	}
}

// Float returns the numeric interpretation of the value. Strings are
// parsed leniently (surrounding whitespace is ignored); booleans and
// JSON do not parse.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case ValueNumber:
		return v.n, true
	case ValueString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Bool returns the boolean interpretation of the value. Strings
// "true"/"false" (any case) convert; everything else does not.
func (v Value) Bool() (bool, bool) {
	switch v.kind {
	case ValueBool:
		return v.b, true
	case ValueString:
		switch strings.ToLower(strings.TrimSpace(v.s)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// Equal reports normalized equality: numeric when both sides parse as
// numbers (within Epsilon), case-insensitive string equality otherwise.
func (v Value) Equal(other Value) bool {
	if lf, ok := v.Float(); ok {
		if rf, ok := other.Float(); ok {
			return math.Abs(lf-rf) < Epsilon
		}
	}
	return strings.EqualFold(v.Canonical(), other.Canonical())
}

// Compare applies a single-operand comparison operator to the current
// value. Numeric comparators require both sides to parse as numbers and
// evaluate false otherwise. String comparators are case-insensitive.
// Between treats swapped bounds as [min,max]. ChangesTo/ChangesFrom/
// AnyChange need an old value and are handled by the caller; here they
// evaluate false.
func Compare(op Operator, current, arg, arg2 Value) bool {
	switch op {
	case OpEquals:
		return current.Equal(arg)
	case OpNotEquals:
		return !current.Equal(arg)
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		cf, ok1 := current.Float()
		af, ok2 := arg.Float()
		if !ok1 || !ok2 {
			return false
		}
		switch op {
		case OpGreaterThan:
			return cf > af
		case OpGreaterThanOrEqual:
			return cf >= af || math.Abs(cf-af) < Epsilon
		case OpLessThan:
			return cf < af
		default:
			return cf <= af || math.Abs(cf-af) < Epsilon
		}
	case OpBetween:
		cf, ok1 := current.Float()
		lo, ok2 := arg.Float()
		hi, ok3 := arg2.Float()
		if !ok1 || !ok2 || !ok3 {
			return false
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		return cf >= lo-Epsilon && cf <= hi+Epsilon
	case OpContains:
		return strings.Contains(foldCanonical(current), foldCanonical(arg))
	case OpStartsWith:
		return strings.HasPrefix(foldCanonical(current), foldCanonical(arg))
	case OpEndsWith:
		return strings.HasSuffix(foldCanonical(current), foldCanonical(arg))
	default:
		return false
	}
}

func foldCanonical(v Value) string {
	return strings.ToLower(v.Canonical())
}
