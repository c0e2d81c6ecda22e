package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/mkarren/stepflow/pkg/api"
)

// Condition operators, matched longest-first when parsing expressions so
// ">=" is never split at ">".
const (
	opEquals      = "=="
	opNotEquals   = "!="
	opGreater     = ">"
	opGreaterEq   = ">="
	opLess        = "<"
	opLessEq      = "<="
	opContains    = "contains"
	opNotContains = "not_contains"
	opIn          = "in"
	opNotIn       = "not_in"
	opStartsWith  = "starts_with"
	opEndsWith    = "ends_with"
	opRegexMatch  = "regex_match"
	opIsEmpty     = "is_empty"
	opIsNotEmpty  = "is_not_empty"
	opIsNull      = "is_null"
	opIsNotNull   = "is_not_null"
)

// binaryOperators is ordered so longer operators are tried before their
// prefixes ("not_contains" before "contains", ">=" before ">").
var binaryOperators = []string{
	opNotContains, opContains,
	opStartsWith, opEndsWith, opRegexMatch,
	opNotIn, opIn,
	opGreaterEq, opLessEq, opEquals, opNotEquals,
	opGreater, opLess,
}

// unaryOperators appear as a trailing token: "step1.output is_empty".
var unaryOperators = []string{opIsNotEmpty, opIsEmpty, opIsNotNull, opIsNull}

// Evaluator evaluates branch conditions against the accumulated run
// context. Variable references are dotted paths; missing segments resolve
// to null rather than erroring.
//
// FailOpen controls what an unparseable expression evaluates to. True (the
// default) favors forward progress: the step runs anyway and a warning is
// logged. Set it false to skip steps guarded by broken expressions instead.
type Evaluator struct {
	FailOpen bool
	Logger   *slog.Logger
}

// NewEvaluator creates a fail-open evaluator. If logger is nil,
// slog.Default() is used.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{FailOpen: true, Logger: logger}
}

// EvaluateAll reports whether every condition holds (implicit AND). An
// empty list holds trivially.
func (e *Evaluator) EvaluateAll(conds []api.Condition, ctx map[string]any) bool {
	for _, c := range conds {
		if !e.Evaluate(c, ctx) {
			return false
		}
	}
	return true
}

// Evaluate resolves one condition tree against the context.
func (e *Evaluator) Evaluate(cond api.Condition, ctx map[string]any) bool {
	switch strings.ToLower(cond.Logic) {
	case "and":
		for _, child := range cond.Conditions {
			if !e.Evaluate(child, ctx) {
				return false
			}
		}
		return true
	case "or":
		for _, child := range cond.Conditions {
			if e.Evaluate(child, ctx) {
				return true
			}
		}
		return len(cond.Conditions) == 0
	case "not":
		if len(cond.Conditions) == 0 {
			return true
		}
		return !e.Evaluate(cond.Conditions[0], ctx)
	}

	if cond.Expr != "" {
		parsed, ok := parseCondition(cond.Expr)
		if !ok {
			e.Logger.Warn("unparseable condition expression",
				slog.String("expr", cond.Expr),
				slog.Bool("fail_open", e.FailOpen),
			)
			return e.FailOpen
		}
		return e.evalLeaf(parsed.field, parsed.operator, parsed.value, ctx)
	}
	if cond.Operator != "" {
		return e.evalLeaf(cond.Field, cond.Operator, cond.Value, ctx)
	}

	e.Logger.Warn("empty condition", slog.Bool("fail_open", e.FailOpen))
	return e.FailOpen
}

// EvaluateExpr parses and evaluates a string expression such as
// "step1.output.count > 10".
func (e *Evaluator) EvaluateExpr(expr string, ctx map[string]any) bool {
	return e.Evaluate(api.Condition{Expr: expr}, ctx)
}

func (e *Evaluator) evalLeaf(field, operator string, value any, ctx map[string]any) bool {
	left := resolvePath(field, ctx)

	switch operator {
	case opEquals:
		return equalValues(left, value)
	case opNotEquals:
		return !equalValues(left, value)
	case opGreater:
		return safeCompare(left, value) == 1
	case opGreaterEq:
		c := safeCompare(left, value)
		return c == 0 || c == 1
	case opLess:
		return safeCompare(left, value) == -1
	case opLessEq:
		c := safeCompare(left, value)
		return c == 0 || c == -1
	case opContains:
		return safeContains(left, value)
	case opNotContains:
		return !safeContains(left, value)
	case opIn:
		return memberOf(left, value)
	case opNotIn:
		return !memberOf(left, value)
	case opStartsWith:
		return strings.HasPrefix(stringify(left), stringify(value))
	case opEndsWith:
		return strings.HasSuffix(stringify(left), stringify(value))
	case opRegexMatch:
		re, err := regexp.Compile(stringify(value))
		if err != nil {
			e.Logger.Warn("invalid condition regex", slog.String("pattern", stringify(value)), slog.Any("error", err))
			return false
		}
		return re.MatchString(stringify(left))
	case opIsEmpty:
		return isEmpty(left)
	case opIsNotEmpty:
		return !isEmpty(left)
	case opIsNull:
		return left == nil
	case opIsNotNull:
		return left != nil
	default:
		e.Logger.Warn("unknown condition operator", slog.String("operator", operator))
		return false
	}
}

type parsedCondition struct {
	field    string
	operator string
	value    any
}

func parseCondition(expr string) (parsedCondition, bool) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return parsedCondition{}, false
	}

	for _, op := range unaryOperators {
		if strings.HasSuffix(s, " "+op) {
			field := strings.TrimSpace(strings.TrimSuffix(s, " "+op))
			if field == "" {
				return parsedCondition{}, false
			}
			return parsedCondition{field: field, operator: op}, true
		}
	}

	for _, op := range binaryOperators {
		// Word operators need surrounding spaces so "in" never matches
		// inside an identifier; symbol operators may be unspaced.
		sep := op
		if isWordOperator(op) {
			sep = " " + op + " "
		}
		idx := strings.Index(s, sep)
		if idx <= 0 {
			continue
		}
		field := strings.TrimSpace(s[:idx])
		rest := strings.TrimSpace(s[idx+len(sep):])
		if field == "" || rest == "" {
			continue
		}
		return parsedCondition{field: field, operator: op, value: parseValue(rest)}, true
	}
	return parsedCondition{}, false
}

func isWordOperator(op string) bool {
	return op[0] != '=' && op[0] != '!' && op[0] != '<' && op[0] != '>'
}

// parseValue interprets a literal: quoted string, number, bool, null, JSON,
// else the raw string.
func parseValue(s string) any {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null", "none":
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// resolvePath walks a dotted path through nested maps. A missing segment
// resolves to nil.
func resolvePath(path string, ctx map[string]any) any {
	var current any = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func equalValues(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return as == bs
	}
	return false
}

// safeCompare orders two values: -1, 0 or 1, or -2 when incomparable.
// Mixed string/number pairs coerce the string side; a coercion failure is
// incomparable rather than an error.
func safeCompare(a, b any) int {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	switch {
	case aNum && bNum:
		return compareFloats(af, bf)
	case aNum:
		s, ok := b.(string)
		if !ok {
			return -2
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return -2
		}
		return compareFloats(af, f)
	case bNum:
		s, ok := a.(string)
		if !ok {
			return -2
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return -2
		}
		return compareFloats(f, bf)
	default:
		as, aok := a.(string)
		bs, bok := b.(string)
		if aok && bok {
			return strings.Compare(as, bs)
		}
		return strings.Compare(stringify(a), stringify(b))
	}
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func safeContains(container, item any) bool {
	switch c := container.(type) {
	case string:
		return strings.Contains(c, stringify(item))
	case []any:
		for _, el := range c {
			if equalValues(el, item) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := c[stringify(item)]
		return ok
	case nil:
		return false
	default:
		return strings.Contains(stringify(container), stringify(item))
	}
}

func memberOf(item, container any) bool {
	switch c := container.(type) {
	case []any:
		for _, el := range c {
			if equalValues(el, item) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(c, stringify(item))
	case map[string]any:
		_, ok := c[stringify(item)]
		return ok
	default:
		return false
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
