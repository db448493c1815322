package consumer

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/abc3/sequin/pkg/connector"
	"github.com/google/cel-go/cel"
)

// Op names a predicate kind.
type Op string

const (
	OpEq      Op = "eq"
	OpNeq     Op = "neq"
	OpIsNull  Op = "is_null"
	OpNotNull Op = "not_null"
	OpLt      Op = "lt"
	OpLte     Op = "lte"
	OpGt      Op = "gt"
	OpGte     Op = "gte"
	OpIn      Op = "in"
	OpNotIn   Op = "not_in"
	// OpExpr evaluates a CEL boolean expression over the record.
	OpExpr Op = "expr"
)

// Filter is the configured form of a column predicate.
type Filter struct {
	Column string `mapstructure:"column" json:"column,omitempty"`
	Op     Op     `mapstructure:"op" json:"op" validate:"required,oneof=eq neq is_null not_null lt lte gt gte in not_in expr"`
	Value  any    `mapstructure:"value" json:"value,omitempty"`
	Values []any  `mapstructure:"values" json:"values,omitempty"`
	Expr   string `mapstructure:"expr" json:"expr,omitempty"`
}

// Predicate is a compiled filter.
type Predicate interface {
	Column() string
	Eval(rec connector.ChangeRecord) (bool, error)
}

var errIncomparable = errors.New("incomparable values")

// CompileFilter checks a filter and returns its executable form.
func CompileFilter(f Filter) (Predicate, error) {
	if f.Op != OpExpr && strings.TrimSpace(f.Column) == "" {
		return nil, fmt.Errorf("filter %s: column is required", f.Op)
	}
	switch f.Op {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte:
		if f.Value == nil {
			return nil, fmt.Errorf("filter %s on %s: value is required", f.Op, f.Column)
		}
		literal, err := literalValue(f.Value)
		if err != nil {
			return nil, fmt.Errorf("filter %s on %s: %w", f.Op, f.Column, err)
		}
		return comparePredicate{column: f.Column, op: f.Op, value: literal}, nil
	case OpIsNull, OpNotNull:
		return nullPredicate{column: f.Column, wantNull: f.Op == OpIsNull}, nil
	case OpIn, OpNotIn:
		if len(f.Values) == 0 {
			return nil, fmt.Errorf("filter %s on %s: values are required", f.Op, f.Column)
		}
		literals := make([]any, 0, len(f.Values))
		for _, v := range f.Values {
			literal, err := literalValue(v)
			if err != nil {
				return nil, fmt.Errorf("filter %s on %s: %w", f.Op, f.Column, err)
			}
			literals = append(literals, literal)
		}
		return setPredicate{column: f.Column, values: literals, negate: f.Op == OpNotIn}, nil
	case OpExpr:
		return compileExpr(f.Expr)
	default:
		return nil, fmt.Errorf("unknown filter op %q", f.Op)
	}
}

type comparePredicate struct {
	column string
	op     Op
	value  any
}

func (p comparePredicate) Column() string { return p.column }

func (p comparePredicate) Eval(rec connector.ChangeRecord) (bool, error) {
	actual := connector.NormalizeValue(rec.Values()[p.column])
	if actual == nil {
		// NULL never compares equal or ordered; neq follows SQL and is false too.
		return false, nil
	}
	cmp, err := compare(actual, p.value)
	if err != nil {
		return false, err
	}
	switch p.op {
	case OpEq:
		return cmp == 0, nil
	case OpNeq:
		return cmp != 0, nil
	case OpLt:
		return cmp < 0, nil
	case OpLte:
		return cmp <= 0, nil
	case OpGt:
		return cmp > 0, nil
	case OpGte:
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("unknown comparison %q", p.op)
}

type nullPredicate struct {
	column   string
	wantNull bool
}

func (p nullPredicate) Column() string { return p.column }

func (p nullPredicate) Eval(rec connector.ChangeRecord) (bool, error) {
	isNull := rec.Values()[p.column] == nil
	return isNull == p.wantNull, nil
}

type setPredicate struct {
	column string
	values []any
	negate bool
}

func (p setPredicate) Column() string { return p.column }

func (p setPredicate) Eval(rec connector.ChangeRecord) (bool, error) {
	actual := connector.NormalizeValue(rec.Values()[p.column])
	if actual == nil {
		return false, nil
	}
	for _, candidate := range p.values {
		cmp, err := compare(actual, candidate)
		if err != nil {
			return false, err
		}
		if cmp == 0 {
			return !p.negate, nil
		}
	}
	return p.negate, nil
}

type exprPredicate struct {
	source  string
	program cel.Program
}

func (p exprPredicate) Column() string { return "" }

func (p exprPredicate) Eval(rec connector.ChangeRecord) (bool, error) {
	out, _, err := p.program.Eval(map[string]any{
		"record": celValues(rec.Values()),
		"old":    celValues(rec.Old),
		"action": string(rec.Action),
		"schema": rec.Schema,
		"table":  rec.Table,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", p.source, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T", p.source, out.Value())
	}
	return b, nil
}

var celEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("old", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("action", cel.StringType),
		cel.Variable("schema", cel.StringType),
		cel.Variable("table", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("consumer: build cel environment: %v", err))
	}
	return env
}()

func compileExpr(expr string) (Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("filter expr: expression is required")
	}
	ast, iss := celEnv.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("filter expr: %w", iss.Err())
	}
	checked, iss := celEnv.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("filter expr: %w", iss.Err())
	}
	if out := checked.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("filter expr: %q must evaluate to bool, got %s", expr, out)
	}
	program, err := celEnv.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("filter expr: %w", err)
	}
	return exprPredicate{source: expr, program: program}, nil
}

func celValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for key, value := range values {
		out[key] = celValue(connector.NormalizeValue(value))
	}
	return out
}

// celValue maps numerics onto CEL's int and double types.
func celValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []any:
		out := make([]any, len(val))
		for idx, item := range val {
			out[idx] = celValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, item := range val {
			out[key] = celValue(item)
		}
		return out
	default:
		return v
	}
}

// literalValue normalizes a configured value. Timestamps given as RFC3339
// strings stay strings so they can still match text columns.
func literalValue(v any) (any, error) {
	switch val := v.(type) {
	case string, bool, int64, float64, json.Number:
		return val, nil
	case int, int8, int16, int32, uint, uint8, uint16, uint32, uint64, float32:
		return connector.NormalizeValue(val), nil
	case time.Time:
		return val.UTC(), nil
	default:
		return nil, fmt.Errorf("unsupported filter value type %T", v)
	}
}

// compare orders actual against literal. Mismatched kinds are an error.
func compare(actual, literal any) (int, error) {
	if isNumber(actual) {
		return compareNumbers(actual, literal)
	}
	switch a := actual.(type) {
	case string:
		b, ok := literal.(string)
		if !ok {
			return 0, fmt.Errorf("%w: text and %T", errIncomparable, literal)
		}
		return strings.Compare(a, b), nil
	case bool:
		b, ok := literal.(bool)
		if !ok {
			return 0, fmt.Errorf("%w: boolean and %T", errIncomparable, literal)
		}
		switch {
		case a == b:
			return 0, nil
		case !a:
			return -1, nil
		default:
			return 1, nil
		}
	case time.Time:
		var b time.Time
		switch lit := literal.(type) {
		case time.Time:
			b = lit
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, lit)
			if err != nil {
				return 0, fmt.Errorf("%w: timestamp and %q", errIncomparable, lit)
			}
			b = parsed
		default:
			return 0, fmt.Errorf("%w: timestamp and %T", errIncomparable, literal)
		}
		return a.Compare(b), nil
	}
	return 0, fmt.Errorf("%w: %T", errIncomparable, actual)
}

func isNumber(v any) bool {
	switch v.(type) {
	case int64, float64, json.Number:
		return true
	}
	return false
}

// compareNumbers compares integers exactly and everything else as a
// rational, so numeric columns never round through float64. A string
// literal is accepted when it spells a number.
func compareNumbers(actual, literal any) (int, error) {
	if s, ok := literal.(string); ok {
		literal = json.Number(s)
	}
	if a, ok := actual.(int64); ok {
		if b, ok := literal.(int64); ok {
			return cmp.Compare(a, b), nil
		}
	}
	af, aFloat := actual.(float64)
	bf, bFloat := literal.(float64)
	if (aFloat && !isFinite(af)) || (bFloat && !isFinite(bf)) {
		if !aFloat || !bFloat {
			return 0, fmt.Errorf("%w: %v and %v", errIncomparable, actual, literal)
		}
		return cmp.Compare(af, bf), nil
	}
	a, ok := rational(actual)
	if !ok {
		return 0, fmt.Errorf("%w: %T", errIncomparable, actual)
	}
	b, ok := rational(literal)
	if !ok {
		return 0, fmt.Errorf("%w: number and %T", errIncomparable, literal)
	}
	return a.Cmp(b), nil
}

func rational(v any) (*big.Rat, bool) {
	switch n := v.(type) {
	case int64:
		return new(big.Rat).SetInt64(n), true
	case float64:
		if !isFinite(n) {
			return nil, false
		}
		return new(big.Rat).SetFloat64(n), true
	case json.Number:
		return new(big.Rat).SetString(n.String())
	default:
		return nil, false
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
