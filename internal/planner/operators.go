package planner

import (
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"

	"entityql/internal/apierr"
	"entityql/internal/sqlutil"
)

// Comparator turns one filter comparator into a predicate over expr.
type Comparator func(d sqlutil.Dialect, expr string, value interface{}) (sq.Sqlizer, error)

// regexSpec describes the regex comparator family. Negated forms are wrapped
// in NOT (...) rather than relying on a dialect operator.
type regexSpec struct {
	caseInsensitive bool
	negate          bool
}

func (r regexSpec) comparator() Comparator {
	return func(d sqlutil.Dialect, expr string, value interface{}) (sq.Sqlizer, error) {
		pattern, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("regex pattern must be a string")
		}
		pred := d.Regex(expr, pattern, r.caseInsensitive)
		if r.negate {
			return notPredicate{pred}, nil
		}
		return pred, nil
	}
}

var comparators = map[string]Comparator{
	"_eq":  binary(func(e string, v interface{}) sq.Sqlizer { return sq.Eq{e: v} }),
	"_neq": binary(func(e string, v interface{}) sq.Sqlizer { return sq.NotEq{e: v} }),
	"_gt":  binary(func(e string, v interface{}) sq.Sqlizer { return sq.Gt{e: v} }),
	"_gte": binary(func(e string, v interface{}) sq.Sqlizer { return sq.GtOrEq{e: v} }),
	"_lt":  binary(func(e string, v interface{}) sq.Sqlizer { return sq.Lt{e: v} }),
	"_lte": binary(func(e string, v interface{}) sq.Sqlizer { return sq.LtOrEq{e: v} }),
	"_in":  listComparator(false),
	"_nin": listComparator(true),
	"_like": func(_ sqlutil.Dialect, expr string, value interface{}) (sq.Sqlizer, error) {
		return sq.Like{expr: value}, nil
	},
	"_ilike": func(d sqlutil.Dialect, expr string, value interface{}) (sq.Sqlizer, error) {
		return d.ILike(expr, value), nil
	},
	"_regex":    regexSpec{}.comparator(),
	"_iregex":   regexSpec{caseInsensitive: true}.comparator(),
	"_nregex":   regexSpec{negate: true}.comparator(),
	"_niregex":  regexSpec{caseInsensitive: true, negate: true}.comparator(),
	"_is_null": isNull,
}

func binary(build func(expr string, value interface{}) sq.Sqlizer) Comparator {
	return func(_ sqlutil.Dialect, expr string, value interface{}) (sq.Sqlizer, error) {
		if value == nil {
			return nil, apierr.New(apierr.CodeBadRequest, "comparison value cannot be null, use _is_null")
		}
		return build(expr, value), nil
	}
}

func listComparator(negate bool) Comparator {
	return func(_ sqlutil.Dialect, expr string, value interface{}) (sq.Sqlizer, error) {
		list, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("list comparator requires a list value")
		}
		if len(list) == 0 {
			if negate {
				return sq.Expr("1 = 1"), nil
			}
			return sq.Expr("1 = 0"), nil
		}
		if negate {
			return sq.NotEq{expr: list}, nil
		}
		return sq.Eq{expr: list}, nil
	}
}

func isNull(_ sqlutil.Dialect, expr string, value interface{}) (sq.Sqlizer, error) {
	b, ok := value.(bool)
	if !ok {
		return nil, fmt.Errorf("_is_null requires a boolean value")
	}
	if b {
		return sq.Eq{expr: nil}, nil
	}
	return sq.NotEq{expr: nil}, nil
}

type notPredicate struct {
	inner sq.Sqlizer
}

func (n notPredicate) ToSql() (string, []interface{}, error) {
	sql, args, err := n.inner.ToSql()
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + sql + ")", args, nil
}

// IsComparator reports whether name is a filter comparator.
func IsComparator(name string) bool {
	_, ok := comparators[name]
	return ok
}

// Comparators lists the registered comparator names, sorted.
func Comparators() []string {
	out := make([]string, 0, len(comparators))
	for name := range comparators {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ApplyComparators builds the conjunction of every comparator in ops applied
// to expr. Comparators apply in sorted name order so output is stable.
func ApplyComparators(d sqlutil.Dialect, expr string, ops map[string]interface{}) ([]sq.Sqlizer, error) {
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	preds := make([]sq.Sqlizer, 0, len(names))
	for _, name := range names {
		cmp, ok := comparators[name]
		if !ok {
			return nil, apierr.Errorf(apierr.CodeBadRequest, "unsupported comparator %s", name)
		}
		pred, err := cmp(d, expr, ops[name])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		preds = append(preds, pred)
	}
	return preds, nil
}

// Aggregator function names accepted in aggregate selections.
const (
	AggCount    = "count"
	AggSum      = "sum"
	AggAvg      = "avg"
	AggMin      = "min"
	AggMax      = "max"
	AggStddev   = "stddev"
	AggVariance = "variance"
)

var aggregators = map[string]bool{
	AggCount:    true,
	AggSum:      true,
	AggAvg:      true,
	AggMin:      true,
	AggMax:      true,
	AggStddev:   true,
	AggVariance: true,
}

// NumericAggregator reports whether fn only applies to numeric columns.
func NumericAggregator(fn string) bool {
	return fn == AggSum || fn == AggAvg || fn == AggStddev || fn == AggVariance
}

// Aggregators lists the supported aggregate functions in display order.
func Aggregators() []string {
	return []string{AggCount, AggSum, AggAvg, AggMin, AggMax, AggStddev, AggVariance}
}
