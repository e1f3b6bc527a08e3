package sqlutil

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"entityql/internal/schema"
)

// Query is a mutable SELECT under construction. Each compilation owns its
// own Query; it is never shared between requests.
type Query struct {
	dialect Dialect
	table   string
	alias   string

	columns []selectColumn
	joins   []sq.Sqlizer
	where   []sq.Sqlizer
	groupBy []string
	having  []sq.Sqlizer
	orderBy []string
	limit   *uint64
	offset  *uint64
}

type selectColumn struct {
	expr  string
	args  []interface{}
	name  string
	label bool
}

// NewQuery starts a query over table, addressed as alias.
func NewQuery(d Dialect, table, alias string) *Query {
	if alias == "" {
		alias = table
	}
	return &Query{dialect: d, table: table, alias: alias}
}

// NewEntityQuery starts a query selecting every column of an entity.
func NewEntityQuery(d Dialect, e *schema.Entity, alias string) *Query {
	q := NewQuery(d, e.Table, alias)
	for _, col := range e.Columns {
		q.columns = append(q.columns, selectColumn{expr: q.Col(col.Name), name: col.Name})
	}
	return q
}

// Dialect returns the dialect the query renders for.
func (q *Query) Dialect() Dialect { return q.dialect }

// Alias returns the name the source table is addressed by.
func (q *Query) Alias() string { return q.alias }

// Table returns the source table.
func (q *Query) Table() string { return q.table }

// Col qualifies a column of the source table.
func (q *Query) Col(name string) string {
	return q.Qualify(q.alias, name)
}

// Qualify renders alias.name with dialect quoting.
func (q *Query) Qualify(alias, name string) string {
	return q.dialect.Quote(alias) + "." + q.dialect.Quote(name)
}

// Select appends a column expression whose output name is name. An empty
// name selects the expression unlabeled.
func (q *Query) Select(expr, name string, args ...interface{}) {
	q.columns = append(q.columns, selectColumn{expr: expr, args: args, name: name, label: name != ""})
}

// ResetColumns drops every selected column.
func (q *Query) ResetColumns() {
	q.columns = nil
}

// ColumnNames returns the output names of the selected columns.
func (q *Query) ColumnNames() []string {
	names := make([]string, 0, len(q.columns))
	for _, c := range q.columns {
		names = append(names, c.name)
	}
	return names
}

// HasColumn reports whether an output column exists.
func (q *Query) HasColumn(name string) bool {
	for _, c := range q.columns {
		if c.name == name {
			return true
		}
	}
	return false
}

// Where adds a predicate; predicates are ANDed.
func (q *Query) Where(pred sq.Sqlizer) {
	if pred != nil {
		q.where = append(q.where, pred)
	}
}

// WhereCount returns the number of predicates applied so far.
func (q *Query) WhereCount() int {
	return len(q.where)
}

// Join attaches sub as a derived table joined on the given condition.
func (q *Query) Join(sub *Query, alias string, on sq.Sqlizer) {
	q.joins = append(q.joins, joinExpr{kind: "JOIN", sub: sub, alias: q.dialect.Quote(alias), on: on})
}

// GroupBy appends GROUP BY expressions.
func (q *Query) GroupBy(exprs ...string) {
	q.groupBy = append(q.groupBy, exprs...)
}

// GroupByCount returns the number of GROUP BY expressions.
func (q *Query) GroupByCount() int {
	return len(q.groupBy)
}

// Having adds a HAVING predicate.
func (q *Query) Having(pred sq.Sqlizer) {
	if pred != nil {
		q.having = append(q.having, pred)
	}
}

// OrderBy appends ORDER BY terms.
func (q *Query) OrderBy(terms ...string) {
	q.orderBy = append(q.orderBy, terms...)
}

// OrderTerms returns the ORDER BY terms applied so far.
func (q *Query) OrderTerms() []string {
	return append([]string(nil), q.orderBy...)
}

// Limit sets the row limit.
func (q *Query) Limit(n uint64) {
	q.limit = &n
}

// Offset sets the row offset.
func (q *Query) Offset(n uint64) {
	q.offset = &n
}

// Clone returns an independent copy.
func (q *Query) Clone() *Query {
	c := *q
	c.columns = append([]selectColumn(nil), q.columns...)
	c.joins = append([]sq.Sqlizer(nil), q.joins...)
	c.where = append([]sq.Sqlizer(nil), q.where...)
	c.groupBy = append([]string(nil), q.groupBy...)
	c.having = append([]sq.Sqlizer(nil), q.having...)
	c.orderBy = append([]string(nil), q.orderBy...)
	return &c
}

// Builder renders the query into a squirrel builder with "?" placeholders.
func (q *Query) Builder() sq.SelectBuilder {
	b := sq.StatementBuilder.PlaceholderFormat(sq.Question).Select()
	for _, c := range q.columns {
		expr := c.expr
		if c.label {
			expr = expr + " AS " + q.dialect.Quote(c.name)
		}
		b = b.Column(expr, c.args...)
	}
	from := q.dialect.Quote(q.table)
	if q.alias != q.table {
		from += " AS " + q.dialect.Quote(q.alias)
	}
	b = b.From(from)
	for _, j := range q.joins {
		b = b.JoinClause(j)
	}
	for _, w := range q.where {
		b = b.Where(w)
	}
	if len(q.groupBy) > 0 {
		b = b.GroupBy(q.groupBy...)
	}
	for _, h := range q.having {
		b = b.Having(h)
	}
	if len(q.orderBy) > 0 {
		b = b.OrderBy(q.orderBy...)
	}
	if q.limit != nil {
		b = b.Limit(*q.limit)
	}
	if q.offset != nil {
		b = b.Offset(*q.offset)
	}
	return b
}

// SQL renders the query with "?" placeholders for embedding in another query.
func (q *Query) SQL() (string, []interface{}, error) {
	return q.Builder().ToSql()
}

// ToSql renders the final statement with the dialect's placeholders.
func (q *Query) ToSql() (string, []interface{}, error) {
	query, args, err := q.SQL()
	if err != nil {
		return "", nil, err
	}
	query, err = q.dialect.PlaceholderFormat().ReplacePlaceholders(query)
	if err != nil {
		return "", nil, fmt.Errorf("failed to format placeholders: %w", err)
	}
	return query, args, nil
}

// Exists wraps the query in an EXISTS predicate. The query must not be
// modified afterwards.
func (q *Query) Exists() sq.Sqlizer {
	return existsExpr{sub: q}
}

type existsExpr struct {
	sub *Query
}

func (e existsExpr) ToSql() (string, []interface{}, error) {
	subSQL, args, err := e.sub.SQL()
	if err != nil {
		return "", nil, err
	}
	return "EXISTS (" + subSQL + ")", args, nil
}

type joinExpr struct {
	kind  string
	sub   *Query
	alias string
	on    sq.Sqlizer
}

func (j joinExpr) ToSql() (string, []interface{}, error) {
	subSQL, args, err := j.sub.SQL()
	if err != nil {
		return "", nil, err
	}
	onSQL, onArgs, err := j.on.ToSql()
	if err != nil {
		return "", nil, err
	}
	var b strings.Builder
	b.WriteString(j.kind)
	b.WriteString(" (")
	b.WriteString(subSQL)
	b.WriteString(") AS ")
	b.WriteString(j.alias)
	b.WriteString(" ON ")
	b.WriteString(onSQL)
	return b.String(), append(args, onArgs...), nil
}

// ColumnEq correlates two qualified columns.
func ColumnEq(left, right string) sq.Sqlizer {
	return sq.Expr(left + " = " + right)
}
