package sqlutil

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Dialect captures the SQL differences between supported databases.
type Dialect interface {
	// Name is the configured dialect name.
	Name() string
	// DriverName is the database/sql driver registered for the dialect.
	DriverName() string
	// Quote quotes an identifier.
	Quote(ident string) string
	// PlaceholderFormat converts the "?" placeholders of a rendered query.
	PlaceholderFormat() sq.PlaceholderFormat
	// Regex matches a column against a pattern.
	Regex(column string, pattern interface{}, caseInsensitive bool) sq.Sqlizer
	// ILike is a case-insensitive LIKE.
	ILike(column string, pattern interface{}) sq.Sqlizer
	// OrderTerms renders ORDER BY terms for an expression.
	OrderTerms(expr string, desc bool, nulls NullsOrder) []string
	// AggregateFunc maps an aggregate name to its SQL function.
	AggregateFunc(name string) (string, error)
	// SupportsReturning reports whether INSERT ... RETURNING is available.
	SupportsReturning() bool
}

// NullsOrder positions NULL values in an ORDER BY term.
type NullsOrder int

const (
	NullsDefault NullsOrder = iota
	NullsFirst
	NullsLast
)

var aggregateFuncs = map[string]string{
	"count":    "COUNT",
	"sum":      "SUM",
	"avg":      "AVG",
	"min":      "MIN",
	"max":      "MAX",
	"stddev":   "STDDEV_SAMP",
	"variance": "VAR_SAMP",
}

func aggregateFunc(name string) (string, error) {
	fn, ok := aggregateFuncs[name]
	if !ok {
		return "", fmt.Errorf("unsupported aggregate function %q", name)
	}
	return fn, nil
}

// DialectFor returns the dialect registered under a configured name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mysql", "tidb":
		return MySQL{}, nil
	case "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q (use mysql or postgres)", name)
	}
}

// MySQL is the dialect for MySQL and TiDB.
type MySQL struct{}

func (MySQL) Name() string       { return "mysql" }
func (MySQL) DriverName() string { return "mysql" }

func (MySQL) Quote(ident string) string { return QuoteIdentifier(ident) }

func (MySQL) PlaceholderFormat() sq.PlaceholderFormat { return sq.Question }

func (MySQL) Regex(column string, pattern interface{}, caseInsensitive bool) sq.Sqlizer {
	matchType := "c"
	if caseInsensitive {
		matchType = "i"
	}
	return sq.Expr(fmt.Sprintf("REGEXP_LIKE(%s, ?, '%s')", column, matchType), pattern)
}

func (MySQL) ILike(column string, pattern interface{}) sq.Sqlizer {
	return sq.Expr(fmt.Sprintf("LOWER(%s) LIKE LOWER(?)", column), pattern)
}

// OrderTerms emulates NULLS FIRST/LAST, which MySQL lacks, with a leading
// IS NULL term.
func (MySQL) OrderTerms(expr string, desc bool, nulls NullsOrder) []string {
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	switch nulls {
	case NullsFirst:
		return []string{expr + " IS NULL DESC", expr + " " + dir}
	case NullsLast:
		return []string{expr + " IS NULL ASC", expr + " " + dir}
	default:
		return []string{expr + " " + dir}
	}
}

func (MySQL) AggregateFunc(name string) (string, error) { return aggregateFunc(name) }

func (MySQL) SupportsReturning() bool { return false }

// Postgres is the dialect for PostgreSQL through pgx.
type Postgres struct{}

func (Postgres) Name() string       { return "postgres" }
func (Postgres) DriverName() string { return "pgx" }

func (Postgres) Quote(ident string) string { return QuoteIdentifierANSI(ident) }

func (Postgres) PlaceholderFormat() sq.PlaceholderFormat { return sq.Dollar }

func (Postgres) Regex(column string, pattern interface{}, caseInsensitive bool) sq.Sqlizer {
	op := "~"
	if caseInsensitive {
		op = "~*"
	}
	return sq.Expr(fmt.Sprintf("%s %s ?", column, op), pattern)
}

func (Postgres) ILike(column string, pattern interface{}) sq.Sqlizer {
	return sq.Expr(column+" ILIKE ?", pattern)
}

func (Postgres) OrderTerms(expr string, desc bool, nulls NullsOrder) []string {
	term := expr + " ASC"
	if desc {
		term = expr + " DESC"
	}
	switch nulls {
	case NullsFirst:
		term += " NULLS FIRST"
	case NullsLast:
		term += " NULLS LAST"
	}
	return []string{term}
}

func (Postgres) AggregateFunc(name string) (string, error) { return aggregateFunc(name) }

func (Postgres) SupportsReturning() bool { return true }
