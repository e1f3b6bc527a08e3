package planner

import (
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"

	"entityql/internal/schema"
	"entityql/internal/sqlutil"
)

// PlanInsert builds SQL for inserting one row. On dialects with RETURNING the
// primary key is returned by the statement.
func PlanInsert(d sqlutil.Dialect, e *schema.Entity, values map[string]interface{}) (SQLQuery, error) {
	cols := sortedColumns(values)
	if len(cols) == 0 {
		return SQLQuery{}, fmt.Errorf("insert into %s has no values", e.Name)
	}
	quoted := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, col := range cols {
		quoted[i] = d.Quote(col)
		args[i] = values[col]
	}

	builder := sq.Insert(d.Quote(e.Table)).
		Columns(quoted...).
		Values(args...).
		PlaceholderFormat(d.PlaceholderFormat())
	if d.SupportsReturning() {
		builder = builder.Suffix("RETURNING " + d.Quote(e.PrimaryKey().Name))
	}

	query, queryArgs, err := builder.ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: queryArgs}, nil
}

// PlanUpdate builds SQL for updating the rows whose primary key is in ids.
func PlanUpdate(d sqlutil.Dialect, e *schema.Entity, set map[string]interface{}, ids []interface{}) (SQLQuery, error) {
	if len(set) == 0 {
		return SQLQuery{}, fmt.Errorf("update set cannot be empty")
	}
	if len(ids) == 0 {
		return SQLQuery{}, fmt.Errorf("update requires at least one primary key")
	}

	update := sq.Update(d.Quote(e.Table))
	for _, col := range sortedColumns(set) {
		update = update.Set(d.Quote(col), set[col])
	}
	update = update.Where(sq.Eq{d.Quote(e.PrimaryKey().Name): ids})

	query, args, err := update.PlaceholderFormat(d.PlaceholderFormat()).ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

// PlanDelete builds SQL for deleting the rows whose primary key is in ids.
func PlanDelete(d sqlutil.Dialect, e *schema.Entity, ids []interface{}) (SQLQuery, error) {
	if len(ids) == 0 {
		return SQLQuery{}, fmt.Errorf("delete requires at least one primary key")
	}
	deleteBuilder := sq.Delete(d.Quote(e.Table)).
		Where(sq.Eq{d.Quote(e.PrimaryKey().Name): ids})

	query, args, err := deleteBuilder.PlaceholderFormat(d.PlaceholderFormat()).ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

func sortedColumns(values map[string]interface{}) []string {
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
