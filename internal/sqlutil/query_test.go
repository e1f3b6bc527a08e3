package sqlutil

import (
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entityql/internal/testutil"
)

func TestEntityQuerySelectsAllColumns(t *testing.T) {
	reg := testutil.Registry(t)
	school := testutil.Entity(t, reg, "school")

	q := NewEntityQuery(MySQL{}, school, "school")
	sql, args, err := q.ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT `school`.`id`, `school`.`name`, `school`.`district_id`, `school`.`collection_id`, `school`.`owner_user_id`, `school`.`deleted_at` FROM `school`", sql)
	assert.Empty(t, args)
	assert.Equal(t, []string{"id", "name", "district_id", "collection_id", "owner_user_id", "deleted_at"}, q.ColumnNames())
}

func TestQueryExistsAndJoinPostgres(t *testing.T) {
	reg := testutil.Registry(t)
	school := testutil.Entity(t, reg, "school")
	student := testutil.Entity(t, reg, "student")
	district := testutil.Entity(t, reg, "district")

	q := NewEntityQuery(Postgres{}, school, "school")
	q.Where(sq.Eq{q.Col("name"): "Lincoln"})

	sub := NewEntityQuery(Postgres{}, student, "__student_1")
	sub.ResetColumns()
	sub.Select("1", "one")
	sub.Where(sq.Gt{sub.Col("age"): 10})
	sub.Where(ColumnEq(q.Col("id"), sub.Col("school_id")))
	q.Where(sub.Exists())

	joined := NewEntityQuery(Postgres{}, district, "__district_2")
	joined.Where(sq.Eq{joined.Col("collection_id"): []int{1, 2}})
	q.Join(joined, "__district_2_sub", ColumnEq(q.Col("district_id"), q.Qualify("__district_2_sub", "id")))
	q.Select(q.Qualify("__district_2_sub", "name"), "district_order_field_0")
	q.OrderBy(`"district_order_field_0" ASC`)
	q.Limit(10)

	sql, args, err := q.ToSql()
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "school"."id", "school"."name", "school"."district_id", "school"."collection_id", "school"."owner_user_id", "school"."deleted_at", "__district_2_sub"."name" AS "district_order_field_0" `+
			`FROM "school" `+
			`JOIN (SELECT "__district_2"."id", "__district_2"."name", "__district_2"."collection_id", "__district_2"."owner_user_id", "__district_2"."deleted_at" FROM "district" AS "__district_2" WHERE "__district_2"."collection_id" IN ($1,$2)) AS "__district_2_sub" ON "school"."district_id" = "__district_2_sub"."id" `+
			`WHERE "school"."name" = $3 AND EXISTS (SELECT 1 AS "one" FROM "student" AS "__student_1" WHERE "__student_1"."age" > $4 AND "school"."id" = "__student_1"."school_id") `+
			`ORDER BY "district_order_field_0" ASC LIMIT 10`,
		sql)
	assert.Equal(t, []interface{}{1, 2, "Lincoln", 10}, args)
}

func TestCloneIsIndependent(t *testing.T) {
	q := NewQuery(MySQL{}, "t", "")
	q.Select("COUNT(*)", "count")
	c := q.Clone()
	c.Where(sq.Eq{"x": 1})
	c.GroupBy("y")

	assert.Equal(t, 0, q.WhereCount())
	assert.Equal(t, 0, q.GroupByCount())
	assert.Equal(t, 1, c.WhereCount())
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("tidb")
	require.NoError(t, err)
	assert.Equal(t, "mysql", d.DriverName())

	d, err = DialectFor("postgres")
	require.NoError(t, err)
	assert.Equal(t, "pgx", d.DriverName())

	_, err = DialectFor("oracle")
	require.Error(t, err)
}

func TestRegexAndOrdering(t *testing.T) {
	sql, args, err := MySQL{}.Regex("`t`.`name`", "^A", true).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "REGEXP_LIKE(`t`.`name`, ?, 'i')", sql)
	assert.Equal(t, []interface{}{"^A"}, args)

	sql, _, err = Postgres{}.Regex(`"t"."name"`, "^A", false).ToSql()
	require.NoError(t, err)
	assert.Equal(t, `"t"."name" ~ ?`, sql)

	assert.Equal(t, []string{"x IS NULL DESC", "x ASC"}, MySQL{}.OrderTerms("x", false, NullsFirst))
	assert.Equal(t, []string{"x DESC NULLS LAST"}, Postgres{}.OrderTerms("x", true, NullsLast))

	fn, err := MySQL{}.AggregateFunc("stddev")
	require.NoError(t, err)
	assert.Equal(t, "STDDEV_SAMP", fn)
	_, err = Postgres{}.AggregateFunc("median")
	require.Error(t, err)
}
