package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entityql/internal/authz"
	"entityql/internal/sqlutil"
	"entityql/internal/testutil"
)

func TestAggregateFilter_HavingOnCount(t *testing.T) {
	c, _, reg := newTestCompiler(t, sqlutil.MySQL{})
	school := testutil.Entity(t, reg, "school")

	where := map[string]interface{}{
		"studentsAggregate": map[string]interface{}{"count": map[string]interface{}{
			"predicate": map[string]interface{}{"_gt": 3, "_lt": 9},
		}},
	}
	q, err := c.Select(context.Background(), NewRequest(testPrincipal(), authz.ActionView), school, where, nil, SelectOptions{})
	require.NoError(t, err)
	sql, args := renderSQL(t, q)

	assert.Contains(t, sql, "EXISTS (SELECT COUNT(`__student_1`.`id`) AS `count` FROM `student` AS `__student_1` WHERE")
	assert.Contains(t, sql, "`__student_1`.`school_id` = `school`.`id` HAVING COUNT(`__student_1`.`id`) > ? AND COUNT(`__student_1`.`id`) < ?)")
	assert.NotContains(t, sql, "GROUP BY")
	assert.Equal(t, []interface{}{int64(10), int64(10), 3, 9}, args)
}

func TestAggregateFilter_DistinctColumnWithFilter(t *testing.T) {
	c, _, reg := newTestCompiler(t, sqlutil.MySQL{})
	school := testutil.Entity(t, reg, "school")

	where := map[string]interface{}{
		"students_aggregate": map[string]interface{}{"count": map[string]interface{}{
			"predicate": map[string]interface{}{"_eq": 1},
			"distinct":  true,
			"arguments": "name",
			"filter":    map[string]interface{}{"name": map[string]interface{}{"_like": "%second%"}},
		}},
	}
	q, err := c.Select(context.Background(), NewRequest(testPrincipal(), authz.ActionView), school, where, nil, SelectOptions{})
	require.NoError(t, err)
	sql, args := renderSQL(t, q)

	assert.Contains(t, sql, "SELECT COUNT(DISTINCT `__student_1`.`name`) AS `count`")
	assert.Contains(t, sql, "`__student_1`.`name` LIKE ?")
	assert.Contains(t, sql, "HAVING COUNT(DISTINCT `__student_1`.`name`) = ?")
	assert.Equal(t, []interface{}{int64(10), int64(10), "%second%", 1}, args)
}

func TestAggregate_Functions(t *testing.T) {
	c, _, reg := newTestCompiler(t, sqlutil.MySQL{})
	student := testutil.Entity(t, reg, "student")

	sels := []AggregateSelection{
		{Func: AggCount},
		{Func: AggSum, Columns: []string{"age"}},
		{Func: AggAvg, Columns: []string{"age"}},
		{Func: AggStddev, Columns: []string{"age"}},
		{Func: AggVariance, Columns: []string{"age"}},
		{Func: AggMax, Columns: []string{"name"}},
	}
	q, groups, err := c.Aggregate(context.Background(), NewRequest(testPrincipal(), authz.ActionView), student, nil, sels, nil, AggregateOptions{})
	require.NoError(t, err)
	assert.Empty(t, groups)

	sql, _ := renderSQL(t, q)
	assert.Contains(t, sql, "SELECT COUNT(`student`.`id`) AS `count`, SUM(`student`.`age`) AS `sum_age`, "+
		"AVG(`student`.`age`) AS `avg_age`, STDDEV_SAMP(`student`.`age`) AS `stddev_age`, "+
		"VAR_SAMP(`student`.`age`) AS `variance_age`, MAX(`student`.`name`) AS `max_name` FROM `student` WHERE")
	assert.NotContains(t, sql, "GROUP BY")
}

func TestAggregate_GroupByRelationship(t *testing.T) {
	c, _, reg := newTestCompiler(t, sqlutil.MySQL{})
	school := testutil.Entity(t, reg, "school")

	group := GroupSelection{"district": GroupSelection{"name": nil}}
	q, groups, err := c.Aggregate(context.Background(), NewRequest(testPrincipal(), authz.ActionView), school, nil,
		[]AggregateSelection{{Func: AggCount}}, group, AggregateOptions{})
	require.NoError(t, err)
	assert.Equal(t, []GroupColumn{{Name: "district.name", Expr: "`__district_2`.`name`"}}, groups)

	sql, _ := renderSQL(t, q)
	assert.Contains(t, sql, "SELECT COUNT(`school`.`id`) AS `count`, `__district_2`.`name` AS `district.name` FROM `school` JOIN")
	assert.Contains(t, sql, "GROUP BY `__district_2`.`name`")
}

func TestAggregate_CorrelatedKeyForBatching(t *testing.T) {
	c, _, reg := newTestCompiler(t, sqlutil.MySQL{})
	student := testutil.Entity(t, reg, "student")
	school := testutil.Entity(t, reg, "school")
	req := func() *Request { return NewRequest(testPrincipal(), authz.ActionView) }
	ctx := context.Background()

	q, _, err := c.Aggregate(ctx, req(), student, nil, []AggregateSelection{{Func: AggCount}},
		GroupSelection{"name": nil}, AggregateOptions{CorrelatedKey: "school_id"})
	require.NoError(t, err)
	sql, _ := renderSQL(t, q)
	assert.Contains(t, sql, "SELECT `student`.`school_id` AS `school_id`, COUNT(`student`.`id`) AS `count`, `student`.`name` AS `name` FROM")
	assert.Contains(t, sql, "GROUP BY `student`.`school_id`, `student`.`name`")

	q, _, err = c.Aggregate(ctx, req(), student, nil, []AggregateSelection{{Func: AggCount}},
		GroupSelection{"schoolId": nil}, AggregateOptions{CorrelatedKey: "school_id"})
	require.NoError(t, err)
	sql, _ = renderSQL(t, q)
	assert.Contains(t, sql, "GROUP BY `student`.`school_id`")
	assert.NotContains(t, sql, "`student`.`school_id`, `student`.`school_id`")

	q, groups, err := c.Aggregate(ctx, req(), school, nil, []AggregateSelection{{Func: AggCount, Columns: []string{"id"}}},
		GroupSelection{"students": GroupSelection{"name": nil}}, AggregateOptions{CorrelatedKey: "district_id"})
	require.NoError(t, err)
	assert.Equal(t, "students.name", groups[0].Name)
	sql, _ = renderSQL(t, q)
	assert.Contains(t, sql, "`__students_2`.`name` AS `students.name`")
	assert.Contains(t, sql, "GROUP BY `school`.`district_id`, `__students_2`.`name`")
}

func TestAggregate_Errors(t *testing.T) {
	c, _, reg := newTestCompiler(t, sqlutil.MySQL{})
	student := testutil.Entity(t, reg, "student")

	tests := []struct {
		name   string
		sels   []AggregateSelection
		group  GroupSelection
		target error
		msg    string
	}{
		{name: "no selections", target: ErrNoAggregateFunctionsSelected},
		{name: "sum on string", sels: []AggregateSelection{{Func: AggSum, Columns: []string{"name"}}}, msg: "name is not numeric"},
		{name: "sum without column", sels: []AggregateSelection{{Func: AggSum}}, msg: "sum requires at least one column"},
		{name: "unknown function", sels: []AggregateSelection{{Func: "median", Columns: []string{"age"}}}, msg: "unsupported aggregate function"},
		{name: "aggregate a relationship", sels: []AggregateSelection{{Func: AggMin, Columns: []string{"school"}}}, msg: "cannot aggregate school"},
		{name: "group relationship without fields", sels: []AggregateSelection{{Func: AggCount}}, group: GroupSelection{"school": GroupSelection{}}, msg: "requires a field selection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := c.Aggregate(context.Background(), NewRequest(testPrincipal(), authz.ActionView), student, nil, tt.sels, tt.group, AggregateOptions{})
			require.Error(t, err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
			if tt.msg != "" {
				assert.Contains(t, err.Error(), tt.msg)
			}
		})
	}
}
