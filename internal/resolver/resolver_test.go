package resolver

import (
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/graphql-go/graphql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entityql/internal/apierr"
	"entityql/internal/nodeid"
)

func TestBuildGraphQLSchema(t *testing.T) {
	h := newHarness(t, Options{})

	query := h.schema.QueryType().Fields()
	for _, name := range []string{"districts", "schools", "students", "studentsAggregate", "samples", "sequencingReads", "files", "node", "nodes"} {
		assert.Contains(t, query, name)
	}
	assert.Equal(t, "[Student!]!", query["students"].Type.String())
	assert.Equal(t, "StudentAggregate!", query["studentsAggregate"].Type.String())

	student, ok := h.schema.Type("Student").(*graphql.Object)
	require.True(t, ok)
	fields := student.Fields()
	assert.Equal(t, "ID!", fields["id"].Type.String())
	assert.Equal(t, "Int!", fields["databaseId"].Type.String())
	assert.Equal(t, "Int", fields["age"].Type.String())
	assert.Equal(t, "School", fields["school"].Type.String())
	assert.Contains(t, fields, "schoolAggregate")

	school, ok := h.schema.Type("School").(*graphql.Object)
	require.True(t, ok)
	assert.Equal(t, "StudentConnection!", school.Fields()["students"].Type.String())

	sample, ok := h.schema.Type("Sample").(*graphql.Object)
	require.True(t, ok)
	assert.Contains(t, sample.Fields(), "entityId")
	assert.NotContains(t, sample.Fields(), "databaseId")

	mutation := h.schema.MutationType().Fields()
	for _, name := range []string{"createSample", "updateSample", "deleteSample", "createStudent"} {
		assert.Contains(t, mutation, name)
	}

	create, ok := h.schema.Type("SampleCreateInput").(*graphql.InputObject)
	require.True(t, ok)
	assert.NotContains(t, create.Fields(), "entityId", "generated keys are not client input")
	assert.NotContains(t, create.Fields(), "ownerUserId")
	assert.NotContains(t, create.Fields(), "createdAt")
	assert.Equal(t, "String!", create.Fields()["name"].Type.String())

	reads, ok := h.schema.Type("SequencingReadCreateInput").(*graphql.InputObject)
	require.True(t, ok)
	assert.Equal(t, "String", reads.Fields()["nucleicAcid"].Type.String(), "defaulted columns are optional")

	order, ok := h.schema.Type("StudentOrderByInput").(*graphql.InputObject)
	require.True(t, ok)
	assert.Contains(t, order.Fields(), "school")
	schoolOrder, ok := h.schema.Type("SchoolOrderByInput").(*graphql.InputObject)
	require.True(t, ok)
	assert.NotContains(t, schoolOrder.Fields(), "students", "to-many relationships cannot order")
}

func TestListQuery(t *testing.T) {
	h := newHarness(t, Options{})
	h.mock.ExpectQuery("SELECT .* FROM `student` WHERE .*`student`.`collection_id` IN \\(\\?\\).*`student`.`deleted_at` IS NULL AND `student`.`name` LIKE \\? ORDER BY `student`.`age` DESC LIMIT \\? OFFSET \\?").
		WillReturnRows(sqlmock.NewRows(studentColumns).
			AddRow(int64(2), "Ana", int64(12), int64(1), int64(10), int64(111), nil).
			AddRow(int64(1), "Al", nil, nil, int64(10), int64(111), nil))

	data := h.data(t, `{
		students(where: {name: {_like: "A%"}}, orderBy: [{age: desc}], limitOffset: {limit: 2, offset: 1}) {
			id
			databaseId
			name
			age
		}
	}`)

	students := data["students"].([]interface{})
	require.Len(t, students, 2)
	first := students[0].(map[string]interface{})
	assert.Equal(t, nodeid.Encode("Student", int64(2)), first["id"])
	assert.Equal(t, 2, first["databaseId"])
	assert.Equal(t, "Ana", first["name"])
	assert.Nil(t, students[1].(map[string]interface{})["age"])
	h.done(t)
}

func TestListQueryRelationshipFilter(t *testing.T) {
	h := newHarness(t, Options{})
	h.mock.ExpectQuery("SELECT .* FROM `school` WHERE .*EXISTS \\(SELECT 1 FROM `student` AS `__student_1` WHERE .*`__student_1`.`age` > \\?").
		WillReturnRows(sqlmock.NewRows(schoolColumns))

	data := h.data(t, `{ schools(where: {students: {age: {_gt: 10}}}) { name } }`)
	assert.Empty(t, data["schools"])
	h.done(t)
}

func TestListQueryRejectsLimitAboveCeiling(t *testing.T) {
	h := newHarness(t, Options{})

	result := h.do(t, `{ students(limitOffset: {limit: 500}) { name } }`)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "limit cannot be higher than 100", result.Errors[0].Message)
	assert.Equal(t, apierr.CodeLimit, result.Errors[0].Extensions["code"])
	h.done(t)
}

func TestConnectionBatchesSiblings(t *testing.T) {
	h := newHarness(t, Options{})
	h.mock.ExpectQuery("SELECT .* FROM `school` WHERE").
		WillReturnRows(sqlmock.NewRows(schoolColumns).
			AddRow(int64(1), "Lincoln", nil, int64(10), int64(111), nil).
			AddRow(int64(2), "Adams", nil, int64(10), int64(111), nil))
	h.mock.ExpectQuery("SELECT .* FROM `student` WHERE .*`student`.`school_id` IN \\(\\?,\\?\\)").
		WillReturnRows(sqlmock.NewRows(studentColumns).
			AddRow(int64(1), "Ana", nil, int64(1), int64(10), int64(111), nil).
			AddRow(int64(2), "Ben", nil, int64(1), int64(10), int64(111), nil).
			AddRow(int64(3), "Cy", nil, int64(2), int64(10), int64(111), nil))

	data := h.data(t, `{
		schools {
			name
			students(first: 1) {
				totalCount
				nodes { name }
				edges { cursor }
				pageInfo { hasNextPage hasPreviousPage endCursor }
			}
		}
	}`)

	schools := data["schools"].([]interface{})
	require.Len(t, schools, 2)

	lincoln := schools[0].(map[string]interface{})["students"].(map[string]interface{})
	assert.Equal(t, 2, lincoln["totalCount"])
	assert.Equal(t, []interface{}{map[string]interface{}{"name": "Ana"}}, lincoln["nodes"])
	page := lincoln["pageInfo"].(map[string]interface{})
	assert.Equal(t, true, page["hasNextPage"])
	assert.Equal(t, false, page["hasPreviousPage"])
	edges := lincoln["edges"].([]interface{})
	require.Len(t, edges, 1)
	assert.Equal(t, page["endCursor"], edges[0].(map[string]interface{})["cursor"])

	adams := schools[1].(map[string]interface{})["students"].(map[string]interface{})
	assert.Equal(t, 1, adams["totalCount"])
	assert.Equal(t, false, adams["pageInfo"].(map[string]interface{})["hasNextPage"])
	h.done(t)
}

func TestConnectionRejectsInvalidArguments(t *testing.T) {
	tests := []struct {
		name  string
		args  string
		message string
	}{
		{"first above ceiling", "first: 101", "first cannot be higher than 100"},
		{"last above ceiling", "last: 101", "last cannot be higher than 100"},
		{"first and last", "first: 1, last: 1", "cannot use both first and last"},
		{"bad cursor", `after: "nope"`, "invalid after cursor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.mock.ExpectQuery("SELECT .* FROM `school`").
				WillReturnRows(sqlmock.NewRows(schoolColumns).
					AddRow(int64(1), "Lincoln", nil, int64(10), int64(111), nil))

			result := h.do(t, fmt.Sprintf(`{ schools { name students(%s) { totalCount } } }`, tt.args))
			require.NotEmpty(t, result.Errors)
			assert.Contains(t, result.Errors[0].Message, tt.message)
			h.done(t)
		})
	}
}

func TestToOneRelationship(t *testing.T) {
	h := newHarness(t, Options{})
	h.mock.ExpectQuery("SELECT .* FROM `student` WHERE").
		WillReturnRows(sqlmock.NewRows(studentColumns).
			AddRow(int64(1), "Ana", nil, int64(7), int64(10), int64(111), nil).
			AddRow(int64(2), "Ben", nil, nil, int64(10), int64(111), nil).
			AddRow(int64(3), "Cy", nil, int64(7), int64(10), int64(111), nil))
	h.mock.ExpectQuery("SELECT .* FROM `school` WHERE .*`school`.`id` IN \\(\\?\\)").
		WithArgs(int64(10), int64(7)).
		WillReturnRows(sqlmock.NewRows(schoolColumns).
			AddRow(int64(7), "Lincoln", nil, int64(10), int64(111), nil))

	data := h.data(t, `{ students { name school { name } } }`)
	students := data["students"].([]interface{})
	require.Len(t, students, 3)
	assert.Equal(t, map[string]interface{}{"name": "Lincoln"}, students[0].(map[string]interface{})["school"])
	assert.Nil(t, students[1].(map[string]interface{})["school"])
	assert.Equal(t, map[string]interface{}{"name": "Lincoln"}, students[2].(map[string]interface{})["school"])
	h.done(t)
}

func TestAggregateQuery(t *testing.T) {
	h := newHarness(t, Options{})
	h.mock.ExpectQuery("SELECT COUNT\\(`student`.`id`\\) AS `count`, AVG\\(`student`.`age`\\) AS `avg_age`, MAX\\(`student`.`name`\\) AS `max_name`, `student`.`school_id` AS `school_id` FROM `student` WHERE .* GROUP BY `student`.`school_id`").
		WillReturnRows(sqlmock.NewRows([]string{"count", "avg_age", "max_name", "school_id"}).
			AddRow(int64(2), 9.5, "Ben", int64(1)).
			AddRow(int64(1), nil, "Cy", int64(2)))

	data := h.data(t, `{
		studentsAggregate {
			aggregate {
				count
				avg { age }
				max { name }
				groupBy { schoolId }
			}
		}
	}`)

	groups := data["studentsAggregate"].(map[string]interface{})["aggregate"].([]interface{})
	require.Len(t, groups, 2)
	assert.Equal(t, map[string]interface{}{
		"count":   2,
		"avg":     map[string]interface{}{"age": 9.5},
		"max":     map[string]interface{}{"name": "Ben"},
		"groupBy": map[string]interface{}{"schoolId": 1},
	}, groups[0])
	assert.Equal(t, map[string]interface{}{"age": nil}, groups[1].(map[string]interface{})["avg"])
	h.done(t)
}

func TestAggregateGroupByRelationship(t *testing.T) {
	h := newHarness(t, Options{})
	h.mock.ExpectQuery("SELECT COUNT\\(`student`.`id`\\) AS `count`, `__school_2`.`name` AS `school.name` FROM `student` JOIN \\(SELECT .* FROM `school` AS `__school_1` .*\\) AS `__school_2` ON .* GROUP BY `__school_2`.`name`").
		WillReturnRows(sqlmock.NewRows([]string{"count", "school.name"}).
			AddRow(int64(3), "Lincoln"))

	data := h.data(t, `{ studentsAggregate { aggregate { count groupBy { school { name } } } } }`)
	groups := data["studentsAggregate"].(map[string]interface{})["aggregate"].([]interface{})
	require.Len(t, groups, 1)
	assert.Equal(t, map[string]interface{}{
		"school": map[string]interface{}{"name": "Lincoln"},
	}, groups[0].(map[string]interface{})["groupBy"])
	h.done(t)
}

func TestAggregateRequiresFunction(t *testing.T) {
	h := newHarness(t, Options{})

	result := h.do(t, `{ studentsAggregate { aggregate { groupBy { schoolId } } } }`)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, "No aggregate functions selected", result.Errors[0].Message)
	h.done(t)
}

func TestRelationshipAggregateBatches(t *testing.T) {
	h := newHarness(t, Options{})
	h.mock.ExpectQuery("SELECT .* FROM `school` WHERE").
		WillReturnRows(sqlmock.NewRows(schoolColumns).
			AddRow(int64(1), "Lincoln", nil, int64(10), int64(111), nil).
			AddRow(int64(2), "Adams", nil, int64(10), int64(111), nil))
	h.mock.ExpectQuery("SELECT `student`.`school_id` AS `school_id`, COUNT\\(`student`.`id`\\) AS `count` FROM `student` .*`student`.`school_id` IN \\(\\?,\\?\\) GROUP BY `student`.`school_id`").
		WillReturnRows(sqlmock.NewRows([]string{"school_id", "count"}).
			AddRow(int64(1), int64(4)))

	data := h.data(t, `{ schools { studentsAggregate { aggregate { count } } } }`)
	schools := data["schools"].([]interface{})
	require.Len(t, schools, 2)
	count := func(i int) interface{} {
		agg := schools[i].(map[string]interface{})["studentsAggregate"].(map[string]interface{})
		return agg["aggregate"].([]interface{})[0].(map[string]interface{})["count"]
	}
	assert.Equal(t, 4, count(0))
	assert.Equal(t, 0, count(1))
	h.done(t)
}

func TestFilteredParentsAggregateAllChildren(t *testing.T) {
	h := newHarness(t, Options{})
	h.mock.ExpectQuery("SELECT .* FROM `school` WHERE .*EXISTS \\(SELECT 1 FROM `student` AS `__student_1` WHERE .*`__student_1`.`name` LIKE \\?").
		WillReturnRows(sqlmock.NewRows(schoolColumns).
			AddRow(int64(1), "Lincoln", nil, int64(10), int64(111), nil).
			AddRow(int64(2), "Adams", nil, int64(10), int64(111), nil).
			AddRow(int64(3), "Grant", nil, int64(10), int64(111), nil))
	// Only the member scope and the parent keys: the name filter stays on the
	// parent query.
	h.mock.ExpectQuery("SELECT `student`.`school_id` AS `school_id`, COUNT\\(`student`.`id`\\) AS `count` FROM `student` .*`student`.`school_id` IN \\(\\?,\\?,\\?\\) GROUP BY `student`.`school_id`").
		WithArgs(int64(10), int64(1), int64(2), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"school_id", "count"}).
			AddRow(int64(1), int64(5)).
			AddRow(int64(2), int64(3)).
			AddRow(int64(3), int64(4)))

	data := h.data(t, `{ schools(where: {students: {name: {_like: "%smith%"}}}) { name studentsAggregate { aggregate { count } } } }`)
	schools := data["schools"].([]interface{})
	require.Len(t, schools, 3)
	want := map[string]int{"Lincoln": 5, "Adams": 3, "Grant": 4}
	for _, raw := range schools {
		school := raw.(map[string]interface{})
		agg := school["studentsAggregate"].(map[string]interface{})
		count := agg["aggregate"].([]interface{})[0].(map[string]interface{})["count"]
		assert.Equal(t, want[school["name"].(string)], count, school["name"])
	}
	h.done(t)
}

func TestNodeQuery(t *testing.T) {
	h := newHarness(t, Options{})
	h.mock.ExpectQuery("SELECT .* FROM `student` WHERE .*`student`.`id` IN \\(\\?\\)").
		WithArgs(int64(10), int64(3)).
		WillReturnRows(sqlmock.NewRows(studentColumns).
			AddRow(int64(3), "Cy", nil, nil, int64(10), int64(111), nil))

	id := nodeid.Encode("Student", int64(3))
	data := h.data(t, fmt.Sprintf(`{ node(id: %q) { id ... on Student { name } } }`, id))
	assert.Equal(t, map[string]interface{}{"id": id, "name": "Cy"}, data["node"])
	h.done(t)
}

func TestNodesKeepArgumentOrder(t *testing.T) {
	h := newHarness(t, Options{})
	h.mock.ExpectQuery("SELECT .* FROM `student` WHERE .*`student`.`id` IN \\(\\?,\\?\\)").
		WillReturnRows(sqlmock.NewRows(studentColumns).
			AddRow(int64(1), "Ana", nil, nil, int64(10), int64(111), nil).
			AddRow(int64(3), "Cy", nil, nil, int64(10), int64(111), nil))
	h.mock.ExpectQuery("SELECT .* FROM `school` WHERE .*`school`.`id` IN \\(\\?\\)").
		WillReturnRows(sqlmock.NewRows(schoolColumns))

	query := fmt.Sprintf(`{ nodes(ids: [%q, %q, %q]) { id } }`,
		nodeid.Encode("Student", int64(3)),
		nodeid.Encode("School", int64(9)),
		nodeid.Encode("Student", int64(1)),
	)
	data := h.data(t, query)
	nodes := data["nodes"].([]interface{})
	require.Len(t, nodes, 3)
	assert.Equal(t, nodeid.Encode("Student", int64(3)), nodes[0].(map[string]interface{})["id"])
	assert.Nil(t, nodes[1])
	assert.Equal(t, nodeid.Encode("Student", int64(1)), nodes[2].(map[string]interface{})["id"])
	h.done(t)
}

func TestNodeRejectsMalformedID(t *testing.T) {
	h := newHarness(t, Options{})

	result := h.do(t, `{ node(id: "not-an-id") { id } }`)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "invalid id")
	assert.Equal(t, apierr.CodeBadRequest, result.Errors[0].Extensions["code"])
	h.done(t)
}

func TestInternalErrorsAreMasked(t *testing.T) {
	tests := []struct {
		name    string
		expose  bool
		message string
	}{
		{"masked", false, "Unexpected error"},
		{"exposed", true, "failed to execute query: driver: bad connection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{ExposeInternalErrors: tt.expose})
			h.mock.ExpectQuery("SELECT .* FROM `student`").
				WillReturnError(errors.New("driver: bad connection"))

			result := h.do(t, `{ students { name } }`)
			require.Len(t, result.Errors, 1)
			assert.Equal(t, tt.message, result.Errors[0].Message)
			assert.Equal(t, apierr.CodeInternal, result.Errors[0].Extensions["code"])
			h.done(t)
		})
	}
}

func TestUserErrorsPassThrough(t *testing.T) {
	h := newHarness(t, Options{})

	// Five nested relationship hops exceed the filter depth.
	result := h.do(t, `{ students(where: {school: {students: {school: {students: {school: {name: {_eq: "x"}}}}}}}) { name } }`)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "Max filter depth exceeded", result.Errors[0].Message)
	assert.Equal(t, apierr.CodeBadRequest, result.Errors[0].Extensions["code"])
	h.done(t)
}
