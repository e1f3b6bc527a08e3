package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const schoolsYAML = `
entities:
  - name: school
    columns:
      - {name: id, type: int, primary_key: true}
      - {name: name, type: string}
      - {name: deleted_at, type: datetime, nullable: true}
    relationships:
      - name: students
        target: student
        kind: to_many
        keys: [{local: id, remote: school_id}]
  - name: student
    columns:
      - {name: entity_id, type: uuid, primary_key: true}
      - {name: full_name}
      - {name: school_id, type: int}
    relationships:
      - name: school
        target: school
        keys: [{local: school_id, remote: id}]
`

func loadString(t *testing.T, doc string) *Registry {
	t.Helper()
	reg, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	return reg
}

func TestLoadLinksRelationships(t *testing.T) {
	reg := loadString(t, schoolsYAML)

	school, ok := reg.Entity("school")
	require.True(t, ok)
	assert.Equal(t, "School", school.TypeName)
	assert.Equal(t, "school", school.Table)
	assert.True(t, school.HasSoftDelete())

	rel, ok := school.Relationship("students")
	require.True(t, ok)
	assert.True(t, rel.ToMany())
	assert.Equal(t, "school.students", rel.ID())
	require.NotNil(t, rel.Entity)
	assert.Equal(t, "student", rel.Entity.Name)

	student, ok := reg.EntityByType("Student")
	require.True(t, ok)
	assert.Equal(t, "entity_id", student.PrimaryKey().Name)
	assert.False(t, student.HasSoftDelete())

	back, ok := student.Relationship("school")
	require.True(t, ok)
	assert.Equal(t, ToOne, back.Kind)

	col, ok := student.Column("full_name")
	require.True(t, ok)
	assert.Equal(t, TypeString, col.Type)
	assert.Equal(t, "fullName", col.Field)
}

func TestLookupClassifiesEachKeyOnce(t *testing.T) {
	reg := loadString(t, schoolsYAML)
	school, _ := reg.Entity("school")
	student, _ := reg.Entity("student")

	tests := []struct {
		entity *Entity
		name   string
		kind   FieldKind
		target string
	}{
		{school, "name", FieldScalar, "name"},
		{school, "deletedAt", FieldScalar, "deleted_at"},
		{school, "deleted_at", FieldScalar, "deleted_at"},
		{school, "id", FieldScalar, "id"},
		{school, "students", FieldRelationship, "students"},
		{school, "studentsAggregate", FieldAggregate, "students"},
		{school, "students_aggregate", FieldAggregate, "students"},
		{student, "id", FieldScalar, "entity_id"},
		{student, "fullName", FieldScalar, "full_name"},
		{student, "school", FieldRelationship, "school"},
	}

	for _, tt := range tests {
		t.Run(tt.entity.Name+"/"+tt.name, func(t *testing.T) {
			ref, err := tt.entity.Lookup(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ref.Kind)
			if tt.kind == FieldScalar {
				assert.Equal(t, tt.target, ref.Column.Name)
			} else {
				assert.Equal(t, tt.target, ref.Relationship.Name)
			}
		})
	}

	_, err := school.Lookup("nope")
	require.ErrorIs(t, err, ErrUnknownField)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "empty",
			doc:     "entities: []",
			wantErr: "no entities",
		},
		{
			name: "no primary key",
			doc: `
entities:
  - name: a
    columns: [{name: x, type: int}]
`,
			wantErr: "exactly one primary key, found 0",
		},
		{
			name: "two primary keys",
			doc: `
entities:
  - name: a
    columns:
      - {name: x, type: int, primary_key: true}
      - {name: y, type: int, primary_key: true}
`,
			wantErr: "exactly one primary key, found 2",
		},
		{
			name: "unknown target",
			doc: `
entities:
  - name: a
    columns: [{name: id, type: int, primary_key: true}]
    relationships:
      - {name: b, target: b, keys: [{local: id, remote: a_id}]}
`,
			wantErr: "unknown entity",
		},
		{
			name: "missing key pairs",
			doc: `
entities:
  - name: a
    columns: [{name: id, type: int, primary_key: true}]
    relationships:
      - {name: self, target: a}
`,
			wantErr: "no key pairs",
		},
		{
			name: "bad remote key",
			doc: `
entities:
  - name: a
    columns: [{name: id, type: int, primary_key: true}]
    relationships:
      - {name: self, target: a, keys: [{local: id, remote: parent_id}]}
`,
			wantErr: "remote key",
		},
		{
			name: "unsupported type",
			doc: `
entities:
  - name: a
    columns: [{name: id, type: blob, primary_key: true}]
`,
			wantErr: "unsupported type",
		},
		{
			name: "non key id column",
			doc: `
entities:
  - name: a
    columns:
      - {name: pk, type: int, primary_key: true}
      - {name: id, type: int}
`,
			wantErr: "reserved for the primary key",
		},
		{
			name: "aggregate suffix",
			doc: `
entities:
  - name: a
    columns:
      - {name: id, type: int, primary_key: true}
      - {name: total_aggregate, type: int}
`,
			wantErr: "reserved aggregate suffix",
		},
		{
			name: "unknown key",
			doc: `
entities:
  - name: a
    colums: []
`,
			wantErr: "failed to parse schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFieldNamesSorted(t *testing.T) {
	reg := loadString(t, schoolsYAML)
	school, _ := reg.Entity("school")

	names := school.FieldNames()
	assert.Contains(t, names, "studentsAggregate")
	assert.IsIncreasing(t, names)
}
