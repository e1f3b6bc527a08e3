package gqlrequest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name          string
		query         string
		operationName string
		wantType      string
		wantName      string
		wantFields    int
		wantDepth     int
		wantVars      int
		wantErr       string
	}{
		{
			name:       "anonymous query",
			query:      `{ students { id name } }`,
			wantType:   "query",
			wantName:   AnonymousOperation,
			wantFields: 3,
			wantDepth:  2,
		},
		{
			name: "named query with variables",
			query: `query Roster($where: StudentWhereClause, $limit: Int) {
				students(where: $where, limit: $limit) { id school { name } }
			}`,
			operationName: "Roster",
			wantType:      "query",
			wantName:      "Roster",
			wantFields:    4,
			wantDepth:     3,
			wantVars:      2,
		},
		{
			name:       "mutation",
			query:      `mutation Enrol { createStudent(input: {name: "Ana"}) { id } }`,
			wantType:   "mutation",
			wantName:   "Enrol",
			wantFields: 2,
			wantDepth:  2,
		},
		{
			name: "fragments count once per spread",
			query: `query { a: students { ...F } b: students { ...F } }
				fragment F on Student { id name }`,
			wantType:   "query",
			wantName:   AnonymousOperation,
			wantFields: 6,
			wantDepth:  2,
		},
		{
			name:       "recursive fragment is cut",
			query:      `query { students { ...F } } fragment F on Student { id ...F }`,
			wantType:   "query",
			wantName:   AnonymousOperation,
			wantFields: 2,
			wantDepth:  2,
		},
		{
			name: "selects named operation",
			query: `query A { students { id } }
				mutation B { deleteStudent(where: {}) { id } }`,
			operationName: "B",
			wantType:      "mutation",
			wantName:      "B",
			wantFields:    2,
			wantDepth:     2,
		},
		{
			name:    "multiple operations without a name",
			query:   `query A { a } query B { b }`,
			wantErr: "operationName is required",
		},
		{
			name:          "unknown operation name",
			query:         `query A { a }`,
			operationName: "Z",
			wantErr:       `unknown operation named "Z"`,
		},
		{
			name:    "parse error",
			query:   `query { students {`,
			wantErr: "Syntax Error",
		},
		{
			name:    "empty query",
			query:   "   ",
			wantErr: "does not include a query",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := Analyze(Payload{Query: tt.query, OperationName: tt.operationName})
			if tt.wantErr != "" {
				require.Error(t, op.Err)
				assert.Contains(t, op.Err.Error(), tt.wantErr)
				assert.False(t, op.Valid())
				assert.Empty(t, op.Hash)
				return
			}
			require.NoError(t, op.Err)
			assert.True(t, op.Valid())
			assert.Equal(t, tt.wantType, op.Type)
			assert.Equal(t, tt.wantName, op.Name)
			assert.Equal(t, tt.wantFields, op.FieldCount)
			assert.Equal(t, tt.wantDepth, op.Depth)
			assert.Equal(t, tt.wantVars, op.VariableCount)
			assert.NotEmpty(t, op.Hash)
			assert.Equal(t, tt.wantType == "mutation", op.IsMutation())
		})
	}
}

func TestAnalyzeHashIsCanonical(t *testing.T) {
	compact := Analyze(Payload{Query: `query Q { students { ...F } } fragment F on Student { id }`})
	spaced := Analyze(Payload{Query: `
		query Q {
			students {
				...F
			}
		}

		fragment F on Student {
			id
		}

		fragment Unused on School { name }
	`})
	renamed := Analyze(Payload{Query: `query R { students { ...F } } fragment F on Student { id }`})
	different := Analyze(Payload{Query: `query Q { students { ...F } } fragment F on Student { name }`})

	require.NoError(t, compact.Err)
	assert.Equal(t, compact.Hash, spaced.Hash)
	assert.NotEqual(t, compact.Hash, renamed.Hash)
	assert.NotEqual(t, compact.Hash, different.Hash)
}

func TestDecode(t *testing.T) {
	t.Run("json body is rewound", func(t *testing.T) {
		body := `{"query":"query Q { a }","operationName":"Q","variables":{"x":1}}`
		req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json; charset=utf-8")

		p, err := Decode(req)
		require.NoError(t, err)
		assert.Equal(t, "query Q { a }", p.Query)
		assert.Equal(t, "Q", p.OperationName)
		assert.JSONEq(t, `{"x":1}`, string(p.Variables))

		again, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		assert.Equal(t, body, string(again))
	})

	t.Run("null variables", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"{a}","variables":null}`))
		p, err := Decode(req)
		require.NoError(t, err)
		assert.Nil(t, p.Variables)
	})

	t.Run("graphql body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader("{ a }"))
		req.Header.Set("Content-Type", "application/graphql")
		p, err := Decode(req)
		require.NoError(t, err)
		assert.Equal(t, "{ a }", p.Query)
	})

	t.Run("get parameters", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/graphql?query=%7Ba%7D&operationName=Op", nil)
		p, err := Decode(req)
		require.NoError(t, err)
		assert.Equal(t, "{a}", p.Query)
		assert.Equal(t, "Op", p.OperationName)
	})

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader("{"))
		op := AnalyzeRequest(req)
		require.Error(t, op.Err)
		assert.Contains(t, op.Err.Error(), "decode request")
	})
}

func TestOperationContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, OperationFromContext(ctx))

	op := Analyze(Payload{Query: "{ a }"})
	assert.Same(t, op, OperationFromContext(WithOperation(ctx, op)))
}
