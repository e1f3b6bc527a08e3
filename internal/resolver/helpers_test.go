package resolver

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/graphql-go/graphql"
	"github.com/stretchr/testify/require"

	"entityql/internal/authz"
	"entityql/internal/dbexec"
	"entityql/internal/planner"
	"entityql/internal/sqlutil"
	"entityql/internal/testutil"
)

var (
	schoolColumns  = []string{"id", "name", "district_id", "collection_id", "owner_user_id", "deleted_at"}
	studentColumns = []string{"id", "name", "age", "school_id", "collection_id", "owner_user_id", "deleted_at"}
	sampleColumns  = []string{"entity_id", "name", "sample_type", "water_control", "collection_location", "collection_date", "collection_id", "owner_user_id", "created_at", "updated_at", "deleted_at"}
	readColumns    = []string{"entity_id", "technology", "nucleic_acid", "sample_id", "r1_file_id", "r2_file_id", "collection_id", "owner_user_id", "deleted_at"}
	fileColumns    = []string{"id", "entity_id", "entity_field_name", "path", "size", "collection_id", "owner_user_id"}
)

type harness struct {
	resolver *Resolver
	schema   graphql.Schema
	mock     sqlmock.Sqlmock
	ctx      context.Context
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pol, err := authz.DefaultPolicy()
	require.NoError(t, err)
	compiler := planner.NewCompiler(sqlutil.MySQL{}, authz.NewPolicyClient(sqlutil.MySQL{}, pol))
	if opts.Limits.MaxResults == 0 {
		opts.Limits.MaxResults = 100
	}
	r := NewResolver(dbexec.NewStandardExecutor(db), testutil.Registry(t), compiler, opts)
	s, err := r.BuildGraphQLSchema()
	require.NoError(t, err)

	principal := &authz.Principal{ID: "111", UserID: 111, Roles: []string{authz.RoleUser}, MemberProjects: []int64{10}}
	return &harness{
		resolver: r,
		schema:   s,
		mock:     mock,
		ctx:      r.WithRequestScope(context.Background(), principal, nil),
	}
}

func (h *harness) do(t *testing.T, query string) *graphql.Result {
	t.Helper()
	return graphql.Do(graphql.Params{
		Schema:        h.schema,
		RequestString: query,
		Context:       h.ctx,
	})
}

// data runs query and returns its data, failing on any GraphQL error.
func (h *harness) data(t *testing.T, query string) map[string]interface{} {
	t.Helper()
	result := h.do(t, query)
	require.Empty(t, result.Errors)
	data, ok := result.Data.(map[string]interface{})
	require.True(t, ok)
	return data
}

func (h *harness) done(t *testing.T) {
	t.Helper()
	require.NoError(t, h.mock.ExpectationsWereMet())
}
