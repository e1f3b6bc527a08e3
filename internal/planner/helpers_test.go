package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"entityql/internal/authz"
	"entityql/internal/schema"
	"entityql/internal/sqlutil"
	"entityql/internal/testutil"
)

type recordingClient struct {
	authz.Client
	targets []string
	hooks   []string
}

func (r *recordingClient) ResourceQuery(ctx context.Context, p *authz.Principal, action authz.Action, target authz.Target) (*sqlutil.Query, error) {
	r.targets = append(r.targets, target.Entity.Name)
	return r.Client.ResourceQuery(ctx, p, action, target)
}

func (r *recordingClient) ModifyWhereClause(ctx context.Context, p *authz.Principal, action authz.Action, e *schema.Entity, where map[string]interface{}) error {
	r.hooks = append(r.hooks, e.Name)
	return r.Client.ModifyWhereClause(ctx, p, action, e, where)
}

func testPrincipal() *authz.Principal {
	return &authz.Principal{ID: "111", UserID: 111, Roles: []string{authz.RoleUser}, MemberProjects: []int64{10}}
}

func newTestCompiler(t *testing.T, d sqlutil.Dialect) (*Compiler, *recordingClient, *schema.Registry) {
	t.Helper()
	pol, err := authz.DefaultPolicy()
	require.NoError(t, err)
	rec := &recordingClient{Client: authz.NewPolicyClient(d, pol)}
	return NewCompiler(d, rec), rec, testutil.Registry(t)
}

func renderSQL(t *testing.T, q *sqlutil.Query) (string, []interface{}) {
	t.Helper()
	sql, args, err := q.ToSql()
	require.NoError(t, err)
	return sql, args
}
