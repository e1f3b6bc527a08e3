package authz

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entityql/internal/apierr"
	"entityql/internal/sqlutil"
	"entityql/internal/testutil"
)

func TestPrincipalFromClaims(t *testing.T) {
	p, err := PrincipalFromClaims(map[string]interface{}{
		"sub": "111",
		"project_roles": map[string]interface{}{
			"owner":  []interface{}{float64(1), float64(2)},
			"viewer": []interface{}{float64(3)},
		},
		"service_identity": "workflows",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(111), p.UserID)
	assert.Equal(t, "111", p.ID)
	assert.Equal(t, []int64{1, 2}, p.OwnerProjects)
	assert.Empty(t, p.MemberProjects)
	assert.Equal(t, []int64{3}, p.ViewerProjects)
	assert.True(t, p.HasRole(RoleUser))
	assert.True(t, p.HasRole(RoleService))

	v, ok := p.Attr("service_identity")
	require.True(t, ok)
	assert.Equal(t, "workflows", v)
}

func TestPrincipalFromClaimsRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]interface{}
		msg    string
	}{
		{
			name:   "no subject",
			claims: map[string]interface{}{"project_roles": map[string]interface{}{}},
			msg:    "no subject",
		},
		{
			name:   "non integer subject",
			claims: map[string]interface{}{"sub": "abc", "project_roles": map[string]interface{}{}},
			msg:    "invalid subject",
		},
		{
			name:   "missing roles",
			claims: map[string]interface{}{"sub": float64(1)},
			msg:    "no project roles",
		},
		{
			name: "unknown role",
			claims: map[string]interface{}{"sub": float64(1), "project_roles": map[string]interface{}{
				"admin": []interface{}{float64(1)},
			}},
			msg: "unknown project role",
		},
		{
			name: "non integer project",
			claims: map[string]interface{}{"sub": float64(1), "project_roles": map[string]interface{}{
				"member": []interface{}{"x"},
			}},
			msg: "project role \"member\"",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := PrincipalFromClaims(tt.claims)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadPolicyValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		msg  string
	}{
		{"missing resource", "rules:\n  - actions: [view]\n", "resource is required"},
		{"missing actions", "rules:\n  - resource: '*'\n", "at least one action"},
		{"bad action", "rules:\n  - resource: '*'\n    actions: [read]\n", "unknown action"},
		{"bad op", "rules:\n  - resource: '*'\n    actions: [view]\n    condition: {column: a, op: like}\n", "unknown op"},
		{"attr required", "rules:\n  - resource: '*'\n    actions: [view]\n    condition: {column: a, op: in_attr}\n", "requires attr"},
		{"ambiguous", "rules:\n  - resource: '*'\n    actions: [view]\n    condition: {column: a, op: eq, any: [{column: b, op: is_null}]}\n", "exactly one"},
		{"unknown key", "rules:\n  - resource: '*'\n    verbs: [view]\n", "failed to decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPolicy(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestPlanKinds(t *testing.T) {
	reg := testutil.Registry(t)
	district := testutil.Entity(t, reg, "district")

	pol, err := LoadPolicy(strings.NewReader(`
rules:
  - resource: district
    actions: [view]
    roles: [service]
  - resource: "*"
    actions: [view, update]
    roles: [user]
    condition: {column: collection_id, op: in_attr, attr: member_projects}
  - resource: "*"
    actions: [delete]
    roles: [user]
    condition: {column: no_such_column, op: is_null}
`))
	require.NoError(t, err)

	user := &Principal{Roles: []string{RoleUser}, MemberProjects: []int64{4}}
	service := &Principal{Roles: []string{RoleUser, RoleService}}

	assert.Equal(t, PlanConditional, pol.Plan(user, ActionView, district).Kind)
	assert.Equal(t, PlanAlwaysAllowed, pol.Plan(service, ActionView, district).Kind)
	assert.Equal(t, PlanAlwaysDenied, pol.Plan(user, ActionCreate, district).Kind)
	assert.Equal(t, PlanAlwaysDenied, pol.Plan(user, ActionDelete, district).Kind, "missing column fails closed")
	assert.Equal(t, PlanAlwaysDenied, pol.Plan(nil, ActionView, district).Kind)
	assert.Equal(t, []string{"collection_id"}, pol.Plan(user, ActionUpdate, district).Columns())
}

func TestPlanAllows(t *testing.T) {
	reg := testutil.Registry(t)
	sample := testutil.Entity(t, reg, "sample")
	pol, err := DefaultPolicy()
	require.NoError(t, err)

	p := &Principal{Roles: []string{RoleUser}, OwnerProjects: []int64{1}, ViewerProjects: []int64{9}}
	create := pol.Plan(p, ActionCreate, sample)

	assert.True(t, create.Allows(map[string]interface{}{"collection_id": 1}))
	assert.True(t, create.Allows(map[string]interface{}{"collection_id": float64(1)}))
	assert.True(t, create.Allows(map[string]interface{}{"collection_id": "1"}))
	assert.False(t, create.Allows(map[string]interface{}{"collection_id": 9}), "viewers cannot write")
	assert.False(t, create.Allows(map[string]interface{}{"collection_id": nil}))
	assert.False(t, create.Allows(map[string]interface{}{}))

	view := pol.Plan(p, ActionView, sample)
	assert.True(t, view.Allows(map[string]interface{}{"collection_id": int64(9)}))

	system := &Principal{Roles: []string{RoleUser, RoleService}, ServiceIdentity: "workflows"}
	assert.Equal(t, PlanAlwaysAllowed, pol.Plan(system, ActionDelete, sample).Kind)
}

func TestPlanNegationAndAll(t *testing.T) {
	reg := testutil.Registry(t)
	district := testutil.Entity(t, reg, "district")
	pol, err := LoadPolicy(strings.NewReader(`
rules:
  - resource: district
    actions: [view]
    condition:
      all:
        - {column: owner_user_id, op: eq_attr, attr: user_id}
        - not: {column: deleted_at, op: is_null}
`))
	require.NoError(t, err)
	p := &Principal{UserID: 5}
	plan := pol.Plan(p, ActionView, district)

	assert.True(t, plan.Allows(map[string]interface{}{"owner_user_id": 5, "deleted_at": "2024-01-01"}))
	assert.False(t, plan.Allows(map[string]interface{}{"owner_user_id": 5, "deleted_at": nil}))
	assert.False(t, plan.Allows(map[string]interface{}{"owner_user_id": 6, "deleted_at": "2024-01-01"}))

	q := sqlutil.NewEntityQuery(sqlutil.MySQL{}, district, "")
	sql, args, err := plan.Predicate(q).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "(`district`.`owner_user_id` = ? AND `district`.`deleted_at` IS NOT NULL)", sql)
	assert.Equal(t, []interface{}{int64(5)}, args)
}

func TestPolicyClientResourceQuery(t *testing.T) {
	reg := testutil.Registry(t)
	school := testutil.Entity(t, reg, "school")
	pol, err := DefaultPolicy()
	require.NoError(t, err)
	client := NewPolicyClient(sqlutil.MySQL{}, pol)

	p := &Principal{Roles: []string{RoleUser}, OwnerProjects: []int64{1, 2}, MemberProjects: []int64{3}}
	q, err := client.ResourceQuery(context.Background(), p, ActionView, Target{Entity: school, Alias: "__school_1"})
	require.NoError(t, err)

	sql, args, err := q.ToSql()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sql, "SELECT `__school_1`.`id`, `__school_1`.`name`"), sql)
	assert.Contains(t, sql, "FROM `school` AS `__school_1`")
	assert.Contains(t, sql, "WHERE (`__school_1`.`collection_id` IN (?,?) OR `__school_1`.`collection_id` IN (?) OR 1 = 0)")
	assert.Equal(t, []interface{}{int64(1), int64(2), int64(3)}, args)

	_, err = client.ResourceQuery(context.Background(), nil, ActionView, Target{Entity: school})
	require.ErrorIs(t, err, ErrNoPrincipal)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeUnauthorized, apiErr.Code)
}

func TestPolicyClientWriteChecks(t *testing.T) {
	reg := testutil.Registry(t)
	sample := testutil.Entity(t, reg, "sample")
	pol, err := DefaultPolicy()
	require.NoError(t, err)
	client := NewPolicyClient(sqlutil.Postgres{}, pol)
	ctx := context.Background()
	p := &Principal{Roles: []string{RoleUser}, MemberProjects: []int64{7}}

	ok, err := client.CanCreate(ctx, p, sample, map[string]interface{}{"collection_id": 7})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.CanUpdate(ctx, p, sample, map[string]interface{}{"collection_id": 8})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = client.CanCreate(ctx, nil, sample, nil)
	assert.ErrorIs(t, err, ErrNoPrincipal)

	where := map[string]interface{}{"name": map[string]interface{}{"_eq": "x"}}
	require.NoError(t, client.ModifyWhereClause(ctx, p, ActionView, sample, where))
	assert.Len(t, where, 1)
}

func TestContextOverrides(t *testing.T) {
	pol, err := DefaultPolicy()
	require.NoError(t, err)
	fallback := NewPolicyClient(sqlutil.MySQL{}, pol)
	override := NewPolicyClient(sqlutil.Postgres{}, pol)

	ctx := context.Background()
	assert.Same(t, fallback, ClientFromContext(ctx, fallback))
	assert.Nil(t, PrincipalFromContext(ctx))

	p := &Principal{ID: "1"}
	ctx = WithPrincipal(WithClient(ctx, override), p)
	assert.Same(t, override, ClientFromContext(ctx, fallback))
	assert.Same(t, p, PrincipalFromContext(ctx))
}
