package authz

import (
	"context"

	"entityql/internal/apierr"
	"entityql/internal/schema"
	"entityql/internal/sqlutil"
)

// ErrNoPrincipal is returned when a request carries no authenticated principal.
var ErrNoPrincipal = apierr.New(apierr.CodeUnauthorized, "Unauthorized")

// Target names the entity a scoped query is built for. Relationship is set
// when the query is reached through a relationship of another entity.
type Target struct {
	Entity       *schema.Entity
	Relationship *schema.Relationship
	Alias        string
}

// Client produces principal-scoped base queries and answers write checks.
// Implementations may be swapped per request via WithClient.
type Client interface {
	// ResourceQuery returns a query over target's table selecting every
	// column, restricted to rows the principal may act on.
	ResourceQuery(ctx context.Context, p *Principal, action Action, target Target) (*sqlutil.Query, error)
	// ModifyWhereClause may rewrite a user filter before compilation.
	ModifyWhereClause(ctx context.Context, p *Principal, action Action, e *schema.Entity, where map[string]interface{}) error
	CanCreate(ctx context.Context, p *Principal, e *schema.Entity, values map[string]interface{}) (bool, error)
	CanUpdate(ctx context.Context, p *Principal, e *schema.Entity, values map[string]interface{}) (bool, error)
}

// PolicyClient scopes queries with a YAML policy.
type PolicyClient struct {
	dialect sqlutil.Dialect
	policy  *Policy
}

var _ Client = (*PolicyClient)(nil)

// NewPolicyClient creates a client for the given dialect and policy.
func NewPolicyClient(d sqlutil.Dialect, policy *Policy) *PolicyClient {
	return &PolicyClient{dialect: d, policy: policy}
}

// Policy returns the client's policy.
func (c *PolicyClient) Policy() *Policy {
	return c.policy
}

func (c *PolicyClient) ResourceQuery(_ context.Context, p *Principal, action Action, target Target) (*sqlutil.Query, error) {
	if p == nil {
		return nil, ErrNoPrincipal
	}
	q := sqlutil.NewEntityQuery(c.dialect, target.Entity, target.Alias)
	q.Where(c.policy.Plan(p, action, target.Entity).Predicate(q))
	return q, nil
}

func (c *PolicyClient) ModifyWhereClause(context.Context, *Principal, Action, *schema.Entity, map[string]interface{}) error {
	return nil
}

func (c *PolicyClient) CanCreate(_ context.Context, p *Principal, e *schema.Entity, values map[string]interface{}) (bool, error) {
	return c.can(p, ActionCreate, e, values)
}

func (c *PolicyClient) CanUpdate(_ context.Context, p *Principal, e *schema.Entity, values map[string]interface{}) (bool, error) {
	return c.can(p, ActionUpdate, e, values)
}

func (c *PolicyClient) can(p *Principal, action Action, e *schema.Entity, values map[string]interface{}) (bool, error) {
	if p == nil {
		return false, ErrNoPrincipal
	}
	return c.policy.Plan(p, action, e).Allows(values), nil
}
