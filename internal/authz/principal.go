// Package authz scopes every query to the rows a principal may act on.
// The policy decision step plans a predicate per (principal, action, entity)
// which is compiled into the WHERE clause of the entity's base query.
package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Action is an operation a principal performs on an entity.
type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Roles assigned during principal hydration.
const (
	RoleUser    = "user"
	RoleService = "service"
)

// Principal is the authenticated actor of a request.
type Principal struct {
	ID              string
	Roles           []string
	UserID          int64
	OwnerProjects   []int64
	MemberProjects  []int64
	ViewerProjects  []int64
	ServiceIdentity string
	// Extra carries attributes supplied by custom principal providers.
	Extra map[string]interface{}
}

// HasRole reports whether the principal holds role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Attr returns a named attribute for policy evaluation.
func (p *Principal) Attr(name string) (interface{}, bool) {
	switch name {
	case "user_id":
		return p.UserID, true
	case "owner_projects":
		return p.OwnerProjects, true
	case "member_projects":
		return p.MemberProjects, true
	case "viewer_projects":
		return p.ViewerProjects, true
	case "service_identity":
		return p.ServiceIdentity, true
	}
	v, ok := p.Extra[name]
	return v, ok
}

var projectRoles = map[string]struct{}{
	"owner":  {},
	"member": {},
	"viewer": {},
}

// PrincipalFromClaims hydrates a principal from verified token claims.
// Claims must carry an integer subject and a project_roles object mapping
// owner, member or viewer to lists of integer project ids.
func PrincipalFromClaims(claims map[string]interface{}) (*Principal, error) {
	sub, ok := claims["sub"]
	if !ok {
		return nil, fmt.Errorf("token has no subject")
	}
	userID, err := toInt64(sub)
	if err != nil {
		return nil, fmt.Errorf("invalid subject: %w", err)
	}

	raw, ok := claims["project_roles"]
	if !ok {
		return nil, fmt.Errorf("no project roles in claims")
	}
	rolesMap, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("project_roles must be an object")
	}
	projects := make(map[string][]int64, len(rolesMap))
	for role, value := range rolesMap {
		if _, known := projectRoles[role]; !known {
			return nil, fmt.Errorf("unknown project role %q", role)
		}
		list, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("project role %q must be a list", role)
		}
		ids := make([]int64, 0, len(list))
		for _, item := range list {
			id, err := toInt64(item)
			if err != nil {
				return nil, fmt.Errorf("project role %q: %w", role, err)
			}
			ids = append(ids, id)
		}
		projects[role] = ids
	}

	p := &Principal{
		ID:             strconv.FormatInt(userID, 10),
		Roles:          []string{RoleUser},
		UserID:         userID,
		OwnerProjects:  projects["owner"],
		MemberProjects: projects["member"],
		ViewerProjects: projects["viewer"],
	}
	if identity, ok := claims["service_identity"].(string); ok && identity != "" {
		p.ServiceIdentity = identity
		p.Roles = append(p.Roles, RoleService)
	}
	return p, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", n)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("%v is not an integer", v)
	}
}

type principalKey struct{}
type clientKey struct{}

// WithPrincipal stores the request principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the request principal, if any.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// WithClient overrides the authorization client for one request.
func WithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// ClientFromContext returns the request's client override, or fallback.
func ClientFromContext(ctx context.Context, fallback Client) Client {
	if c, ok := ctx.Value(clientKey{}).(Client); ok && c != nil {
		return c
	}
	return fallback
}
