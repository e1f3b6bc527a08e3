package authz

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"

	sq "github.com/Masterminds/squirrel"
	"gopkg.in/yaml.v3"

	"entityql/internal/schema"
	"entityql/internal/sqlutil"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

// Condition operators.
const (
	OpEq     = "eq"
	OpEqAttr = "eq_attr"
	OpInAttr = "in_attr"
	OpIsNull = "is_null"
)

// Condition is a row predicate tree. Exactly one of All, Any, Not or a
// column comparison is set.
type Condition struct {
	All    []Condition `yaml:"all"`
	Any    []Condition `yaml:"any"`
	Not    *Condition  `yaml:"not"`
	Column string      `yaml:"column"`
	Op     string      `yaml:"op"`
	Attr   string      `yaml:"attr"`
	Value  interface{} `yaml:"value"`
}

// Rule grants actions on a resource to principals holding any of Roles.
// A rule without a condition grants every row.
type Rule struct {
	Resource  string     `yaml:"resource"`
	Actions   []Action   `yaml:"actions"`
	Roles     []string   `yaml:"roles"`
	Condition *Condition `yaml:"condition"`
}

// Policy is an ordered list of rules. Access is granted when any applicable
// rule matches; an entity with no applicable rule is denied.
type Policy struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultPolicy returns the built-in project-scoped policy.
func DefaultPolicy() (*Policy, error) {
	return LoadPolicy(bytes.NewReader(defaultPolicy))
}

// LoadPolicyFile reads a policy document from disk.
func LoadPolicyFile(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy file: %w", err)
	}
	defer f.Close()
	return LoadPolicy(f)
}

// LoadPolicy decodes and validates a policy document.
func LoadPolicy(r io.Reader) (*Policy, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var p Policy
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	for i, rule := range p.Rules {
		if rule.Resource == "" {
			return nil, fmt.Errorf("rule %d: resource is required", i)
		}
		if len(rule.Actions) == 0 {
			return nil, fmt.Errorf("rule %d: at least one action is required", i)
		}
		for _, a := range rule.Actions {
			switch a {
			case ActionView, ActionCreate, ActionUpdate, ActionDelete:
			default:
				return nil, fmt.Errorf("rule %d: unknown action %q", i, a)
			}
		}
		if rule.Condition != nil {
			if err := rule.Condition.validate(); err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
		}
	}
	return &p, nil
}

func (c *Condition) validate() error {
	set := 0
	if len(c.All) > 0 {
		set++
	}
	if len(c.Any) > 0 {
		set++
	}
	if c.Not != nil {
		set++
	}
	if c.Column != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("condition must set exactly one of all, any, not, column")
	}
	for i := range c.All {
		if err := c.All[i].validate(); err != nil {
			return err
		}
	}
	for i := range c.Any {
		if err := c.Any[i].validate(); err != nil {
			return err
		}
	}
	if c.Not != nil {
		return c.Not.validate()
	}
	if c.Column == "" {
		return nil
	}
	switch c.Op {
	case OpEq:
	case OpEqAttr, OpInAttr:
		if c.Attr == "" {
			return fmt.Errorf("condition on %s: op %s requires attr", c.Column, c.Op)
		}
	case OpIsNull:
	default:
		return fmt.Errorf("condition on %s: unknown op %q", c.Column, c.Op)
	}
	return nil
}

func (r *Rule) applies(p *Principal, action Action, e *schema.Entity) bool {
	if r.Resource != "*" && r.Resource != e.Name {
		return false
	}
	found := false
	for _, a := range r.Actions {
		if a == action {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if len(r.Roles) == 0 {
		return true
	}
	for _, role := range r.Roles {
		if p.HasRole(role) {
			return true
		}
	}
	return false
}

// PlanKind classifies a policy decision.
type PlanKind int

const (
	PlanAlwaysDenied PlanKind = iota
	PlanAlwaysAllowed
	PlanConditional
)

func (k PlanKind) String() string {
	switch k {
	case PlanAlwaysAllowed:
		return "always_allowed"
	case PlanConditional:
		return "conditional"
	default:
		return "always_denied"
	}
}

// Plan is a policy decision for one (principal, action, entity) triple.
// Conditional plans carry predicates with principal attributes resolved.
type Plan struct {
	Kind  PlanKind
	terms []term
}

// term is a resolved predicate node; any is the OR of children for "any",
// AND for "all".
type term struct {
	op       string
	column   string
	values   []interface{}
	negate   bool
	children []term
}

// Plan decides which rows of e the principal may act on.
func (pol *Policy) Plan(p *Principal, action Action, e *schema.Entity) Plan {
	if p == nil {
		return Plan{Kind: PlanAlwaysDenied}
	}
	var terms []term
	for i := range pol.Rules {
		rule := &pol.Rules[i]
		if !rule.applies(p, action, e) {
			continue
		}
		if rule.Condition == nil {
			return Plan{Kind: PlanAlwaysAllowed}
		}
		t, ok := resolve(rule.Condition, p, e)
		if !ok {
			// References a column the entity lacks; the rule cannot match.
			continue
		}
		terms = append(terms, t)
	}
	if len(terms) == 0 {
		return Plan{Kind: PlanAlwaysDenied}
	}
	return Plan{Kind: PlanConditional, terms: terms}
}

func resolve(c *Condition, p *Principal, e *schema.Entity) (term, bool) {
	switch {
	case len(c.All) > 0:
		t := term{op: "all"}
		for i := range c.All {
			child, ok := resolve(&c.All[i], p, e)
			if !ok {
				return term{}, false
			}
			t.children = append(t.children, child)
		}
		return t, true
	case len(c.Any) > 0:
		t := term{op: "any"}
		for i := range c.Any {
			if child, ok := resolve(&c.Any[i], p, e); ok {
				t.children = append(t.children, child)
			}
		}
		return t, len(t.children) > 0
	case c.Not != nil:
		child, ok := resolve(c.Not, p, e)
		if !ok {
			return term{}, false
		}
		child.negate = !child.negate
		return child, true
	}

	if _, ok := e.Column(c.Column); !ok {
		return term{}, false
	}
	t := term{op: c.Op, column: c.Column}
	switch c.Op {
	case OpEq:
		t.values = []interface{}{c.Value}
	case OpEqAttr:
		v, ok := p.Attr(c.Attr)
		if !ok {
			return term{}, false
		}
		t.values = []interface{}{v}
	case OpInAttr:
		v, ok := p.Attr(c.Attr)
		if !ok {
			return term{}, false
		}
		t.values = flatten(v)
	}
	return t, true
}

func flatten(v interface{}) []interface{} {
	switch list := v.(type) {
	case []int64:
		out := make([]interface{}, len(list))
		for i, x := range list {
			out[i] = x
		}
		return out
	case []string:
		out := make([]interface{}, len(list))
		for i, x := range list {
			out[i] = x
		}
		return out
	case []interface{}:
		return list
	case nil:
		return nil
	default:
		return []interface{}{v}
	}
}

// Predicate renders the plan against the columns of q. Always allowed plans
// return nil.
func (pl Plan) Predicate(q *sqlutil.Query) sq.Sqlizer {
	switch pl.Kind {
	case PlanAlwaysAllowed:
		return nil
	case PlanAlwaysDenied:
		return sq.Expr("1 = 0")
	}
	or := make(sq.Or, 0, len(pl.terms))
	for _, t := range pl.terms {
		or = append(or, t.sqlizer(q))
	}
	if len(or) == 1 {
		return or[0]
	}
	return or
}

func (t term) sqlizer(q *sqlutil.Query) sq.Sqlizer {
	var s sq.Sqlizer
	switch t.op {
	case "all":
		and := make(sq.And, 0, len(t.children))
		for _, c := range t.children {
			and = append(and, c.sqlizer(q))
		}
		s = and
	case "any":
		or := make(sq.Or, 0, len(t.children))
		for _, c := range t.children {
			or = append(or, c.sqlizer(q))
		}
		s = or
	case OpIsNull:
		if t.negate {
			return sq.NotEq{q.Col(t.column): nil}
		}
		return sq.Eq{q.Col(t.column): nil}
	case OpInAttr:
		if len(t.values) == 0 {
			s = sq.Expr("1 = 0")
		} else {
			s = sq.Eq{q.Col(t.column): t.values}
		}
	default:
		if t.negate {
			return sq.NotEq{q.Col(t.column): t.values[0]}
		}
		return sq.Eq{q.Col(t.column): t.values[0]}
	}
	if t.negate {
		return notExpr{s}
	}
	return s
}

type notExpr struct {
	inner sq.Sqlizer
}

func (n notExpr) ToSql() (string, []interface{}, error) {
	sql, args, err := n.inner.ToSql()
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + sql + ")", args, nil
}

// Allows evaluates the plan against a row of column values.
func (pl Plan) Allows(row map[string]interface{}) bool {
	switch pl.Kind {
	case PlanAlwaysAllowed:
		return true
	case PlanAlwaysDenied:
		return false
	}
	for _, t := range pl.terms {
		if t.eval(row) {
			return true
		}
	}
	return false
}

func (t term) eval(row map[string]interface{}) bool {
	var ok bool
	switch t.op {
	case "all":
		ok = true
		for _, c := range t.children {
			if !c.eval(row) {
				ok = false
				break
			}
		}
	case "any":
		for _, c := range t.children {
			if c.eval(row) {
				ok = true
				break
			}
		}
	case OpIsNull:
		ok = row[t.column] == nil
	default:
		v, present := row[t.column]
		if present && v != nil {
			key := canonical(v)
			for _, want := range t.values {
				if canonical(want) == key {
					ok = true
					break
				}
			}
		}
	}
	if t.negate {
		return !ok
	}
	return ok
}

// canonical renders scalar values so that 7, int64(7) and 7.0 compare equal.
func canonical(v interface{}) string {
	switch n := v.(type) {
	case int:
		return strconv.FormatInt(int64(n), 10)
	case int32:
		return strconv.FormatInt(int64(n), 10)
	case int64:
		return strconv.FormatInt(n, 10)
	case uint64:
		return strconv.FormatUint(n, 10)
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1e15 {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'g', -1, 64)
	case string:
		return n
	case []byte:
		return string(n)
	default:
		return fmt.Sprint(v)
	}
}

// Columns lists the columns a plan reads, sorted.
func (pl Plan) Columns() []string {
	seen := map[string]struct{}{}
	var walk func(t term)
	walk = func(t term) {
		if t.column != "" {
			seen[t.column] = struct{}{}
		}
		for _, c := range t.children {
			walk(c)
		}
	}
	for _, t := range pl.terms {
		walk(t)
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
