package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/graphql-go/graphql"

	"entityql/internal/apierr"
	"entityql/internal/authz"
	"entityql/internal/dbexec"
	"entityql/internal/loader"
	"entityql/internal/nodeid"
	"entityql/internal/planner"
	"entityql/internal/schema"
)

var (
	errCannotCreate = apierr.New(apierr.CodeUnauthorized, "Unauthorized: Cannot create entity")
	errCannotUpdate = apierr.New(apierr.CodeUnauthorized, "Unauthorized: Cannot update entities")
	errCannotDelete = apierr.New(apierr.CodeUnauthorized, "Unauthorized: Cannot delete entities")
)

// now is replaced in tests.
var now = func() time.Time { return time.Now().UTC() }

func (r *Resolver) addEntityMutations(fields graphql.Fields, e *schema.Entity) {
	entityType := r.entityType(e)
	list := graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(entityType)))
	where := graphql.NewNonNull(r.whereInput(e))

	if create := r.createInput(e); create != nil {
		fields["create"+e.TypeName] = &graphql.Field{
			Type: entityType,
			Args: graphql.FieldConfigArgument{
				"input": &graphql.ArgumentConfig{Type: graphql.NewNonNull(create)},
			},
			Resolve: r.guard(r.resolveCreate(e)),
		}
	}
	if update := r.updateInput(e); update != nil {
		fields["update"+e.TypeName] = &graphql.Field{
			Type: list,
			Args: graphql.FieldConfigArgument{
				"input": &graphql.ArgumentConfig{Type: graphql.NewNonNull(update)},
				"where": &graphql.ArgumentConfig{Type: where},
			},
			Resolve: r.guard(r.resolveUpdate(e)),
		}
	}
	fields["delete"+e.TypeName] = &graphql.Field{
		Type: list,
		Args: graphql.FieldConfigArgument{
			"where": &graphql.ArgumentConfig{Type: where},
		},
		Resolve: r.guard(r.resolveDelete(e)),
	}
}

// writableColumn reports whether clients may set col directly.
func writableColumn(col schema.Column) bool {
	return !col.ReadOnly && col.Generate == "" &&
		col.Name != schema.SoftDeleteColumn && col.Name != schema.OwnerColumn
}

func (r *Resolver) createInput(e *schema.Entity) *graphql.InputObject {
	return r.mutationInput(e, e.TypeName+"CreateInput", func(col schema.Column) (graphql.Input, bool) {
		if !writableColumn(col) {
			return nil, false
		}
		typ := r.scalarInput(col.Type)
		// Integer keys without a generator are left to the database.
		autoKey := col.PrimaryKey && col.Type == schema.TypeInt
		if !col.Nullable && col.Default == nil && !autoKey {
			return graphql.NewNonNull(typ), true
		}
		return typ, true
	})
}

func (r *Resolver) updateInput(e *schema.Entity) *graphql.InputObject {
	return r.mutationInput(e, e.TypeName+"UpdateInput", func(col schema.Column) (graphql.Input, bool) {
		if col.PrimaryKey || !writableColumn(col) {
			return nil, false
		}
		return r.scalarInput(col.Type), true
	})
}

func (r *Resolver) mutationInput(e *schema.Entity, name string, field func(schema.Column) (graphql.Input, bool)) *graphql.InputObject {
	r.mu.RLock()
	if cached, ok := r.inputCache[name]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	fields := graphql.InputObjectConfigFieldMap{}
	for _, col := range e.Columns {
		if typ, ok := field(col); ok {
			fields[col.Field] = &graphql.InputObjectFieldConfig{Type: typ}
		}
	}
	if len(fields) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.inputCache[name]; ok {
		return cached
	}
	input := graphql.NewInputObject(graphql.InputObjectConfig{Name: name, Fields: fields})
	r.inputCache[name] = input
	return input
}

// columnValues maps an input object keyed by field name to column names.
func columnValues(e *schema.Entity, input map[string]interface{}) (map[string]interface{}, error) {
	values := make(map[string]interface{}, len(input))
	for key, v := range input {
		ref, err := e.Lookup(key)
		if err != nil {
			return nil, err
		}
		if ref.Kind != schema.FieldScalar {
			return nil, apierr.Errorf(apierr.CodeBadRequest, "%s is not a column", key)
		}
		values[ref.Column.Name] = v
	}
	return values, nil
}

// applyCreateDefaults fills owner, generated and default values missing from
// values.
func applyCreateDefaults(e *schema.Entity, values map[string]interface{}, p *authz.Principal) error {
	for _, col := range e.Columns {
		if _, set := values[col.Name]; set {
			continue
		}
		switch {
		case col.Name == schema.OwnerColumn && p != nil:
			values[col.Name] = p.UserID
		case col.Generate == schema.GenerateUUID:
			values[col.Name] = uuid.NewString()
		case col.Generate == schema.GenerateNow:
			values[col.Name] = now()
		case col.Default != nil:
			v, err := nodeid.ParseValue(col, *col.Default)
			if err != nil {
				return fmt.Errorf("default for %s.%s: %w", e.Name, col.Name, err)
			}
			values[col.Name] = v
		}
	}
	return nil
}

// inTransaction runs fn in the operation's mutation transaction, or in a new
// one when the request has none.
func (r *Resolver) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if mc := MutationContextFromContext(ctx); mc != nil && mc.Tx() != nil {
		return fn(ctx)
	}
	b, ok := dbexec.ExecutorFromContext(ctx, r.executor).(dbexec.Beginner)
	if !ok {
		return fn(ctx)
	}
	return dbexec.RunInTx(ctx, b, func(tx dbexec.TxExecutor) error {
		return fn(dbexec.WithExecutor(ctx, tx))
	})
}

func (r *Resolver) resolveCreate(e *schema.Entity) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		ctx, span := startResolverSpan(p.Context, "graphql.mutation.create", mutationSpanAttributes(e, authz.ActionCreate)...)
		var result map[string]interface{}
		err := r.inTransaction(ctx, func(ctx context.Context) error {
			input, _ := p.Args["input"].(map[string]interface{})
			values, err := columnValues(e, input)
			if err != nil {
				return err
			}
			principal := authz.PrincipalFromContext(ctx)
			if err := applyCreateDefaults(e, values, principal); err != nil {
				return err
			}
			ok, err := r.compiler.Client(ctx).CanCreate(ctx, principal, e, values)
			if err != nil {
				return err
			}
			if !ok {
				return errCannotCreate
			}

			pk, err := r.insert(ctx, e, values)
			if err != nil {
				return err
			}
			rows, err := r.selectByKeys(ctx, e, authz.ActionView, []interface{}{pk})
			if err != nil {
				return err
			}
			if len(rows) > 0 {
				result = rows[0]
			}
			return nil
		})
		if err == nil {
			setMutationResultAttributes(span, 1)
		}
		finishResolverSpan(span, err)
		if err != nil || result == nil {
			return nil, err
		}
		return result, nil
	}
}

// insert executes the insert and returns the new row's primary key.
func (r *Resolver) insert(ctx context.Context, e *schema.Entity, values map[string]interface{}) (interface{}, error) {
	stmt, err := planner.PlanInsert(r.dialect(), e, values)
	if err != nil {
		return nil, err
	}
	exec := r.queryExecutorForContext(ctx)
	pk := e.PrimaryKey()

	if r.dialect().SupportsReturning() {
		rows, err := exec.QueryContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return nil, fmt.Errorf("failed to insert %s: %w", e.Name, err)
		}
		defer func() {
			_ = rows.Close()
		}()
		var id interface{}
		if rows.Next() {
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if b, ok := id.([]byte); ok {
			id = string(b)
		}
		return id, nil
	}

	res, err := exec.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert %s: %w", e.Name, err)
	}
	if v, ok := values[pk.Name]; ok {
		return v, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read inserted id: %w", err)
	}
	return id, nil
}

func (r *Resolver) selectByKeys(ctx context.Context, e *schema.Entity, action authz.Action, keys []interface{}) ([]map[string]interface{}, error) {
	where := map[string]interface{}{
		e.PrimaryKey().Name: map[string]interface{}{"_in": keys},
	}
	return r.selectRows(ctx, e, action, where)
}

func (r *Resolver) selectRows(ctx context.Context, e *schema.Entity, action authz.Action, where map[string]interface{}) ([]map[string]interface{}, error) {
	q, err := r.compiler.Select(ctx, r.request(ctx, action), e, where, nil, planner.SelectOptions{StableOrder: true})
	if err != nil {
		return nil, err
	}
	rows, err := r.fetch(ctx, q, e)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	return rows, nil
}

func primaryKeys(e *schema.Entity, rows []map[string]interface{}) []interface{} {
	pk := e.PrimaryKey().Name
	ids := make([]interface{}, len(rows))
	for i, row := range rows {
		ids[i] = row[pk]
	}
	return ids
}

func (r *Resolver) resolveUpdate(e *schema.Entity) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		ctx, span := startResolverSpan(p.Context, "graphql.mutation.update", mutationSpanAttributes(e, authz.ActionUpdate)...)
		var result []map[string]interface{}
		err := r.inTransaction(ctx, func(ctx context.Context) error {
			input, _ := p.Args["input"].(map[string]interface{})
			set, err := columnValues(e, input)
			if err != nil {
				return err
			}
			if len(set) == 0 {
				return apierr.New(apierr.CodeBadRequest, "update input cannot be empty")
			}
			for _, col := range e.Columns {
				if col.OnUpdate == schema.GenerateNow {
					set[col.Name] = now()
				}
			}

			targets, err := r.selectRows(ctx, e, authz.ActionUpdate, whereArg(p.Args))
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				result = targets
				return nil
			}
			principal := authz.PrincipalFromContext(ctx)
			client := r.compiler.Client(ctx)
			for _, row := range targets {
				merged := make(map[string]interface{}, len(row)+len(set))
				for k, v := range row {
					merged[k] = v
				}
				for k, v := range set {
					merged[k] = v
				}
				ok, err := client.CanUpdate(ctx, principal, e, merged)
				if err != nil {
					return err
				}
				if !ok {
					return errCannotUpdate
				}
			}

			ids := primaryKeys(e, targets)
			stmt, err := planner.PlanUpdate(r.dialect(), e, set, ids)
			if err != nil {
				return err
			}
			if _, err := r.queryExecutorForContext(ctx).ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
				return fmt.Errorf("failed to update %s: %w", e.Name, err)
			}
			result, err = r.selectByKeys(ctx, e, authz.ActionView, ids)
			return err
		})
		if err == nil {
			setMutationResultAttributes(span, len(result))
		}
		finishResolverSpan(span, err)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

func (r *Resolver) resolveDelete(e *schema.Entity) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		ctx, span := startResolverSpan(p.Context, "graphql.mutation.delete", mutationSpanAttributes(e, authz.ActionDelete)...)
		var result []map[string]interface{}
		err := r.inTransaction(ctx, func(ctx context.Context) error {
			targets, err := r.selectRows(ctx, e, authz.ActionDelete, whereArg(p.Args))
			if err != nil {
				return err
			}
			if err := r.deleteRows(ctx, e, targets, make(map[string]struct{})); err != nil {
				return err
			}
			result = targets
			return nil
		})
		if err == nil {
			setMutationResultAttributes(span, len(result))
		}
		finishResolverSpan(span, err)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

// deleteRows deletes rows of e and follows cascading relationships. To-many
// children go first so their foreign keys never dangle; to-one attachments
// are removed after the row that references them.
func (r *Resolver) deleteRows(ctx context.Context, e *schema.Entity, rows []map[string]interface{}, seen map[string]struct{}) error {
	pk := e.PrimaryKey().Name
	var pending []map[string]interface{}
	for _, row := range rows {
		key := e.Name + "\x00" + loader.KeyString(row[pk])
		if _, done := seen[key]; done {
			continue
		}
		seen[key] = struct{}{}
		pending = append(pending, row)
	}
	if len(pending) == 0 {
		return nil
	}

	for i := range e.Relationships {
		rel := &e.Relationships[i]
		if rel.CascadeDelete && rel.ToMany() {
			if err := r.cascade(ctx, rel, pending, seen); err != nil {
				return err
			}
		}
	}

	stmt, err := planner.PlanDelete(r.dialect(), e, primaryKeys(e, pending))
	if err != nil {
		return err
	}
	if _, err := r.queryExecutorForContext(ctx).ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
		return fmt.Errorf("failed to delete %s: %w", e.Name, err)
	}

	for i := range e.Relationships {
		rel := &e.Relationships[i]
		if rel.CascadeDelete && !rel.ToMany() {
			if err := r.cascade(ctx, rel, pending, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Resolver) cascade(ctx context.Context, rel *schema.Relationship, parents []map[string]interface{}, seen map[string]struct{}) error {
	if rel.Entity == nil || len(rel.Keys) == 0 {
		return fmt.Errorf("%w: %s", planner.ErrInvalidRelationship, rel.ID())
	}
	kp := rel.Keys[0]
	var keys []interface{}
	for _, row := range parents {
		if v := row[kp.Local]; v != nil {
			keys = append(keys, v)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	where := map[string]interface{}{
		kp.Remote: map[string]interface{}{"_in": keys},
	}
	children, err := r.selectRows(ctx, rel.Entity, authz.ActionDelete, where)
	if err != nil {
		return err
	}
	if err := r.checkCascadeScope(ctx, rel.Entity, where, children); err != nil {
		return err
	}
	return r.deleteRows(ctx, rel.Entity, children, seen)
}

// checkCascadeScope fails when the principal can see dependents of the
// deleted rows that it may not delete. Skipping them would leave orphans.
func (r *Resolver) checkCascadeScope(ctx context.Context, e *schema.Entity, where map[string]interface{}, deletable []map[string]interface{}) error {
	visible, err := r.selectRows(ctx, e, authz.ActionView, where)
	if err != nil {
		return err
	}
	pk := e.PrimaryKey().Name
	allowed := make(map[string]struct{}, len(deletable))
	for _, row := range deletable {
		allowed[loader.KeyString(row[pk])] = struct{}{}
	}
	for _, row := range visible {
		if _, ok := allowed[loader.KeyString(row[pk])]; !ok {
			return errCannotDelete
		}
	}
	return nil
}
