package loader

import (
	"context"

	"entityql/internal/apierr"
	"entityql/internal/nodeid"
	"entityql/internal/planner"
	"entityql/internal/schema"
)

// ResolveNodes fetches entities of e by primary key value and returns one
// entry per id in input order. Missing or hidden entities are nil unless
// required is set, in which case they fail the call.
func (l *EntityLoader) ResolveNodes(ctx context.Context, e *schema.Entity, ids []interface{}, required bool) ([]map[string]interface{}, error) {
	pk := e.PrimaryKey()
	coerced := make([]interface{}, len(ids))
	for i, id := range ids {
		v, err := nodeid.ParseValue(pk, id)
		if err != nil {
			return nil, apierr.Wrap(err, apierr.CodeBadRequest, err.Error())
		}
		coerced[i] = v
	}

	byKey := make(map[string]map[string]interface{}, len(coerced))
	chunks := chunkValues(dedupe(coerced), l.maxInClause)
	l.recordBatch(ctx, relationNode, len(ids), len(chunks))
	for _, chunk := range chunks {
		where := map[string]interface{}{
			pk.Name: map[string]interface{}{"_in": chunk},
		}
		q, err := l.compiler.Select(ctx, l.request(), e, where, nil, planner.SelectOptions{})
		if err != nil {
			return nil, err
		}
		rows, err := l.fetch(ctx, q, e)
		if err != nil {
			return nil, err
		}
		l.recordRows(ctx, relationNode, len(rows))
		for _, row := range rows {
			byKey[KeyString(row[pk.Name])] = row
		}
	}

	out := make([]map[string]interface{}, len(coerced))
	for i, v := range coerced {
		row, ok := byKey[KeyString(v)]
		if !ok && required {
			return nil, apierr.Errorf(apierr.CodeNotFound, "Could not find %s with id %v", e.TypeName, ids[i])
		}
		out[i] = row
	}
	return out, nil
}

func dedupe(values []interface{}) []interface{} {
	seen := make(map[string]struct{}, len(values))
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		k := KeyString(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}
