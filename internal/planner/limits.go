package planner

import (
	"entityql/internal/apierr"
)

// DefaultMaxResults is the page ceiling used when none is configured.
const DefaultMaxResults = 10000

// Limits bounds pagination arguments.
type Limits struct {
	MaxResults int
}

// Check validates a page-size argument against the ceiling.
func (l Limits) Check(name string, n int) error {
	if n < 0 {
		return apierr.Errorf(apierr.CodeBadRequest, "%s must be non-negative", name)
	}
	if l.MaxResults > 0 && n > l.MaxResults {
		return apierr.Errorf(apierr.CodeLimit, "%s cannot be higher than %d", name, l.MaxResults)
	}
	return nil
}

// LimitOffset validates a limitOffset argument and returns the clauses to
// apply. A missing limit defaults to the ceiling.
func (l Limits) LimitOffset(args map[string]interface{}) (limit, offset *uint64, err error) {
	if l.MaxResults > 0 {
		ceiling := uint64(l.MaxResults)
		limit = &ceiling
	}
	if args == nil {
		return limit, nil, nil
	}
	if n, ok, err := intArg(args, "limit"); err != nil {
		return nil, nil, err
	} else if ok {
		if err := l.Check("limit", n); err != nil {
			return nil, nil, err
		}
		v := uint64(n)
		limit = &v
	}
	if n, ok, err := intArg(args, "offset"); err != nil {
		return nil, nil, err
	} else if ok {
		if n < 0 {
			return nil, nil, apierr.New(apierr.CodeBadRequest, "offset must be non-negative")
		}
		v := uint64(n)
		offset = &v
	}
	return limit, offset, nil
}

func intArg(args map[string]interface{}, name string) (int, bool, error) {
	raw, ok := args[name]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case int:
		return v, true, nil
	case int64:
		return int(v), true, nil
	case float64:
		return int(v), true, nil
	default:
		return 0, false, apierr.Errorf(apierr.CodeBadRequest, "%s must be an integer", name)
	}
}
