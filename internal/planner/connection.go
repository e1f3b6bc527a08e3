package planner

import (
	"fmt"

	"entityql/internal/apierr"
	"entityql/internal/cursor"
)

// ConnectionWindow is the slice of an ordered result a connection returns.
type ConnectionWindow struct {
	Start       int
	End         int
	HasPrevious bool
	HasNext     bool
}

// Size returns the number of rows in the window.
func (w ConnectionWindow) Size() int {
	if w.End < w.Start {
		return 0
	}
	return w.End - w.Start
}

// ParseConnectionWindow applies first/last/after/before to a result of total
// rows. Cursors carry row offsets and are only valid for the same type and
// ordering key.
func (l Limits) ParseConnectionWindow(args map[string]interface{}, total int, typeName, orderKey string) (ConnectionWindow, error) {
	first, hasFirst, err := intArg(args, "first")
	if err != nil {
		return ConnectionWindow{}, err
	}
	last, hasLast, err := intArg(args, "last")
	if err != nil {
		return ConnectionWindow{}, err
	}
	if hasFirst && hasLast {
		return ConnectionWindow{}, apierr.New(apierr.CodeBadRequest, "cannot use both first and last")
	}
	if hasFirst {
		if err := l.Check("first", first); err != nil {
			return ConnectionWindow{}, err
		}
	}
	if hasLast {
		if err := l.Check("last", last); err != nil {
			return ConnectionWindow{}, err
		}
	}

	start, end := 0, total
	if raw, ok := args["after"].(string); ok && raw != "" {
		offset, err := cursor.Decode(raw, typeName, orderKey)
		if err != nil {
			return ConnectionWindow{}, apierr.Wrap(err, apierr.CodeBadRequest, fmt.Sprintf("invalid after cursor: %v", err))
		}
		if offset+1 > start {
			start = offset + 1
		}
	}
	if raw, ok := args["before"].(string); ok && raw != "" {
		offset, err := cursor.Decode(raw, typeName, orderKey)
		if err != nil {
			return ConnectionWindow{}, apierr.Wrap(err, apierr.CodeBadRequest, fmt.Sprintf("invalid before cursor: %v", err))
		}
		if offset < end {
			end = offset
		}
	}
	if start > end {
		start = end
	}
	if hasFirst && start+first < end {
		end = start + first
	}
	if hasLast && end-last > start {
		start = end - last
	}
	if !hasFirst && !hasLast && l.MaxResults > 0 && end-start > l.MaxResults {
		end = start + l.MaxResults
	}
	return ConnectionWindow{
		Start:       start,
		End:         end,
		HasPrevious: start > 0,
		HasNext:     end < total,
	}, nil
}
