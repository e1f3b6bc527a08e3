package gqlrequest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/printer"
	"github.com/graphql-go/graphql/language/source"
)

// AnonymousOperation names operations declared without a name.
const AnonymousOperation = "<anonymous>"

// Operation describes the operation a request will execute.
type Operation struct {
	Payload Payload

	// Name is the declared operation name or AnonymousOperation.
	Name string
	// Type is query, mutation or subscription.
	Type string

	FieldCount    int
	Depth         int
	VariableCount int

	// Hash is a hex xxhash of the printed operation and the fragments it
	// references. Whitespace and unused definitions do not change it.
	Hash string

	// Err is set when the payload could not be decoded, parsed or matched
	// to a single operation. The GraphQL handler reports the details.
	Err error
}

// Valid reports whether an operation was selected.
func (o *Operation) Valid() bool {
	return o != nil && o.Err == nil && o.Type != ""
}

// IsMutation reports whether the selected operation writes.
func (o *Operation) IsMutation() bool {
	return o.Valid() && o.Type == string(ast.OperationTypeMutation)
}

// AnalyzeRequest decodes r and analyzes its payload.
func AnalyzeRequest(r *http.Request) *Operation {
	p, err := Decode(r)
	if err != nil {
		return &Operation{Payload: p, Err: fmt.Errorf("decode request: %w", err)}
	}
	return Analyze(p)
}

// Analyze parses the payload query and selects its operation.
func Analyze(p Payload) *Operation {
	op := &Operation{Payload: p}
	if strings.TrimSpace(p.Query) == "" {
		op.Err = fmt.Errorf("request does not include a query")
		return op
	}

	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{Body: []byte(p.Query), Name: "GraphQL request"}),
	})
	if err != nil {
		op.Err = err
		return op
	}

	fragments := map[string]*ast.FragmentDefinition{}
	var operations []*ast.OperationDefinition
	for _, def := range doc.Definitions {
		switch d := def.(type) {
		case *ast.FragmentDefinition:
			if d.Name != nil && d.Name.Value != "" {
				fragments[d.Name.Value] = d
			}
		case *ast.OperationDefinition:
			operations = append(operations, d)
		}
	}

	selected, err := selectOperation(operations, p.OperationName)
	if err != nil {
		op.Err = err
		return op
	}

	op.Name = AnonymousOperation
	if selected.Name != nil && selected.Name.Value != "" {
		op.Name = selected.Name.Value
	}
	op.Type = string(selected.Operation)
	op.VariableCount = len(selected.VariableDefinitions)
	op.FieldCount, op.Depth = countFieldsAndDepth(selected.SelectionSet, fragments, 1, map[string]bool{})
	op.Hash = hashOperation(selected, fragments, op.Name)
	return op
}

func selectOperation(operations []*ast.OperationDefinition, name string) (*ast.OperationDefinition, error) {
	if name != "" {
		for _, op := range operations {
			if op.Name != nil && op.Name.Value == name {
				return op, nil
			}
		}
		return nil, fmt.Errorf("unknown operation named %q", name)
	}
	switch len(operations) {
	case 1:
		return operations[0], nil
	case 0:
		return nil, fmt.Errorf("request does not include an operation")
	default:
		return nil, fmt.Errorf("operationName is required when request has multiple operations")
	}
}

// countFieldsAndDepth walks a selection set. Fragment spreads count once per
// path; recursive spreads are cut.
func countFieldsAndDepth(set *ast.SelectionSet, fragments map[string]*ast.FragmentDefinition, depth int, inFlight map[string]bool) (fields, maxDepth int) {
	if set == nil {
		return 0, depth - 1
	}
	maxDepth = depth
	merge := func(f, d int) {
		fields += f
		if d > maxDepth {
			maxDepth = d
		}
	}
	for _, selection := range set.Selections {
		switch sel := selection.(type) {
		case *ast.Field:
			fields++
			if sel.SelectionSet != nil {
				merge(countFieldsAndDepth(sel.SelectionSet, fragments, depth+1, inFlight))
			}
		case *ast.InlineFragment:
			merge(countFieldsAndDepth(sel.SelectionSet, fragments, depth, inFlight))
		case *ast.FragmentSpread:
			if sel.Name == nil || inFlight[sel.Name.Value] {
				continue
			}
			fragment, ok := fragments[sel.Name.Value]
			if !ok {
				continue
			}
			inFlight[sel.Name.Value] = true
			merge(countFieldsAndDepth(fragment.SelectionSet, fragments, depth, inFlight))
			delete(inFlight, sel.Name.Value)
		}
	}
	return fields, maxDepth
}

func hashOperation(op *ast.OperationDefinition, fragments map[string]*ast.FragmentDefinition, name string) string {
	used := map[string]bool{}
	collectFragments(op.SelectionSet, fragments, used)
	names := make([]string, 0, len(used))
	for n := range used {
		names = append(names, n)
	}
	sort.Strings(names)

	defs := []ast.Node{op}
	for _, n := range names {
		defs = append(defs, fragments[n])
	}
	printed, _ := printer.Print(ast.NewDocument(&ast.Document{Definitions: defs})).(string)

	h := xxhash.New()
	_, _ = h.WriteString(strconv.Itoa(len(name)) + ":" + name + "|")
	_, _ = h.WriteString(printed)
	return strconv.FormatUint(h.Sum64(), 16)
}

func collectFragments(set *ast.SelectionSet, fragments map[string]*ast.FragmentDefinition, used map[string]bool) {
	if set == nil {
		return
	}
	for _, selection := range set.Selections {
		switch sel := selection.(type) {
		case *ast.Field:
			collectFragments(sel.SelectionSet, fragments, used)
		case *ast.InlineFragment:
			collectFragments(sel.SelectionSet, fragments, used)
		case *ast.FragmentSpread:
			if sel.Name == nil || used[sel.Name.Value] {
				continue
			}
			if fragment, ok := fragments[sel.Name.Value]; ok {
				used[sel.Name.Value] = true
				collectFragments(fragment.SelectionSet, fragments, used)
			}
		}
	}
}

type operationContextKey struct{}

// WithOperation stores the analyzed operation in ctx.
func WithOperation(ctx context.Context, op *Operation) context.Context {
	return context.WithValue(ctx, operationContextKey{}, op)
}

// OperationFromContext returns the analyzed operation, or nil.
func OperationFromContext(ctx context.Context) *Operation {
	op, _ := ctx.Value(operationContextKey{}).(*Operation)
	return op
}
