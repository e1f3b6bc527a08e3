// Package scalars defines the custom GraphQL scalars used by entity types.
package scalars

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
)

const dateLayout = "2006-01-02"

// DateTime is an RFC 3339 timestamp.
func DateTime() *graphql.Scalar {
	return graphql.NewScalar(graphql.ScalarConfig{
		Name:        "DateTime",
		Description: "Timestamp serialized as RFC 3339.",
		Serialize: func(value interface{}) interface{} {
			switch v := value.(type) {
			case time.Time:
				return v.UTC().Format(time.RFC3339Nano)
			case *time.Time:
				if v == nil {
					return nil
				}
				return v.UTC().Format(time.RFC3339Nano)
			case string:
				return v
			case []byte:
				return string(v)
			default:
				return nil
			}
		},
		ParseValue: func(value interface{}) interface{} {
			switch v := value.(type) {
			case time.Time:
				return v
			case string:
				return parseDateTime(v)
			default:
				return nil
			}
		},
		ParseLiteral: func(valueAST ast.Value) interface{} {
			if sv, ok := valueAST.(*ast.StringValue); ok {
				return parseDateTime(sv.Value)
			}
			return nil
		},
	})
}

func parseDateTime(s string) interface{} {
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return parsed
	}
	if parsed, err := time.Parse(dateLayout, s); err == nil {
		return parsed
	}
	return nil
}

// Date is a calendar date serialized as YYYY-MM-DD.
func Date() *graphql.Scalar {
	return graphql.NewScalar(graphql.ScalarConfig{
		Name:        "Date",
		Description: "Date value serialized as YYYY-MM-DD.",
		Serialize: func(value interface{}) interface{} {
			switch v := value.(type) {
			case time.Time:
				return v.UTC().Format(dateLayout)
			case *time.Time:
				if v == nil {
					return nil
				}
				return v.UTC().Format(dateLayout)
			case string:
				if len(v) >= len(dateLayout) {
					return v[:len(dateLayout)]
				}
				return v
			default:
				return nil
			}
		},
		ParseValue: func(value interface{}) interface{} {
			switch v := value.(type) {
			case time.Time:
				return v
			case string:
				return parseDate(v)
			default:
				return nil
			}
		},
		ParseLiteral: func(valueAST ast.Value) interface{} {
			if sv, ok := valueAST.(*ast.StringValue); ok {
				return parseDate(sv.Value)
			}
			return nil
		},
	})
}

func parseDate(s string) interface{} {
	if parsed, err := time.Parse(dateLayout, s); err == nil {
		return parsed
	}
	if parsed, err := time.Parse(time.RFC3339, s); err == nil {
		return time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
	}
	return nil
}

// UUID is a canonical lowercase UUID string.
func UUID() *graphql.Scalar {
	return graphql.NewScalar(graphql.ScalarConfig{
		Name:        "UUID",
		Description: "UUID serialized in canonical lowercase form.",
		Serialize: func(value interface{}) interface{} {
			switch v := value.(type) {
			case uuid.UUID:
				return v.String()
			case [16]byte:
				return uuid.UUID(v).String()
			case []byte:
				if len(v) == 16 {
					if id, err := uuid.FromBytes(v); err == nil {
						return id.String()
					}
				}
				return parseUUID(string(v))
			case string:
				return parseUUID(v)
			case fmt.Stringer:
				return parseUUID(v.String())
			default:
				return nil
			}
		},
		ParseValue: func(value interface{}) interface{} {
			if s, ok := value.(string); ok {
				return parseUUID(s)
			}
			return nil
		},
		ParseLiteral: func(valueAST ast.Value) interface{} {
			if sv, ok := valueAST.(*ast.StringValue); ok {
				return parseUUID(sv.Value)
			}
			return nil
		},
	})
}

func parseUUID(s string) interface{} {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return id.String()
}
