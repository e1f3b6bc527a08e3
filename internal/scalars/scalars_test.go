package scalars

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateTimeScalar(t *testing.T) {
	scalar := DateTime()
	stamp := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	assert.Equal(t, "2024-01-15T10:30:00Z", scalar.Serialize(stamp))
	assert.Equal(t, "2024-01-15 10:30:00", scalar.Serialize([]byte("2024-01-15 10:30:00")))
	assert.Nil(t, scalar.Serialize(42))

	parsed := scalar.ParseValue("2024-01-15T10:30:00Z")
	require.IsType(t, time.Time{}, parsed)
	assert.True(t, stamp.Equal(parsed.(time.Time)))
	assert.Nil(t, scalar.ParseValue("yesterday"))

	literal := scalar.ParseLiteral(&ast.StringValue{Value: "2024-01-15"})
	require.IsType(t, time.Time{}, literal)
	assert.Nil(t, scalar.ParseLiteral(&ast.IntValue{Value: "1"}))
}

func TestDateScalar(t *testing.T) {
	scalar := Date()

	input := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-01-15", scalar.Serialize(input))
	assert.Equal(t, "2024-01-15", scalar.Serialize("2024-01-15T00:00:00Z"))

	parsed := scalar.ParseValue("2024-01-02")
	require.IsType(t, time.Time{}, parsed)
	assert.Equal(t, 2, parsed.(time.Time).Day())

	fromStamp := scalar.ParseLiteral(&ast.StringValue{Value: "2024-03-09T22:00:00Z"})
	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), fromStamp)
	assert.Nil(t, scalar.ParseValue("03/09/2024"))
}

func TestUUIDScalar(t *testing.T) {
	scalar := UUID()
	id := uuid.MustParse("6f1c2a3e-0b7d-4a8e-9c1f-2d3e4f5a6b7c")

	assert.Equal(t, id.String(), scalar.Serialize(id))
	assert.Equal(t, id.String(), scalar.Serialize([16]byte(id)))
	assert.Equal(t, id.String(), scalar.Serialize(id[:]))
	assert.Equal(t, id.String(), scalar.Serialize("6F1C2A3E-0B7D-4A8E-9C1F-2D3E4F5A6B7C"))
	assert.Equal(t, id.String(), scalar.ParseLiteral(&ast.StringValue{Value: id.String()}))
	assert.Nil(t, scalar.ParseValue("not-a-uuid"))
	assert.Nil(t, scalar.ParseValue(12))
}
