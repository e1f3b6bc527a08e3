package cursor

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_Roundtrip(t *testing.T) {
	tests := []struct {
		name       string
		typeName   string
		orderByKey string
		offset     int
	}{
		{"first row", "School", "", 0},
		{"ordered", "Student", "abc123", 41},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := Encode(tt.typeName, tt.orderByKey, tt.offset)
			offset, err := Decode(raw, tt.typeName, tt.orderByKey)
			require.NoError(t, err)
			assert.Equal(t, tt.offset, offset)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	good := Encode("School", "k", 3)

	_, err := Decode("%%%", "School", "k")
	assert.Error(t, err)

	_, err = Decode(base64.StdEncoding.EncodeToString([]byte(`{"v":2}`)), "School", "k")
	assert.ErrorContains(t, err, "invalid cursor format")

	_, err = Decode(good, "Student", "k")
	assert.ErrorContains(t, err, "type mismatch")

	_, err = Decode(good, "School", "other")
	assert.ErrorContains(t, err, "orderBy mismatch")

	_, err = Decode(Encode("School", "k", -1), "School", "k")
	assert.ErrorContains(t, err, "negative offset")
}
