package sqlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuote(t *testing.T) {
	tests := []struct {
		ident string
		mysql string
		ansi  string
	}{
		{"school", "`school`", `"school"`},
		{"order", "`order`", `"order"`},
		{"first name", "`first name`", `"first name"`},
		{"a`b", "`a``b`", "\"a`b\""},
		{`a"b`, "`a\"b`", `"a""b"`},
		{"school.name", "`school.name`", `"school.name"`},
		{"", "``", `""`},
	}
	for _, tt := range tests {
		t.Run(tt.ident, func(t *testing.T) {
			assert.Equal(t, tt.mysql, MySQL{}.Quote(tt.ident))
			assert.Equal(t, tt.ansi, Postgres{}.Quote(tt.ident))
		})
	}
}
