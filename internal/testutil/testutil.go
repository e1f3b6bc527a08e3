// Package testutil provides the fixture schema shared by package tests.
package testutil

import (
	"bytes"
	_ "embed"
	"testing"

	"github.com/stretchr/testify/require"

	"entityql/internal/schema"
)

//go:embed entities.yaml
var fixtureSchema []byte

// Registry loads the district/school/student and sample/sequencing_read/file
// fixture schema.
func Registry(t testing.TB) *schema.Registry {
	t.Helper()
	reg, err := schema.Load(bytes.NewReader(fixtureSchema))
	require.NoError(t, err)
	return reg
}

// Entity returns a fixture entity by name.
func Entity(t testing.TB, reg *schema.Registry, name string) *schema.Entity {
	t.Helper()
	e, ok := reg.Entity(name)
	require.True(t, ok, "fixture entity %s", name)
	return e
}
