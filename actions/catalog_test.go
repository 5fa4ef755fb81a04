package actions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/ncsdecomp/pkg/types"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	require.Greater(t, c.Len(), 20)

	a, ok := c.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, "DelayCommand", a.Name)
	require.Len(t, a.Params, 2)
	assert.True(t, a.Params[1].Equal(types.Action))
	assert.Equal(t, 1, a.ArgSlots(2), "action arguments take no slots")

	pos, ok := c.Lookup(27)
	require.True(t, ok)
	assert.True(t, pos.Returns.Equal(types.Vector))

	_, ok = c.Lookup(99999)
	assert.False(t, ok)
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
[[action]]
id = 500
name = "GetLocalLocation"
returns = "location"
params = ["object", "string"]
`))
	require.NoError(t, err)
	a, ok := c.Lookup(500)
	require.True(t, ok)
	assert.True(t, a.Returns.Equal(types.Location))
	assert.Equal(t, 2, a.ArgSlots(5))
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte(`[[action]]
id = 1
returns = "int"`))
	assert.ErrorContains(t, err, "missing name")

	_, err = Parse([]byte(`[[action]]
id = 1
name = "X"
params = ["quaternion"]`))
	assert.ErrorContains(t, err, "quaternion")

	_, err = Parse([]byte(`not toml [`))
	assert.ErrorContains(t, err, "invalid action catalog")
}

func TestLoadAndMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "extra.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[action]]
id = 0
name = "Dice"
returns = "int"
params = ["int"]
`), 0644))

	extra, err := Load(path)
	require.NoError(t, err)

	c := Default()
	c.Merge(extra)
	a, _ := c.Lookup(0)
	assert.Equal(t, "Dice", a.Name)

	_, err = Load(filepath.Join(dir, "missing.toml"))
	assert.ErrorContains(t, err, "cannot read")
}

func TestNilCatalog(t *testing.T) {
	var c *Catalog
	_, ok := c.Lookup(1)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}
