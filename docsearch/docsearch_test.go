package docsearch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const index = `[
	{"name": "bpy.ops.mesh.primitive_cube_add", "description": "Construct a cube mesh", "parameters": ["size", "location"]},
	{"name": "bpy.ops.mesh.primitive_uv_sphere_add", "description": "Construct a UV sphere mesh", "parameters": ["radius"]},
	{"name": "bpy.ops.object.origin_set", "description": "Set the object's origin", "parameters": [{"type": "ORIGIN_GEOMETRY"}]}
]`

func writeIndex(t *testing.T) string {
	path := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(index), 0644))
	return path
}

func TestSearch(t *testing.T) {
	idx, err := Load(writeIndex(t))
	require.NoError(t, err)
	require.Equal(t, 3, idx.Len())

	res := idx.Search("MESH", 10)
	require.Len(t, res, 2)
	assert.Equal(t, "bpy.ops.mesh.primitive_cube_add", res[0].Name)

	res = idx.Search("mesh", 1)
	require.Len(t, res, 1)

	res = idx.Search("radius", 0)
	require.Len(t, res, 1)
	assert.Equal(t, "bpy.ops.mesh.primitive_uv_sphere_add", res[0].Name)

	res = idx.Search("origin_geometry", 10)
	require.Len(t, res, 1)
	assert.Equal(t, "bpy.ops.object.origin_set", res[0].Name)

	assert.Empty(t, idx.Search("armature", 10))
}

func TestLoadMissingFile(t *testing.T) {
	idx, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
	assert.Empty(t, idx.Search("cube", 10))
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}
