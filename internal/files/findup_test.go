package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0755))
	want := filepath.Join(root, "a", "blender_api.json")
	require.NoError(t, os.WriteFile(want, []byte("[]"), 0644))

	got, err := FindUp("blender_api.json", deep)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = FindUp("no-such-file-anywhere.json", deep)
	require.NoError(t, err)
	assert.Empty(t, got)
}
