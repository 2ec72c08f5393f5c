package fonts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fontDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("font"), 0o644))
	}
	return dir
}

func TestEnsureFontExactMatch(t *testing.T) {
	dir := fontDir(t, "arial.ttf", "NotoSans-Regular.ttf")
	p := NewDirProvider(dir, nil)

	path, err := p.EnsureFont(context.Background(), "Arial")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "arial.ttf"), path)
}

func TestEnsureFontWeightSuffix(t *testing.T) {
	dir := fontDir(t, "NotoSans-Regular.ttf", "NotoSans-Bold.ttf")
	p := NewDirProvider(dir, nil)

	path, err := p.EnsureFont(context.Background(), "Noto Sans")
	require.NoError(t, err)
	// Directory order is lexicographic, Bold sorts first.
	assert.Equal(t, filepath.Join(dir, "NotoSans-Bold.ttf"), path)
}

func TestEnsureFontExactBeatsPrefix(t *testing.T) {
	dir := fontDir(t, "Roboto-Thin.otf", "Roboto.ttf")
	p := NewDirProvider(dir, nil)

	path, err := p.EnsureFont(context.Background(), "Roboto")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Roboto.ttf"), path)
}

func TestEnsureFontIgnoresOtherFiles(t *testing.T) {
	dir := fontDir(t, "Arial.txt", "readme.md")
	p := NewDirProvider(dir, nil)

	_, err := p.EnsureFont(context.Background(), "Arial")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"Arial" not found`)
}

func TestEnsureFontMissingDirectory(t *testing.T) {
	p := NewDirProvider(filepath.Join(t.TempDir(), "absent"), nil)

	_, err := p.EnsureFont(context.Background(), "Arial")
	require.Error(t, err)
}

func TestEnsureFontEmptyFamily(t *testing.T) {
	p := NewDirProvider(t.TempDir(), nil)

	_, err := p.EnsureFont(context.Background(), "  ")
	require.Error(t, err)
}
