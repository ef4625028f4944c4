package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSource(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func TestIndexThenSearchRoundTrip(t *testing.T) {
	source := writeSource(t, map[string]string{
		"red.txt":  "the red car drove home",
		"blue.txt": "a blue bicycle in the rain",
	})
	indexPath := filepath.Join(t.TempDir(), "idx")

	out, err := execute(t, "index", "--index", indexPath, source)
	require.NoError(t, err)
	assert.Contains(t, out, "indexed 2 documents")

	out, err = execute(t, "search", "--index", indexPath, "bicycle")
	require.NoError(t, err)
	assert.Contains(t, out, "blue.txt")
	assert.NotContains(t, out, "red.txt")
}

func TestIndexCreateDiscardsExisting(t *testing.T) {
	first := writeSource(t, map[string]string{"old.txt": "stale stuff"})
	second := writeSource(t, map[string]string{"new.txt": "fresh stuff"})
	indexPath := filepath.Join(t.TempDir(), "idx")

	_, err := execute(t, "index", "--index", indexPath, first)
	require.NoError(t, err)

	_, err = execute(t, "index", "--index", indexPath, "--create", second)
	require.NoError(t, err)

	out, err := execute(t, "search", "--index", indexPath, "stuff")
	require.NoError(t, err)
	assert.Contains(t, out, "new.txt")
	assert.NotContains(t, out, "old.txt")
}

func TestIndexMissingSource(t *testing.T) {
	indexPath := filepath.Join(t.TempDir(), "idx")
	_, err := execute(t, "index", "--index", indexPath, filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitSourceMissing, ExitCode(err))
}

func TestSearchBadQuerySyntax(t *testing.T) {
	source := writeSource(t, map[string]string{"a.txt": "hello world"})
	indexPath := filepath.Join(t.TempDir(), "idx")

	_, err := execute(t, "index", "--index", indexPath, source)
	require.NoError(t, err)

	_, err = execute(t, "search", "--index", indexPath, "size:[10 TO 1]")
	require.Error(t, err)
	assert.Equal(t, ExitBadArgs, ExitCode(err))
}

func TestInfoReportsStats(t *testing.T) {
	source := writeSource(t, map[string]string{
		"a.txt": "alpha",
		"b.txt": "beta",
	})
	indexPath := filepath.Join(t.TempDir(), "idx")

	_, err := execute(t, "index", "--index", indexPath, source)
	require.NoError(t, err)

	out, err := execute(t, "info", "--index", indexPath)
	require.NoError(t, err)
	assert.Contains(t, out, "live docs:  2")
	assert.Contains(t, out, "segments:   1")
}
