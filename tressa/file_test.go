package tressa

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileExists(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	assert.True(t, FileExists(dir))
	file := filepath.Join(dir, "file.ll")
	assert.False(t, FileExists(file))
	require.NoError(t, os.WriteFile(file, nil, 0644))
	assert.True(t, FileExists(file))
}

func TestFileWithinDir(t *testing.T) {
	t.Parallel()

	root := filepath.Join("/tmp", "rootA")
	tests := []struct {
		name     string
		filePath string
		want     bool
	}{
		{"direct_child", filepath.Join(root, "foo.ll"), true},
		{"nested_deeper", filepath.Join(root, "sub", "dir", "bar.ll"), true},
		{"directory_itself", root, true},
		{"outside_sibling", filepath.Join("/var", "other", "baz.ll"), false},
		{"up_dir", filepath.Join(root, "..", "other", "file"), false},
		{"dotdot_prefixed_name", filepath.Join(root, "..rootA", "file"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := fileWithinDir(tt.filePath, root)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "out.tressa.ll")

	require.NoError(t, writeFileAtomic(path, []byte("first")))
	require.NoError(t, writeFileAtomic(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1) // no temp files left behind

	err = writeFileAtomic(filepath.Join(dir, "missing", "out.ll"), []byte("x"))
	require.Error(t, err)
}

func TestInstrumentedOutputPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, filepath.Join("src", "a.tressa.ll"), InstrumentedOutputPath(filepath.Join("src", "a.ll"), ""))
	assert.Equal(t, filepath.Join("out", "a.tressa.ll"), InstrumentedOutputPath(filepath.Join("src", "a.cpp"), "out"))
	assert.Equal(t, "b.tressa.ll", InstrumentedOutputPath("b", ""))
}
