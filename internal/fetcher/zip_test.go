package fetcher

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestZIP(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	return path
}

func TestExtractTable(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{
		"export/master.csv":            "filename\na.jpg\n",
		"export/README.txt":            "ignored",
		"__MACOSX/export/._master.csv": "junk",
	})

	dest := t.TempDir()
	got, err := ExtractTable(zipPath, dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "export", "master.csv"), got)

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "filename\na.jpg\n", string(data))
}

func TestExtractTable_NeedsExactlyOne(t *testing.T) {
	none := createTestZIP(t, map[string]string{"notes.txt": "x"})
	_, err := ExtractTable(none, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 0")

	two := createTestZIP(t, map[string]string{"a.csv": "x", "b.json": "[]"})
	_, err = ExtractTable(two, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 2")
}

func TestExtractTable_ZipSlip(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{"../../evil.csv": "x"})
	_, err := ExtractTable(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip slip")
}

func TestExtractTable_NotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o644))
	_, err := ExtractTable(path, t.TempDir())
	require.Error(t, err)
}

func TestOpenTable_ZippedCSV(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{"master.csv": "filename,style_cd\nz.jpg,SZ\n"})

	table, err := OpenTable(context.Background(), zipPath, SourceOptions{})
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, "SZ", table.Records()[0]["style_cd"])
}
