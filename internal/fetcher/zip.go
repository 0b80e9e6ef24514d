package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// tableExts are the file types OpenTable can parse.
var tableExts = []string{".csv", ".xlsx", ".json"}

// ExtractTable extracts the single table file (.csv, .xlsx or .json) from
// a zipped catalog export into destDir and returns its path. Directories
// and macOS resource forks are ignored.
func ExtractTable(zipPath, destDir string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	var tables []*zip.File
	for _, f := range r.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") {
			continue
		}
		if isTableFile(f.Name) {
			tables = append(tables, f)
		}
	}
	if len(tables) != 1 {
		return "", eris.Errorf("zip: expected exactly 1 table file in %s, got %d", filepath.Base(zipPath), len(tables))
	}

	return extractZIPEntry(tables[0], destDir)
}

func isTableFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range tableExts {
		if ext == e {
			return true
		}
	}
	return false
}

// extractZIPEntry extracts a single file to destDir, refusing entries
// that would land outside it.
func extractZIPEntry(f *zip.File, destDir string) (string, error) {
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", eris.Errorf("zip: illegal path %q (zip slip attempt)", f.Name)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", eris.Wrap(err, "zip: create parent directory")
	}

	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrap(err, "zip: open entry")
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(destPath)
	if err != nil {
		return "", eris.Wrap(err, "zip: create file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, rc); err != nil {
		return "", eris.Wrap(err, "zip: write file")
	}
	return destPath, nil
}
