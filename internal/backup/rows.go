package backup

import (
	"encoding/csv"
	"errors"
	"io"
	"os"

	"github.com/rotisserie/eris"
)

// CountRows returns the number of data rows (records after the header) in
// the CSV file at path. Blank lines are not counted. A file that fails to
// parse anywhere is reported as an error rather than a partial count.
func CountRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, eris.Wrapf(err, "backup: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	n := 0
	for {
		_, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, eris.Wrapf(err, "backup: parse %s", path)
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n - 1, nil
}
