package tagstore

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tagging-cli/internal/model"
)

// Decode reads a tagged-record CSV. Older layouts are migrated on the fly;
// an empty input yields no records.
func Decode(r io.Reader) ([]model.TaggedRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "tagstore: read header")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	var records []model.TaggedRecord
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "tagstore: read row %d", line)
		}
		rec, err := model.DecodeRow(header, row)
		if err != nil {
			return nil, eris.Wrapf(err, "tagstore: decode row %d", line)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Encode renders records as CSV at the current schema version. Extra
// columns carried by any record are appended after the canonical ones.
func Encode(records []model.TaggedRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := model.Header(records)
	if err := w.Write(header); err != nil {
		return nil, eris.Wrap(err, "tagstore: write header")
	}
	for _, r := range records {
		if err := w.Write(model.EncodeRow(r, header)); err != nil {
			return nil, eris.Wrapf(err, "tagstore: write row %s", r.Key)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, eris.Wrap(err, "tagstore: flush csv")
	}
	return buf.Bytes(), nil
}
