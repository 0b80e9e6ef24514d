package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"

	"github.com/rotisserie/eris"
)

// DecodeJSONArray decodes a JSON array streaming, sending each element to a channel.
// Expects input in the form [{...},{...}].
// Both channels are closed when processing completes.
func DecodeJSONArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)

		tok, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return
			}
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			errCh <- eris.Errorf("json: expected '[', got %v", tok)
			return
		}

		for decoder.More() {
			var item T
			if err := decoder.Decode(&item); err != nil {
				errCh <- eris.Wrap(err, "json: decode element")
				return
			}
			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}
		}

		if _, err := decoder.Token(); err != nil && err != io.EOF {
			errCh <- eris.Wrap(err, "json: read closing token")
		}
	}()

	return outCh, errCh
}

// ReadJSONTable reads a catalog exported as an array of flat objects. The
// header is the union of keys in first-seen order; scalars are rendered as
// text and null or missing values as "".
func ReadJSONTable(ctx context.Context, r io.Reader) (*Table, error) {
	objCh, errCh := DecodeJSONArray[json.RawMessage](ctx, r)

	t := &Table{}
	index := make(map[string]int)
	var objects []map[string]string
	n := 0
	for raw := range objCh {
		n++
		obj, keys, err := flatObject(raw)
		if err != nil {
			// Drain so the decoder goroutine exits.
			for range objCh {
			}
			return nil, eris.Wrapf(err, "json: element %d", n)
		}
		for _, k := range keys {
			if _, ok := index[k]; !ok {
				index[k] = len(t.Header)
				t.Header = append(t.Header, k)
			}
		}
		objects = append(objects, obj)
	}
	for err := range errCh {
		if err != nil {
			return nil, err
		}
	}

	t.Header = normalizeHeader(t.Header)
	for _, obj := range objects {
		row := make([]string, len(t.Header))
		for k, v := range obj {
			row[index[k]] = v
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// flatObject decodes one object, keeping key order. Nested values are an
// error.
func flatObject(raw json.RawMessage) (map[string]string, []string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, eris.Errorf("expected object, got %v", tok)
	}

	obj := make(map[string]string)
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, _ := tok.(string)

		tok, err = dec.Token()
		if err != nil {
			return nil, nil, err
		}
		var val string
		switch v := tok.(type) {
		case nil:
		case string:
			val = v
		case json.Number:
			val = v.String()
		case bool:
			val = strconv.FormatBool(v)
		default:
			return nil, nil, eris.Errorf("field %q: nested values are not supported", key)
		}
		if _, seen := obj[key]; !seen {
			keys = append(keys, key)
		}
		obj[key] = val
	}
	return obj, keys, nil
}
