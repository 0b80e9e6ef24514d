// Package fetcher resolves tabular sources (local files, HTTP(S) and FTP
// URLs) and parses them as CSV, XLSX or JSON tables.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Fetcher downloads remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// SourceOptions configures OpenTable.
type SourceOptions struct {
	Encoding string        // CSV charset label; default utf-8
	Timeout  time.Duration // remote download timeout
	HTTP     Fetcher       // overrides the default HTTP fetcher
	FTP      Fetcher       // overrides the default FTP fetcher
}

// IsRemote reports whether src is a URL this package can download.
func IsRemote(src string) bool {
	u, err := url.Parse(src)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ftp":
		return true
	}
	return false
}

// OpenTable resolves src, downloading it to a temp file when remote, and
// parses it by extension: .xlsx as a spreadsheet, .json as an array of
// objects, .zip as an archive holding one of those, anything else as CSV.
func OpenTable(ctx context.Context, src string, opts SourceOptions) (*Table, error) {
	local := src
	if IsRemote(src) {
		tmp, cleanup, err := download(ctx, src, opts)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		local = tmp
	}

	return openLocal(ctx, local, opts)
}

// openLocal parses a local file by extension. A .zip is unpacked first.
func openLocal(ctx context.Context, local string, opts SourceOptions) (*Table, error) {
	switch strings.ToLower(filepath.Ext(local)) {
	case ".xlsx":
		return ReadXLSXTable(local, XLSXOptions{})
	case ".zip":
		dir, err := os.MkdirTemp("", "catalog-zip-*")
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: create temp dir")
		}
		defer os.RemoveAll(dir) //nolint:errcheck

		inner, err := ExtractTable(local, dir)
		if err != nil {
			return nil, err
		}
		return openLocal(ctx, inner, opts)
	}

	f, err := os.Open(local)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", local)
	}
	defer f.Close() //nolint:errcheck

	r, err := DecodeReader(f, opts.Encoding)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(local), ".json") {
		return ReadJSONTable(ctx, r)
	}
	return ReadCSVTable(ctx, r, CSVOptions{})
}

// download copies a remote source into a temp file that keeps the source's
// extension so the parser can be chosen from it.
func download(ctx context.Context, src string, opts SourceOptions) (string, func(), error) {
	u, err := url.Parse(src)
	if err != nil {
		return "", nil, eris.Wrap(err, "fetcher: parse url")
	}

	var f Fetcher
	switch u.Scheme {
	case "ftp":
		f = opts.FTP
		if f == nil {
			f = NewFTPFetcher(FTPOptions{Timeout: opts.Timeout})
		}
	default:
		f = opts.HTTP
		if f == nil {
			f = NewHTTPFetcher(HTTPOptions{Timeout: opts.Timeout})
		}
	}

	tmp, err := os.CreateTemp("", "catalog-*"+path.Ext(u.Path))
	if err != nil {
		return "", nil, eris.Wrap(err, "fetcher: create temp file")
	}
	tmpPath := tmp.Name()
	tmp.Close() //nolint:errcheck

	cleanup := func() { os.Remove(tmpPath) } //nolint:errcheck

	if _, err := f.DownloadToFile(ctx, src, tmpPath); err != nil {
		cleanup()
		return "", nil, eris.Wrapf(err, "fetcher: download %s", src)
	}
	return tmpPath, cleanup, nil
}
