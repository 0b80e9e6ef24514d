package model

import (
	"net/url"
	"path"
	"strings"
)

// Master catalog column names.
const (
	ColFilename  = "filename"
	ColStyleCode = "style_cd"
	ColFullPath  = "full_path"
	ColImageURL  = "image_url"
)

// Hints are pre-fill suggestions carried by the master catalog. They are
// defaults for the form only and never authoritative.
type Hints struct {
	StyleCategory string `json:"style_category,omitempty"`
	RingType      string `json:"ring_type,omitempty"`
	ChainType     string `json:"chain_type,omitempty"`
	MetalColor    string `json:"metal_color,omitempty"`
	Gender        string `json:"gender,omitempty"`
	IsSet         bool   `json:"is_set,omitempty"`
}

// MasterRecord is one immutable item eligible for annotation.
type MasterRecord struct {
	Key          string            `json:"key"`
	Filename     string            `json:"filename,omitempty"`
	StyleCode    string            `json:"style_cd"`
	ImageLocator string            `json:"image"`
	Hints        Hints             `json:"hints"`
	Fields       map[string]string `json:"-"` // raw catalog columns
}

// MasterFromFields builds a MasterRecord from a header-keyed catalog row.
// The key is the filename column, or the basename of the image locator
// when the catalog carries no filename.
func MasterFromFields(fields map[string]string) MasterRecord {
	locator := fields[ColFullPath]
	if locator == "" {
		locator = fields[ColImageURL]
	}

	key := strings.TrimSpace(fields[ColFilename])
	if key == "" {
		key = KeyFromLocator(locator)
	}

	return MasterRecord{
		Key:          key,
		Filename:     fields[ColFilename],
		StyleCode:    fields[ColStyleCode],
		ImageLocator: locator,
		Hints: Hints{
			StyleCategory: hint(fields[ColStyleCategory]),
			RingType:      hint(fields[ColRingType]),
			ChainType:     hint(fields[ColChainType]),
			MetalColor:    hint(fields[ColMetalColor]),
			Gender:        hint(fields[ColGender]),
			IsSet:         ParseBool(fields[ColIsSet]),
		},
		Fields: fields,
	}
}

// KeyFromLocator derives a record key from a local path or URL by taking its
// basename. Query strings and fragments are ignored.
func KeyFromLocator(locator string) string {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return ""
	}
	if u, err := url.Parse(locator); err == nil && u.Scheme != "" && u.Host != "" {
		locator = u.Path
	} else if i := strings.IndexAny(locator, "?#"); i >= 0 {
		locator = locator[:i]
	}
	locator = strings.ReplaceAll(locator, "\\", "/")
	base := path.Base(locator)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// hint normalizes pandas-style missing markers to empty.
func hint(v string) string {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "nan", "none", "null", "n/a":
		return ""
	}
	return v
}
