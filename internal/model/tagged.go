package model

import (
	"slices"
	"strings"
	"time"
)

// TaggedRecord is one completed annotation submission. Rows are never
// updated in place; a re-save for the same key supersedes the older row
// when duplicates are resolved.
type TaggedRecord struct {
	Key              string            `json:"original_filename"`
	StyleCode        string            `json:"style_cd"`
	StyleCategory    string            `json:"style_category"`
	RingType         string            `json:"ring_type,omitempty"`
	ChainType        string            `json:"chain_type,omitempty"`
	EarringType      string            `json:"earring_type,omitempty"`
	BraceletType     string            `json:"bracelet_type,omitempty"`
	MetalColor       string            `json:"metal_color,omitempty"`
	MetalKarat       string            `json:"metal_karat,omitempty"`
	Gender           string            `json:"gender,omitempty"`
	IsSet            bool              `json:"is_set"`
	Setting          string            `json:"setting,omitempty"`
	StoneShapes      []string          `json:"stone_shapes,omitempty"`
	Comments         string            `json:"comments,omitempty"`
	CannotViewImage  bool              `json:"cannot_view_image"`
	Tagger           string            `json:"tagger"`
	ProposedFilename string            `json:"proposed_filename,omitempty"`
	SavedAt          time.Time         `json:"saved_at"`
	SchemaVersion    int               `json:"schema_version"`
	Extra            map[string]string `json:"extra,omitempty"` // columns from other layouts, preserved verbatim
}

// NormalizeShapes trims, de-duplicates and sorts a stone shape set.
func NormalizeShapes(shapes []string) []string {
	out := make([]string, 0, len(shapes))
	for _, s := range shapes {
		s = strings.TrimSpace(s)
		if s == "" || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	slices.Sort(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// KeySet returns the set of keys present in records.
func KeySet(records []TaggedRecord) map[string]struct{} {
	keys := make(map[string]struct{}, len(records))
	for _, r := range records {
		keys[r.Key] = struct{}{}
	}
	return keys
}
