package model

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Tagged store schema versions.
//
// Version 1 is the original layout keyed by "filename" with the columns
// filename, style_cd, style_category, ring_type, chain_type, metal_color,
// gender and is_set. Version 2 is keyed by "original_filename" and adds the
// remaining fields plus provenance. Rows without a schema_version column are
// read as version 1; missing optional columns take zero values.
const (
	SchemaV1             = 1
	SchemaV2             = 2
	CurrentSchemaVersion = SchemaV2
)

// Tagged store column names.
const (
	ColSchemaVersion    = "schema_version"
	ColOriginalFilename = "original_filename"
	ColStyleCategory    = "style_category"
	ColRingType         = "ring_type"
	ColChainType        = "chain_type"
	ColEarringType      = "earring_type"
	ColBraceletType     = "bracelet_type"
	ColMetalColor       = "metal_color"
	ColMetalKarat       = "metal_karat"
	ColGender           = "gender"
	ColIsSet            = "is_set"
	ColSetting          = "setting"
	ColStoneShapes      = "stone_shapes"
	ColComments         = "comments"
	ColCannotView       = "cannot_view_image"
	ColTagger           = "tagger"
	ColProposedFilename = "proposed_filename"
	ColSavedAt          = "saved_at"
)

// ShapeSeparator joins stone shapes within a single CSV cell.
const ShapeSeparator = "|"

// ErrMissingKey is returned when a row carries neither key column.
var ErrMissingKey = eris.New("model: row has no original_filename or filename")

// canonicalColumns is the current layout, in write order.
var canonicalColumns = []string{
	ColSchemaVersion,
	ColOriginalFilename,
	ColStyleCode,
	ColStyleCategory,
	ColRingType,
	ColChainType,
	ColEarringType,
	ColBraceletType,
	ColMetalColor,
	ColMetalKarat,
	ColGender,
	ColIsSet,
	ColSetting,
	ColStoneShapes,
	ColComments,
	ColCannotView,
	ColTagger,
	ColProposedFilename,
	ColSavedAt,
}

// CanonicalColumns returns a copy of the current column layout.
func CanonicalColumns() []string {
	return slices.Clone(canonicalColumns)
}

func isCanonical(col string) bool {
	return col == ColFilename || slices.Contains(canonicalColumns, col)
}

// Header returns the write header for records: the canonical columns
// followed by every extra column any record carries, sorted.
func Header(records []TaggedRecord) []string {
	extra := make(map[string]struct{})
	for _, r := range records {
		for k := range r.Extra {
			extra[k] = struct{}{}
		}
	}
	header := CanonicalColumns()
	return append(header, slices.Sorted(maps.Keys(extra))...)
}

// EncodeRow renders r in header order. Records are always written at the
// current schema version.
func EncodeRow(r TaggedRecord, header []string) []string {
	row := make([]string, len(header))
	for i, col := range header {
		switch col {
		case ColSchemaVersion:
			row[i] = strconv.Itoa(CurrentSchemaVersion)
		case ColOriginalFilename:
			row[i] = r.Key
		case ColStyleCode:
			row[i] = r.StyleCode
		case ColStyleCategory:
			row[i] = r.StyleCategory
		case ColRingType:
			row[i] = r.RingType
		case ColChainType:
			row[i] = r.ChainType
		case ColEarringType:
			row[i] = r.EarringType
		case ColBraceletType:
			row[i] = r.BraceletType
		case ColMetalColor:
			row[i] = r.MetalColor
		case ColMetalKarat:
			row[i] = r.MetalKarat
		case ColGender:
			row[i] = r.Gender
		case ColIsSet:
			row[i] = FormatBool(r.IsSet)
		case ColSetting:
			row[i] = r.Setting
		case ColStoneShapes:
			row[i] = strings.Join(r.StoneShapes, ShapeSeparator)
		case ColComments:
			row[i] = r.Comments
		case ColCannotView:
			row[i] = FormatBool(r.CannotViewImage)
		case ColTagger:
			row[i] = r.Tagger
		case ColProposedFilename:
			row[i] = r.ProposedFilename
		case ColSavedAt:
			if !r.SavedAt.IsZero() {
				row[i] = r.SavedAt.UTC().Format(time.RFC3339)
			}
		default:
			row[i] = r.Extra[col]
		}
	}
	return row
}

// DecodeRow maps a CSV row onto a TaggedRecord using its header, applying
// the migration rules for older layouts.
func DecodeRow(header, row []string) (TaggedRecord, error) {
	fields := make(map[string]string, len(header))
	for i, col := range header {
		if i < len(row) {
			fields[col] = row[i]
		}
	}

	key := strings.TrimSpace(fields[ColOriginalFilename])
	if key == "" {
		key = strings.TrimSpace(fields[ColFilename])
	}
	if key == "" {
		return TaggedRecord{}, ErrMissingKey
	}

	version := SchemaV1
	if v, err := strconv.Atoi(strings.TrimSpace(fields[ColSchemaVersion])); err == nil && v > 0 {
		version = v
	}

	r := TaggedRecord{
		Key:              key,
		StyleCode:        fields[ColStyleCode],
		StyleCategory:    fields[ColStyleCategory],
		RingType:         fields[ColRingType],
		ChainType:        fields[ColChainType],
		EarringType:      fields[ColEarringType],
		BraceletType:     fields[ColBraceletType],
		MetalColor:       fields[ColMetalColor],
		MetalKarat:       fields[ColMetalKarat],
		Gender:           fields[ColGender],
		IsSet:            ParseBool(fields[ColIsSet]),
		Setting:          fields[ColSetting],
		StoneShapes:      NormalizeShapes(strings.Split(fields[ColStoneShapes], ShapeSeparator)),
		Comments:         fields[ColComments],
		CannotViewImage:  ParseBool(fields[ColCannotView]),
		Tagger:           fields[ColTagger],
		ProposedFilename: fields[ColProposedFilename],
		SchemaVersion:    version,
	}
	if ts := strings.TrimSpace(fields[ColSavedAt]); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			r.SavedAt = t
		}
	}

	for col, v := range fields {
		if isCanonical(col) || col == "" {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]string)
		}
		r.Extra[col] = v
	}

	return r, nil
}

// ParseBool accepts the spellings found in CSVs written by other tools.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y", "t":
		return true
	}
	return false
}

// FormatBool renders a bool cell.
func FormatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
