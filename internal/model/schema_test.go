package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRow_V1Layout(t *testing.T) {
	header := []string{"filename", "style_cd", "style_category", "ring_type", "chain_type", "metal_color", "gender", "is_set"}
	row := []string{"a.jpg", "ST1", "RING", "BRIDAL", "", "W", "LADIES", "True"}

	r, err := DecodeRow(header, row)
	require.NoError(t, err)

	assert.Equal(t, "a.jpg", r.Key)
	assert.Equal(t, "ST1", r.StyleCode)
	assert.Equal(t, "RING", r.StyleCategory)
	assert.Equal(t, "BRIDAL", r.RingType)
	assert.Equal(t, "W", r.MetalColor)
	assert.True(t, r.IsSet)
	assert.Equal(t, SchemaV1, r.SchemaVersion)
	assert.Empty(t, r.Tagger)
	assert.Nil(t, r.StoneShapes)
	assert.Nil(t, r.Extra)
}

func TestDecodeRow_PrefersOriginalFilename(t *testing.T) {
	header := []string{"schema_version", "original_filename", "filename"}
	r, err := DecodeRow(header, []string{"2", "orig.jpg", "renamed.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "orig.jpg", r.Key)
	assert.Equal(t, SchemaV2, r.SchemaVersion)
}

func TestDecodeRow_MissingKey(t *testing.T) {
	_, err := DecodeRow([]string{"style_cd"}, []string{"ST1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingKey))
}

func TestDecodeRow_ShortRow(t *testing.T) {
	header := []string{"original_filename", "style_cd", "comments"}
	r, err := DecodeRow(header, []string{"x.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "x.jpg", r.Key)
	assert.Empty(t, r.Comments)
}

func TestEncodeDecode_PreservesFieldsAndExtras(t *testing.T) {
	saved := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	in := TaggedRecord{
		Key:             "ring.jpg",
		StyleCode:       "R100",
		StyleCategory:   "RING",
		RingType:        "ENGAGEMENT",
		MetalColor:      "Y",
		MetalKarat:      "14K",
		IsSet:           true,
		StoneShapes:     []string{"ROUND", "OVAL"},
		Comments:        "halo, pave band",
		CannotViewImage: false,
		Tagger:          "maria",
		SavedAt:         saved,
		Extra:           map[string]string{"legacy_note": "kept"},
	}

	header := Header([]TaggedRecord{in})
	assert.Equal(t, "legacy_note", header[len(header)-1])

	row := EncodeRow(in, header)
	out, err := DecodeRow(header, row)
	require.NoError(t, err)

	assert.Equal(t, in.Key, out.Key)
	assert.Equal(t, in.MetalKarat, out.MetalKarat)
	assert.Equal(t, []string{"OVAL", "ROUND"}, out.StoneShapes)
	assert.Equal(t, in.Comments, out.Comments)
	assert.True(t, out.IsSet)
	assert.True(t, saved.Equal(out.SavedAt))
	assert.Equal(t, CurrentSchemaVersion, out.SchemaVersion)
	assert.Equal(t, "kept", out.Extra["legacy_note"])
}

func TestHeader_CanonicalFirst(t *testing.T) {
	h := Header(nil)
	assert.Equal(t, CanonicalColumns(), h)
	assert.Equal(t, ColSchemaVersion, h[0])
	assert.Equal(t, ColOriginalFilename, h[1])
}

func TestNormalizeShapes(t *testing.T) {
	assert.Nil(t, NormalizeShapes([]string{"", "  "}))
	assert.Equal(t, []string{"OVAL", "ROUND"}, NormalizeShapes([]string{" ROUND", "OVAL", "ROUND"}))
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"true", "True", "1", "yes", "T"} {
		assert.True(t, ParseBool(s), s)
	}
	for _, s := range []string{"", "false", "0", "nan", "no"} {
		assert.False(t, ParseBool(s), s)
	}
}
