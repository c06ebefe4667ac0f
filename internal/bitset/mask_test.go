package bitset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_MaskCount(t *testing.T) {
	m := New()
	assert.Equal(t, uint(0), m.Count())

	m.Insert(0)
	m.Insert(42)
	assert.Equal(t, uint(2), m.Count())
}

func Test_MaskTraverse(t *testing.T) {
	m := FromIDs(0, 42, 255)

	var ids []uint32
	m.Traverse(func(id uint32) bool {
		ids = append(ids, id)
		return true
	})

	assert.Equal(t, []uint32{0, 42, 255}, ids)
}

func Test_MaskTraversePartial(t *testing.T) {
	m := FromIDs(42, 84, 200)

	var ids []uint32
	m.Traverse(func(id uint32) bool {
		ids = append(ids, id)
		return false
	})

	assert.Equal(t, []uint32{42}, ids)
}

func Test_MaskInsertOutOfRangePanics(t *testing.T) {
	m := New()
	assert.Panics(t, func() { m.Insert(256) })
}

func Test_MaskSuperset(t *testing.T) {
	archive := FromIDs(0, 1, 2, 5, 200)
	read := FromIDs(1, 5)
	notContained := FromIDs(1, 7)

	assert.True(t, archive.Superset(&read))
	assert.False(t, archive.Superset(&notContained))
}

func Test_MaskHexRoundTrip(t *testing.T) {
	m := FromIDs(0, 1, 63, 64, 128, 255)

	hex := m.FormatHex()
	require.Len(t, hex, 64)

	parsed, err := ParseHex(hex)
	require.NoError(t, err)
	assert.Equal(t, m, parsed)
}

func Test_MaskHexRoundTripAllBits(t *testing.T) {
	var m Mask
	for id := uint32(0); id < NumIDs; id++ {
		m.Insert(id)
	}

	parsed, err := ParseHex(m.FormatHex())
	require.NoError(t, err)
	assert.Equal(t, m, parsed)
}

func Test_ParseHexRejectsWrongLength(t *testing.T) {
	_, err := ParseHex("abcd")
	assert.Error(t, err)
}

func Test_RangesRoundTrip(t *testing.T) {
	cases := []string{
		"0",
		"0-1",
		"0-1,5,10-12",
		"255",
		"0-255",
	}

	for _, c := range cases {
		m, err := ParseRanges(c)
		require.NoError(t, err, c)

		formatted := m.FormatRanges()
		reparsed, err := ParseRanges(formatted)
		require.NoError(t, err, formatted)

		assert.Equal(t, m, reparsed, "round trip of %q via %q", c, formatted)
	}
}

func Test_ParseRangesRejectsOutOfBounds(t *testing.T) {
	_, err := ParseRanges("0-256")
	assert.Error(t, err)
}

func Test_ParseRangesRejectsInvertedRange(t *testing.T) {
	_, err := ParseRanges("5-3")
	assert.Error(t, err)
}

func Test_ParseRangesEmpty(t *testing.T) {
	m, err := ParseRanges("")
	require.NoError(t, err)
	assert.True(t, m.IsEmpty())
}
