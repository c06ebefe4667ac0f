package archive

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_IndexEntryEncodeDecodeRoundTrip(t *testing.T) {
	e := IndexEntry{ID0: 12345, TimestampUS: 1700000000000000, DurationUS: 52428}
	enc := e.Encode()

	decoded, err := DecodeIndexEntry(enc[:])
	require.NoError(t, err)
	require.Equal(t, e, decoded)
}

func Test_DecodeIndexEntryRejectsShortBuffer(t *testing.T) {
	_, err := DecodeIndexEntry(make([]byte, indexEntrySize-1))
	require.Error(t, err)
}

func Test_PrepareThenLoadIndexStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/test.dat"

	h, err := Prepare(path, testParams())
	require.NoError(t, err)

	a, err := OpenForWrite(path)
	require.NoError(t, err)
	defer a.Close()

	require.Equal(t, h.MajorBlockCount, uint32(a.Index.Len()))
	for i := uint32(0); i < h.MajorBlockCount; i++ {
		entry := a.Index.Get(i)
		require.NotNil(t, entry)
		require.Equal(t, IndexEntry{}, *entry)
	}
}

func Test_IndexStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/test.dat"

	_, err := Prepare(path, testParams())
	require.NoError(t, err)

	a, err := OpenForWrite(path)
	require.NoError(t, err)

	want := IndexEntry{ID0: 42, TimestampUS: 123456789, DurationUS: 1000}
	require.NoError(t, a.Index.Store(a.File, 2, want))
	require.NoError(t, a.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got := reopened.Index.Get(2)
	require.NotNil(t, got)
	require.Equal(t, want, *got)
}
