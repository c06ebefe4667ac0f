package timeindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/diamondlightsource/fa-archiver/internal/archive"
	"github.com/diamondlightsource/fa-archiver/internal/bitset"
)

func newTestArchive(t *testing.T) *archive.Archive {
	t.Helper()

	dir := t.TempDir()
	path := dir + "/test.dat"

	p := archive.Params{
		ArchiveMask:      bitset.FromIDs(0, 1, 2),
		FirstDecimation:  64,
		SecondDecimation: 256,
		SampleFrequency:  1000.0,
		MajorSampleCount: 1000,
		MajorBlockCount:  4,
	}
	_, err := archive.Prepare(path, p)
	require.NoError(t, err)

	a, err := archive.OpenForWrite(path)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	return a
}

func populateIndex(t *testing.T, a *archive.Archive, base uint64, durationUS uint32, timeGapAt int, timeGapUS uint64) {
	t.Helper()

	h := &a.Header
	for i := uint32(0); i < h.MajorBlockCount; i++ {
		ts := base + uint64(i)*uint64(durationUS)
		if timeGapAt >= 0 && int(i) >= timeGapAt {
			ts += timeGapUS
		}
		e := archive.IndexEntry{
			ID0:         i * h.MajorSampleCount,
			TimestampUS: ts,
			DurationUS:  durationUS,
		}
		require.NoError(t, a.Index.Store(a.File, i, e))
	}
}

func expectedDurationUS(h *archive.Header) uint32 {
	return uint32(float64(h.MajorSampleCount) / h.SampleFrequency * 1e6)
}

func Test_TimestampToIndexFindsContainingBlock(t *testing.T) {
	a := newTestArchive(t)
	durationUS := expectedDurationUS(&a.Header)
	base := uint64(1_700_000_000_000_000)
	populateIndex(t, a, base, durationUS, -1, 0)

	lookup, err := TimestampToIndex(&a.Header, a.Index, base+uint64(durationUS)+10)
	require.NoError(t, err)
	require.Equal(t, uint32(1), lookup.MajorBlock)
}

func Test_TimestampToIndexRejectsOutOfRange(t *testing.T) {
	a := newTestArchive(t)
	_, err := TimestampToIndex(&a.Header, a.Index, 999)
	require.Error(t, err)
}

func Test_CheckContiguousDetectsFullRun(t *testing.T) {
	a := newTestArchive(t)
	h := &a.Header
	durationUS := expectedDurationUS(h)
	base := uint64(1_700_000_000_000_000)
	populateIndex(t, a, base, durationUS, -1, 0)

	res := CheckContiguous(h, a.Index, 0, h.MajorBlockCount)
	require.True(t, res.Complete)
	require.Equal(t, h.MajorBlockCount, res.RunLength)
}

func Test_CheckContiguousDetectsBreak(t *testing.T) {
	a := newTestArchive(t)
	h := &a.Header
	durationUS := expectedDurationUS(h)
	base := uint64(1_700_000_000_000_000)
	populateIndex(t, a, base, durationUS, 2, 50_000)

	res := CheckContiguous(h, a.Index, 0, h.MajorBlockCount)
	require.False(t, res.Complete)
	require.Equal(t, uint32(2), res.RunLength)
	require.NotZero(t, res.FirstTimeGap)
}

func Test_RunsReturnsSingleRunWhenGapFree(t *testing.T) {
	a := newTestArchive(t)
	h := &a.Header
	durationUS := expectedDurationUS(h)
	base := uint64(1_700_000_000_000_000)
	populateIndex(t, a, base, durationUS, -1, 0)

	runs, err := Runs(h, a.Index, 0, 10, h.MajorSampleCount*h.MajorBlockCount-10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, uint32(0), runs[0].DataIndex)
	require.Equal(t, uint32(10), runs[0].ID0)
}

func Test_RunsReportsOneTuplePerBreak(t *testing.T) {
	a := newTestArchive(t)
	h := &a.Header
	durationUS := expectedDurationUS(h)
	base := uint64(1_700_000_000_000_000)
	populateIndex(t, a, base, durationUS, 2, 50_000)

	runs, err := Runs(h, a.Index, 0, 0, h.MajorSampleCount*h.MajorBlockCount)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, uint32(0), runs[0].DataIndex)
	require.Equal(t, uint32(0), runs[0].ID0)
	require.Equal(t, 2*h.MajorSampleCount, runs[1].DataIndex)
	require.Equal(t, 2*h.MajorSampleCount, runs[1].ID0)
}
