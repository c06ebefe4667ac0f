// Package timeindex implements the bidirectional mapping between
// timestamps and archive positions, and the contiguity checks historical
// reads rely on (spec §4.5).
package timeindex

import (
	"fmt"

	"github.com/diamondlightsource/fa-archiver/internal/archive"
)

// Lookup is the result of TimestampToIndex.
type Lookup struct {
	MajorBlock          uint32
	SampleOffset        uint32
	SamplesToArchiveEnd uint64
}

// TimestampToIndex searches the index array, starting from
// current_major_block-1 and going backwards modulo major_block_count, for
// the first block whose [timestamp_us, timestamp_us+duration_us) window
// contains ts. Returns the resolved (major_block, sample_offset) and the
// number of samples remaining in the archive from that point onward.
func TimestampToIndex(h *archive.Header, idx *archive.Index, tsUS uint64) (Lookup, error) {
	n := h.MajorBlockCount
	if n == 0 {
		return Lookup{}, fmt.Errorf("archive has no major blocks")
	}

	start := (h.CurrentMajorBlock + n - 1) % n
	for i := uint32(0); i < n; i++ {
		block := (start + n - i) % n

		e := idx.Get(block)
		if e == nil || e.DurationUS == 0 {
			continue
		}
		if tsUS < e.TimestampUS || tsUS >= e.TimestampUS+uint64(e.DurationUS) {
			continue
		}

		offsetUS := tsUS - e.TimestampUS
		sampleOffset := uint32(offsetUS * uint64(h.MajorSampleCount) / uint64(e.DurationUS))

		blocksAhead := uint64(n - 1 - i)
		samplesRemaining := blocksAhead*uint64(h.MajorSampleCount) + uint64(h.MajorSampleCount) - uint64(sampleOffset)

		return Lookup{MajorBlock: block, SampleOffset: sampleOffset, SamplesToArchiveEnd: samplesRemaining}, nil
	}

	return Lookup{}, fmt.Errorf("timestamp %d is outside the archive's time range", tsUS)
}

// ContiguityResult is the result of CheckContiguous.
type ContiguityResult struct {
	// RunLength is the number of consecutive blocks starting at start that
	// form an uninterrupted run.
	RunLength uint32
	// Complete is true if the full n_blocks requested were contiguous.
	Complete bool
	// FirstID0Gap and FirstTimeGap describe the break that ended the run,
	// zero if Complete is true.
	FirstID0Gap  int64
	FirstTimeGap int64
}

// toleranceUS bounds the jitter allowed between a block's expected and
// observed timestamp delta before the run is considered broken.
const toleranceUS = 1000

// CheckContiguous scans index entries and reports how many consecutive
// blocks starting at start form an uninterrupted run: id0 advances by
// exactly major_sample_count and the wall-clock timestamp advances by the
// block's expected duration within toleranceUS.
func CheckContiguous(h *archive.Header, idx *archive.Index, start uint32, nBlocks uint32) ContiguityResult {
	n := h.MajorBlockCount
	expectedDurationUS := int64(float64(h.MajorSampleCount) / h.SampleFrequency * 1e6)

	prev := idx.Get(start % n)
	if prev == nil {
		return ContiguityResult{}
	}

	for i := uint32(1); i < nBlocks; i++ {
		cur := idx.Get((start + i) % n)
		if cur == nil {
			return ContiguityResult{RunLength: i}
		}

		id0Gap := int64(cur.ID0) - int64(prev.ID0) - int64(h.MajorSampleCount)
		timeGap := int64(cur.TimestampUS) - int64(prev.TimestampUS) - expectedDurationUS

		if id0Gap != 0 || abs64(timeGap) > toleranceUS {
			return ContiguityResult{RunLength: i, FirstID0Gap: id0Gap, FirstTimeGap: timeGap}
		}

		prev = cur
	}

	return ContiguityResult{RunLength: nBlocks, Complete: true}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Run is one contiguous run within a historical read's span, carrying the
// (data_index, id0, timestamp_us) of the sample it starts at (spec §4.6
// gap-list prelude).
type Run struct {
	DataIndex   uint32
	ID0         uint32
	TimestampUS uint64
}

// Runs walks the major blocks spanned by a read of n samples starting at
// (startBlock, sampleOffset) and returns one Run per contiguous stretch,
// using the same id0/timestamp discontinuity test as CheckContiguous. The
// result always has at least one element, describing the leading run even
// when the whole span is gap-free.
func Runs(h *archive.Header, idx *archive.Index, startBlock, sampleOffset, n uint32) ([]Run, error) {
	blocks := h.MajorBlockCount
	if blocks == 0 {
		return nil, fmt.Errorf("archive has no major blocks")
	}

	prev := idx.Get(startBlock % blocks)
	if prev == nil {
		return nil, fmt.Errorf("missing index entry for major block %d", startBlock)
	}

	runs := []Run{{
		DataIndex:   0,
		ID0:         prev.ID0 + sampleOffset,
		TimestampUS: SampleTimestamp(h, prev, sampleOffset),
	}}

	remaining := h.MajorSampleCount - sampleOffset
	if remaining > n {
		remaining = n
	}
	samplesSeen := remaining

	blocksNeeded := (n + sampleOffset + h.MajorSampleCount - 1) / h.MajorSampleCount
	expectedDurationUS := int64(float64(h.MajorSampleCount) / h.SampleFrequency * 1e6)

	for i := uint32(1); i < blocksNeeded; i++ {
		cur := idx.Get((startBlock + i) % blocks)
		if cur == nil {
			return nil, fmt.Errorf("missing index entry for major block %d", (startBlock+i)%blocks)
		}

		id0Gap := int64(cur.ID0) - int64(prev.ID0) - int64(h.MajorSampleCount)
		timeGap := int64(cur.TimestampUS) - int64(prev.TimestampUS) - expectedDurationUS
		if id0Gap != 0 || abs64(timeGap) > toleranceUS {
			runs = append(runs, Run{DataIndex: samplesSeen, ID0: cur.ID0, TimestampUS: cur.TimestampUS})
		}

		take := h.MajorSampleCount
		if samplesSeen+take > n {
			take = n - samplesSeen
		}
		samplesSeen += take
		prev = cur
	}

	return runs, nil
}

// SampleTimestamp interpolates the timestamp of the sample at offset within
// the major block described by e, using that block's own recorded duration.
func SampleTimestamp(h *archive.Header, e *archive.IndexEntry, offset uint32) uint64 {
	if e.DurationUS == 0 || h.MajorSampleCount == 0 {
		return e.TimestampUS
	}
	return e.TimestampUS + uint64(offset)*uint64(e.DurationUS)/uint64(h.MajorSampleCount)
}
