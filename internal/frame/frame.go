// Package frame implements the fixed FA frame layout: 256 (X, Y) signed
// 32-bit position pairs per frame, laid out X,Y,X,Y,... in ascending BPM-id
// order. The layout is fixed by the hardware contract (spec §3) and never
// varies between archives.
package frame

import (
	"encoding/binary"

	"github.com/diamondlightsource/fa-archiver/internal/bitset"
)

const (
	// EntryCount is the number of BPM (X, Y) pairs in one frame.
	EntryCount = 256
	// EntrySize is the byte size of a single (X, Y) pair.
	EntrySize = 8
	// Size is the fixed byte size of one FA frame.
	Size = EntryCount * EntrySize
)

// Entry is one BPM's (X, Y) position pair.
type Entry struct {
	X int32
	Y int32
}

// Decode reads the entry for the given BPM id out of a raw frame buffer.
// buf must be exactly Size bytes.
func Decode(buf []byte, id uint32) Entry {
	off := int(id) * EntrySize
	return Entry{
		X: int32(binary.LittleEndian.Uint32(buf[off:])),
		Y: int32(binary.LittleEndian.Uint32(buf[off+4:])),
	}
}

// PutEntry writes e into the raw frame buffer at the given BPM id.
func PutEntry(buf []byte, id uint32, e Entry) {
	off := int(id) * EntrySize
	binary.LittleEndian.PutUint32(buf[off:], uint32(e.X))
	binary.LittleEndian.PutUint32(buf[off+4:], uint32(e.Y))
}

// Filter copies the (X, Y) entries selected by mask out of a single raw
// frame into a contiguous buffer of len(mask entries)*EntrySize bytes, in
// ascending BPM-id order. This is the per-frame building block of the
// transform engine's transpose step (spec §4.3 step 1).
func Filter(buf []byte, mask *bitset.Mask) []byte {
	out := make([]byte, int(mask.Count())*EntrySize)

	idx := 0
	mask.Traverse(func(id uint32) bool {
		copy(out[idx*EntrySize:], buf[int(id)*EntrySize:int(id)*EntrySize+EntrySize])
		idx++
		return true
	})

	return out
}

// Unfilter is Filter's inverse: it expands a buffer produced by Filter back
// into a full Size-byte frame, with zeroed entries for BPM ids not in mask.
// For any frame F and mask M, Unfilter(Filter(F, M), M) reproduces F with
// all non-selected entries zeroed (spec §8 bit-exact round-trip property).
func Unfilter(filtered []byte, mask *bitset.Mask) []byte {
	out := make([]byte, Size)

	idx := 0
	mask.Traverse(func(id uint32) bool {
		copy(out[int(id)*EntrySize:], filtered[idx*EntrySize:idx*EntrySize+EntrySize])
		idx++
		return true
	})

	return out
}
