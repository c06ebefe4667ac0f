package archive

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// indexEntrySize is sizeof(IndexEntry) as stored on disk: id0 (u32),
// timestamp_us (u64) and duration_us (u32), padded to 24 bytes so every
// entry is naturally aligned for an atomic whole-entry store (spec §3:
// "≤ 24 bytes of aligned fields").
const indexEntrySize = 24

// IndexEntry is the per-major-block index record (spec §3).
type IndexEntry struct {
	ID0         uint32
	TimestampUS uint64
	DurationUS  uint32
}

// Encode marshals e into its fixed 24-byte on-disk form.
func (e IndexEntry) Encode() [indexEntrySize]byte {
	var buf [indexEntrySize]byte
	binary.LittleEndian.PutUint32(buf[0:], e.ID0)
	binary.LittleEndian.PutUint64(buf[8:], e.TimestampUS)
	binary.LittleEndian.PutUint32(buf[16:], e.DurationUS)
	return buf
}

// DecodeIndexEntry parses the 24-byte on-disk form produced by Encode.
func DecodeIndexEntry(buf []byte) (IndexEntry, error) {
	if len(buf) < indexEntrySize {
		return IndexEntry{}, fmt.Errorf("index entry buffer too short: %d bytes", len(buf))
	}
	return IndexEntry{
		ID0:         binary.LittleEndian.Uint32(buf[0:]),
		TimestampUS: binary.LittleEndian.Uint64(buf[8:]),
		DurationUS:  binary.LittleEndian.Uint32(buf[16:]),
	}, nil
}

// Index is the in-process view of the on-disk index array. Each slot is an
// atomic.Pointer so a reader always observes either the previous or the
// newly written entry for a slot, never a torn mix of the two fields (spec
// §4.5) — Go has no portable "aligned store plus release fence" primitive,
// so a full-entry pointer swap stands in for it (see SPEC_FULL.md §A.5,
// decision 3).
type Index struct {
	start   int64
	entries []atomic.Pointer[IndexEntry]
}

// LoadIndex reads the index area described by h out of f into memory.
func LoadIndex(f *os.File, h *Header) (*Index, error) {
	idx := &Index{
		start:   int64(h.IndexDataStart),
		entries: make([]atomic.Pointer[IndexEntry], h.MajorBlockCount),
	}

	buf := make([]byte, h.IndexDataSize)
	if _, err := unix.Pread(int(f.Fd()), buf, idx.start); err != nil {
		return nil, fmt.Errorf("failed to read index area: %w", err)
	}

	for i := range idx.entries {
		e, err := DecodeIndexEntry(buf[i*indexEntrySize:])
		if err != nil {
			return nil, fmt.Errorf("failed to decode index entry %d: %w", i, err)
		}
		idx.entries[i].Store(&e)
	}

	return idx, nil
}

// Get returns a snapshot of the entry for major block i. A block that has
// never been written holds the zero IndexEntry.
func (idx *Index) Get(i uint32) *IndexEntry {
	return idx.entries[i].Load()
}

// Len returns the number of major blocks the index covers.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// Store updates the in-process entry for major block i and persists it to
// disk. The caller must only call Store after the major block's own data
// has been made durable (spec §5: "no read-before-data"); Store does not
// fsync the data area itself, only the tiny index entry.
func (idx *Index) Store(f *os.File, i uint32, e IndexEntry) error {
	enc := e.Encode()
	if _, err := unix.Pwrite(int(f.Fd()), enc[:], idx.start+int64(i)*indexEntrySize); err != nil {
		return fmt.Errorf("failed to persist index entry %d: %w", i, err)
	}
	if err := unix.Fdatasync(int(f.Fd())); err != nil {
		return fmt.Errorf("failed to fdatasync index entry %d: %w", i, err)
	}

	idx.entries[i].Store(&e)
	return nil
}
