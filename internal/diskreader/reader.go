package diskreader

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/diamondlightsource/fa-archiver/internal/archive"
	"github.com/diamondlightsource/fa-archiver/internal/bitset"
	"github.com/diamondlightsource/fa-archiver/internal/frame"
)

// stagingSize is the row-order output buffer size: samples are written to
// the socket in whole buffer units (spec §4.7).
const stagingSize = 64 * 1024

// recordSize is sizeof(DecimatedRecord).
const recordSize = 32

// Source selects which on-disk area a Reader serves from.
type Source int

const (
	SourceFA Source = iota
	SourceD
	SourceDD
)

// Reader serves historical reads against one open, read-only archive.
type Reader struct {
	archive   *archive.Archive
	interlock *archive.Interlock
	pool      *Pool
}

// New builds a Reader over ar. interlock must be the same instance the
// writer uses, so reads never observe a torn major block (spec §4.7).
func New(ar *archive.Archive, interlock *archive.Interlock) *Reader {
	maskCount := int(ar.Header.ArchiveMaskCount)
	if maskCount == 0 {
		maskCount = 1
	}
	bufSize := int(ar.Header.MajorSampleCount) * frame.EntrySize
	return &Reader{
		archive:   ar,
		interlock: interlock,
		pool:      NewPool(maskCount, bufSize),
	}
}

// ReadFA streams n frames of the selected BPM ids starting at
// (majorBlock, sampleOffset), in row (frame, BPM) order, to w.
func (r *Reader) ReadFA(w io.Writer, mask *bitset.Mask, majorBlock, sampleOffset, n uint32) error {
	h := &r.archive.Header
	if !h.ArchiveMask.Superset(mask) {
		return fmt.Errorf("read mask selects a bpm not in the archive mask")
	}

	ids := mask.AsSlice()
	columns := make([][]byte, len(ids))

	remaining := n
	block, offset := majorBlock, sampleOffset

	for remaining > 0 {
		take := h.MajorSampleCount - offset
		if take > remaining {
			take = remaining
		}

		acquired := 0
		var colErr error
		for i, id := range ids {
			buf, err := r.readFAColumn(block, id, offset, take)
			if err != nil {
				colErr = err
				break
			}
			columns[i] = buf
			acquired++
		}
		if colErr != nil {
			for _, buf := range columns[:acquired] {
				r.pool.Release(buf)
			}
			return colErr
		}

		writeErr := writeRows(w, columns, len(ids), int(take))
		for _, buf := range columns {
			r.pool.Release(buf)
		}
		if writeErr != nil {
			return writeErr
		}

		remaining -= take
		offset = 0
		block = (block + 1) % h.MajorBlockCount
	}

	return nil
}

func (r *Reader) readFAColumn(majorBlock, id, offset, count uint32) ([]byte, error) {
	h := &r.archive.Header
	idPos := columnPosition(&h.ArchiveMask, id)

	blockOff := int64(h.MajorDataStart) + int64(majorBlock)*int64(h.MajorBlockSize)
	colOff := blockOff + int64(idPos)*int64(h.MajorSampleCount)*frame.EntrySize + int64(offset)*frame.EntrySize

	buf, err := r.pool.Acquire()
	if err != nil {
		return nil, err
	}
	n := int(count) * frame.EntrySize
	buf = buf[:n]

	release := r.interlock.RequestRead()
	_, readErr := unix.Pread(int(r.archive.File.Fd()), buf, colOff)
	release()
	if readErr != nil {
		r.pool.Release(buf)
		return nil, fmt.Errorf("failed to read fa column for bpm %d: %w", id, readErr)
	}

	return buf, nil
}

// ReadD streams level-1 decimated records the same way ReadFA streams raw
// frames, using the decimated-record region following the sample region
// within each major block. fieldMask selects which of the 8 stat fields
// (bit0=mean, bit1=min, bit2=max, bit3=std, each covering the X/Y pair) are
// emitted; protocol.AllFields emits the whole 32-byte record unfiltered.
func (r *Reader) ReadD(w io.Writer, mask *bitset.Mask, majorBlock, recordOffset, n, fieldMask uint32) error {
	h := &r.archive.Header
	if !h.ArchiveMask.Superset(mask) {
		return fmt.Errorf("read mask selects a bpm not in the archive mask")
	}

	ids := mask.AsSlice()
	sampleRegion := uint64(h.ArchiveMaskCount) * uint64(h.MajorSampleCount) * frame.EntrySize
	offs := fieldOffsets(fieldMask)

	remaining := n
	block, offset := majorBlock, recordOffset

	for remaining > 0 {
		take := h.DSampleCount - offset
		if take > remaining {
			take = remaining
		}

		columns := make([][]byte, len(ids))
		for i, id := range ids {
			idPos := columnPosition(&h.ArchiveMask, id)
			blockOff := int64(h.MajorDataStart) + int64(block)*int64(h.MajorBlockSize) + int64(sampleRegion)
			colOff := blockOff + int64(idPos)*int64(h.DSampleCount)*recordSize + int64(offset)*recordSize

			buf := make([]byte, int(take)*recordSize)
			release := r.interlock.RequestRead()
			_, err := unix.Pread(int(r.archive.File.Fd()), buf, colOff)
			release()
			if err != nil {
				return fmt.Errorf("failed to read d column for bpm %d: %w", id, err)
			}
			columns[i] = filterColumn(buf, int(take), offs)
		}

		if err := writeRowsSized(w, columns, len(ids), int(take), len(offs)*4); err != nil {
			return err
		}

		remaining -= take
		offset = 0
		block = (block + 1) % h.MajorBlockCount
	}

	return nil
}

// ReadDD reads doubly-decimated records from the header-resident DD area.
// Small enough to be kept mmap-resident per spec §4.7; this implementation
// reads via pread, leaving the mmap optimisation to the OS page cache,
// which serves the same purpose for a region this size without the extra
// lifetime management an explicit mmap handle would need.
func (r *Reader) ReadDD(w io.Writer, mask *bitset.Mask, majorBlock, ddOffset, n, fieldMask uint32) error {
	h := &r.archive.Header
	if !h.ArchiveMask.Superset(mask) {
		return fmt.Errorf("read mask selects a bpm not in the archive mask")
	}

	ids := mask.AsSlice()
	offs := fieldOffsets(fieldMask)

	for i := uint32(0); i < n; i++ {
		slot := majorBlock*h.DDSampleCount + (ddOffset+i)%h.DDSampleCount
		columns := make([][]byte, len(ids))
		for c, id := range ids {
			idPos := columnPosition(&h.ArchiveMask, id)
			off := int64(h.DDDataStart) + int64(slot)*int64(h.ArchiveMaskCount)*recordSize + int64(idPos)*recordSize

			buf := make([]byte, recordSize)
			release := r.interlock.RequestRead()
			_, err := unix.Pread(int(r.archive.File.Fd()), buf, off)
			release()
			if err != nil {
				return fmt.Errorf("failed to read dd record for bpm %d: %w", id, err)
			}
			columns[c] = filterColumn(buf, 1, offs)
		}

		if err := writeRowsSized(w, columns, len(ids), 1, len(offs)*4); err != nil {
			return err
		}
	}

	return nil
}

// decimatedFieldOffsets are the byte offsets of a Record's 8 int32 fields
// in on-disk order (mean X, min X, max X, std X, mean Y, min Y, max Y, std
// Y), each tagged with the mask bit that selects it.
var decimatedFieldOffsets = [8]struct {
	bit uint
	off int
}{
	{0, 0}, {1, 4}, {2, 8}, {3, 12},
	{0, 16}, {1, 20}, {2, 24}, {3, 28},
}

// fieldOffsets returns the byte offsets within a 32-byte decimated record
// selected by fieldMask, in on-disk order.
func fieldOffsets(fieldMask uint32) []int {
	offs := make([]int, 0, len(decimatedFieldOffsets))
	for _, f := range decimatedFieldOffsets {
		if fieldMask&(1<<f.bit) != 0 {
			offs = append(offs, f.off)
		}
	}
	return offs
}

// filterColumn narrows n recordSize-wide records in buf down to the fields
// at offs, each 4 bytes, preserving record order. A no-op copy when offs
// covers the whole record.
func filterColumn(buf []byte, n int, offs []int) []byte {
	if len(offs)*4 == recordSize {
		return buf
	}

	entrySize := len(offs) * 4
	out := make([]byte, n*entrySize)
	for rec := 0; rec < n; rec++ {
		src := buf[rec*recordSize : (rec+1)*recordSize]
		dst := out[rec*entrySize : (rec+1)*entrySize]
		for i, off := range offs {
			copy(dst[i*4:(i+1)*4], src[off:off+4])
		}
	}
	return out
}

func columnPosition(archiveMask *bitset.Mask, id uint32) uint32 {
	pos := uint32(0)
	archiveMask.Traverse(func(archiveID uint32) bool {
		if archiveID == id {
			return false
		}
		pos++
		return true
	})
	return pos
}

// writeRows transposes columns (one per BPM, each count*frame.EntrySize
// bytes) into (frame, BPM) row order through a stagingSize buffer,
// flushing whole buffer units to w as it fills (spec §4.7).
func writeRows(w io.Writer, columns [][]byte, nCols, count int) error {
	return writeRowsSized(w, columns, nCols, count, frame.EntrySize)
}

func writeRowsSized(w io.Writer, columns [][]byte, nCols, count, entrySize int) error {
	staging := make([]byte, 0, stagingSize)

	for row := 0; row < count; row++ {
		for c := 0; c < nCols; c++ {
			staging = append(staging, columns[c][row*entrySize:(row+1)*entrySize]...)
			if len(staging) >= stagingSize {
				if _, err := w.Write(staging); err != nil {
					return fmt.Errorf("failed to write staged output: %w", err)
				}
				staging = staging[:0]
			}
		}
	}

	if len(staging) > 0 {
		if _, err := w.Write(staging); err != nil {
			return fmt.Errorf("failed to write staged output: %w", err)
		}
	}

	return nil
}
