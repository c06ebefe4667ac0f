// Package archive implements the on-disk archive format: the page-aligned
// header, the per-major-block index, the double-decimated summary area and
// the major data area (spec §3, §4.4, §6).
package archive

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"

	"github.com/diamondlightsource/fa-archiver/internal/bitset"
	"github.com/diamondlightsource/fa-archiver/internal/frame"
)

// Signature is the fixed 8-byte magic at the start of every archive header
// (spec §6: "Header signature bytes: FASNIFF").
var Signature = [8]byte{'F', 'A', 'S', 'N', 'I', 'F', 'F', 0}

// Version is the only on-disk header schema this implementation
// understands. A version-0 archive used a 3-bit (mean/min/max) data mask
// and an older block_record index schema; both are out of scope (spec §9
// Open Questions) and must be rejected.
const Version = 1

// DiskHeaderSize is the page-aligned size reserved for the header at
// offset 0 (spec §3).
const DiskHeaderSize = 4096

// DirectIOAlignment is the alignment every on-disk section start and
// direct-IO transfer size must satisfy (spec §3 invariants).
const DirectIOAlignment = 4096

// decimatedRecordSize is sizeof(DecimatedRecord): 8 int32 fields.
const decimatedRecordSize = 32

// Header is the archiver's persistent configuration and write cursor
// (spec §4.4). CurrentMajorBlock is the only field mutated after archive
// creation; it is rewritten once per major block flush.
type Header struct {
	ArchiveMask       bitset.Mask
	ArchiveMaskCount  uint32
	FirstDecimation   uint32
	SecondDecimation  uint32
	SampleFrequency   float64
	MajorSampleCount  uint32
	DSampleCount      uint32
	DDSampleCount     uint32
	MajorBlockCount   uint32
	MajorBlockSize    uint64
	MajorDataStart    uint64
	IndexDataStart    uint64
	IndexDataSize     uint64
	DDDataStart       uint64
	DDDataSize        uint64
	CurrentMajorBlock uint32
}

// Params are the user-supplied parameters fa-prepare turns into a Header
// via Derive.
type Params struct {
	ArchiveMask      bitset.Mask
	FirstDecimation  uint32
	SecondDecimation uint32
	SampleFrequency  float64
	MajorSampleCount uint32
	MajorBlockCount  uint32
}

// Derive computes every header field implied by p (spec §3 invariants).
// dd_sample_count is not named directly by the spec's parameter list; it is
// derived here as the number of level-2 records one major block can hold
// given the configured decimation ratios, rounded up so a block always has
// room for at least one (see DESIGN.md "Open Questions" #1 follow-up: the
// spec's worked example in §8 scenario 1 does not exercise DD production,
// so this ratio is this implementation's own derivation, not a literal
// spec formula).
func Derive(p Params) (Header, error) {
	if p.FirstDecimation == 0 || p.SecondDecimation == 0 {
		return Header{}, fmt.Errorf("first_decimation and second_decimation must be nonzero")
	}
	if p.MajorSampleCount == 0 || p.MajorSampleCount%p.FirstDecimation != 0 {
		return Header{}, fmt.Errorf("major_sample_count must be a nonzero multiple of first_decimation")
	}
	if p.MajorBlockCount == 0 {
		return Header{}, fmt.Errorf("major_block_count must be nonzero")
	}
	if p.ArchiveMask.Count() == 0 {
		return Header{}, fmt.Errorf("archive_mask must select at least one bpm")
	}

	maskCount := uint32(p.ArchiveMask.Count())
	dSampleCount := p.MajorSampleCount / p.FirstDecimation

	samplesPerDD := p.FirstDecimation * p.SecondDecimation
	ddPerBlock := (p.MajorSampleCount + samplesPerDD - 1) / samplesPerDD
	if ddPerBlock == 0 {
		ddPerBlock = 1
	}

	majorBlockSize := uint64(maskCount)*uint64(p.MajorSampleCount)*frame.EntrySize +
		uint64(maskCount)*uint64(dSampleCount)*decimatedRecordSize

	h := Header{
		ArchiveMask:      p.ArchiveMask,
		ArchiveMaskCount: maskCount,
		FirstDecimation:  p.FirstDecimation,
		SecondDecimation: p.SecondDecimation,
		SampleFrequency:  p.SampleFrequency,
		MajorSampleCount: p.MajorSampleCount,
		DSampleCount:     dSampleCount,
		DDSampleCount:    ddPerBlock,
		MajorBlockCount:  p.MajorBlockCount,
		MajorBlockSize:   majorBlockSize,
	}

	h.IndexDataStart = alignUp(DiskHeaderSize, DirectIOAlignment)
	h.IndexDataSize = uint64(p.MajorBlockCount) * indexEntrySize

	h.DDDataStart = alignUp(h.IndexDataStart+h.IndexDataSize, DirectIOAlignment)
	h.DDDataSize = uint64(maskCount) * uint64(p.MajorBlockCount) * uint64(ddPerBlock) * decimatedRecordSize

	h.MajorDataStart = alignUp(h.DDDataStart+h.DDDataSize, DirectIOAlignment)

	return h, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}

// FileSize returns the minimum archive file size implied by h.
func (h *Header) FileSize() uint64 {
	return h.MajorDataStart + uint64(h.MajorBlockCount)*h.MajorBlockSize
}

// Validate checks every invariant from spec §3/§4.4, aggregating every
// violation instead of stopping at the first (so one call reports
// everything wrong in one pass).
func (h *Header) Validate(fileSize uint64) error {
	var errs *multierror.Error

	if h.ArchiveMaskCount != uint32(h.ArchiveMask.Count()) {
		errs = multierror.Append(errs, fmt.Errorf("archive_mask_count %d does not match popcount(archive_mask) %d", h.ArchiveMaskCount, h.ArchiveMask.Count()))
	}
	if h.ArchiveMaskCount == 0 || h.ArchiveMaskCount > bitset.NumIDs {
		errs = multierror.Append(errs, fmt.Errorf("archive_mask_count %d out of range [1, %d]", h.ArchiveMaskCount, bitset.NumIDs))
	}
	if h.MajorSampleCount == 0 || h.FirstDecimation == 0 || h.MajorSampleCount%h.FirstDecimation != 0 {
		errs = multierror.Append(errs, fmt.Errorf("major_sample_count %d is not a multiple of first_decimation %d", h.MajorSampleCount, h.FirstDecimation))
	} else if h.DSampleCount != h.MajorSampleCount/h.FirstDecimation {
		errs = multierror.Append(errs, fmt.Errorf("d_sample_count %d does not match major_sample_count/first_decimation", h.DSampleCount))
	}

	wantBlockSize := uint64(h.ArchiveMaskCount)*uint64(h.MajorSampleCount)*frame.EntrySize +
		uint64(h.ArchiveMaskCount)*uint64(h.DSampleCount)*decimatedRecordSize
	if h.MajorBlockSize != wantBlockSize {
		errs = multierror.Append(errs, fmt.Errorf("major_block_size %d does not match derived size %d", h.MajorBlockSize, wantBlockSize))
	}

	for name, offset := range map[string]uint64{
		"index_data_start": h.IndexDataStart,
		"dd_data_start":    h.DDDataStart,
		"major_data_start": h.MajorDataStart,
	} {
		if offset%DirectIOAlignment != 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s %d is not aligned to %d", name, offset, DirectIOAlignment))
		}
	}

	if h.IndexDataStart+h.IndexDataSize > fileSize {
		errs = multierror.Append(errs, fmt.Errorf("index area [%d, %d) exceeds file size %d", h.IndexDataStart, h.IndexDataStart+h.IndexDataSize, fileSize))
	}
	if h.DDDataStart+h.DDDataSize > fileSize {
		errs = multierror.Append(errs, fmt.Errorf("dd area [%d, %d) exceeds file size %d", h.DDDataStart, h.DDDataStart+h.DDDataSize, fileSize))
	}
	if h.FileSize() > fileSize {
		errs = multierror.Append(errs, fmt.Errorf("major data area requires file size %d, file is %d", h.FileSize(), fileSize))
	}
	if h.CurrentMajorBlock >= h.MajorBlockCount {
		errs = multierror.Append(errs, fmt.Errorf("current_major_block %d out of range [0, %d)", h.CurrentMajorBlock, h.MajorBlockCount))
	}

	return errs.ErrorOrNil()
}

// Encode marshals h into a DiskHeaderSize-byte page, signature and version
// included, little-endian throughout (spec §3: "the archive is not
// portable across endianness").
func (h *Header) Encode() []byte {
	buf := make([]byte, DiskHeaderSize)
	copy(buf, Signature[:])

	off := 8
	binary.LittleEndian.PutUint32(buf[off:], Version)
	off += 4

	copy(buf[off:], h.ArchiveMask.Bytes())
	off += bitset.Words * 8

	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[off:], v)
		off += 4
	}
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}

	putU32(h.ArchiveMaskCount)
	putU32(h.FirstDecimation)
	putU32(h.SecondDecimation)
	putU64(math.Float64bits(h.SampleFrequency))
	putU32(h.MajorSampleCount)
	putU32(h.DSampleCount)
	putU32(h.DDSampleCount)
	putU32(h.MajorBlockCount)
	putU64(h.MajorBlockSize)
	putU64(h.MajorDataStart)
	putU64(h.IndexDataStart)
	putU64(h.IndexDataSize)
	putU64(h.DDDataStart)
	putU64(h.DDDataSize)
	putU32(h.CurrentMajorBlock)

	return buf
}

// Decode parses a DiskHeaderSize-byte page produced by Encode.
func Decode(buf []byte) (Header, error) {
	if len(buf) < DiskHeaderSize {
		return Header{}, fmt.Errorf("header buffer too short: %d bytes", len(buf))
	}
	if string(buf[:8]) != string(Signature[:]) {
		return Header{}, fmt.Errorf("bad signature %q", buf[:8])
	}

	off := 8
	version := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if version != Version {
		return Header{}, fmt.Errorf("unsupported archive version %d (only version %d is supported)", version, Version)
	}

	maskBytes := buf[off : off+bitset.Words*8]
	off += bitset.Words * 8
	mask, err := bitset.FromBytes(maskBytes)
	if err != nil {
		return Header{}, fmt.Errorf("invalid archive mask: %w", err)
	}

	getU32 := func() uint32 {
		v := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		return v
	}
	getU64 := func() uint64 {
		v := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		return v
	}

	var h Header
	h.ArchiveMask = mask
	h.ArchiveMaskCount = getU32()
	h.FirstDecimation = getU32()
	h.SecondDecimation = getU32()
	h.SampleFrequency = math.Float64frombits(getU64())
	h.MajorSampleCount = getU32()
	h.DSampleCount = getU32()
	h.DDSampleCount = getU32()
	h.MajorBlockCount = getU32()
	h.MajorBlockSize = getU64()
	h.MajorDataStart = getU64()
	h.IndexDataStart = getU64()
	h.IndexDataSize = getU64()
	h.DDDataStart = getU64()
	h.DDDataSize = getU64()
	h.CurrentMajorBlock = getU32()

	return h, nil
}
