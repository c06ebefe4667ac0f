// Package transform implements the transform engine: the single reserved
// ring reader that transposes incoming frames into BPM-major major blocks,
// computes the two levels of decimation, and writes completed blocks to
// the archive (spec §4.3).
package transform

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/diamondlightsource/fa-archiver/internal/archive"
	"github.com/diamondlightsource/fa-archiver/internal/decimate"
	"github.com/diamondlightsource/fa-archiver/internal/frame"
	"github.com/diamondlightsource/fa-archiver/internal/ring"
)

// Engine owns the single reserved ring reader and the archive writer side.
// It is not safe for concurrent use by more than one goroutine calling Run.
type Engine struct {
	log       *zap.SugaredLogger
	ring      *ring.Ring
	archive   *archive.Archive
	interlock *archive.Interlock
	ids       []uint32 // sorted BPM ids in the archive mask, len == ArchiveMaskCount

	framesPerRingBlock int

	// per-major-block accumulation state
	columns     [][]decimate.Sample // one slice per BPM, len == MajorSampleCount once full
	sampleCount uint32

	// level-2 accumulation state, spans possibly many major blocks
	level1    [][]decimate.Record // one slice per BPM, accumulated level-1 records since the last combine
	ddSamples uint32               // raw samples accumulated since the last level-2 combine
	ddOffset  uint32               // next free DD slot within the current major block's DD range

	writeCh chan writeJob
	writeWG chan struct{} // capacity-1: bounds in-flight writes to one (ping-pong)

	// cursorMu guards current_major_block and dd_offset, which the writer
	// goroutine mutates after a write completes and the accumulation
	// goroutine reads when addressing the next DD slot.
	cursorMu sync.Mutex

	gapCount   atomic.Uint64
	frameCount atomic.Uint64
	startedAt  time.Time
}

type writeJob struct {
	block       []byte
	majorBlock  uint32
	id0         uint64
	timestampUS uint64
}

// NewEngine builds a transform engine over ar's current header. ids is
// derived from the archive mask once, at construction, since the mask is
// fixed for the archive's lifetime.
func NewEngine(log *zap.SugaredLogger, r *ring.Ring, ar *archive.Archive, interlock *archive.Interlock, framesPerRingBlock int) *Engine {
	ids := ar.Header.ArchiveMask.AsSlice()

	e := &Engine{
		log:                log,
		ring:               r,
		archive:            ar,
		interlock:          interlock,
		ids:                ids,
		framesPerRingBlock: framesPerRingBlock,
		columns:            make([][]decimate.Sample, len(ids)),
		level1:             make([][]decimate.Record, len(ids)),
		writeCh:            make(chan writeJob, 1),
		writeWG:            make(chan struct{}, 1),
		startedAt:          time.Now(),
	}
	e.resetMajorBlock()
	return e
}

// GapCount returns the number of ring gaps observed since startup, for
// telemetry reporting.
func (e *Engine) GapCount() uint64 { return e.gapCount.Load() }

// FrameRateHz returns the mean frame rate observed since startup.
func (e *Engine) FrameRateHz() float64 {
	elapsed := time.Since(e.startedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(e.frameCount.Load()) / elapsed
}

// ReaderLag always reports zero: the transform engine is a reserved reader
// and is never allowed to fall behind the producer (spec §4.2).
func (e *Engine) ReaderLag() uint64 { return 0 }

// CurrentMajorBlock returns the archive's current write cursor.
func (e *Engine) CurrentMajorBlock() uint32 {
	e.cursorMu.Lock()
	defer e.cursorMu.Unlock()
	return e.archive.Header.CurrentMajorBlock
}

func (e *Engine) resetMajorBlock() {
	n := e.archive.Header.MajorSampleCount
	for i := range e.columns {
		e.columns[i] = e.columns[i][:0]
		if cap(e.columns[i]) < int(n) {
			e.columns[i] = make([]decimate.Sample, 0, n)
		}
	}
	e.sampleCount = 0
}

func (e *Engine) resetDDAccumulation() {
	for i := range e.level1 {
		e.level1[i] = e.level1[i][:0]
	}
	e.ddSamples = 0
}

// Run drains the reserved ring reader until ctx is cancelled or the reader
// is stopped, transposing and accumulating every block (spec §4.3).
// Async write errors are fatal, per spec §4.3 "Failure semantics".
func (e *Engine) Run(ctx context.Context) error {
	reader := e.ring.OpenReader(true)
	defer reader.Close()

	go e.writeLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res := e.ring.GetReadSlot(reader)
		if res.Stopped {
			return nil
		}
		if res.Underflow {
			// A reserved reader never underflows (spec §4.2); surfaced only
			// as a defensive log line if the invariant is ever violated.
			e.log.Errorw("reserved reader reported underflow, this should be unreachable")
			continue
		}

		if res.Gap {
			e.log.Warnw("gap in ring data, discarding partial major block")
			e.gapCount.Add(1)
			e.resetMajorBlock()
			e.resetDDAccumulation()
			e.cursorMu.Lock()
			e.ddOffset = 0
			e.cursorMu.Unlock()
			e.ring.ReleaseReadSlot(reader)
			continue
		}

		if err := e.consume(res); err != nil {
			return fmt.Errorf("transform engine failed: %w", err)
		}

		e.ring.ReleaseReadSlot(reader)
	}
}

// consume transposes one ring block's frames into the per-BPM columns and
// flushes a major block, and if due a DD combine, whenever the
// accumulation thresholds are crossed (spec §4.3 steps 1-4).
func (e *Engine) consume(res ring.ReadResult) error {
	nFrames := e.framesPerRingBlock

	for f := 0; f < nFrames; f++ {
		frameBuf := res.Data[f*frame.Size : (f+1)*frame.Size]
		for col, id := range e.ids {
			entry := frame.Decode(frameBuf, id)
			e.columns[col] = append(e.columns[col], decimate.Sample{X: entry.X, Y: entry.Y})
		}
		e.sampleCount++
		e.ddSamples++
		e.frameCount.Add(1)

		h := &e.archive.Header
		if e.sampleCount == h.MajorSampleCount {
			if err := e.flushMajorBlock(res.ID0, res.Timestamp); err != nil {
				return err
			}
		}
		if e.ddSamples == h.FirstDecimation*h.SecondDecimation {
			e.combineLevel2()
		}
	}

	return nil
}

// flushMajorBlock builds the block bytes for one major block (transposed
// samples followed by level-1 decimated records, per the layout
// internal/archive.Derive computes) and hands it to the writer goroutine.
func (e *Engine) flushMajorBlock(id0 uint64, ts time.Time) error {
	h := &e.archive.Header
	block := make([]byte, h.MajorBlockSize)

	sampleRegion := uint64(h.ArchiveMaskCount) * uint64(h.MajorSampleCount) * frame.EntrySize
	off := uint64(0)
	for _, col := range e.columns {
		for _, s := range col {
			putInt32(block[off:], s.X)
			putInt32(block[off+4:], s.Y)
			off += 8
		}
	}

	recordOff := sampleRegion
	for col := range e.columns {
		groups := chunk(e.columns[col], int(h.FirstDecimation))
		records := make([]decimate.Record, len(groups))
		for i, g := range groups {
			records[i] = decimate.Level1(g)
		}
		e.level1[col] = append(e.level1[col], records...)

		for _, rec := range records {
			putRecord(block[recordOff:], rec)
			recordOff += 32
		}
	}

	e.cursorMu.Lock()
	majorBlock := h.CurrentMajorBlock
	e.cursorMu.Unlock()

	e.writeWG <- struct{}{}

	e.writeCh <- writeJob{
		block:       block,
		majorBlock:  majorBlock,
		id0:         id0,
		timestampUS: uint64(ts.UnixMicro()),
	}

	e.resetMajorBlock()
	return nil
}

// combineLevel2 computes one doubly-decimated record per BPM from the
// level-1 records accumulated since the last combine and writes them into
// the DD area at the current block's next free slot (spec §4.3 step 4).
func (e *Engine) combineLevel2() {
	h := &e.archive.Header

	e.cursorMu.Lock()
	majorBlock, slot := h.CurrentMajorBlock, e.ddOffset
	e.cursorMu.Unlock()

	for col := range e.level1 {
		if len(e.level1[col]) == 0 {
			continue
		}
		rec := decimate.Combine(e.level1[col])
		off := ddOffset(h, majorBlock, slot, uint32(col))
		buf := make([]byte, 32)
		putRecord(buf, rec)
		if _, err := unix.Pwrite(int(e.archive.File.Fd()), buf, off); err != nil {
			e.log.Errorw("failed to write double-decimated record", "error", err)
		}
	}

	e.cursorMu.Lock()
	e.ddOffset++
	e.cursorMu.Unlock()
	e.resetDDAccumulation()
}

func ddOffset(h *archive.Header, majorBlock, ddOffset, bpmCol uint32) int64 {
	slot := majorBlock*h.DDSampleCount + ddOffset
	return int64(h.DDDataStart) + int64(slot)*int64(h.ArchiveMaskCount)*32 + int64(bpmCol)*32
}

// writeLoop is the background writer: it is the only goroutine that writes
// major blocks and index entries (DD records are pwritten by combineLevel2
// on Run's goroutine), so the major data area is never
// written concurrently from two goroutines (spec §9: "a background writer
// thread with a one-slot handoff queue").
func (e *Engine) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-e.writeCh:
			if !ok {
				return
			}
			if err := e.writeMajorBlock(job); err != nil {
				e.log.Fatalw("async archive write failed", "error", err)
			}
			select {
			case <-e.writeWG:
			default:
			}
		}
	}
}

func (e *Engine) writeMajorBlock(job writeJob) error {
	h := &e.archive.Header

	if e.interlock != nil {
		e.interlock.BeginWrite()
	}
	off := int64(h.MajorDataStart) + int64(job.majorBlock)*int64(h.MajorBlockSize)
	_, writeErr := unix.Pwrite(int(e.archive.File.Fd()), job.block, off)
	var syncErr error
	if writeErr == nil {
		syncErr = unix.Fdatasync(int(e.archive.File.Fd()))
	}
	if e.interlock != nil {
		e.interlock.EndWrite()
	}
	if writeErr != nil {
		return fmt.Errorf("failed to write major block %d: %w", job.majorBlock, writeErr)
	}
	if syncErr != nil {
		return fmt.Errorf("failed to fdatasync major block %d: %w", job.majorBlock, syncErr)
	}

	durationUS := uint32(float64(h.MajorSampleCount) / h.SampleFrequency * 1e6)
	entry := archive.IndexEntry{ID0: uint32(job.id0), TimestampUS: job.timestampUS, DurationUS: durationUS}
	if err := e.archive.Index.Store(e.archive.File, job.majorBlock, entry); err != nil {
		return fmt.Errorf("failed to persist index entry for major block %d: %w", job.majorBlock, err)
	}

	e.cursorMu.Lock()
	h.CurrentMajorBlock = (job.majorBlock + 1) % h.MajorBlockCount
	e.ddOffset = 0
	e.cursorMu.Unlock()
	if err := e.archive.PersistHeader(); err != nil {
		return fmt.Errorf("failed to persist archive header: %w", err)
	}

	return nil
}

func chunk(samples []decimate.Sample, size int) [][]decimate.Sample {
	var out [][]decimate.Sample
	for i := 0; i+size <= len(samples); i += size {
		out = append(out, samples[i:i+size])
	}
	return out
}

func putInt32(buf []byte, v int32) {
	u := uint32(v)
	buf[0] = byte(u)
	buf[1] = byte(u >> 8)
	buf[2] = byte(u >> 16)
	buf[3] = byte(u >> 24)
}

func putRecord(buf []byte, r decimate.Record) {
	fields := []int32{r.MeanX, r.MinX, r.MaxX, r.StdX, r.MeanY, r.MinY, r.MaxY, r.StdY}
	for i, v := range fields {
		putInt32(buf[i*4:], v)
	}
}
