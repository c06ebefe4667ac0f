// Package ring implements the single-producer, multi-consumer circular
// buffer of block-sized records that sits between the sniffer source and
// its consumers, the transform engine and live subscribers (spec §4.2).
//
// The design follows the spec literally rather than the lock-free
// single-producer/single-consumer idiom of a classic wait-free ring (see
// JoshuaSkootsky's ringbuffer for that shape): one mutex plus one condition
// variable, a single producer-local "in_gap" flag for gap coalescing, and a
// reader table distinguishing "reserved" readers (which throttle the
// producer, used by the disk writer) from ordinary readers (which never
// block the producer and are marked underflowed instead).
package ring

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Block is one fixed-size ring slot. Producer and consumers share the
// backing array; Block.Data is only valid between GetWriteSlot/
// ReleaseWriteSlot on the producer side, and a copy is handed to readers
// by GetReadSlot so that a slow reader can never observe a torn write.
type Block struct {
	Data      []byte
	Gap       bool
	Timestamp time.Time
	// ID0 is the hardware frame counter value at the first frame of this
	// block, counted by the sniffer source from the full blocks it has read (spec §3,
	// §4.3 step 6). It is zero for gap blocks.
	ID0 uint64
}

// Ring is the circular array of N blocks (N >= 3, spec §3).
type Ring struct {
	mu   sync.Mutex
	cond *sync.Cond
	log  *zap.SugaredLogger

	blocks []Block // len == capacity
	// producerSeq counts every block ever released (gap or not); the
	// physical slot for sequence number s is s % capacity.
	producerSeq uint64
	inGap       bool

	readers []*readerSlot
}

type readerSlot struct {
	reserved bool
	// nextSeq is the sequence number this reader will read next.
	nextSeq uint64
	closed  bool
}

// Reader is a handle obtained from OpenReader. It is not safe for
// concurrent use by multiple goroutines.
type Reader struct {
	ring     *Ring
	slot     *readerSlot
	lastSeq  uint64
	hasLast  bool
}

// New allocates a ring of capacity blocks, each blockSize bytes. Block
// memory is allocated once here and never freed, per the ring block
// lifecycle in spec §3.
func New(capacity, blockSize int, log *zap.SugaredLogger) *Ring {
	if capacity < 3 {
		panic("ring: capacity must be at least 3")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	r := &Ring{
		blocks: make([]Block, capacity),
		log:    log,
	}
	for i := range r.blocks {
		r.blocks[i].Data = make([]byte, blockSize)
	}
	r.cond = sync.NewCond(&r.mu)

	return r
}

// Capacity returns the fixed number of blocks in the ring.
func (r *Ring) Capacity() int {
	return len(r.blocks)
}

// GetWriteSlot returns the block the producer should fill next. It blocks
// only while a reserved reader still holds the exact slot the producer is
// about to reuse (spec §4.2, §5): this bounds the maximum lag of the disk
// writer and lets every other reader lose data silently instead.
func (r *Ring) GetWriteSlot() *Block {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := uint64(len(r.blocks))
	for r.reservedReaderBlocksProducer(n) {
		r.cond.Wait()
	}

	idx := r.producerSeq % n
	return &r.blocks[idx]
}

// reservedReaderBlocksProducer must be called with r.mu held.
func (r *Ring) reservedReaderBlocksProducer(n uint64) bool {
	if r.producerSeq < n {
		return false
	}
	target := r.producerSeq - n
	for _, s := range r.readers {
		if s.closed || !s.reserved {
			continue
		}
		if s.nextSeq <= target {
			return true
		}
	}
	return false
}

// ReleaseWriteSlot records the gap flag and timestamp on the slot most
// recently returned by GetWriteSlot, advances the producer sequence, and
// wakes every waiting reader. Consecutive gap releases with no valid block
// released in between are coalesced into a single gap event: the slot is
// not consumed and the producer sequence does not advance (spec §4.2).
func (r *Ring) ReleaseWriteSlot(gap bool, id0 uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gap {
		if r.inGap {
			return
		}
		r.inGap = true
	} else {
		r.inGap = false
	}

	n := uint64(len(r.blocks))
	idx := r.producerSeq % n
	block := &r.blocks[idx]
	block.Gap = gap
	block.Timestamp = time.Now()
	if gap {
		block.ID0 = 0
	} else {
		block.ID0 = id0
	}

	r.producerSeq++
	r.cond.Broadcast()
}

// OpenReader registers a new reader positioned at the current producer
// sequence. A reserved reader (the disk writer) throttles the producer;
// other readers never do and are marked underflowed instead of blocking
// anyone (spec §4.2).
func (r *Ring) OpenReader(reserved bool) *Reader {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := &readerSlot{reserved: reserved, nextSeq: r.producerSeq}
	r.readers = append(r.readers, slot)

	return &Reader{ring: r, slot: slot}
}

// Close detaches the reader. Deletion from the reader table is by
// swap-remove (spec §9's reader-arena design note): the closed slot is
// replaced by the last element, which keeps table compaction O(1) instead
// of needing an intrusive linked-list removal.
func (r *Reader) Close() {
	r.ring.mu.Lock()
	defer r.ring.mu.Unlock()

	r.slot.closed = true

	readers := r.ring.readers
	for i, s := range readers {
		if s == r.slot {
			last := len(readers) - 1
			readers[i] = readers[last]
			r.ring.readers = readers[:last]
			break
		}
	}

	r.ring.cond.Broadcast()
}

// ReadResult is the outcome of GetReadSlot.
type ReadResult struct {
	// Stopped is true if the reader was closed concurrently; no other
	// field is meaningful.
	Stopped bool
	// Underflow is true if the producer overtook this (necessarily
	// unreserved) reader since its last read. No data is returned; the
	// reader has been resynced to the current producer position and the
	// next call proceeds normally (spec §4.2).
	Underflow bool

	Data      []byte
	Gap       bool
	Timestamp time.Time
	ID0       uint64

	seq uint64
}

// GetReadSlot returns the next block for reader, blocking while the ring is
// empty for that reader. If the producer has overtaken an unreserved
// reader, it returns a single underflow indication and resyncs the reader
// to the producer's current position rather than replaying stale data
// (spec §4.2).
func (r *Ring) GetReadSlot(reader *Reader) ReadResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := reader.slot
	if slot.closed {
		return ReadResult{Stopped: true}
	}

	for slot.nextSeq >= r.producerSeq {
		r.cond.Wait()
		if slot.closed {
			return ReadResult{Stopped: true}
		}
	}

	n := uint64(len(r.blocks))
	if !slot.reserved && r.producerSeq-slot.nextSeq > n {
		r.log.Warnw("reader underflow: producer overtook reader", "lag", r.producerSeq-slot.nextSeq)
		slot.nextSeq = r.producerSeq
		r.cond.Broadcast()
		return ReadResult{Underflow: true}
	}

	seq := slot.nextSeq
	idx := seq % n
	block := &r.blocks[idx]

	data := make([]byte, len(block.Data))
	copy(data, block.Data)

	slot.nextSeq++
	reader.lastSeq = seq
	reader.hasLast = true

	// A reserved reader advancing past a slot may be the only thing the
	// producer is waiting on (spec §4.2: the producer blocks only on the
	// reserved reader reaching the slot it needs back).
	if slot.reserved {
		r.cond.Broadcast()
	}

	return ReadResult{Data: data, Gap: block.Gap, Timestamp: block.Timestamp, ID0: block.ID0, seq: seq}
}

// ReleaseReadSlot acknowledges that the caller is done with the block
// returned by the most recent GetReadSlot call. It returns false if the
// slot was overwritten by the producer while held; this can only happen
// for unreserved readers, since reserved readers throttle the producer
// before it can reuse their slot (spec §4.2).
func (r *Ring) ReleaseReadSlot(reader *Reader) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !reader.hasLast {
		return true
	}
	n := uint64(len(r.blocks))
	ok := r.producerSeq-reader.lastSeq <= n
	reader.hasLast = false
	return ok
}
