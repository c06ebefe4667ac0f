// Package sniffer implements the device source loop that feeds the ring
// buffer: one read of B bytes per ring block, gap-on-short-read, and
// EBUSY/error retry (spec §4.1).
package sniffer

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/diamondlightsource/fa-archiver/internal/ring"
)

// Device models the external kernel collaborator the sniffer reads from
// (spec §6 "Device file"). A real device file satisfies this with raw
// read/ioctl syscalls; Dummy below satisfies it with a synthetic signal.
type Device interface {
	// Read fills buf completely or returns fewer bytes read with a nil
	// error to report a gap (spec §4.1: "a short read, including zero, is
	// reported as a gap").
	Read(buf []byte) (n int, err error)
	GetVersion() (int, error)
	GetStatus() (linkUp bool, err error)
	GetTimestamp() (time.Time, error)
	Restart() error
	Close() error
}

// ErrBusy is returned by an OpenFunc when the device is already open
// elsewhere (spec §4.1: "handle EBUSY as 'another writer holds the
// device; retry after one second'").
var ErrBusy = errors.New("device busy")

// OpenFunc opens the device file fresh. Exists as a function value rather
// than a fixed constructor so tests can inject Dummy or a failing stub.
type OpenFunc func() (Device, error)

// Source runs the sniffer loop: obtain a free ring slot, issue one read,
// release it, repeat (spec §4.1).
type Source struct {
	log       *zap.SugaredLogger
	ring      *ring.Ring
	open      OpenFunc
	blockSize int
}

// New builds a Source. blockSize is B, the fixed per-read byte count.
func New(log *zap.SugaredLogger, r *ring.Ring, open OpenFunc, blockSize int) *Source {
	return &Source{log: log, ring: r, open: open, blockSize: blockSize}
}

// Run drives the sniffer loop until ctx is cancelled. Cancellation is only
// observed between reads; an in-flight read is not interrupted (spec
// §4.1: "termination is via a cancellation token consulted between
// reads").
func (s *Source) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		dev, err := s.openWithRetry(ctx)
		if err != nil {
			return err
		}
		if dev == nil {
			return nil // ctx cancelled while retrying
		}

		s.readLoop(ctx, dev)
		dev.Close()
	}
}

// openWithRetry retries s.open with a constant 1s backoff until it
// succeeds or ctx is cancelled (spec §4.1: "retry after one second").
func (s *Source) openWithRetry(ctx context.Context) (Device, error) {
	dev, err := backoff.Retry(ctx, func() (Device, error) {
		dev, err := s.open()
		if err != nil {
			if !errors.Is(err, ErrBusy) {
				s.log.Errorw("failed to open device", "error", err)
			}
			return nil, err
		}
		return dev, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(time.Second)), backoff.WithMaxElapsedTime(0))
	if err != nil {
		return nil, nil // ctx cancelled while retrying
	}
	return dev, nil
}

// readLoop issues reads against dev until an error (other than a clean
// short read) forces a reopen, or ctx is cancelled.
func (s *Source) readLoop(ctx context.Context, dev Device) {
	var id0 uint64

	for {
		if ctx.Err() != nil {
			return
		}

		block := s.ring.GetWriteSlot()
		n, err := dev.Read(block.Data[:s.blockSize])
		if err != nil {
			s.log.Errorw("device read error, reopening", "error", err)
			s.ring.ReleaseWriteSlot(true, 0)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			return
		}

		gap := n < s.blockSize
		if gap {
			s.log.Warnw("short read from device", "got", n, "want", s.blockSize)
		}
		s.ring.ReleaseWriteSlot(gap, id0)
		if !gap {
			id0 += uint64(s.blockSize / frameSize())
		}
	}
}

// frameSize avoids an import cycle with internal/frame for this one
// constant; sniffer only needs it to advance the synthetic id0 counter.
func frameSize() int { return 256 * 8 }

// Dummy is a synthetic sinusoidal Device for bench testing without
// hardware. Read fills the whole buffer and returns at once; reads are not
// paced to the sample frequency.
type Dummy struct {
	phase float64
	rate  float64 // radians per frame
}

// NewDummy builds a Dummy oscillating at the given frequency in Hz at the
// given sample frequency.
func NewDummy(signalHz, sampleHz float64) *Dummy {
	return &Dummy{rate: 2 * math.Pi * signalHz / sampleHz}
}

func (d *Dummy) Read(buf []byte) (int, error) {
	const entrySize = 8
	for off := 0; off+entrySize <= len(buf); off += entrySize {
		x := int32(1000 * math.Sin(d.phase))
		y := int32(1000 * math.Cos(d.phase))
		putInt32(buf[off:], x)
		putInt32(buf[off+4:], y)
		if (off+entrySize)%frameSize() == 0 {
			d.phase += d.rate
		}
	}
	return len(buf), nil
}

func (d *Dummy) GetVersion() (int, error)             { return 1, nil }
func (d *Dummy) GetStatus() (bool, error)              { return true, nil }
func (d *Dummy) GetTimestamp() (time.Time, error)      { return time.Now(), nil }
func (d *Dummy) Restart() error                        { return nil }
func (d *Dummy) Close() error                          { return nil }

func putInt32(buf []byte, v int32) {
	u := uint32(v)
	buf[0] = byte(u)
	buf[1] = byte(u >> 8)
	buf[2] = byte(u >> 16)
	buf[3] = byte(u >> 24)
}
