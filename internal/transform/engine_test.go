package transform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/diamondlightsource/fa-archiver/internal/archive"
	"github.com/diamondlightsource/fa-archiver/internal/bitset"
	"github.com/diamondlightsource/fa-archiver/internal/frame"
	"github.com/diamondlightsource/fa-archiver/internal/ring"
)

func newTestEngine(t *testing.T) (*Engine, *ring.Ring, *archive.Archive) {
	t.Helper()

	dir := t.TempDir()
	path := dir + "/test.dat"

	mask := bitset.FromIDs(0, 1, 2)
	p := archive.Params{
		ArchiveMask:      mask,
		FirstDecimation:  2,
		SecondDecimation: 2,
		SampleFrequency:  1000.0,
		MajorSampleCount: 4,
		MajorBlockCount:  2,
	}
	_, err := archive.Prepare(path, p)
	require.NoError(t, err)

	a, err := archive.OpenForWrite(path)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	framesPerRingBlock := 4
	r := ring.New(4, framesPerRingBlock*frame.Size, zap.NewNop().Sugar())

	e := NewEngine(zap.NewNop().Sugar(), r, a, archive.NewInterlock(), framesPerRingBlock)
	return e, r, a
}

func writeFrame(buf []byte, f int, entries map[uint32]frame.Entry) {
	start := f * frame.Size
	for id, entry := range entries {
		frame.PutEntry(buf[start:start+frame.Size], id, entry)
	}
}

func Test_EngineFlushesCompletedMajorBlock(t *testing.T) {
	e, r, a := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	w := r.GetWriteSlot()
	for f := 0; f < 4; f++ {
		entries := map[uint32]frame.Entry{
			0: {X: int32(f), Y: int32(f * 2)},
			1: {X: int32(f + 10), Y: int32(f + 20)},
			2: {X: int32(f + 100), Y: int32(f + 200)},
		}
		writeFrame(w.Data, f, entries)
	}
	r.ReleaseWriteSlot(false, 1000)

	require.Eventually(t, func() bool {
		return a.Header.CurrentMajorBlock == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func Test_EngineGapDiscardsPartialBlock(t *testing.T) {
	e, r, a := newTestEngine(t)
	// Two frames per ring block is less than major_sample_count (4): this
	// block must be fully discarded on the gap, not partially flushed.
	e.framesPerRingBlock = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	w := r.GetWriteSlot()
	writeFrame(w.Data, 0, map[uint32]frame.Entry{0: {X: 1, Y: 2}})
	r.ReleaseWriteSlot(false, 1)

	w = r.GetWriteSlot()
	r.ReleaseWriteSlot(true, 0)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, uint32(0), a.Header.CurrentMajorBlock)

	cancel()
	<-done
}
