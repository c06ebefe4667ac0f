package ring

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillBlock(b *Block, v byte) {
	for i := range b.Data {
		b.Data[i] = v
	}
}

func Test_ProducerConsumerOrder(t *testing.T) {
	r := New(16, 8, nil)
	reader := r.OpenReader(false)
	defer reader.Close()

	for i := 0; i < 10; i++ {
		b := r.GetWriteSlot()
		fillBlock(b, byte(i))
		r.ReleaseWriteSlot(false, uint64(i))
	}

	for i := 0; i < 10; i++ {
		res := r.GetReadSlot(reader)
		require.False(t, res.Stopped)
		require.False(t, res.Underflow)
		assert.Equal(t, byte(i), res.Data[0])
		assert.Equal(t, uint64(i), res.ID0)
	}
}

func Test_GapCoalescing(t *testing.T) {
	r := New(4, 8, nil)
	reader := r.OpenReader(false)
	defer reader.Close()

	b := r.GetWriteSlot()
	fillBlock(b, 1)
	r.ReleaseWriteSlot(false, 0)

	// Three consecutive gap releases with no valid block between: only one
	// gap event should be observable.
	for i := 0; i < 3; i++ {
		_ = r.GetWriteSlot()
		r.ReleaseWriteSlot(true, 0)
	}

	b = r.GetWriteSlot()
	fillBlock(b, 2)
	r.ReleaseWriteSlot(false, 1)

	res := r.GetReadSlot(reader)
	require.False(t, res.Gap)
	assert.Equal(t, byte(1), res.Data[0])

	res = r.GetReadSlot(reader)
	require.True(t, res.Gap)

	res = r.GetReadSlot(reader)
	require.False(t, res.Gap)
	assert.Equal(t, byte(2), res.Data[0])
}

func Test_UnreservedReaderUnderflowsAndResyncs(t *testing.T) {
	r := New(4, 8, nil)
	reader := r.OpenReader(false)
	defer reader.Close()

	// Overrun the reader by writing more blocks than capacity.
	for i := 0; i < 10; i++ {
		b := r.GetWriteSlot()
		fillBlock(b, byte(i))
		r.ReleaseWriteSlot(false, uint64(i))
	}

	res := r.GetReadSlot(reader)
	require.True(t, res.Underflow)

	// The very next read must succeed again (resynced), not underflow
	// forever.
	more := r.GetWriteSlot()
	fillBlock(more, 99)
	r.ReleaseWriteSlot(false, 99)

	res = r.GetReadSlot(reader)
	require.False(t, res.Underflow)
	assert.Equal(t, byte(99), res.Data[0])
}

func Test_ReservedReaderNeverUnderflows(t *testing.T) {
	r := New(3, 8, nil)
	reader := r.OpenReader(true)
	defer reader.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			b := r.GetWriteSlot()
			fillBlock(b, byte(i))
			r.ReleaseWriteSlot(false, uint64(i))
		}
	}()

	for i := 0; i < 20; i++ {
		res := r.GetReadSlot(reader)
		require.False(t, res.Underflow, "reserved reader must never underflow")
		assert.Equal(t, byte(i), res.Data[0])
		ok := r.ReleaseReadSlot(reader)
		assert.True(t, ok)
	}

	wg.Wait()
}

func Test_ReservedReaderThrottlesProducer(t *testing.T) {
	r := New(3, 8, nil)
	reader := r.OpenReader(true)
	defer reader.Close()

	// Fill the ring exactly to capacity: the producer must not be able to
	// get a 4th write slot until the reserved reader consumes one.
	for i := 0; i < 3; i++ {
		b := r.GetWriteSlot()
		fillBlock(b, byte(i))
		r.ReleaseWriteSlot(false, uint64(i))
	}

	done := make(chan struct{})
	go func() {
		r.GetWriteSlot()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("producer should be blocked by the reserved reader")
	case <-time.After(50 * time.Millisecond):
	}

	// Draining one slot must unblock the producer.
	r.GetReadSlot(reader)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer should have been unblocked")
	}
}

func Test_CloseReaderWakesProducer(t *testing.T) {
	r := New(3, 8, nil)
	reader := r.OpenReader(true)

	for i := 0; i < 3; i++ {
		b := r.GetWriteSlot()
		fillBlock(b, byte(i))
		r.ReleaseWriteSlot(false, uint64(i))
	}

	done := make(chan struct{})
	go func() {
		r.GetWriteSlot()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	reader.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("closing the reserved reader should unblock the producer")
	}
}

func Test_GetReadSlotReturnsStoppedAfterClose(t *testing.T) {
	r := New(3, 8, nil)
	reader := r.OpenReader(false)
	reader.Close()

	res := r.GetReadSlot(reader)
	assert.True(t, res.Stopped)
}
