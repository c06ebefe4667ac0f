package frame

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamondlightsource/fa-archiver/internal/bitset"
)

func randomFrame(t *testing.T, seed int64) []byte {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	buf := make([]byte, Size)
	for id := uint32(0); id < EntryCount; id++ {
		PutEntry(buf, id, Entry{X: r.Int31(), Y: r.Int31()})
	}
	return buf
}

func Test_FilterUnfilterRoundTrip(t *testing.T) {
	masks := []bitset.Mask{
		bitset.FromIDs(5),
		bitset.FromIDs(0, 1, 2),
		bitset.FromIDs(0, 255),
	}

	for _, mask := range masks {
		buf := randomFrame(t, 1)

		filtered := Filter(buf, &mask)
		require.Len(t, filtered, int(mask.Count())*EntrySize)

		got := Unfilter(filtered, &mask)
		require.Len(t, got, Size)

		for id := uint32(0); id < EntryCount; id++ {
			want := Entry{}
			if mask.Test(id) {
				want = Decode(buf, id)
			}
			assert.Equal(t, want, Decode(got, id), "bpm id %d", id)
		}
	}
}

func Test_FilterEmptyMask(t *testing.T) {
	buf := randomFrame(t, 2)
	mask := bitset.New()

	filtered := Filter(buf, &mask)
	assert.Empty(t, filtered)
}

func Test_FilterFullMask(t *testing.T) {
	buf := randomFrame(t, 3)

	var mask bitset.Mask
	for id := uint32(0); id < EntryCount; id++ {
		mask.Insert(id)
	}

	filtered := Filter(buf, &mask)
	require.Len(t, filtered, Size)
	assert.Equal(t, buf, filtered)
}
