package telemetry

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct{}

func (fakeSource) FrameRateHz() float64      { return 10072.0 }
func (fakeSource) GapCount() uint64          { return 3 }
func (fakeSource) ReaderLag() uint64         { return 1 }
func (fakeSource) CurrentMajorBlock() uint32 { return 7 }

func Test_PublisherWritesSnapshotFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/status.json"

	p := NewPublisher(zap.NewNop().Sugar(), fakeSource{}, path, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Equal(t, 10072.0, snap.FrameRateHz)
	require.Equal(t, uint32(7), snap.CurrentBlock)
}
