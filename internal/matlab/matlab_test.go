package matlab

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_WriteProducesNonEmptyMatFile(t *testing.T) {
	var buf bytes.Buffer
	data := []float64{1, 2, 3, 4, 5, 6}
	err := Write(&buf, data, 2, 3, time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.Greater(t, buf.Len(), 128)
	require.Equal(t, "MATLAB 5.0 MAT-file", string(buf.Bytes()[:19]))
}

func Test_WriteRejectsMismatchedDimensions(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, []float64{1, 2, 3}, 2, 2, time.Now())
	require.Error(t, err)
}
