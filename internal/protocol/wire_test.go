package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_WriteSuccessWritesSingleNUL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSuccess(&buf))
	require.Equal(t, []byte{0}, buf.Bytes())
}

func Test_WriteErrorHasNoNULPrefix(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteError(&buf, errors.New("bad mask")))
	require.Equal(t, "bad mask\n", buf.String())
}

func Test_WriteGapListEncodesCountPlusOneTuples(t *testing.T) {
	var buf bytes.Buffer
	runs := []GapTuple{
		{DataIndex: 0, ID0: 10, TimestampUS: 100},
		{DataIndex: 500, ID0: 20, TimestampUS: 200},
	}
	require.NoError(t, WriteGapList(&buf, runs))

	count := binary.LittleEndian.Uint32(buf.Bytes()[:4])
	require.Equal(t, uint32(1), count)
	require.Equal(t, 4+2*16, buf.Len())
}

func Test_WriteGapListRejectsEmptyRuns(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, WriteGapList(&buf, nil))
}

func Test_ReadAckPassesThroughSuccess(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSuccess(&buf))
	require.NoError(t, ReadAck(bufio.NewReader(&buf)))
}

func Test_ReadAckSurfacesErrorLine(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteError(&buf, errors.New("bad mask")))
	err := ReadAck(bufio.NewReader(&buf))
	require.ErrorContains(t, err, "bad mask")
}

func Test_ReadGapListRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	runs := []GapTuple{
		{DataIndex: 0, ID0: 10, TimestampUS: 100},
		{DataIndex: 500, ID0: 20, TimestampUS: 200},
	}
	require.NoError(t, WriteGapList(&buf, runs))

	got, err := ReadGapList(&buf)
	require.NoError(t, err)
	require.Equal(t, runs, got)
}
