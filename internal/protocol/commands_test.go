package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/diamondlightsource/fa-archiver/internal/bitset"
)

func Test_ParseSimpleCommands(t *testing.T) {
	cmd, err := Parse("CF")
	require.NoError(t, err)
	require.Equal(t, CmdFrequency, cmd.Kind)

	cmd, err = Parse("CQ")
	require.NoError(t, err)
	require.Equal(t, CmdShutdown, cmd.Kind)

	cmd, err = Parse("CFdD")
	require.NoError(t, err)
	require.Equal(t, CmdFrequencyAndDecimations, cmd.Kind)
}

func Test_ParseSubscribeRanges(t *testing.T) {
	cmd, err := Parse("S0-3,10")
	require.NoError(t, err)
	require.Equal(t, CmdSubscribe, cmd.Kind)
	require.False(t, cmd.SubscribePrependTS)

	want := bitset.FromIDs(0, 1, 2, 3, 10)
	require.Equal(t, want, cmd.SubscribeMask)
}

func Test_ParseSubscribeHexWithTimestamp(t *testing.T) {
	mask := bitset.FromIDs(5)
	cmd, err := Parse("SR" + mask.FormatHex() + "T")
	require.NoError(t, err)
	require.True(t, cmd.SubscribePrependTS)
	require.Equal(t, mask, cmd.SubscribeMask)
}

func Test_ParseReadFullGrammar(t *testing.T) {
	line := "RFMR" + bitset.FromIDs(0, 1).FormatHex() + "T2010-01-01T00:00:00ZN1000CTG"
	cmd, err := Parse(line)
	require.NoError(t, err)

	require.Equal(t, CmdRead, cmd.Kind)
	require.Equal(t, ReadSourceFA, cmd.ReadSource)
	require.Equal(t, uint32(1000), cmd.ReadCount)
	require.True(t, cmd.ReadContiguous)
	require.True(t, cmd.ReadPrependTS)
	require.True(t, cmd.ReadPrependGaps)
	require.Equal(t, 2010, cmd.ReadStart.Year())
}

func Test_ParseReadUnixSecondsStart(t *testing.T) {
	line := "RFMR" + bitset.New().FormatHex() + "S1700000000.5N10"
	cmd, err := Parse(line)
	require.NoError(t, err)
	require.Equal(t, int64(1700000000), cmd.ReadStart.Unix())
}

func Test_ParseReadDSource(t *testing.T) {
	line := "RDF3MR" + bitset.FromIDs(0).FormatHex() + "S0N5"
	cmd, err := Parse(line)
	require.NoError(t, err)
	require.Equal(t, ReadSourceD, cmd.ReadSource)
	require.Equal(t, uint32(3), cmd.ReadSourceMask)
}

func Test_ParseReadDSourceDefaultsToAllFields(t *testing.T) {
	line := "RDMR" + bitset.FromIDs(0).FormatHex() + "S0N5"
	cmd, err := Parse(line)
	require.NoError(t, err)
	require.Equal(t, ReadSourceD, cmd.ReadSource)
	require.Equal(t, AllFields, cmd.ReadSourceMask)
}

func Test_ParseReadDDSourceFieldMask(t *testing.T) {
	line := "RDDF9MR" + bitset.FromIDs(0).FormatHex() + "S0N5"
	cmd, err := Parse(line)
	require.NoError(t, err)
	require.Equal(t, ReadSourceDD, cmd.ReadSource)
	require.Equal(t, uint32(9), cmd.ReadSourceMask)
}

func Test_ParseRejectsUnknownCommand(t *testing.T) {
	_, err := Parse("X")
	require.Error(t, err)
}

func Test_ParseRejectsEmptyLine(t *testing.T) {
	_, err := Parse("")
	require.Error(t, err)
}
