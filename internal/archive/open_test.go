package archive

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_OpenForWriteRejectsSecondWriter(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/test.dat"

	_, err := Prepare(path, testParams())
	require.NoError(t, err)

	a, err := OpenForWrite(path)
	require.NoError(t, err)
	defer a.Close()

	_, err = OpenForWrite(path)
	require.Error(t, err)
}

func Test_OpenReadOnlyCoexistsWithWriter(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/test.dat"

	_, err := Prepare(path, testParams())
	require.NoError(t, err)

	w, err := OpenForWrite(path)
	require.NoError(t, err)
	defer w.Close()

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, w.Header.ArchiveMaskCount, r.Header.ArchiveMaskCount)
}

func Test_PersistHeaderRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/test.dat"

	_, err := Prepare(path, testParams())
	require.NoError(t, err)

	a, err := OpenForWrite(path)
	require.NoError(t, err)

	a.Header.CurrentMajorBlock = 5
	require.NoError(t, a.PersistHeader())
	require.NoError(t, a.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, uint32(5), reopened.Header.CurrentMajorBlock)
}
