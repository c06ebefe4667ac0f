package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// GapTuple is one entry of the gap list prepended when a Read command sets
// the `G` flag: the data index at which the gap starts, plus the id0 and
// timestamp of the block it leads into (spec §4.6).
type GapTuple struct {
	DataIndex   uint32
	ID0         uint32
	TimestampUS uint64
}

// WriteSuccess writes the single NUL byte that opens every accepted
// response (spec §4.6: "one NUL byte on acceptance").
func WriteSuccess(w io.Writer) error {
	_, err := w.Write([]byte{0})
	return err
}

// WriteError writes a NUL-free UTF-8 error line terminated by LF (spec
// §4.6: "on rejection, a UTF-8 error message terminated by LF (no NUL
// prefix)").
func WriteError(w io.Writer, err error) error {
	_, writeErr := fmt.Fprintf(w, "%s\n", err.Error())
	return writeErr
}

// WriteTimestamp writes the 8-byte little-endian microsecond timestamp
// prelude used by both subscribe (`T`) and read (`T`) responses.
func WriteTimestamp(w io.Writer, tsUS uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], tsUS)
	_, err := w.Write(buf[:])
	return err
}

// WriteGapList writes the `G`-flag prelude: a u32 count of discontinuities
// followed by count+1 tuples, one per contiguous run the read spans (spec
// §4.6, DESIGN.md Open Questions decision #2). runs must have at least one
// element, describing the leading run even when there are zero gaps.
func WriteGapList(w io.Writer, runs []GapTuple) error {
	if len(runs) == 0 {
		return fmt.Errorf("gap list must describe at least the leading run")
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(runs)-1))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	for _, g := range runs {
		var buf [16]byte
		binary.LittleEndian.PutUint32(buf[0:], g.DataIndex)
		binary.LittleEndian.PutUint32(buf[4:], g.ID0)
		binary.LittleEndian.PutUint64(buf[8:], g.TimestampUS)
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}

	return nil
}

// ReadAck reads the one-byte acceptance marker a client expects after
// issuing a command: a NUL byte on success, or a LF-terminated error
// line on rejection (spec §4.6).
func ReadAck(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b == 0 {
		return nil
	}
	rest, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return err
	}
	rest = strings.TrimSuffix(rest, "\n")
	return fmt.Errorf("%s%s", string(b), rest)
}

// ReadTimestamp reads the 8-byte little-endian microsecond timestamp
// prelude written by WriteTimestamp.
func ReadTimestamp(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadGapList reads the gap list prelude written by WriteGapList.
func ReadGapList(r io.Reader) ([]GapTuple, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(header[:]) + 1

	runs := make([]GapTuple, count)
	for i := range runs {
		var buf [16]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		runs[i] = GapTuple{
			DataIndex:   binary.LittleEndian.Uint32(buf[0:]),
			ID0:         binary.LittleEndian.Uint32(buf[4:]),
			TimestampUS: binary.LittleEndian.Uint64(buf[8:]),
		}
	}

	return runs, nil
}
