// Package matlab writes a minimal MAT-file v5 container holding the
// `data` and `timestamp` variables fa-capture's matlab output mode
// produces (spec §6 CLI, §8 scenario 6).
package matlab

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

const (
	miINT32  = 5
	miDOUBLE = 9

	mxDOUBLE_CLASS = 6
)

// Write emits a level-5 MAT-file to w containing two variables:
//   - data: a rows x cols double matrix, column-major (MATLAB native order),
//     one row per sample and one column per (bpm, field) the caller selected.
//   - timestamp: a 1x1 double, the Unix timestamp in seconds of the first
//     sample.
func Write(w io.Writer, data []float64, rows, cols int, start time.Time) error {
	if rows*cols != len(data) {
		return fmt.Errorf("data has %d elements, want rows*cols=%d", len(data), rows*cols)
	}

	if err := writeHeader(w); err != nil {
		return err
	}
	if err := writeMatrix(w, "data", data, rows, cols); err != nil {
		return err
	}
	ts := float64(start.UnixNano()) / 1e9
	if err := writeMatrix(w, "timestamp", []float64{ts}, 1, 1); err != nil {
		return err
	}
	return nil
}

func writeHeader(w io.Writer) error {
	var buf [128]byte
	copy(buf[:], "MATLAB 5.0 MAT-file")
	binary.LittleEndian.PutUint16(buf[126:], 0x4D49) // 'M','I' version/endian marker
	binary.LittleEndian.PutUint16(buf[124:], 0x0100)
	_, err := w.Write(buf[:])
	return err
}

// writeMatrix writes one miMATRIX element: array flags, dimensions, name,
// and real double data, each subelement padded to an 8-byte boundary as
// the MAT5 format requires.
func writeMatrix(w io.Writer, name string, data []float64, rows, cols int) error {
	var body []byte

	body = appendTag(body, 6 /* miUINT32 for array flags */, 8)
	body = appendUint32(body, mxDOUBLE_CLASS)
	body = appendUint32(body, 0)

	body = appendTag(body, miINT32, 8)
	body = appendUint32(body, uint32(rows))
	body = appendUint32(body, uint32(cols))

	nameBytes := []byte(name)
	body = appendTag(body, 1 /* miINT8 */, uint32(len(nameBytes)))
	body = append(body, nameBytes...)
	body = pad8(body)

	body = appendTag(body, miDOUBLE, uint32(len(data)*8))
	for _, v := range data {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
		body = append(body, b[:]...)
	}

	var out []byte
	out = appendTag(out, 14 /* miMATRIX */, uint32(len(body)))
	out = append(out, body...)

	_, err := w.Write(out)
	return err
}

func appendTag(buf []byte, dataType, size uint32) []byte {
	var t [8]byte
	binary.LittleEndian.PutUint32(t[0:], dataType)
	binary.LittleEndian.PutUint32(t[4:], size)
	return append(buf, t[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func pad8(buf []byte) []byte {
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	return buf
}
