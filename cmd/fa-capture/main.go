// Command fa-capture is the archiver's client: it issues a subscribe or
// historical read command against a running fa-archiver and writes the
// resulting samples to a file or stdout, optionally as a MAT-file (spec
// §6 CLI).
package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/diamondlightsource/fa-archiver/internal/bitset"
	"github.com/diamondlightsource/fa-archiver/internal/bpmmap"
	"github.com/diamondlightsource/fa-archiver/internal/matlab"
	"github.com/diamondlightsource/fa-archiver/internal/protocol"
)

var flags struct {
	server     string
	mask       string
	start      string
	count      uint32
	contiguous bool
	prependTS  bool
	matlabOut  bool
	output     string
	namesPath  string
	progress   bool
}

var rootCmd = &cobra.Command{
	Use:   "fa-capture",
	Short: "Capture live or historical BPM samples from a fast acquisition archiver",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run()
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flags.server, "server", "s", "localhost:8888", "Archiver address host:port")
	f.StringVarP(&flags.mask, "mask", "m", "", "BPM selection mask: hex R<64 hex digits> or decimal ranges (required)")
	f.StringVarP(&flags.start, "start", "t", "", "Historical read start, RFC3339 timestamp (omit for live subscribe)")
	f.Uint32VarP(&flags.count, "count", "n", 0, "Number of samples for a historical read")
	f.BoolVar(&flags.contiguous, "contiguous", false, "Require the requested range to be gap-free")
	f.BoolVar(&flags.prependTS, "timestamp", true, "Request the leading timestamp prelude")
	f.BoolVar(&flags.matlabOut, "matlab", false, "Write historical-read output as a MAT-file instead of raw binary (live subscribe always writes raw)")
	f.StringVarP(&flags.output, "output", "o", "", "Output file path (default stdout)")
	f.StringVar(&flags.namesPath, "names", "", "Optional BPM id to name map (hujson)")
	f.BoolVar(&flags.progress, "progress", false, "Print a running byte rate to stderr once a second")
	rootCmd.MarkFlagRequired("mask")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(2)
	}
}

func run() error {
	mask, err := parseMask(flags.mask)
	if err != nil {
		return fmt.Errorf("bad mask argument: %w", err)
	}

	var names bpmmap.Map
	if flags.namesPath != "" {
		names, err = bpmmap.Load(flags.namesPath)
		if err != nil {
			return fmt.Errorf("failed to load bpm names: %w", err)
		}
	}

	conn, err := net.Dial("tcp", flags.server)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", flags.server, err)
	}
	defer conn.Close()

	out := os.Stdout
	if flags.output != "" {
		f, err := os.Create(flags.output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", flags.output, err)
		}
		defer f.Close()
		out = f
	}

	if flags.start == "" {
		return runSubscribe(conn, out, mask, names)
	}
	return runRead(conn, out, mask, names)
}

func parseMask(s string) (bitset.Mask, error) {
	if len(s) > 0 && (s[0] == 'R' || s[0] == 'r') {
		return bitset.ParseHex(s[1:])
	}
	return bitset.ParseRanges(s)
}

func runSubscribe(conn net.Conn, out *os.File, mask bitset.Mask, names bpmmap.Map) error {
	line := "SR" + mask.FormatHex()
	if flags.prependTS {
		line += "T"
	}
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return err
	}

	r := bufio.NewReader(conn)
	if err := protocol.ReadAck(r); err != nil {
		return fmt.Errorf("server rejected subscribe: %w", err)
	}

	if flags.prependTS {
		ts, err := protocol.ReadTimestamp(r)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "first sample at %s\n", time.UnixMicro(int64(ts)).UTC())
	}

	logNames(mask, names)

	w := withProgress(out)
	defer w.stop()

	_, err := io.Copy(w, r)
	if err == io.EOF {
		return nil
	}
	return err
}

func runRead(conn net.Conn, out *os.File, mask bitset.Mask, names bpmmap.Map) error {
	start, err := time.Parse(time.RFC3339Nano, flags.start)
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}

	var b strings.Builder
	b.WriteString("RF")
	b.WriteString("M")
	b.WriteString("R" + mask.FormatHex())
	b.WriteString("T")
	b.WriteString(start.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "N%d", flags.count)
	if flags.contiguous {
		b.WriteString("C")
	}
	if flags.prependTS {
		b.WriteString("T")
	}

	if _, err := fmt.Fprintf(conn, "%s\n", b.String()); err != nil {
		return err
	}

	r := bufio.NewReader(conn)
	if err := protocol.ReadAck(r); err != nil {
		return fmt.Errorf("server rejected read: %w", err)
	}

	var startTS uint64
	if flags.prependTS {
		startTS, err = protocol.ReadTimestamp(r)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "first sample at %s\n", time.UnixMicro(int64(startTS)).UTC())
	}

	logNames(mask, names)

	if !flags.matlabOut {
		w := withProgress(out)
		defer w.stop()

		_, err := io.Copy(w, r)
		if err == io.EOF {
			return nil
		}
		return err
	}

	return writeMatlab(r, out, mask, flags.count, time.UnixMicro(int64(startTS)))
}

// writeMatlab reads raw (frame, bpm) X/Y rows off r and writes them as a
// rows x (2*nBPM) double matrix (spec §6 CLI, §8 scenario 6).
func writeMatlab(r io.Reader, out *os.File, mask bitset.Mask, count uint32, start time.Time) error {
	ids := mask.AsSlice()
	nBPM := len(ids)
	cols := 2 * nBPM

	row := make([]byte, nBPM*8)
	data := make([]float64, int(count)*cols)

	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, row); err != nil {
			return fmt.Errorf("short read at sample %d: %w", i, err)
		}
		for b := 0; b < nBPM; b++ {
			x := int32(binary.LittleEndian.Uint32(row[b*8:]))
			y := int32(binary.LittleEndian.Uint32(row[b*8+4:]))
			data[(2*b)*int(count)+int(i)] = float64(x)
			data[(2*b+1)*int(count)+int(i)] = float64(y)
		}
	}

	return matlab.Write(out, data, int(count), cols, start)
}

// progressWriter counts bytes written and, when enabled, reports a
// running rate to stderr once a second (§A.4 supplemented feature:
// fa-capture progress reporting).
type progressWriter struct {
	w       io.Writer
	n       atomic.Int64
	done    chan struct{}
	started time.Time
}

func withProgress(w io.Writer) *progressWriter {
	p := &progressWriter{w: w, done: make(chan struct{}), started: time.Now()}
	if flags.progress {
		go p.report()
	}
	return p
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.n.Add(int64(n))
	return n, err
}

func (p *progressWriter) report() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			elapsed := time.Since(p.started).Seconds()
			total := p.n.Load()
			fmt.Fprintf(os.Stderr, "%d bytes (%.0f bytes/s)\n", total, float64(total)/elapsed)
		}
	}
}

func (p *progressWriter) stop() {
	if flags.progress {
		close(p.done)
	}
}

func logNames(mask bitset.Mask, names bpmmap.Map) {
	if names == nil {
		return
	}
	for _, id := range mask.AsSlice() {
		fmt.Fprintf(os.Stderr, "bpm %d: %s\n", id, names.Name(id))
	}
}
