// Command fa-prepare creates and initialises a new archive file: it
// derives and validates the on-disk header layout from the requested
// parameters, then writes the header and zeroes the index and
// double-decimated areas (spec §6).
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"github.com/diamondlightsource/fa-archiver/internal/archive"
	"github.com/diamondlightsource/fa-archiver/internal/bitset"
)

var flags struct {
	archivePath      string
	mask             string
	firstDecimation  uint32
	secondDecimation uint32
	sampleFrequency  float64
	majorSampleCount uint32
	majorBlockCount  uint32
	maxFileSize      byteSizeFlag
}

// byteSizeFlag adapts datasize.ByteSize to pflag.Value so --max-file-size
// accepts human-readable sizes like "4GB".
type byteSizeFlag struct {
	datasize.ByteSize
}

func (f *byteSizeFlag) Set(s string) error { return f.ByteSize.UnmarshalText([]byte(s)) }
func (f *byteSizeFlag) Type() string       { return "size" }

var rootCmd = &cobra.Command{
	Use:   "fa-prepare",
	Short: "Initialise a new fast acquisition archive file",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run()
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flags.archivePath, "archive", "a", "", "Path to the archive file to create (required)")
	f.StringVarP(&flags.mask, "mask", "m", "", "BPM selection mask: hex R<64 hex digits> or decimal ranges (required)")
	f.Uint32Var(&flags.firstDecimation, "first-decimation", 64, "Samples averaged into one level-1 record")
	f.Uint32Var(&flags.secondDecimation, "second-decimation", 64, "Level-1 records averaged into one level-2 record")
	f.Float64Var(&flags.sampleFrequency, "sample-frequency", 10072.0, "Raw sample rate in Hz")
	f.Uint32Var(&flags.majorSampleCount, "major-sample-count", 64*64*32, "Raw samples per major block")
	f.Uint32Var(&flags.majorBlockCount, "major-block-count", 256, "Number of major blocks in the archive")
	f.Var(&flags.maxFileSize, "max-file-size", "Refuse to create an archive larger than this (e.g. 4GB); unset means no limit")
	rootCmd.MarkFlagRequired("archive")
	rootCmd.MarkFlagRequired("mask")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func run() error {
	mask, err := parseMask(flags.mask)
	if err != nil {
		return &badArgumentError{fmt.Errorf("bad mask argument: %w", err)}
	}

	params := archive.Params{
		ArchiveMask:      mask,
		FirstDecimation:  flags.firstDecimation,
		SecondDecimation: flags.secondDecimation,
		SampleFrequency:  flags.sampleFrequency,
		MajorSampleCount: flags.majorSampleCount,
		MajorBlockCount:  flags.majorBlockCount,
	}

	h, err := archive.Derive(params)
	if err != nil {
		return &badArgumentError{fmt.Errorf("bad archive parameters: %w", err)}
	}
	if flags.maxFileSize.Bytes() > 0 && h.FileSize() > uint64(flags.maxFileSize.Bytes()) {
		return &badArgumentError{fmt.Errorf("derived archive size %s exceeds --max-file-size %s",
			datasize.ByteSize(h.FileSize()).String(), flags.maxFileSize.String())}
	}

	h, err = archive.Prepare(flags.archivePath, params)
	if err != nil {
		return fmt.Errorf("failed to prepare archive: %w", err)
	}

	fmt.Printf("archive %s ready: %d bpms, %d bytes per major block, %d major blocks (%d bytes total)\n",
		flags.archivePath, h.ArchiveMaskCount, h.MajorBlockSize, h.MajorBlockCount, h.FileSize())
	return nil
}

func parseMask(s string) (bitset.Mask, error) {
	if len(s) > 0 && (s[0] == 'R' || s[0] == 'r') {
		return bitset.ParseHex(s[1:])
	}
	return bitset.ParseRanges(s)
}

// exitCode maps a failure to spec §6's process exit codes: 1 for bad
// arguments, 2 for any other runtime failure.
func exitCode(err error) int {
	var bad *badArgumentError
	if errors.As(err, &bad) {
		return 1
	}
	return 2
}

type badArgumentError struct{ error }
