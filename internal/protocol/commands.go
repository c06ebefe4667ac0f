// Package protocol implements the line-oriented ASCII command grammar and
// binary response framing of the archiver's socket server (spec §4.6,
// §6).
package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/diamondlightsource/fa-archiver/internal/bitset"
)

// Command is the parsed form of one client request line.
type Command struct {
	Kind CommandKind

	// Subscribe fields.
	SubscribeMask      bitset.Mask
	SubscribePrependTS bool

	// Read fields.
	ReadSource ReadSource
	// ReadSourceMask is the D/DD field selector (bit0=mean, bit1=min,
	// bit2=max, bit3=std), parsed from an optional "F<mask_bits>" suffix on
	// the source field. Defaults to AllFields when the suffix is absent.
	ReadSourceMask  uint32
	ReadMask        bitset.Mask
	ReadStart       time.Time
	ReadCount       uint32
	ReadContiguous  bool
	ReadPrependTS   bool
	ReadPrependGaps bool
}

// CommandKind distinguishes the command families of spec §4.6.
type CommandKind int

const (
	CmdFrequency CommandKind = iota
	CmdShutdown
	CmdFrequencyAndDecimations
	CmdSubscribe
	CmdRead
)

// ReadSource selects which on-disk area a Read command targets.
type ReadSource int

const (
	ReadSourceFA ReadSource = iota
	ReadSourceD
	ReadSourceDD
)

// AllFields selects every D/DD record field (mean, min, max, std); it is
// the default ReadSourceMask when a read command carries no "F<mask_bits>"
// suffix.
const AllFields uint32 = 0xF

// Parse parses one command line (without its trailing LF).
func Parse(line string) (Command, error) {
	if line == "" {
		return Command{}, fmt.Errorf("empty command")
	}

	switch {
	case line == "CF":
		return Command{Kind: CmdFrequency}, nil
	case line == "CQ":
		return Command{Kind: CmdShutdown}, nil
	case line == "CFdD":
		return Command{Kind: CmdFrequencyAndDecimations}, nil
	case strings.HasPrefix(line, "S"):
		return parseSubscribe(line)
	case strings.HasPrefix(line, "R"):
		return parseRead(line)
	default:
		return Command{}, fmt.Errorf("unknown command %q", line)
	}
}

// parseSubscribe parses `S[R<hex>|<ranges>][T]`.
func parseSubscribe(line string) (Command, error) {
	rest := line[1:]

	prependTS := strings.HasSuffix(rest, "T")
	if prependTS {
		rest = rest[:len(rest)-1]
	}

	mask, err := parseMaskField(rest)
	if err != nil {
		return Command{}, fmt.Errorf("invalid subscribe mask: %w", err)
	}

	return Command{Kind: CmdSubscribe, SubscribeMask: mask, SubscribePrependTS: prependTS}, nil
}

// parseRead parses `R<source>M<mask><start>N<n>[C][T][G]`.
func parseRead(line string) (Command, error) {
	rest := line[1:]

	source, sourceMask, rest, err := parseReadSource(rest)
	if err != nil {
		return Command{}, err
	}

	if !strings.HasPrefix(rest, "M") {
		return Command{}, fmt.Errorf("expected 'M' mask field")
	}
	rest = rest[1:]

	maskEnd := strings.IndexAny(rest, "TS")
	if maskEnd < 0 {
		return Command{}, fmt.Errorf("missing start field")
	}
	maskStr, rest := rest[:maskEnd], rest[maskEnd:]
	mask, err := parseMaskField(maskStr)
	if err != nil {
		return Command{}, fmt.Errorf("invalid read mask: %w", err)
	}

	start, rest, err := parseStartField(rest)
	if err != nil {
		return Command{}, err
	}

	if !strings.HasPrefix(rest, "N") {
		return Command{}, fmt.Errorf("expected 'N' sample count field")
	}
	rest = rest[1:]

	nEnd := 0
	for nEnd < len(rest) && rest[nEnd] >= '0' && rest[nEnd] <= '9' {
		nEnd++
	}
	if nEnd == 0 {
		return Command{}, fmt.Errorf("missing sample count")
	}
	n, err := strconv.ParseUint(rest[:nEnd], 10, 32)
	if err != nil {
		return Command{}, fmt.Errorf("invalid sample count: %w", err)
	}
	rest = rest[nEnd:]

	cmd := Command{
		Kind:           CmdRead,
		ReadSource:     source,
		ReadSourceMask: sourceMask,
		ReadMask:       mask,
		ReadStart:      start,
		ReadCount:      uint32(n),
	}

	for _, flag := range rest {
		switch flag {
		case 'C':
			cmd.ReadContiguous = true
		case 'T':
			cmd.ReadPrependTS = true
		case 'G':
			cmd.ReadPrependGaps = true
		default:
			return Command{}, fmt.Errorf("unknown read flag %q", flag)
		}
	}

	return cmd, nil
}

func parseReadSource(rest string) (ReadSource, uint32, string, error) {
	switch {
	case strings.HasPrefix(rest, "DD"):
		rest = rest[2:]
		rest, mask, err := consumeSourceMaskBits(rest)
		return ReadSourceDD, mask, rest, err
	case strings.HasPrefix(rest, "D"):
		rest = rest[1:]
		rest, mask, err := consumeSourceMaskBits(rest)
		return ReadSourceD, mask, rest, err
	case strings.HasPrefix(rest, "F"):
		return ReadSourceFA, AllFields, rest[1:], nil
	default:
		return 0, AllFields, rest, fmt.Errorf("unknown read source")
	}
}

// consumeSourceMaskBits consumes an optional "F<mask_bits>" field
// selecting which decimated fields (mean/min/max/std) to include. Absent
// the suffix, every field is selected.
func consumeSourceMaskBits(rest string) (string, uint32, error) {
	if !strings.HasPrefix(rest, "F") {
		return rest, AllFields, nil
	}
	rest = rest[1:]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return rest, 0, fmt.Errorf("missing field-selector mask bits")
	}
	v, err := strconv.ParseUint(rest[:end], 10, 32)
	if err != nil {
		return rest, 0, err
	}
	if v > 15 {
		return rest, 0, fmt.Errorf("field-selector mask bits %d out of range [0, 15]", v)
	}
	return rest[end:], uint32(v), nil
}

func parseMaskField(s string) (bitset.Mask, error) {
	if strings.HasPrefix(s, "R") {
		return bitset.ParseHex(s[1:])
	}
	return bitset.ParseRanges(s)
}

func parseStartField(rest string) (time.Time, string, error) {
	switch {
	case strings.HasPrefix(rest, "T"):
		rest = rest[1:]
		end := 0
		for end < len(rest) && rest[end] != 'N' {
			end++
		}
		ts, err := time.Parse(time.RFC3339Nano, rest[:end])
		if err != nil {
			return time.Time{}, rest, fmt.Errorf("invalid iso timestamp: %w", err)
		}
		return ts, rest[end:], nil
	case strings.HasPrefix(rest, "S"):
		rest = rest[1:]
		end := 0
		for end < len(rest) && rest[end] != 'N' {
			end++
		}
		secs, err := strconv.ParseFloat(rest[:end], 64)
		if err != nil {
			return time.Time{}, rest, fmt.Errorf("invalid unix seconds: %w", err)
		}
		return time.UnixMicro(int64(secs * 1e6)), rest[end:], nil
	default:
		return time.Time{}, rest, fmt.Errorf("expected 'T' or 'S' start field")
	}
}
