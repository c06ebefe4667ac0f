package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/diamondlightsource/fa-archiver/internal/frame"
	"github.com/diamondlightsource/fa-archiver/internal/protocol"
	"github.com/diamondlightsource/fa-archiver/internal/timeindex"
)

// handleConn services exactly one command line on conn, per spec §4.6's
// one-command-per-connection protocol, then closes the connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	line = strings.TrimRight(line, "\n")

	cmd, err := protocol.Parse(line)
	if err != nil {
		protocol.WriteError(conn, err)
		return
	}

	switch cmd.Kind {
	case protocol.CmdFrequency:
		fmt.Fprintf(conn, "%g\n", s.frameRate())
	case protocol.CmdFrequencyAndDecimations:
		h := s.archive.Header
		fmt.Fprintf(conn, "%g\n%d\n%d\n", s.frameRate(), h.FirstDecimation, h.SecondDecimation)
	case protocol.CmdShutdown:
		s.shutdown()
	case protocol.CmdSubscribe:
		s.serveSubscribe(ctx, conn, cmd)
	case protocol.CmdRead:
		s.serveRead(conn, cmd)
	default:
		protocol.WriteError(conn, fmt.Errorf("unhandled command"))
	}
}

// serveSubscribe streams filtered live frames until the client disconnects
// or the reader underruns (spec §4.6).
func (s *Server) serveSubscribe(ctx context.Context, conn net.Conn, cmd protocol.Command) {
	if !s.archive.Header.ArchiveMask.Superset(&cmd.SubscribeMask) {
		protocol.WriteError(conn, fmt.Errorf("mask selects a bpm not in the archive mask"))
		return
	}

	reader := s.ring.OpenReader(false)
	defer reader.Close()

	if err := protocol.WriteSuccess(conn); err != nil {
		return
	}

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res := s.ring.GetReadSlot(reader)
		if res.Stopped {
			return
		}
		if res.Underflow {
			protocol.WriteError(conn, fmt.Errorf("subscriber underrun"))
			return
		}
		if res.Gap {
			continue
		}

		if first && cmd.SubscribePrependTS {
			if err := protocol.WriteTimestamp(conn, uint64(res.Timestamp.UnixMicro())); err != nil {
				return
			}
		}
		first = false

		nFrames := len(res.Data) / frame.Size
		for f := 0; f < nFrames; f++ {
			filtered := frame.Filter(res.Data[f*frame.Size:(f+1)*frame.Size], &cmd.SubscribeMask)
			if _, err := conn.Write(filtered); err != nil {
				s.ring.ReleaseReadSlot(reader)
				return
			}
		}

		if !s.ring.ReleaseReadSlot(reader) {
			protocol.WriteError(conn, fmt.Errorf("subscriber underrun"))
			return
		}
	}
}

// serveRead dispatches a historical read against the archive (spec §4.6,
// §4.7). The contiguity check (`C` flag) runs before any data is sent.
func (s *Server) serveRead(conn net.Conn, cmd protocol.Command) {
	reader, ar, err := s.newDiskReader()
	if err != nil {
		protocol.WriteError(conn, err)
		return
	}
	defer ar.Close()

	lookup, err := timeindex.TimestampToIndex(&ar.Header, ar.Index, uint64(cmd.ReadStart.UnixMicro()))
	if err != nil {
		protocol.WriteError(conn, err)
		return
	}
	if uint64(cmd.ReadCount) > lookup.SamplesToArchiveEnd {
		protocol.WriteError(conn, fmt.Errorf("requested sample count exceeds archive extent"))
		return
	}

	if cmd.ReadContiguous {
		blocksNeeded := (cmd.ReadCount + lookup.SampleOffset + ar.Header.MajorSampleCount - 1) / ar.Header.MajorSampleCount
		res := timeindex.CheckContiguous(&ar.Header, ar.Index, lookup.MajorBlock, blocksNeeded)
		if !res.Complete {
			protocol.WriteError(conn, fmt.Errorf("non-contiguous run starting at major block %d", lookup.MajorBlock))
			return
		}
	}

	if err := protocol.WriteSuccess(conn); err != nil {
		return
	}
	if cmd.ReadPrependTS {
		ts := uint64(0)
		if e := ar.Index.Get(lookup.MajorBlock); e != nil {
			ts = timeindex.SampleTimestamp(&ar.Header, e, lookup.SampleOffset)
		}
		if err := protocol.WriteTimestamp(conn, ts); err != nil {
			return
		}
	}
	if cmd.ReadPrependGaps {
		runs, runErr := timeindex.Runs(&ar.Header, ar.Index, lookup.MajorBlock, lookup.SampleOffset, cmd.ReadCount)
		if runErr != nil {
			s.log.Warnw("failed to assemble gap list", "error", runErr)
			return
		}
		tuples := make([]protocol.GapTuple, len(runs))
		for i, run := range runs {
			tuples[i] = protocol.GapTuple{DataIndex: run.DataIndex, ID0: run.ID0, TimestampUS: run.TimestampUS}
		}
		if err := protocol.WriteGapList(conn, tuples); err != nil {
			return
		}
	}

	switch cmd.ReadSource {
	case protocol.ReadSourceFA:
		err = reader.ReadFA(conn, &cmd.ReadMask, lookup.MajorBlock, lookup.SampleOffset, cmd.ReadCount)
	case protocol.ReadSourceD:
		dOffset := lookup.SampleOffset / ar.Header.FirstDecimation
		err = reader.ReadD(conn, &cmd.ReadMask, lookup.MajorBlock, dOffset, cmd.ReadCount, cmd.ReadSourceMask)
	case protocol.ReadSourceDD:
		ddOffset := lookup.SampleOffset / (ar.Header.FirstDecimation * ar.Header.SecondDecimation)
		err = reader.ReadDD(conn, &cmd.ReadMask, lookup.MajorBlock, ddOffset, cmd.ReadCount, cmd.ReadSourceMask)
	}
	if err != nil {
		s.log.Warnw("historical read failed mid-stream", "error", err)
	}
}
