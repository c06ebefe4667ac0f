// Package telemetry publishes a periodic JSON status snapshot of the
// running archiver (mean frame rate, gap count, reader lag) for general
// operability. fa-capture does not read it.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	atomicfile "github.com/natefinch/atomic"
	"go.uber.org/zap"
)

// Snapshot is one point-in-time status reading.
type Snapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	FrameRateHz   float64   `json:"frame_rate_hz"`
	GapCount      uint64    `json:"gap_count"`
	ReaderLag     uint64    `json:"reader_lag_blocks"`
	CurrentBlock  uint32    `json:"current_major_block"`
}

// Source supplies the values a Snapshot needs. The archiver daemon
// implements this over its ring, transform engine and archive header.
type Source interface {
	FrameRateHz() float64
	GapCount() uint64
	ReaderLag() uint64
	CurrentMajorBlock() uint32
}

// Publisher periodically writes a Snapshot to a status file, crash-safely
// (a reader can never observe a half-written file).
type Publisher struct {
	log      *zap.SugaredLogger
	src      Source
	path     string
	interval time.Duration
}

// NewPublisher builds a Publisher that writes to path every interval.
func NewPublisher(log *zap.SugaredLogger, src Source, path string, interval time.Duration) *Publisher {
	return &Publisher{log: log, src: src, path: path, interval: interval}
}

// Run publishes snapshots until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.publishOnce(); err != nil {
				p.log.Warnw("failed to publish telemetry snapshot", "error", err)
			}
		}
	}
}

func (p *Publisher) publishOnce() error {
	snap := Snapshot{
		Timestamp:    time.Now(),
		FrameRateHz:  p.src.FrameRateHz(),
		GapCount:     p.src.GapCount(),
		ReaderLag:    p.src.ReaderLag(),
		CurrentBlock: p.src.CurrentMajorBlock(),
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	return atomicfile.WriteFile(p.path, bytes.NewReader(data))
}
