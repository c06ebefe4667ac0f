package archive

import (
	"fmt"
	"os"
)

// Archive bundles an open archive file with its parsed header and index.
// The writer and every reader connection hold their own Archive (and their
// own *os.File), but share one *Interlock constructed once by the daemon;
// the interlock is process-wide, not per-file-descriptor.
type Archive struct {
	File   *os.File
	Header Header
	Index  *Index
	locked bool
}

// Open opens path read-only for a historical-read or subscribe client.
// Readers never take the whole-file lock (spec §3: "read-only opens never
// lock"), so many readers and the single writer can coexist.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}

	a, err := load(f, false)
	if err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

// OpenForWrite opens path for the transform engine, taking the whole-file
// exclusive lock and validating the header against the actual file size
// before handing back the archive (spec §3, §4.4).
func OpenForWrite(path string) (*Archive, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s for writing: %w", path, err)
	}

	if err := Lock(f); err != nil {
		f.Close()
		return nil, err
	}

	a, err := load(f, true)
	if err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

func load(f *os.File, locked bool) (*Archive, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	buf := make([]byte, DiskHeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("failed to read archive header: %w", err)
	}

	h, err := Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to decode archive header: %w", err)
	}
	if err := h.Validate(uint64(info.Size())); err != nil {
		return nil, fmt.Errorf("archive header failed validation: %w", err)
	}

	idx, err := LoadIndex(f, &h)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive index: %w", err)
	}

	return &Archive{File: f, Header: h, Index: idx, locked: locked}, nil
}

// Close releases the writer lock, if held, and closes the underlying file.
func (a *Archive) Close() error {
	if a.locked {
		if err := Unlock(a.File); err != nil {
			a.File.Close()
			return err
		}
	}
	return a.File.Close()
}

// PersistHeader rewrites the header page in place. Called by the transform
// engine once per major block flush, after the block's data and index
// entry are already durable (spec §4.4: "current_major_block is updated
// last").
func (a *Archive) PersistHeader() error {
	if _, err := a.File.WriteAt(a.Header.Encode(), 0); err != nil {
		return fmt.Errorf("failed to persist archive header: %w", err)
	}
	return a.File.Sync()
}
