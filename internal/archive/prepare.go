package archive

import (
	"fmt"
	"os"
)

// Prepare creates (or truncates) path into a fresh, empty archive: it
// writes the derived header, zeroes the index and DD areas so every entry
// reads back as "never written", and extends the file to its full size
// without necessarily writing the major data area (spec §4.4: "fa-prepare
// need not zero the data area; a sparse file is acceptable").
func Prepare(path string, p Params) (Header, error) {
	h, err := Derive(p)
	if err != nil {
		return Header{}, fmt.Errorf("invalid archive parameters: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return Header{}, fmt.Errorf("failed to create archive %s: %w", path, err)
	}
	defer f.Close()

	if err := Lock(f); err != nil {
		return Header{}, err
	}
	defer Unlock(f)

	fileSize := h.FileSize()
	if err := f.Truncate(int64(fileSize)); err != nil {
		return Header{}, fmt.Errorf("failed to size archive to %d bytes: %w", fileSize, err)
	}

	if _, err := f.WriteAt(make([]byte, h.IndexDataSize), int64(h.IndexDataStart)); err != nil {
		return Header{}, fmt.Errorf("failed to zero index area: %w", err)
	}
	if _, err := f.WriteAt(make([]byte, h.DDDataSize), int64(h.DDDataStart)); err != nil {
		return Header{}, fmt.Errorf("failed to zero dd area: %w", err)
	}

	if _, err := f.WriteAt(h.Encode(), 0); err != nil {
		return Header{}, fmt.Errorf("failed to write archive header: %w", err)
	}

	if err := f.Sync(); err != nil {
		return Header{}, fmt.Errorf("failed to sync new archive: %w", err)
	}

	return h, nil
}
