package archive

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock takes the whole-file advisory exclusive lock the writer must hold
// for as long as the archive is open (spec §3: "a single writer process
// holds a whole-file advisory exclusive lock"). It is non-blocking: a
// second writer against the same archive fails immediately rather than
// queuing behind the first.
func Lock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("archive %s is already locked by another writer: %w", f.Name(), err)
	}
	return nil
}

// Unlock releases a lock taken by Lock. Also released implicitly when f is
// closed, but callers that keep the file open past the writer's lifetime
// (there are none in this implementation) must call it explicitly.
func Unlock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("failed to unlock archive %s: %w", f.Name(), err)
	}
	return nil
}
