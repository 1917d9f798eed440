//go:build !windows

package page

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive, non-blocking advisory lock on f so that a
// second process opening the same database file fails fast instead of
// corrupting it. The lock is released automatically when f is closed.
func lockFile(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("page: database already open by another process: %w", err)
	}
	return nil
}
