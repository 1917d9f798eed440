//go:build windows

package page

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// lockFile takes an exclusive, non-blocking advisory lock on f so that a
// second process opening the same database file fails fast instead of
// corrupting it. The lock is released automatically when f is closed.
func lockFile(f *os.File) error {
	ol := new(windows.Overlapped)
	const allBytesHigh, allBytesLow = 0, 0xFFFFFFFF
	err := windows.LockFileEx(
		windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, allBytesLow, allBytesHigh, ol,
	)
	if err != nil {
		return fmt.Errorf("page: database already open by another process: %w", err)
	}
	return nil
}
