//go:build !windows

package watch

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isFatal reports inotify resource exhaustion, after which no further events
// arrive.
func isFatal(err error) bool {
	return errors.Is(err, unix.ENOSPC) ||
		errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE)
}
