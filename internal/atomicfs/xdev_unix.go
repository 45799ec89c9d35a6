//go:build unix

package atomicfs

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isCrossDevice reports whether err represents an EXDEV rename failure
// (source and destination on different filesystems).
func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
