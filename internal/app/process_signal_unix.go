//go:build !windows

package app

import (
	"errors"

	"golang.org/x/sys/unix"
)

func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
