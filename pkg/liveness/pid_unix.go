//go:build unix

package liveness

import (
	"errors"
	"syscall"
)

// pidAlive sends signal 0, which performs the permission and existence
// checks without delivering anything. ESRCH is the only error that proves
// the process is gone; EPERM proves it exists under another user.
func pidAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, syscall.ESRCH)
}
