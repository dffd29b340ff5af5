//go:build windows

package liveness

import (
	"errors"
	"syscall"
)

// stillActive is the exit code Windows reports for running processes.
const stillActive = 259

// pidAlive opens a process handle to prove existence. Access denied still
// proves the pid is in use; a handle that opens must also report a running
// exit code, since Windows keeps handles to exited processes openable.
func pidAlive(pid int) bool {
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return errors.Is(err, syscall.ERROR_ACCESS_DENIED)
	}
	defer syscall.CloseHandle(h)

	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return true
	}
	return code == stillActive
}
