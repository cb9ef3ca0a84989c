//go:build windows

package app

import "golang.org/x/sys/windows"

// waitTimeout is WAIT_TIMEOUT: the process handle is not signaled yet.
const waitTimeout = 0x00000102

// processExists opens pid for SYNCHRONIZE and polls its handle without
// waiting; a handle that is not signaled belongs to a live process.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.SYNCHRONIZE, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	ev, err := windows.WaitForSingleObject(h, 0)
	return err == nil && ev == waitTimeout
}
