//go:build windows

package lockfile

import "os"

// processAlive reports whether pid refers to a live process. Windows
// only hands back a handle for running processes.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = process.Release()
	return true
}
