//go:build !linux

package sandbox

import (
	"os"
	"os/exec"
)

func setProcGroup(cmd *exec.Cmd) {}

func terminateGroup(pid int) {
	// Without process groups only the direct child can be stopped.
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Kill()
	}
}
