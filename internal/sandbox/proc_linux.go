//go:build linux

package sandbox

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// setProcGroup puts the child into its own process group so a timeout
// or cancel reaches the whole tree, not just the direct child.
func setProcGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// terminateGroup sends SIGTERM to the child's process group and
// escalates to SIGKILL shortly after.
func terminateGroup(pid int) {
	_ = unix.Kill(-pid, unix.SIGTERM)
	go func() {
		time.Sleep(2 * time.Second)
		_ = unix.Kill(-pid, unix.SIGKILL)
	}()
}
