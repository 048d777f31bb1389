//go:build !windows

package backend

import (
	"fmt"
	"os/exec"
	"syscall"
)

// setProcessGroup places the child in its own process group so a timeout
// kill reaches every helper it forks, not just the direct child.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree sends SIGKILL to the child's entire process group.
func killTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return fmt.Errorf("getpgid %d: %w", cmd.Process.Pid, err)
	}
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill pgid %d: %w", pgid, err)
	}
	return nil
}
