//go:build windows

package backend

import "os/exec"

func setProcessGroup(_ *exec.Cmd) {}

// killTree on Windows kills the direct child only; console process groups
// do not survive the exec wrapper reliably.
func killTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
