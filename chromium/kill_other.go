//go:build !linux

package chromium

import "os/exec"

func killAfterParent(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill() //nolint:wrapcheck
}
