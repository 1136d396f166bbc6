//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr sets platform-specific attributes for Unix-like systems.
// A detached child gets its own session so it outlives the orchestrator; an
// owned child gets its own process group so Terminate can signal the whole tree.
func configureSysProcAttr(cmd *exec.Cmd, detached bool) {
	attrs := &syscall.SysProcAttr{}
	if detached {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs
}

// HideWindow is a no-op outside Windows.
func HideWindow(cmd *exec.Cmd) {}
