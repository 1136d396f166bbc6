//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// terminateTree sends SIGTERM to the child's process group. The child was
// started with Setpgid, so its pgid equals its pid.
func terminateTree(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// killTree sends SIGKILL to the child's process group.
func killTree(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	// Fall back to the leader alone when the group cannot be signalled.
	if err2 := syscall.Kill(pid, sig); err2 == nil || errors.Is(err2, syscall.ESRCH) {
		return nil
	}
	return err
}

// Alive reports whether a process with the given pid exists (or is owned by another user).
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
