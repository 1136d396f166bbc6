//go:build windows

package process

import (
	"os/exec"
	"strconv"
	"syscall"
)

const (
	PROCESS_QUERY_LIMITED_INFORMATION = 0x1000
)

var (
	kernel32        = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess = kernel32.NewProc("OpenProcess")
	procCloseHandle = kernel32.NewProc("CloseHandle")
)

// terminateTree kills the whole process tree. Windows has no signal that
// reaches every descendant, so this is forceful: npx.cmd spawns node, which
// would otherwise be orphaned.
func terminateTree(pid int) error {
	return taskkill(pid)
}

func killTree(pid int) error {
	return taskkill(pid)
}

func taskkill(pid int) error {
	if pid <= 0 {
		return nil
	}
	// #nosec G204
	cmd := exec.Command("taskkill", "/pid", strconv.Itoa(pid), "/T", "/F")
	HideWindow(cmd)
	return cmd.Run()
}

// Alive reports whether a process with the given pid can be opened.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, _, _ := procOpenProcess.Call(uintptr(PROCESS_QUERY_LIMITED_INFORMATION), 0, uintptr(pid))
	if h == 0 {
		return false
	}
	_, _, _ = procCloseHandle.Call(h)
	return true
}
