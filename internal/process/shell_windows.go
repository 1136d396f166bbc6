//go:build windows

package process

import "os/exec"

// ShellCommand wraps a command line in the platform shell.
func ShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/C", script)
}
