package process

import "os/exec"

// Detach prepares cmd to run in its own session (POSIX) or detached process
// group (Windows) so it survives the caller.
func Detach(cmd *exec.Cmd) { configureSysProcAttr(cmd, true) }
