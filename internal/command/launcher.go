package command

import (
	"fmt"
	"io"
	"os"

	"github.com/loykin/couchctl/internal/process"
)

// Completion is delivered once when a launched command exits.
type Completion struct {
	Stdout string
	Stderr string
	Err    error // nil on exit status 0
}

// Launcher starts a shell command line without waiting for it. The returned
// channel receives exactly one Completion and is never closed before that.
type Launcher interface {
	Launch(commandLine string) (<-chan Completion, error)
}

// ShellLauncher runs command lines through /bin/sh -c or cmd /C, detached
// from the caller, with bounded output capture.
//
// Output goes to temporary files rather than pipes: a pipe to this process
// would break when it exits and the command would die of SIGPIPE on its next
// write.
type ShellLauncher struct {
	BufferLimit int
	// TempDir holds the capture files; empty selects os.TempDir.
	TempDir string
}

func (l ShellLauncher) Launch(commandLine string) (<-chan Completion, error) {
	stdout, err := os.CreateTemp(l.TempDir, "couchctl-launch-*.stdout")
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	stderr, err := os.CreateTemp(l.TempDir, "couchctl-launch-*.stderr")
	if err != nil {
		discard(stdout)
		return nil, fmt.Errorf("create output file: %w", err)
	}

	cmd := process.ShellCommand(commandLine)
	process.Detach(cmd)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		discard(stdout)
		discard(stderr)
		return nil, fmt.Errorf("start shell: %w", err)
	}
	// Unlinking an open file works on Unix; elsewhere the reaper removes it.
	_ = os.Remove(stdout.Name())
	_ = os.Remove(stderr.Name())

	done := make(chan Completion, 1)
	go func() {
		err := cmd.Wait()
		done <- Completion{Stdout: l.collect(stdout), Stderr: l.collect(stderr), Err: err}
	}()
	return done, nil
}

// collect reads the capture file into a bounded buffer and discards it.
func (l ShellLauncher) collect(f *os.File) string {
	defer discard(f)
	buf := process.NewBuffer(l.BufferLimit)
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	// ReadAt leaves the offset shared with any surviving grandchild alone.
	_, _ = io.Copy(buf, io.NewSectionReader(f, 0, info.Size()))
	return buf.String()
}

func discard(f *os.File) {
	_ = f.Close()
	_ = os.Remove(f.Name())
}
