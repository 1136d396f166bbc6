package command

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/couchctl/internal/platform"
)

const launchCallerEnv = "COUCHCTL_TEST_LAUNCH_CALLER"

// TestLaunchCallerProcess is the body of the short-lived caller started by
// TestShellLauncherOutlivesCaller. It does nothing in a normal run.
func TestLaunchCallerProcess(t *testing.T) {
	mark := os.Getenv(launchCallerEnv)
	if mark == "" {
		return
	}
	e := &Executor{Launcher: ShellLauncher{}, Gate: platform.Always, SpawnTimeout: 200 * time.Millisecond}
	res := e.Execute(context.Background(),
		fmt.Sprintf("sleep 1; echo tick; echo tock >&2; echo more; touch %q", mark), true)
	if !res.Success || res.Output != "Command started in background" {
		os.Exit(2)
	}
	os.Exit(0)
}

func TestShellLauncherOutlivesCaller(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	mark := filepath.Join(t.TempDir(), "alive")

	caller := exec.Command(os.Args[0], "-test.run=^TestLaunchCallerProcess$")
	caller.Env = append(os.Environ(), launchCallerEnv+"="+mark)
	require.NoError(t, caller.Run(), "caller must report the command as started in background")

	assert.Eventually(t, func() bool {
		_, err := os.Stat(mark)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond, "background command died after its caller exited")
}

func TestShellLauncherCapturesAndRemovesFiles(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	dir := t.TempDir()
	done, err := ShellLauncher{BufferLimit: 1024, TempDir: dir}.Launch("echo out; echo err >&2; exit 3")
	require.NoError(t, err)

	var c Completion
	select {
	case c = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("launch never completed")
	}
	assert.Equal(t, "out\n", c.Stdout)
	assert.Equal(t, "err\n", c.Stderr)
	assert.Error(t, c.Err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestShellLauncherStartError(t *testing.T) {
	_, err := ShellLauncher{TempDir: filepath.Join(t.TempDir(), "missing")}.Launch("true")
	assert.Error(t, err)
}
