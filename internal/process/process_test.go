package process

import (
	"bytes"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func drain(t *testing.T, p *Process, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				t.Fatalf("events closed without terminal event")
			}
			if ev.Kind != EventData {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for exit of pid %d", p.PID())
		}
	}
}

func TestSpawnReportsExitAndOutput(t *testing.T) {
	requireUnix(t)
	p, err := Spawn(Spec{Name: "echo", Path: "sh", Args: []string{"-c", "echo hello; echo oops 1>&2; exit 3"}})
	require.NoError(t, err)
	require.Greater(t, p.PID(), 0)

	ev := drain(t, p, 5*time.Second)
	assert.Equal(t, EventExited, ev.Kind)
	assert.Equal(t, 3, ev.ExitCode)
	assert.Error(t, ev.Err)
	assert.True(t, p.Exited())

	out, errOut := p.EarlyOutput()
	assert.Equal(t, "hello\n", out)
	assert.Equal(t, "oops\n", errOut)

	_, ok := <-p.Events()
	assert.False(t, ok, "channel must be closed after the terminal event")
}

func TestSpawnMissingExecutable(t *testing.T) {
	_, err := Spawn(Spec{Name: "missing", Path: "definitely-not-a-real-binary-couchctl"})
	require.Error(t, err)

	_, err = Spawn(Spec{Name: "empty", Path: "  "})
	require.Error(t, err)
}

func TestSpawnAppliesDirAndEnv(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	p, err := Spawn(Spec{
		Name: "env",
		Path: "sh",
		Args: []string{"-c", "pwd; echo $COUCHCTL_TEST_VALUE"},
		Dir:  dir,
		Env:  []string{"COUCHCTL_TEST_VALUE=abc"},
	})
	require.NoError(t, err)
	ev := drain(t, p, 5*time.Second)
	require.Equal(t, 0, ev.ExitCode)

	out, _ := p.EarlyOutput()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	// macOS temp dirs resolve through /private.
	assert.True(t, strings.HasSuffix(lines[0], dir), "pwd=%q dir=%q", lines[0], dir)
	assert.Equal(t, "abc", lines[1])
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestSpawnTeesOutput(t *testing.T) {
	requireUnix(t)
	var tee syncBuffer
	p, err := Spawn(Spec{Name: "tee", Path: "sh", Args: []string{"-c", "echo teed"}, Stdout: &tee, BufferLimit: 2})
	require.NoError(t, err)
	drain(t, p, 5*time.Second)

	assert.Equal(t, "teed\n", tee.String())
	out, _ := p.EarlyOutput()
	assert.Equal(t, "te", out, "early output is bounded by BufferLimit")
}

func TestTerminateStopsProcessGroup(t *testing.T) {
	requireUnix(t)
	p, err := Spawn(Spec{Name: "sleeper", Path: "sh", Args: []string{"-c", "sleep 30 & wait"}})
	require.NoError(t, err)
	require.True(t, Alive(p.PID()))

	require.NoError(t, p.Terminate())
	ev := drain(t, p, 5*time.Second)
	assert.Equal(t, EventExited, ev.Kind)
	assert.False(t, Alive(p.PID()))

	// Terminating an exited process is a no-op.
	assert.NoError(t, p.Terminate())
	assert.NoError(t, p.Kill())
}

func TestReleaseLetsWaiterFinish(t *testing.T) {
	requireUnix(t)
	p, err := Spawn(Spec{Name: "noisy", Path: "sh", Args: []string{"-c", "i=0; while [ $i -lt 300 ]; do echo line $i; i=$((i+1)); done"}})
	require.NoError(t, err)
	p.Release()
	p.Release()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not finish after Release")
	}
	assert.NoError(t, p.ExitErr())
}

func TestSpecCommandLine(t *testing.T) {
	assert.Equal(t, "pouchdb-server", Spec{Path: "pouchdb-server"}.CommandLine())
	assert.Equal(t, "pouchdb-server --port 5984", Spec{Path: "pouchdb-server", Args: []string{"--port", "5984"}}.CommandLine())
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "data", EventData.String())
	assert.Equal(t, "exited", EventExited.String())
	assert.Equal(t, "errored", EventErrored.String())
	assert.Equal(t, "unknown", EventKind(42).String())
}

func TestMergeEnv(t *testing.T) {
	assert.Nil(t, MergeEnv(nil))

	t.Setenv("COUCHCTL_BASE", "/opt")
	env := MergeEnv([]string{"COUCHCTL_DATA=${COUCHCTL_BASE}/data", "=skipped", "noequals"})
	found := map[string]string{}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		found[k] = v
	}
	assert.Equal(t, "/opt/data", found["COUCHCTL_DATA"])
	assert.Equal(t, os.Getenv("COUCHCTL_BASE"), found["COUCHCTL_BASE"])
	_, ok := found[""]
	assert.False(t, ok)
}

func TestBufferKeepsPrefix(t *testing.T) {
	b := NewBuffer(4)
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd", b.String())
	assert.True(t, b.Truncated())
	assert.Equal(t, 4, b.Len())

	n, _ = b.Write([]byte("gh"))
	assert.Equal(t, 2, n)
	assert.Equal(t, "abcd", b.String())

	assert.Equal(t, DefaultBufferLimit, NewBuffer(0).limit)
}
