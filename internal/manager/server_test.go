package manager

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/couchctl/internal/command"
	"github.com/loykin/couchctl/internal/history"
	"github.com/loykin/couchctl/internal/platform"
	"github.com/loykin/couchctl/internal/process"
)

// fakeRunner answers probes by executable name.
type fakeRunner struct {
	mu    sync.Mutex
	ok    map[string]bool
	out   command.Output
	calls []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (command.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command.Describe(name, args...))
	if f.ok[name] {
		return f.out, nil
	}
	return command.Output{Stderr: name + ": not found"}, errors.New("exit status 127")
}

func (f *fakeRunner) LookPath(name string) (string, error) { return "", errors.New("not found") }

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeHandle emulates a child that runs until terminated or told to exit.
type fakeHandle struct {
	pid        int
	spec       process.Spec
	events     chan process.Event
	done       chan struct{}
	once       sync.Once
	stdout     string
	stderr     string
	ignoreTerm bool
	killed     bool
	mu         sync.Mutex
}

func newFakeHandle(pid int, spec process.Spec) *fakeHandle {
	return &fakeHandle{pid: pid, spec: spec, events: make(chan process.Event, 8), done: make(chan struct{})}
}

func (h *fakeHandle) exit(code int) {
	h.once.Do(func() {
		close(h.done)
		h.events <- process.Event{Kind: process.EventExited, PID: h.pid, ExitCode: code}
		close(h.events)
	})
}

func (h *fakeHandle) PID() int                      { return h.pid }
func (h *fakeHandle) Events() <-chan process.Event  { return h.events }
func (h *fakeHandle) EarlyOutput() (string, string) { return h.stdout, h.stderr }
func (h *fakeHandle) Release()                      {}
func (h *fakeHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *fakeHandle) Terminate() error {
	if !h.ignoreTerm {
		h.exit(143)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.exit(137)
	return nil
}

type spawner struct {
	mu      sync.Mutex
	handles []*fakeHandle
	err     error
	// configure is applied to each new handle before it is returned.
	configure func(*fakeHandle)
}

func (s *spawner) spawn(spec process.Spec) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	h := newFakeHandle(1000+len(s.handles), spec)
	if s.configure != nil {
		s.configure(h)
	}
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *spawner) all() []*fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeHandle(nil), s.handles...)
}

func newTestServer(t *testing.T, r *fakeRunner, sp *spawner, mem *history.MemorySink) *Server {
	t.Helper()
	opts := Options{
		Npx:      "npx",
		Npm:      "npm",
		Settle:   20 * time.Millisecond,
		StopWait: 50 * time.Millisecond,
		Gate:     platform.Always,
		Runner:   r,
		Spawn:    sp.spawn,
	}
	if mem != nil {
		opts.History = history.NewRecorder(nil, mem)
	}
	s := New(opts)
	t.Cleanup(s.Close)
	return s
}

func TestIsAvailableOrder(t *testing.T) {
	tests := []struct {
		name   string
		ok     map[string]bool
		want   Availability
		probes int
	}{
		{"global", map[string]bool{"pouchdb-server": true, "npx": true}, Availability{true, MethodGlobal}, 1},
		{"npx", map[string]bool{"npx": true}, Availability{true, MethodNpx}, 2},
		{"none", map[string]bool{}, Availability{false, MethodNone}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{ok: tt.ok}
			s := newTestServer(t, r, &spawner{}, nil)
			assert.Equal(t, tt.want, s.IsAvailable(context.Background()))
			calls := r.Calls()
			require.Len(t, calls, tt.probes)
			assert.Equal(t, "pouchdb-server --version", calls[0])
			if tt.probes > 1 {
				assert.Equal(t, "npx --yes pouchdb-server --version", calls[1])
			}
		})
	}
}

func TestIsAvailableGateClosed(t *testing.T) {
	r := &fakeRunner{ok: map[string]bool{"pouchdb-server": true}}
	s := New(Options{Gate: platform.Never, Runner: r, Spawn: (&spawner{}).spawn})
	defer s.Close()
	assert.Equal(t, Availability{Method: MethodNone}, s.IsAvailable(context.Background()))
	assert.Empty(t, r.Calls())

	res := s.Start(context.Background(), 5984, "")
	assert.False(t, res.Success)
	assert.Equal(t, "Not available on this platform", res.Error)
}

func TestInstall(t *testing.T) {
	r := &fakeRunner{ok: map[string]bool{"npm": true}}
	s := newTestServer(t, r, &spawner{}, nil)
	res := s.Install(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, "Installed successfully", res.Output)
	assert.Equal(t, []string{"npm install -g pouchdb-server"}, r.Calls())

	r = &fakeRunner{ok: map[string]bool{"npm": true}, out: command.Output{Stdout: "added 1 package"}}
	res = newTestServer(t, r, &spawner{}, nil).Install(context.Background())
	assert.Equal(t, "added 1 package", res.Output)

	r = &fakeRunner{ok: map[string]bool{}}
	res = newTestServer(t, r, &spawner{}, nil).Install(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, "Install failed: exit status 127 - npm: not found", res.Error)
}

func TestStartNotInstalled(t *testing.T) {
	sp := &spawner{}
	s := newTestServer(t, &fakeRunner{ok: map[string]bool{}}, sp, nil)
	res := s.Start(context.Background(), 5984, "")
	assert.False(t, res.Success)
	assert.Equal(t, "pouchdb-server is not installed. Run 'couchctl install' to install it via npm.", res.Error)
	assert.Empty(t, sp.all(), "no spawn when unavailable")
}

func TestStartIdempotentSamePort(t *testing.T) {
	sp := &spawner{}
	mem := history.NewMemorySink(0)
	s := newTestServer(t, &fakeRunner{ok: map[string]bool{"pouchdb-server": true}}, sp, mem)

	res := s.Start(context.Background(), 5984, "/data")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "PouchDB Server running on port 5984", res.Output)
	assert.True(t, s.IsRunning())
	assert.Equal(t, StateRunning, s.State())

	res = s.Start(context.Background(), 5984, "/data")
	require.True(t, res.Success)
	assert.Equal(t, "PouchDB Server already running on port 5984", res.Output)

	hs := sp.all()
	require.Len(t, hs, 1)
	assert.Equal(t, "pouchdb-server", hs[0].spec.Path)
	assert.Equal(t, []string{"--port", "5984", "--dir", "/data"}, hs[0].spec.Args)
	assert.Equal(t, hs[0].pid, s.PID())

	evs := mem.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, history.EventStart, evs[0].Type)
	assert.Equal(t, 5984, evs[0].Port)
}

func TestStartViaNpx(t *testing.T) {
	sp := &spawner{}
	s := newTestServer(t, &fakeRunner{ok: map[string]bool{"npx": true}}, sp, nil)
	require.True(t, s.Start(context.Background(), 6000, "").Success)
	hs := sp.all()
	require.Len(t, hs, 1)
	assert.Equal(t, "npx", hs[0].spec.Path)
	assert.Equal(t, []string{"--yes", "pouchdb-server", "--port", "6000"}, hs[0].spec.Args)
}

func TestStartPortChangeReplacesProcess(t *testing.T) {
	sp := &spawner{}
	s := newTestServer(t, &fakeRunner{ok: map[string]bool{"pouchdb-server": true}}, sp, nil)

	require.True(t, s.Start(context.Background(), 5984, "").Success)
	res := s.Start(context.Background(), 5985, "")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "PouchDB Server running on port 5985", res.Output)

	hs := sp.all()
	require.Len(t, hs, 2)
	assert.True(t, hs[0].Exited(), "process on the old port must be gone")
	assert.False(t, hs[1].Exited())
	assert.Equal(t, 5985, s.Port())
	assert.Equal(t, hs[1].pid, s.PID())
}

func TestStartFailsWhenChildExitsDuringSettle(t *testing.T) {
	tests := []struct {
		name           string
		stdout, stderr string
		want           string
	}{
		{"stderr wins", "listening", "EADDRINUSE", "Server failed to start: EADDRINUSE"},
		{"stdout fallback", "usage: pouchdb-server", "", "Server failed to start: usage: pouchdb-server"},
		{"nothing captured", "", "", "Server failed to start: Process exited immediately"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp := &spawner{configure: func(h *fakeHandle) {
				h.stdout, h.stderr = tt.stdout, tt.stderr
				h.exit(1)
			}}
			mem := history.NewMemorySink(0)
			s := newTestServer(t, &fakeRunner{ok: map[string]bool{"pouchdb-server": true}}, sp, mem)
			res := s.Start(context.Background(), 5984, "")
			assert.False(t, res.Success)
			assert.Equal(t, tt.want, res.Error)
			assert.False(t, s.IsRunning())
			assert.Equal(t, 0, s.PID())
			evs := mem.Events()
			require.NotEmpty(t, evs)
			assert.Equal(t, history.EventStartFailed, evs[len(evs)-1].Type)
		})
	}
}

func TestStartSpawnError(t *testing.T) {
	sp := &spawner{err: errors.New("exec: permission denied")}
	s := newTestServer(t, &fakeRunner{ok: map[string]bool{"pouchdb-server": true}}, sp, nil)
	res := s.Start(context.Background(), 5984, "")
	assert.False(t, res.Success)
	assert.Equal(t, "Failed to spawn: exec: permission denied", res.Error)
	assert.Equal(t, StateAbsent, s.State())
}

func TestStopIdempotent(t *testing.T) {
	sp := &spawner{}
	s := newTestServer(t, &fakeRunner{ok: map[string]bool{"pouchdb-server": true}}, sp, nil)

	for i := 0; i < 2; i++ {
		res := s.Stop(context.Background())
		assert.True(t, res.Success)
		assert.Equal(t, "No server running", res.Output)
	}

	require.True(t, s.Start(context.Background(), 5984, "").Success)
	res := s.Stop(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, "Server stopped", res.Output)
	assert.False(t, s.IsRunning())
	assert.True(t, sp.all()[0].Exited())

	res = s.Stop(context.Background())
	assert.Equal(t, "No server running", res.Output)
}

func TestStopEscalatesToKill(t *testing.T) {
	sp := &spawner{configure: func(h *fakeHandle) { h.ignoreTerm = true }}
	s := newTestServer(t, &fakeRunner{ok: map[string]bool{"pouchdb-server": true}}, sp, nil)
	require.True(t, s.Start(context.Background(), 5984, "").Success)

	res := s.Stop(context.Background())
	assert.True(t, res.Success)
	h := sp.all()[0]
	h.mu.Lock()
	assert.True(t, h.killed)
	h.mu.Unlock()
}

func TestObservedExitMarksCrashed(t *testing.T) {
	sp := &spawner{}
	mem := history.NewMemorySink(0)
	s := newTestServer(t, &fakeRunner{ok: map[string]bool{"pouchdb-server": true}}, sp, mem)
	require.True(t, s.Start(context.Background(), 5984, "").Success)

	sp.all()[0].exit(1)
	require.Eventually(t, func() bool { return s.State() == StateCrashed }, time.Second, 5*time.Millisecond)
	assert.False(t, s.IsRunning())

	res := s.Stop(context.Background())
	assert.Equal(t, "No server running", res.Output)
	assert.Equal(t, StateAbsent, s.State())

	var types []history.EventType
	for _, e := range mem.Events() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []history.EventType{history.EventStart, history.EventExit}, types)

	// A crashed slot starts like an absent one.
	require.True(t, s.Start(context.Background(), 5984, "").Success)
	assert.Len(t, sp.all(), 2)
}

func TestCleanupAndCloseAreIdempotent(t *testing.T) {
	sp := &spawner{}
	s := newTestServer(t, &fakeRunner{ok: map[string]bool{"pouchdb-server": true}}, sp, nil)
	s.Cleanup(context.Background())
	require.True(t, s.Start(context.Background(), 5984, "").Success)
	s.Cleanup(context.Background())
	s.Cleanup(context.Background())
	assert.False(t, s.IsRunning())
	assert.True(t, sp.all()[0].Exited())

	require.True(t, s.Start(context.Background(), 5984, "").Success)
	s.Close()
	s.Close()
	assert.True(t, sp.all()[1].Exited(), "Close stops the child")
	s.Cleanup(context.Background())

	res := s.Start(context.Background(), 5984, "")
	assert.False(t, res.Success)
	assert.Equal(t, "No server running", s.Stop(context.Background()).Output)
}

func TestConcurrentStartsKeepOneProcess(t *testing.T) {
	sp := &spawner{}
	s := newTestServer(t, &fakeRunner{ok: map[string]bool{"pouchdb-server": true}}, sp, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, s.Start(context.Background(), 5984, "").Success)
		}()
	}
	wg.Wait()
	assert.Len(t, sp.all(), 1)
}

func TestNameHelpers(t *testing.T) {
	assert.Equal(t, "npx.cmd", NpxBinary("windows"))
	assert.Equal(t, "npx", NpxBinary("linux"))
	assert.Equal(t, "npm.cmd", NpmBinary("windows"))
	assert.Equal(t, "npm", NpmBinary("darwin"))
	assert.Equal(t, []string{"--port", "5984"}, Args(5984, ""))
	for _, st := range []State{StateAbsent, StateStarting, StateRunning, StateCrashed, State(9)} {
		assert.NotEmpty(t, st.String())
	}
	b, _ := MethodNpx.MarshalText()
	assert.Equal(t, "npx", string(b))
}

// TestRealProcessLifecycle drives an actual child through the default spawner,
// with a shell script standing in for pouchdb-server.
func TestRealProcessLifecycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell script")
	}
	dir := t.TempDir()
	script := dir + "/fake-pouchdb-server"
	body := "#!/bin/sh\nif [ \"$1\" = \"--version\" ]; then echo 4.2.0; exit 0; fi\necho \"listening on $2\"\nexec sleep 30\n"
	require.NoError(t, writeExecutable(script, body))

	s := New(Options{Binary: script, Settle: 200 * time.Millisecond, Gate: platform.Always})
	defer s.Close()

	res := s.Start(context.Background(), 15984, "")
	require.True(t, res.Success, res.Error)
	pidA := s.PID()
	require.True(t, process.Alive(pidA))

	res = s.Start(context.Background(), 15985, "")
	require.True(t, res.Success, res.Error)
	pidB := s.PID()
	assert.NotEqual(t, pidA, pidB)
	assert.False(t, process.Alive(pidA), "old child must be gone")
	assert.True(t, process.Alive(pidB))

	res = s.Stop(context.Background())
	assert.True(t, res.Success)
	assert.False(t, s.IsRunning())
	assert.Eventually(t, func() bool { return !process.Alive(pidB) }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 15985, s.Port())
}
