// Package process owns the OS-facing side of long-lived children: building
// the command, spawning it with piped output, reporting lifecycle events on a
// channel, and terminating the whole process tree per platform.
package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Spec describes a child process to spawn.
type Spec struct {
	Name        string    // label used in events and logs
	Path        string    // executable, resolved through PATH
	Args        []string  // arguments, without the executable
	Dir         string    // optional working directory
	Env         []string  // optional extra "KEY=VALUE" entries, see MergeEnv
	BufferLimit int       // bytes of early output kept per stream
	Stdout      io.Writer // optional tee for stdout (e.g. a rotated log file)
	Stderr      io.Writer // optional tee for stderr
}

// CommandLine renders the spec for logs.
func (s Spec) CommandLine() string {
	if len(s.Args) == 0 {
		return s.Path
	}
	return s.Path + " " + strings.Join(s.Args, " ")
}

// EventKind identifies a lifecycle event.
type EventKind int

const (
	EventData EventKind = iota
	EventExited
	EventErrored
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventExited:
		return "exited"
	case EventErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Stream names the output stream a data event came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Event is pushed by a Process to its owner. Exactly one terminal event
// (EventExited or EventErrored) is delivered, after which the channel is closed.
type Event struct {
	Kind     EventKind
	PID      int
	Stream   Stream // set for EventData
	Text     string // set for EventData
	ExitCode int    // set for terminal events; -1 when unknown
	Err      error  // exit error for EventExited, wait failure for EventErrored
}

// Process is a spawned child. It never mutates any state outside itself;
// the owner learns about output and exit only through Events.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	events    chan Event
	done      chan struct{}
	stdout    *Buffer
	stderr    *Buffer

	mu       sync.Mutex
	exitErr  error
	released bool
}

const eventBuffer = 128

// Spawn starts the child described by spec. Start failures are returned
// synchronously; everything after that arrives on Events.
func Spawn(spec Spec) (*Process, error) {
	if strings.TrimSpace(spec.Path) == "" {
		return nil, errors.New("empty executable path")
	}
	// #nosec G204
	cmd := exec.Command(spec.Path, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if env := MergeEnv(spec.Env); env != nil {
		cmd.Env = env
	}
	configureSysProcAttr(cmd, false)

	p := &Process{
		spec:   spec,
		cmd:    cmd,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		stdout: NewBuffer(spec.BufferLimit),
		stderr: NewBuffer(spec.BufferLimit),
	}
	cmd.Stdout = &streamWriter{p: p, stream: Stdout, buf: p.stdout, tee: spec.Stdout}
	cmd.Stderr = &streamWriter{p: p, stream: Stderr, buf: p.stderr, tee: spec.Stderr}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	ev := Event{Kind: EventExited, PID: p.pid, ExitCode: -1, Err: err}
	if p.cmd.ProcessState != nil {
		ev.ExitCode = p.cmd.ProcessState.ExitCode()
	}
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		ev.Kind = EventErrored
	}
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
	p.events <- ev
	close(p.events)
}

func (p *Process) emit(ev Event) {
	// Data events are advisory: the same bytes are in the buffers, so drop
	// them rather than stall the child's pipe when the owner is busy.
	select {
	case p.events <- ev:
	default:
	}
}

// PID returns the OS process identifier.
func (p *Process) PID() int { return p.pid }

// Name returns the spec name.
func (p *Process) Name() string { return p.spec.Name }

// StartedAt returns the spawn time.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Events returns the lifecycle channel. It must be drained by exactly one owner
// until closed, or handed off with Release.
func (p *Process) Events() <-chan Event { return p.events }

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the wait error once the child has exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// EarlyOutput returns what the child wrote so far (bounded per stream).
func (p *Process) EarlyOutput() (stdout, stderr string) {
	return p.stdout.String(), p.stderr.String()
}

// Terminate stops the process tree: SIGTERM to the group on POSIX,
// taskkill /T /F on Windows.
func (p *Process) Terminate() error {
	if p.Exited() {
		return nil
	}
	return terminateTree(p.pid)
}

// Kill forcefully stops the process tree.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	return killTree(p.pid)
}

// Release hands the event channel to a background drainer so the wait
// goroutine can finish after the owner has stopped listening.
func (p *Process) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	p.mu.Unlock()
	go func() {
		for range p.events {
		}
	}()
}

type streamWriter struct {
	p      *Process
	stream Stream
	buf    *Buffer
	tee    io.Writer
}

func (w *streamWriter) Write(b []byte) (int, error) {
	_, _ = w.buf.Write(b)
	if w.tee != nil {
		_, _ = w.tee.Write(b)
	}
	w.p.emit(Event{Kind: EventData, Stream: w.stream, Text: string(b)})
	return len(b), nil
}
