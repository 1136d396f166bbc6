// Package manager owns the locally spawned pouchdb-server. A single Server
// is constructed at wiring time and shared by reference; one goroutine owns
// the process slot and every lifecycle call is a message to it.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/couchctl/internal/command"
	"github.com/loykin/couchctl/internal/history"
	"github.com/loykin/couchctl/internal/metrics"
	"github.com/loykin/couchctl/internal/platform"
	"github.com/loykin/couchctl/internal/process"
)

const component = "managed"

// Options configures a Server. Zero values select the defaults.
type Options struct {
	Binary  string // global executable, "pouchdb-server"
	Package string // npm package, "pouchdb-server"
	Npx     string
	Npm     string
	Env     []string

	Settle             time.Duration
	StopWait           time.Duration
	InstallTimeout     time.Duration
	GlobalProbeTimeout time.Duration
	NpxProbeTimeout    time.Duration
	BufferLimit        int

	Gate    platform.Gate
	Runner  command.Runner
	Spawn   SpawnFunc
	Output  OutputFunc
	History *history.Recorder
	Logger  *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Binary == "" {
		o.Binary = "pouchdb-server"
	}
	if o.Package == "" {
		o.Package = "pouchdb-server"
	}
	if o.Npx == "" {
		o.Npx = defaultNpx()
	}
	if o.Npm == "" {
		o.Npm = defaultNpm()
	}
	if o.Settle <= 0 {
		o.Settle = DefaultSettle
	}
	if o.StopWait <= 0 {
		o.StopWait = DefaultStopWait
	}
	if o.InstallTimeout <= 0 {
		o.InstallTimeout = DefaultInstallTimeout
	}
	if o.GlobalProbeTimeout <= 0 {
		o.GlobalProbeTimeout = DefaultGlobalProbeTimeout
	}
	if o.NpxProbeTimeout <= 0 {
		o.NpxProbeTimeout = DefaultNpxProbeTimeout
	}
	if o.BufferLimit <= 0 {
		o.BufferLimit = process.DefaultBufferLimit
	}
	o.Gate = o.Gate.Resolve()
	if o.Runner == nil {
		o.Runner = command.OSRunner{}
	}
	if o.Spawn == nil {
		o.Spawn = spawnProcess
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type action int

const (
	actionStart action = iota
	actionStop
	actionShutdown
)

type request struct {
	ctx     context.Context
	action  action
	port    int
	dataDir string
	reply   chan command.Result
}

// Server manages at most one pouchdb-server child.
type Server struct {
	opts   Options
	logger *slog.Logger

	cmdChan  chan request
	doneChan chan struct{}
	closeMu  sync.Mutex
	closed   bool

	// Owned by the run loop.
	handle Handle
	events <-chan process.Event

	// Snapshot for lock-free readers; written only by the run loop.
	mu    sync.RWMutex
	state State
	port  int
	pid   int
}

// New constructs the Server and starts its owner loop. Call Close when done.
func New(opts Options) *Server {
	opts.applyDefaults()
	s := &Server{
		opts:     opts,
		logger:   opts.Logger.With("component", component),
		cmdChan:  make(chan request),
		doneChan: make(chan struct{}),
		state:    StateAbsent,
		port:     DefaultPort,
	}
	go s.run()
	return s
}

// IsAvailable probes the global binary first, then the npx fallback.
func (s *Server) IsAvailable(ctx context.Context) Availability {
	if !s.opts.Gate() {
		return Availability{Method: MethodNone}
	}
	if p := command.Probe(ctx, s.opts.Runner, s.opts.GlobalProbeTimeout, s.opts.Binary, "--version"); p.Available() {
		return Availability{Available: true, Method: MethodGlobal}
	}
	if p := command.Probe(ctx, s.opts.Runner, s.opts.NpxProbeTimeout, s.opts.Npx, "--yes", s.opts.Package, "--version"); p.Available() {
		return Availability{Available: true, Method: MethodNpx}
	}
	return Availability{Method: MethodNone}
}

// Install runs `npm install -g <package>`.
func (s *Server) Install(ctx context.Context) (res command.Result) {
	start := time.Now()
	defer func() { metrics.ObserveOperation(component, "install", res.Success, time.Since(start)) }()

	if !s.opts.Gate() {
		return command.Fail("Not available on this platform")
	}
	s.logger.Info("installing pouchdb-server globally", "package", s.opts.Package)
	out, err := command.RunTimeout(ctx, s.opts.Runner, s.opts.InstallTimeout, s.opts.Npm, "install", "-g", s.opts.Package)
	if err != nil {
		msg := "Install failed: " + err.Error()
		if out.Stderr != "" {
			msg += " - " + out.Stderr
		}
		s.logger.Warn(msg)
		return command.Fail(msg)
	}
	s.logger.Info("installed successfully")
	if out.Stdout != "" {
		return command.OK(out.Stdout)
	}
	return command.OK("Installed successfully")
}

// Start launches pouchdb-server on port. Same port while alive is a no-op;
// another port stops the old child first.
func (s *Server) Start(ctx context.Context, port int, dataDir string) command.Result {
	if port <= 0 {
		port = DefaultPort
	}
	return s.send(ctx, request{action: actionStart, port: port, dataDir: dataDir})
}

// Stop terminates the child if one is alive.
func (s *Server) Stop(ctx context.Context) command.Result {
	return s.send(ctx, request{action: actionStop})
}

// Cleanup stops the server if running. Safe to call repeatedly and after Close.
func (s *Server) Cleanup(ctx context.Context) {
	if s.IsRunning() {
		_ = s.Stop(ctx)
	}
}

// Close stops any child and ends the owner loop.
func (s *Server) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	s.closeMu.Unlock()
	_ = s.send(context.Background(), request{action: actionShutdown})
	<-s.doneChan
}

// IsRunning is true iff a child exists and has not been observed to exit.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateRunning
}

// Port returns the last requested port (5984 until the first start).
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// PID returns the child pid, or 0.
func (s *Server) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pid
}

func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Server) send(ctx context.Context, req request) command.Result {
	req.ctx = ctx
	req.reply = make(chan command.Result, 1)
	select {
	case s.cmdChan <- req:
		return <-req.reply
	case <-s.doneChan:
		if req.action == actionStop || req.action == actionShutdown {
			return command.OK("No server running")
		}
		return command.Fail("server manager is closed")
	case <-ctx.Done():
		return command.Failf("request cancelled: %v", ctx.Err())
	}
}

// run is the owner loop: the only goroutine that touches handle.
func (s *Server) run() {
	defer close(s.doneChan)
	for {
		select {
		case req := <-s.cmdChan:
			switch req.action {
			case actionStart:
				req.reply <- s.handleStart(req.ctx, req.port, req.dataDir)
			case actionStop:
				req.reply <- s.handleStop(req.ctx)
			case actionShutdown:
				if s.handle != nil {
					_ = s.handleStop(req.ctx)
				}
				req.reply <- command.OK("")
				return
			}
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				continue
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Server) handleEvent(ev process.Event) {
	switch ev.Kind {
	case process.EventData:
		s.logger.Debug("server output", "stream", ev.Stream, "text", ev.Text)
	case process.EventExited, process.EventErrored:
		pid := 0
		if s.handle != nil {
			pid = s.handle.PID()
		}
		msg := "exited"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		s.logger.Info("process exited", "pid", pid, "code", ev.ExitCode, "reason", msg)
		s.clearHandle()
		s.setState(StateCrashed)
		s.record(context.Background(), history.EventExit, pid, msg)
	}
}

func (s *Server) handleStart(ctx context.Context, port int, dataDir string) (res command.Result) {
	started := time.Now()
	defer func() { metrics.ObserveOperation(component, "start", res.Success, time.Since(started)) }()

	if !s.opts.Gate() {
		return command.Fail("Not available on this platform")
	}
	if s.alive() {
		if s.Port() == port {
			return command.OK(fmt.Sprintf("PouchDB Server already running on port %d", port))
		}
		s.logger.Info("port changed, restarting", "from", s.Port(), "to", port)
		s.handleStop(ctx)
	}

	avail := s.IsAvailable(ctx)
	if !avail.Available {
		return command.FailErr(ErrNotInstalled)
	}

	spec := process.Spec{Name: s.opts.Binary, Env: s.opts.Env, BufferLimit: s.opts.BufferLimit}
	args := Args(port, dataDir)
	if avail.Method == MethodGlobal {
		spec.Path, spec.Args = s.opts.Binary, args
	} else {
		spec.Path = s.opts.Npx
		spec.Args = append([]string{"--yes", s.opts.Package}, args...)
	}
	if s.opts.Output != nil {
		spec.Stdout, spec.Stderr = s.opts.Output(s.opts.Binary)
	}
	s.logger.Info("starting", "command", spec.CommandLine())

	s.setState(StateStarting)
	h, err := s.opts.Spawn(spec)
	if err != nil {
		s.setState(StateAbsent)
		s.record(ctx, history.EventStartFailed, 0, err.Error())
		return command.Failf("Failed to spawn: %v", err)
	}
	s.handle, s.events = h, h.Events()
	s.mu.Lock()
	s.port, s.pid = port, h.PID()
	s.mu.Unlock()

	s.settle(ctx)

	if s.alive() {
		s.setState(StateRunning)
		s.logger.Info("running", "port", port, "pid", h.PID())
		s.record(ctx, history.EventStart, h.PID(), "")
		return command.OK(fmt.Sprintf("PouchDB Server running on port %d", port))
	}

	stdout, stderr := h.EarlyOutput()
	info := stderr
	if info == "" {
		info = stdout
	}
	if info == "" {
		info = "Process exited immediately"
	}
	s.clearHandle()
	s.setState(StateAbsent)
	s.record(ctx, history.EventStartFailed, h.PID(), info)
	return command.Fail("Server failed to start: " + info)
}

// settle waits the settle interval while draining child events, so an early
// exit clears the slot before liveness is checked.
func (s *Server) settle(ctx context.Context) {
	timer := time.NewTimer(s.opts.Settle)
	defer timer.Stop()
	for s.events != nil {
		select {
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				return
			}
			if ev.Kind == process.EventData {
				s.logger.Debug("server output", "stream", ev.Stream, "text", ev.Text)
				continue
			}
			s.logger.Info("process exited during startup", "code", ev.ExitCode)
			s.events = nil
			return
		}
	}
}

func (s *Server) handleStop(ctx context.Context) (res command.Result) {
	started := time.Now()
	defer func() { metrics.ObserveOperation(component, "stop", res.Success, time.Since(started)) }()

	if !s.alive() {
		s.clearHandle()
		s.setState(StateAbsent)
		return command.OK("No server running")
	}
	h := s.handle
	pid := h.PID()
	s.logger.Info("stopping", "pid", pid)
	if err := h.Terminate(); err != nil {
		s.logger.Debug("terminate failed, treating as stopped", "pid", pid, "error", err)
	}
	if !s.waitExit(ctx, s.opts.StopWait) {
		s.logger.Warn("server did not exit in time, killing", "pid", pid)
		_ = h.Kill()
		s.waitExit(ctx, time.Second)
	}
	s.clearHandle()
	s.setState(StateAbsent)
	s.record(ctx, history.EventStop, pid, "")
	s.logger.Info("stopped", "pid", pid)
	return command.OK("Server stopped")
}

// waitExit drains events until the terminal one or d elapses.
func (s *Server) waitExit(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for s.events != nil {
		select {
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		case ev, ok := <-s.events:
			if !ok || ev.Kind != process.EventData {
				s.events = nil
				return true
			}
		}
	}
	return true
}

func (s *Server) alive() bool {
	return s.handle != nil && s.events != nil && !s.handle.Exited()
}

func (s *Server) clearHandle() {
	if s.handle != nil && s.events != nil {
		// Nobody reads the channel after this point.
		s.handle.Release()
	}
	s.handle, s.events = nil, nil
	s.mu.Lock()
	s.pid = 0
	s.mu.Unlock()
}

func (s *Server) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to {
		metrics.RecordStateTransition(from.String(), to.String())
		metrics.SetManagedRunning(to == StateRunning)
	}
}

func (s *Server) record(ctx context.Context, t history.EventType, pid int, msg string) {
	s.opts.History.Record(ctx, history.Event{
		Type:      t,
		Component: component,
		Name:      s.opts.Binary,
		PID:       pid,
		Port:      s.Port(),
		Message:   msg,
	})
}
