package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/couchctl/internal/metrics"
	"github.com/loykin/couchctl/internal/platform"
)

const (
	DefaultSpawnTimeout = 5 * time.Second
	DefaultRetryDelay   = 3 * time.Second
	DefaultMaxRetries   = 5
)

// ConnectionCheck reports whether the started server is reachable.
// An error counts as "not yet".
type ConnectionCheck func(ctx context.Context) (bool, error)

// Executor runs one-shot server start commands such as
// `cloudflared tunnel run <name>`.
type Executor struct {
	Launcher     Launcher
	Gate         platform.Gate
	SpawnTimeout time.Duration
	Logger       *slog.Logger
}

// NewExecutor returns an Executor with the default shell launcher and desktop gate.
func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{Launcher: ShellLauncher{}, Gate: platform.DesktopGate, SpawnTimeout: DefaultSpawnTimeout, Logger: logger}
}

func (e *Executor) log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default().With("component", "executor")
	}
	return e.Logger
}

// Execute runs commandLine. A command still running after SpawnTimeout is
// reported as started in the background and left running.
func (e *Executor) Execute(ctx context.Context, commandLine string, force bool) (res Result) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("executor", "execute", res.Success, time.Since(start)) }()

	if strings.TrimSpace(commandLine) == "" {
		return FailErr(ErrEmptyCommand)
	}
	if !force && !e.Gate.Resolve()() {
		return FailErr(ErrUnsupported)
	}
	launcher := e.Launcher
	if launcher == nil {
		launcher = ShellLauncher{}
	}
	lg := e.log()
	lg.Info("executing server command", "command", commandLine)

	done, err := launcher.Launch(commandLine)
	if err != nil {
		msg := fmt.Sprintf("Failed to execute server command: %v", err)
		lg.Warn(msg)
		return Fail(msg)
	}

	timeout := e.SpawnTimeout
	if timeout <= 0 {
		timeout = DefaultSpawnTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c := <-done:
		if c.Err != nil {
			msg := "Server command failed: " + c.Err.Error()
			if c.Stderr != "" {
				msg += " - " + c.Stderr
			}
			lg.Warn(msg)
			return Fail(msg)
		}
		lg.Debug("server command completed", "stdout", c.Stdout)
		return OK(c.Stdout)
	case <-timer.C:
		lg.Debug("server command still running, leaving it in the background")
		return OK("Command started in background")
	case <-ctx.Done():
		return Failf("Server command interrupted: %v", ctx.Err())
	}
}

// RunAndWaitForConnection executes commandLine and then polls check up to
// maxRetries times, sleeping retryDelay before every attempt. Zero values
// select the defaults.
func (e *Executor) RunAndWaitForConnection(ctx context.Context, commandLine string, check ConnectionCheck, retryDelay time.Duration, maxRetries int, force bool) Result {
	res := e.Execute(ctx, commandLine, force)
	if !res.Success {
		return res
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	lg := e.log()
	lg.Info("waiting for server to become available")

	for attempt := 1; attempt <= maxRetries; attempt++ {
		t := time.NewTimer(retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return Failf("Waiting for connection interrupted: %v", ctx.Err())
		case <-t.C:
		}
		lg.Debug("connection check", "attempt", attempt, "max", maxRetries)
		ok, err := check(ctx)
		if err != nil {
			lg.Debug("connection check failed", "error", err)
			continue
		}
		if ok {
			lg.Info("server is now available", "attempts", attempt)
			return OK(fmt.Sprintf("Connected after %d attempt(s)", attempt))
		}
	}
	return Failf("Server started but connection could not be established after %d attempts", maxRetries)
}
