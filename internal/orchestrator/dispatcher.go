// Package orchestrator routes lifecycle calls to the configured database
// backend and composes database and tunnel startup into one operation.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/couchctl/internal/command"
	"github.com/loykin/couchctl/internal/history"
	"github.com/loykin/couchctl/internal/manager"
	"github.com/loykin/couchctl/internal/metrics"
	"github.com/loykin/couchctl/internal/native"
)

// Managed is the locally spawned server backend (*manager.Server).
type Managed interface {
	IsAvailable(ctx context.Context) manager.Availability
	Start(ctx context.Context, port int, dataDir string) command.Result
	Stop(ctx context.Context) command.Result
	IsRunning() bool
	Cleanup(ctx context.Context)
}

// Native is the OS service backend (*native.Controller).
type Native interface {
	Detect(ctx context.Context) native.Info
	Start(ctx context.Context) command.Result
	Stop(ctx context.Context) command.Result
	IsRunning(ctx context.Context) bool
}

// Executor fires one-shot commands (*command.Executor).
type Executor interface {
	Execute(ctx context.Context, commandLine string, force bool) command.Result
}

// ProgressFunc receives a status line before each StartAll phase.
type ProgressFunc func(message string)

// Detection is the advisory result of DetectAvailableBackends.
type Detection struct {
	ManagedAvailable bool           `json:"managed_available"`
	ManagedMethod    manager.Method `json:"managed_method"`
	Native           native.Info    `json:"native"`
}

// Dispatcher is the single entry point for database and tunnel lifecycle.
type Dispatcher struct {
	Managed      Managed
	Native       Native
	Executor     Executor
	TunnelBinary string // "cloudflared"
	History      *history.Recorder
	Logger       *slog.Logger
}

const (
	tunnelLabel         = "Cloudflared"
	DefaultTunnelBinary = "cloudflared"
	resultSeparator     = " | "
)

func (d *Dispatcher) log() *slog.Logger {
	if d.Logger == nil {
		return slog.Default().With("component", "orchestrator")
	}
	return d.Logger
}

// StartDatabase starts the configured backend. An empty selector fails.
func (d *Dispatcher) StartDatabase(ctx context.Context, cfg DatabaseConfig) command.Result {
	switch cfg.Backend {
	case BackendManaged:
		port := cfg.Port
		if port <= 0 {
			port = manager.DefaultPort
		}
		return d.Managed.Start(ctx, port, cfg.DataDir)
	case BackendNative:
		return d.Native.Start(ctx)
	default:
		return command.Fail("No CouchDB backend configured")
	}
}

// StopDatabase stops backend. Stopping nothing is a success.
func (d *Dispatcher) StopDatabase(ctx context.Context, backend Backend) command.Result {
	switch backend {
	case BackendManaged:
		return d.Managed.Stop(ctx)
	case BackendNative:
		return d.Native.Stop(ctx)
	default:
		return command.OK("No backend to stop")
	}
}

// IsDatabaseRunning reports liveness of backend; false for an empty selector.
func (d *Dispatcher) IsDatabaseRunning(ctx context.Context, backend Backend) bool {
	switch backend {
	case BackendManaged:
		return d.Managed.IsRunning()
	case BackendNative:
		return d.Native.IsRunning(ctx)
	default:
		return false
	}
}

// DetectAvailableBackends probes both backends concurrently.
func (d *Dispatcher) DetectAvailableBackends(ctx context.Context) Detection {
	var det Detection
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a := d.Managed.IsAvailable(gctx)
		det.ManagedAvailable, det.ManagedMethod = a.Available, a.Method
		return nil
	})
	g.Go(func() error {
		det.Native = d.Native.Detect(gctx)
		return nil
	})
	_ = g.Wait()
	return det
}

// TunnelCommand renders the tunnel-run command line.
func (d *Dispatcher) TunnelCommand(name string) string {
	bin := d.TunnelBinary
	if bin == "" {
		bin = DefaultTunnelBinary
	}
	return fmt.Sprintf("%s tunnel run \"%s\"", bin, name)
}

// StartAll starts the database (when cfg selects a backend) and then the
// tunnel (when tunnelName is not blank). Success means at least one
// configured phase succeeded; failures are reported alongside outputs.
func (d *Dispatcher) StartAll(ctx context.Context, cfg *DatabaseConfig, tunnelName string, onProgress ProgressFunc) (res command.Result) {
	started := time.Now()
	defer func() { metrics.ObserveOperation("orchestrator", "start_all", res.Success, time.Since(started)) }()

	if onProgress == nil {
		onProgress = func(string) {}
	}
	var outputs, errs []string

	if cfg != nil && cfg.Backend != BackendNone {
		label := cfg.Backend.Label()
		onProgress("Starting " + label + "...")
		r := d.StartDatabase(ctx, *cfg)
		if r.Success {
			outputs = append(outputs, label+": "+orDefault(r.Output, "Started"))
		} else {
			errs = append(errs, label+": "+orDefault(r.Error, "Failed"))
		}
	}

	if strings.TrimSpace(tunnelName) != "" {
		onProgress("Starting Cloudflared tunnel...")
		r := d.Executor.Execute(ctx, d.TunnelCommand(tunnelName), false)
		ev := history.Event{Type: history.EventStart, Component: "tunnel", Name: tunnelName, Message: r.Output}
		if r.Success {
			outputs = append(outputs, tunnelLabel+": "+orDefault(r.Output, "Started"))
		} else {
			errs = append(errs, tunnelLabel+": "+orDefault(r.Error, "Failed"))
			ev.Type, ev.Message = history.EventStartFailed, r.Error
		}
		d.History.Record(ctx, ev)
	}

	if len(errs) > 0 {
		d.log().Warn("start all finished with failures", "failed", len(errs), "succeeded", len(outputs))
		return command.Result{
			Success: len(outputs) > 0,
			Output:  strings.Join(outputs, resultSeparator),
			Error:   strings.Join(errs, resultSeparator),
		}
	}
	if len(outputs) == 0 {
		return command.Fail("No services configured. Select a backend or set a tunnel name first.")
	}
	return command.OK(strings.Join(outputs, resultSeparator))
}

// StopAll stops the database backend. The tunnel is not tracked after launch
// and cannot be stopped from here.
func (d *Dispatcher) StopAll(ctx context.Context, backend Backend) command.Result {
	return d.StopDatabase(ctx, backend)
}

// Status computes a fresh ServiceState. A panicking probe yields "error".
func (d *Dispatcher) Status(ctx context.Context, backend Backend, tunnelName string) ServiceState {
	st := ServiceState{
		Database:           StatusStopped,
		DatabaseLabel:      backend.Label(),
		Tunnel:             StatusStopped,
		DatabaseConfigured: backend != BackendNone,
	}
	if backend != BackendNone {
		st.Database = d.probeDatabase(ctx, backend)
	}
	if strings.TrimSpace(tunnelName) != "" {
		st.Tunnel = StatusUnknown
	}
	return st
}

func (d *Dispatcher) probeDatabase(ctx context.Context, backend Backend) (status ServiceStatus) {
	defer func() {
		if r := recover(); r != nil {
			d.log().Error("database probe panicked", "backend", string(backend), "panic", r)
			status = StatusError
		}
	}()
	if d.IsDatabaseRunning(ctx, backend) {
		return StatusRunning
	}
	return StatusStopped
}

// Cleanup stops the managed server; called on shutdown.
func (d *Dispatcher) Cleanup(ctx context.Context) {
	if d.Managed != nil {
		d.Managed.Cleanup(ctx)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
