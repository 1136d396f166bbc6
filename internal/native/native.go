// Package native detects and controls an OS-installed Apache CouchDB service
// through the platform's service manager. It never owns a process and never
// caches state: every call re-queries the OS.
package native

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/couchctl/internal/command"
	"github.com/loykin/couchctl/internal/history"
	"github.com/loykin/couchctl/internal/metrics"
	"github.com/loykin/couchctl/internal/platform"
)

const component = "native"

// ErrNotDetected means no CouchDB installation was found.
var ErrNotDetected = errors.New("CouchDB is not installed on this system")

// ServiceManager is the closed set of service managers that can control CouchDB.
type ServiceManager int

const (
	ManagerNone ServiceManager = iota
	ManagerSC
	ManagerSystemctl
	ManagerBrew
)

func (m ServiceManager) String() string {
	switch m {
	case ManagerSC:
		return "sc"
	case ManagerSystemctl:
		return "systemctl"
	case ManagerBrew:
		return "brew"
	default:
		return "none"
	}
}

// Label is the human name used in Describe.
func (m ServiceManager) Label() string {
	switch m {
	case ManagerSC:
		return "Windows Service"
	case ManagerSystemctl:
		return "systemd"
	case ManagerBrew:
		return "Homebrew"
	default:
		return "unknown"
	}
}

func (m ServiceManager) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Info describes the detected installation. It is recomputed on every call.
type Info struct {
	Platform platform.Platform `json:"platform"`
	Manager  ServiceManager    `json:"service_manager"`
	Detected bool              `json:"detected"`
	Running  bool              `json:"running"`
}

// Options configures a Controller. Zero values select the defaults.
type Options struct {
	WindowsService string // "Apache CouchDB"
	SystemdUnit    string // "couchdb"
	BrewFormula    string // "couchdb"
	Binary         string // "couchdb", looked up on PATH as a last resort on Linux
	DisableSudo    bool   // run systemctl start/stop without sudo

	QueryTimeout   time.Duration
	ControlTimeout time.Duration

	Platform func() platform.Platform
	Gate     platform.Gate
	Runner   command.Runner
	History  *history.Recorder
	Logger   *slog.Logger
}

const (
	DefaultQueryTimeout   = 5 * time.Second
	DefaultControlTimeout = 15 * time.Second
)

// Controller is the native service backend.
type Controller struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Controller {
	if opts.WindowsService == "" {
		opts.WindowsService = "Apache CouchDB"
	}
	if opts.SystemdUnit == "" {
		opts.SystemdUnit = "couchdb"
	}
	if opts.BrewFormula == "" {
		opts.BrewFormula = "couchdb"
	}
	if opts.Binary == "" {
		opts.Binary = "couchdb"
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.ControlTimeout <= 0 {
		opts.ControlTimeout = DefaultControlTimeout
	}
	if opts.Platform == nil {
		opts.Platform = platform.Detect
	}
	opts.Gate = opts.Gate.Resolve()
	if opts.Runner == nil {
		opts.Runner = command.OSRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{opts: opts, logger: opts.Logger.With("component", component)}
}

func (c *Controller) hostPlatform() platform.Platform {
	if !c.opts.Gate() {
		return platform.Unknown
	}
	return c.opts.Platform()
}

// Detect queries the platform's service manager. Probe failures fold into a
// not-detected Info, never an error.
func (c *Controller) Detect(ctx context.Context) Info {
	p := c.hostPlatform()
	info := Info{Platform: p}
	switch p {
	case platform.Windows:
		c.detectWindows(ctx, &info)
	case platform.Linux:
		c.detectLinux(ctx, &info)
	case platform.MacOS:
		c.detectMacOS(ctx, &info)
	case platform.Unknown:
	}
	return info
}

func (c *Controller) query(ctx context.Context, name string, args ...string) (string, bool) {
	out, err := command.RunTimeout(ctx, c.opts.Runner, c.opts.QueryTimeout, name, args...)
	if err != nil {
		c.logger.Debug("query failed", "command", command.Describe(name, args...), "error", err)
		return "", false
	}
	return out.Stdout, true
}

func (c *Controller) detectWindows(ctx context.Context, info *Info) {
	out, ok := c.query(ctx, "sc", "query", c.opts.WindowsService)
	if !ok || !strings.Contains(out, "SERVICE_NAME") {
		return
	}
	info.Manager = ManagerSC
	info.Detected = true
	info.Running = strings.Contains(out, "RUNNING")
	c.logger.Debug("windows service detected", "running", info.Running)
}

func (c *Controller) detectLinux(ctx context.Context, info *Info) {
	if out, ok := c.query(ctx, "systemctl", "is-active", c.opts.SystemdUnit); ok {
		info.Manager = ManagerSystemctl
		info.Detected = true
		info.Running = out == "active"
		c.logger.Debug("systemd unit detected", "running", info.Running)
		return
	}
	// is-active exits non-zero for inactive units too, so look for an
	// installed unit file before falling back to the binary on PATH.
	unit := c.opts.SystemdUnit + ".service"
	if out, ok := c.query(ctx, "systemctl", "list-unit-files", unit); ok && strings.Contains(out, unit) {
		info.Manager = ManagerSystemctl
		info.Detected = true
		return
	}
	if _, err := c.opts.Runner.LookPath(c.opts.Binary); err == nil {
		info.Manager = ManagerSystemctl
		info.Detected = true
	}
}

func (c *Controller) detectMacOS(ctx context.Context, info *Info) {
	out, ok := c.query(ctx, "brew", "services", "list")
	if !ok || !strings.Contains(out, c.opts.BrewFormula) {
		return
	}
	info.Manager = ManagerBrew
	info.Detected = true
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, c.opts.BrewFormula) && strings.Contains(line, "started") {
			info.Running = true
			break
		}
	}
	c.logger.Debug("brew service detected", "running", info.Running)
}

// controlCommand returns the start or stop command for a service manager.
func (c *Controller) controlCommand(m ServiceManager, verb string) ([]string, error) {
	switch m {
	case ManagerSC:
		return []string{"net", verb, c.opts.WindowsService}, nil
	case ManagerSystemctl:
		if c.opts.DisableSudo {
			return []string{"systemctl", verb, c.opts.SystemdUnit}, nil
		}
		return []string{"sudo", "systemctl", verb, c.opts.SystemdUnit}, nil
	case ManagerBrew:
		return []string{"brew", "services", verb, c.opts.BrewFormula}, nil
	case ManagerNone:
	}
	return nil, fmt.Errorf("Unknown service manager: %s", m)
}

// Start starts the service and verifies it is running afterwards.
func (c *Controller) Start(ctx context.Context) (res command.Result) {
	started := time.Now()
	defer func() { metrics.ObserveOperation(component, "start", res.Success, time.Since(started)) }()

	info := c.Detect(ctx)
	if !info.Detected {
		return command.FailErr(ErrNotDetected)
	}
	if info.Running {
		return command.OK("CouchDB is already running")
	}
	argv, err := c.controlCommand(info.Manager, "start")
	if err != nil {
		return command.FailErr(err)
	}
	c.logger.Info("starting CouchDB", "manager", info.Manager.String())
	out, err := command.RunTimeout(ctx, c.opts.Runner, c.opts.ControlTimeout, argv[0], argv[1:]...)
	if err != nil {
		c.logger.Warn("start command failed", "command", display(argv), "error", err)
		return command.Failf("Failed to start CouchDB via '%s'", display(argv))
	}
	if !c.IsRunning(ctx) {
		return command.Fail("Command ran but CouchDB doesn't appear to be running")
	}
	c.logger.Info("started successfully")
	c.record(ctx, history.EventStart, info)
	if out.Stdout != "" {
		return command.OK(out.Stdout)
	}
	return command.OK("CouchDB started")
}

// Stop stops the service; success is judged by the command's exit status only.
func (c *Controller) Stop(ctx context.Context) (res command.Result) {
	started := time.Now()
	defer func() { metrics.ObserveOperation(component, "stop", res.Success, time.Since(started)) }()

	info := c.Detect(ctx)
	if !info.Detected {
		return command.FailErr(ErrNotDetected)
	}
	if !info.Running {
		return command.OK("CouchDB is already stopped")
	}
	argv, err := c.controlCommand(info.Manager, "stop")
	if err != nil {
		return command.FailErr(err)
	}
	c.logger.Info("stopping CouchDB", "manager", info.Manager.String())
	out, err := command.RunTimeout(ctx, c.opts.Runner, c.opts.ControlTimeout, argv[0], argv[1:]...)
	if err != nil {
		c.logger.Warn("stop command failed", "command", display(argv), "error", err)
		return command.Failf("Failed to stop CouchDB via '%s'", display(argv))
	}
	c.logger.Info("stopped")
	c.record(ctx, history.EventStop, info)
	if out.Stdout != "" {
		return command.OK(out.Stdout)
	}
	return command.OK("CouchDB stopped")
}

// IsRunning is Detect(ctx).Running.
func (c *Controller) IsRunning(ctx context.Context) bool {
	return c.Detect(ctx).Running
}

// Describe renders "<manager> (<platform>) - <running|stopped>".
func (c *Controller) Describe(ctx context.Context) string {
	return DescribeInfo(c.Detect(ctx))
}

func DescribeInfo(info Info) string {
	if !info.Detected {
		return "Not detected"
	}
	status := "stopped"
	if info.Running {
		status = "running"
	}
	return fmt.Sprintf("%s (%s) - %s", info.Manager.Label(), info.Platform, status)
}

func (c *Controller) record(ctx context.Context, t history.EventType, info Info) {
	c.opts.History.Record(ctx, history.Event{Type: t, Component: component, Name: info.Manager.String()})
}

// display quotes arguments containing spaces, matching how the command would be typed.
func display(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if strings.ContainsAny(a, " \t") {
			a = `"` + a + `"`
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}
