// Package couchctl wires the database backends, the tunnel executor and the
// ambient services (history, metrics, process logs) into one Service.
package couchctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/couchctl/internal/autoconfig"
	"github.com/loykin/couchctl/internal/command"
	cfg "github.com/loykin/couchctl/internal/config"
	"github.com/loykin/couchctl/internal/history"
	"github.com/loykin/couchctl/internal/history/factory"
	"github.com/loykin/couchctl/internal/manager"
	"github.com/loykin/couchctl/internal/metrics"
	"github.com/loykin/couchctl/internal/native"
	"github.com/loykin/couchctl/internal/orchestrator"
	"github.com/loykin/couchctl/internal/platform"
	iapi "github.com/loykin/couchctl/internal/server"
	tlsconf "github.com/loykin/couchctl/internal/tls"
)

// Re-export core types for external consumers.

type Config = cfg.FileConfig

type Result = command.Result

type ServiceState = orchestrator.ServiceState

type Detection = orchestrator.Detection

type Backend = orchestrator.Backend

type HistoryEvent = history.Event

type HistorySink = history.Sink

type DatabaseOverride = iapi.DatabaseOverride

type ConfigureRequest = iapi.ConfigureRequest

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Options injects collaborators. Zero values select the OS-backed defaults.
type Options struct {
	Logger    *slog.Logger
	Gate      platform.Gate
	Runner    command.Runner
	Spawn     manager.SpawnFunc
	Launcher  command.Launcher
	Requester autoconfig.RequestFunc
	// Registry receives the metrics when enabled; nil uses the default registerer.
	Registry *prometheus.Registry
	// Sinks are added to the history recorder in addition to the configured DSNs.
	Sinks []history.Sink
}

// Service is the embeddable couchctl runtime.
type Service struct {
	cfg    Config
	logger *slog.Logger

	managed    *manager.Server
	native     *native.Controller
	executor   *command.Executor
	dispatcher *orchestrator.Dispatcher
	history    *history.Recorder
	memory     *history.MemorySink
	resources  *metrics.ResourceCollector
	requester  autoconfig.RequestFunc
	registry   *prometheus.Registry

	outputOnce sync.Once
	outputs    []io.Closer
	stdout     io.Writer
	stderr     io.Writer

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New builds a Service from c. c is copied; later changes have no effect.
func New(c *Config, opts Options) (*Service, error) {
	if c == nil {
		return nil, errors.New("couchctl: nil config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	env, err := c.ProcessEnv()
	if err != nil {
		return nil, err
	}

	s := &Service{cfg: *c, logger: logger, requester: opts.Requester, registry: opts.Registry}
	if s.requester == nil {
		s.requester = autoconfig.HTTPRequester(nil)
	}

	if err := s.setupHistory(opts.Sinks); err != nil {
		return nil, err
	}
	if err := s.setupMetrics(); err != nil {
		_ = s.history.Close()
		return nil, err
	}

	s.managed = manager.New(manager.Options{
		Binary:         c.Managed.Binary,
		Package:        c.Managed.Package,
		Env:            env,
		Settle:         c.Managed.Settle,
		StopWait:       c.Managed.StopWait,
		InstallTimeout: c.Managed.InstallTimeout,
		BufferLimit:    c.Managed.BufferLimit,
		Gate:           opts.Gate,
		Runner:         opts.Runner,
		Spawn:          opts.Spawn,
		Output:         s.processOutput,
		History:        s.history,
		Logger:         logger,
	})
	s.native = native.New(native.Options{
		WindowsService: c.Native.WindowsService,
		SystemdUnit:    c.Native.SystemdUnit,
		BrewFormula:    c.Native.BrewFormula,
		Binary:         c.Native.Binary,
		DisableSudo:    c.Native.DisableSudo,
		QueryTimeout:   c.Native.QueryTimeout,
		ControlTimeout: c.Native.ControlTimeout,
		Gate:           opts.Gate,
		Runner:         opts.Runner,
		History:        s.history,
		Logger:         logger,
	})
	s.executor = command.NewExecutor(logger.With("component", "executor"))
	if opts.Launcher != nil {
		s.executor.Launcher = opts.Launcher
	}
	if opts.Gate != nil {
		s.executor.Gate = opts.Gate
	}
	if c.Executor.SpawnTimeout > 0 {
		s.executor.SpawnTimeout = c.Executor.SpawnTimeout
	}
	s.dispatcher = &orchestrator.Dispatcher{
		Managed:      s.managed,
		Native:       s.native,
		Executor:     s.executor,
		TunnelBinary: c.Tunnel.Binary,
		History:      s.history,
		Logger:       logger.With("component", "orchestrator"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.resources.Start(ctx, s.managed.PID)
	return s, nil
}

func (s *Service) setupHistory(extra []history.Sink) error {
	s.history = history.NewRecorder(s.logger.With("component", "history"), extra...)
	if !s.cfg.History.Enabled {
		return nil
	}
	if s.cfg.History.Memory > 0 {
		s.memory = history.NewMemorySink(s.cfg.History.Memory)
		s.history.Add(s.memory)
	}
	for _, dsn := range s.cfg.History.Sinks {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			_ = s.history.Close()
			return fmt.Errorf("history sink %q: %w", redactDSN(dsn), err)
		}
		s.history.Add(sink)
	}
	return nil
}

func (s *Service) setupMetrics() error {
	s.resources = metrics.NewResourceCollector(s.cfg.Metrics.Resources)
	if !s.cfg.Metrics.Enabled {
		return nil
	}
	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	if s.registry != nil {
		reg = s.registry
	}
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	return s.resources.Register(reg)
}

// redactDSN hides credentials in error messages.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}

// processOutput opens the rotated log files once and hands the same writers
// to every start.
func (s *Service) processOutput(name string) (io.Writer, io.Writer) {
	s.outputOnce.Do(func() {
		out, errW, err := s.cfg.Log.ProcessWriters(filepath.Base(name))
		if err != nil {
			s.logger.Warn("process log files unavailable", "error", err)
			return
		}
		if out != nil {
			s.stdout = out
			s.outputs = append(s.outputs, out)
		}
		if errW != nil {
			s.stderr = errW
			s.outputs = append(s.outputs, errW)
		}
	})
	return s.stdout, s.stderr
}

// Status computes a fresh ServiceState for the configured services.
func (s *Service) Status(ctx context.Context) ServiceState {
	return s.dispatcher.Status(ctx, s.cfg.Database.Backend, s.cfg.Tunnel.Name)
}

// StartAll starts the configured database and tunnel. A non-empty
// tunnelName replaces the configured one for this call.
func (s *Service) StartAll(ctx context.Context, tunnelName string, onProgress orchestrator.ProgressFunc) Result {
	if tunnelName == "" {
		tunnelName = s.cfg.Tunnel.Name
	}
	db := s.cfg.Database
	return s.dispatcher.StartAll(ctx, &db, tunnelName, onProgress)
}

// StopAll stops the configured database backend.
func (s *Service) StopAll(ctx context.Context) Result {
	return s.dispatcher.StopAll(ctx, s.cfg.Database.Backend)
}

// StartDatabase starts the configured backend, applying o on top of the config.
func (s *Service) StartDatabase(ctx context.Context, o DatabaseOverride) Result {
	db := s.cfg.Database
	if o.Port > 0 {
		db.Port = o.Port
	}
	if o.DataDir != "" {
		db.DataDir = o.DataDir
	}
	return s.dispatcher.StartDatabase(ctx, db)
}

func (s *Service) StopDatabase(ctx context.Context) Result {
	return s.dispatcher.StopDatabase(ctx, s.cfg.Database.Backend)
}

func (s *Service) IsDatabaseRunning(ctx context.Context) bool {
	return s.dispatcher.IsDatabaseRunning(ctx, s.cfg.Database.Backend)
}

func (s *Service) Detect(ctx context.Context) Detection { return s.dispatcher.DetectAvailableBackends(ctx) }

// Install installs the managed server package globally via npm.
func (s *Service) Install(ctx context.Context) Result { return s.managed.Install(ctx) }

// Configure applies the CouchDB configuration sequence. Empty request fields
// fall back to the autoconfig URL and the database credentials.
func (s *Service) Configure(ctx context.Context, req ConfigureRequest) Result {
	if req.URL == "" {
		req.URL = s.cfg.AutoConfig.URL
	}
	if req.Username == "" {
		req.Username, req.Password = s.cfg.Database.Username, s.cfg.Database.Password
	}
	if req.URL == "" {
		return command.Fail("No CouchDB URL configured")
	}
	if req.Username == "" {
		return command.Fail("Database username is not configured")
	}
	o := s.cfg.AutoConfig.Options()
	o.Logger = s.logger.With("component", "autoconfig")
	return autoconfig.Configure(ctx, req.URL, req.Username, req.Password, s.requester, o)
}

// Execute fires the configured server command.
func (s *Service) Execute(ctx context.Context, force bool) Result {
	return s.executor.Execute(ctx, s.cfg.Executor.Command, force || s.cfg.Executor.Force)
}

// ExecuteAndWait fires the configured server command and polls the wait
// address until it answers. http(s) addresses are probed with GET; anything
// else is dialled as host:port.
func (s *Service) ExecuteAndWait(ctx context.Context, force bool) Result {
	addr := s.cfg.Executor.WaitAddr
	if addr == "" {
		return command.Fail("No wait address configured")
	}
	var check command.ConnectionCheck
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		check = command.HTTPCheck(addr, &http.Client{Timeout: 3 * time.Second})
	} else {
		check = command.TCPCheck(addr, 3*time.Second)
	}
	return s.executor.RunAndWaitForConnection(ctx, s.cfg.Executor.Command, check,
		s.cfg.Executor.RetryDelay, s.cfg.Executor.MaxRetries, force || s.cfg.Executor.Force)
}

// History returns the in-memory event log; nil unless history.memory > 0.
func (s *Service) History() []HistoryEvent {
	if s.memory == nil {
		return nil
	}
	return s.memory.Events()
}

// Resources returns the sampled resource usage of the managed server.
func (s *Service) Resources() []metrics.Sample { return s.resources.History() }

// Router builds the HTTP API for s.
func (s *Service) Router() *iapi.Router {
	r := iapi.NewRouter(s, s.cfg.Server.BasePath)
	if s.cfg.Metrics.Enabled {
		if s.registry != nil {
			r.WithMetrics(metrics.HandlerFor(s.registry))
		} else {
			r.WithMetrics(metrics.Handler())
		}
	}
	return r
}

// NewHTTPServer builds the API server on the configured listen address.
// TLSConfig is set when [server.tls] is enabled.
func (s *Service) NewHTTPServer() (*http.Server, error) {
	tc, err := tlsconf.Setup(s.cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	srv := iapi.NewServer(s.cfg.Server.Listen, s.Router())
	srv.TLSConfig = tc
	return srv, nil
}

// Close stops the managed server, the resource sampler and the history sinks.
// Safe to call more than once.
func (s *Service) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.dispatcher.Cleanup(ctx)
		s.managed.Close()
		s.cancel()
		s.resources.Stop()
		errs := []error{s.history.Close()}
		for _, c := range s.outputs {
			errs = append(errs, c.Close())
		}
		err = errors.Join(errs...)
	})
	return err
}

var _ iapi.Service = (*Service)(nil)
