package main

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/loykin/couchctl"
	"github.com/loykin/couchctl/internal/logger"
	"github.com/loykin/couchctl/internal/orchestrator"
	"github.com/loykin/couchctl/pkg/client"
)

// backend is what the commands drive: the in-process Service or a daemon.
type backend interface {
	Status(ctx context.Context) (client.ServiceState, error)
	StartAll(ctx context.Context, tunnel string, onProgress func(string)) (client.Result, error)
	StopAll(ctx context.Context) (client.Result, error)
	StartDatabase(ctx context.Context, req client.DatabaseStartRequest) (client.Result, error)
	StopDatabase(ctx context.Context) (client.Result, error)
	Detect(ctx context.Context) (client.Detection, error)
	Install(ctx context.Context) (client.Result, error)
	Configure(ctx context.Context, req client.ConfigureRequest) (client.Result, error)
	Exec(ctx context.Context, force, wait bool) (client.Result, error)
	History(ctx context.Context) ([]client.HistoryEvent, error)
	// Holds reports whether the process owns a running managed server that
	// ends with it.
	Holds(ctx context.Context) bool
	// StopHint is printed after a stop; empty when there is nothing to add.
	StopHint() string
	Close(ctx context.Context) error
}

var errWaitRemote = errors.New("--wait is not supported with --api-url")

// localBackend runs operations in this process.
type localBackend struct {
	svc     *couchctl.Service
	managed bool
	logs    io.Closer
}

func newLocalBackend(cfgPath string) (*localBackend, error) {
	cfg, err := couchctl.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	log, logs, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	svc, err := couchctl.New(cfg, couchctl.Options{Logger: log})
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return &localBackend{svc: svc, managed: cfg.Database.Backend == orchestrator.BackendManaged, logs: logs}, nil
}

func toResult(r couchctl.Result) client.Result {
	return client.Result(r)
}

func (l *localBackend) Status(ctx context.Context) (client.ServiceState, error) {
	st := l.svc.Status(ctx)
	return client.ServiceState{
		Database:           string(st.Database),
		DatabaseLabel:      st.DatabaseLabel,
		Tunnel:             string(st.Tunnel),
		DatabaseConfigured: st.DatabaseConfigured,
	}, nil
}

func (l *localBackend) StartAll(ctx context.Context, tunnel string, onProgress func(string)) (client.Result, error) {
	return toResult(l.svc.StartAll(ctx, tunnel, onProgress)), nil
}

func (l *localBackend) StopAll(ctx context.Context) (client.Result, error) {
	return toResult(l.svc.StopAll(ctx)), nil
}

func (l *localBackend) StartDatabase(ctx context.Context, req client.DatabaseStartRequest) (client.Result, error) {
	return toResult(l.svc.StartDatabase(ctx, couchctl.DatabaseOverride{Port: req.Port, DataDir: req.DataDir})), nil
}

func (l *localBackend) StopDatabase(ctx context.Context) (client.Result, error) {
	return toResult(l.svc.StopDatabase(ctx)), nil
}

func (l *localBackend) Detect(ctx context.Context) (client.Detection, error) {
	d := l.svc.Detect(ctx)
	return client.Detection{
		ManagedAvailable: d.ManagedAvailable,
		ManagedMethod:    d.ManagedMethod.String(),
		Native: client.NativeInfo{
			Platform: d.Native.Platform.String(),
			Manager:  d.Native.Manager.String(),
			Detected: d.Native.Detected,
			Running:  d.Native.Running,
		},
	}, nil
}

func (l *localBackend) Install(ctx context.Context) (client.Result, error) {
	return toResult(l.svc.Install(ctx)), nil
}

func (l *localBackend) Configure(ctx context.Context, req client.ConfigureRequest) (client.Result, error) {
	return toResult(l.svc.Configure(ctx, couchctl.ConfigureRequest{URL: req.URL, Username: req.Username, Password: req.Password})), nil
}

func (l *localBackend) Exec(ctx context.Context, force, wait bool) (client.Result, error) {
	if wait {
		return toResult(l.svc.ExecuteAndWait(ctx, force)), nil
	}
	return toResult(l.svc.Execute(ctx, force)), nil
}

func (l *localBackend) History(context.Context) ([]client.HistoryEvent, error) {
	events := l.svc.History()
	out := make([]client.HistoryEvent, 0, len(events))
	for _, e := range events {
		out = append(out, client.HistoryEvent{
			Type: string(e.Type), OccurredAt: e.OccurredAt, Component: e.Component,
			Name: e.Name, PID: e.PID, Port: e.Port, Message: e.Message,
		})
	}
	return out, nil
}

func (l *localBackend) Holds(ctx context.Context) bool {
	return l.managed && l.svc.IsDatabaseRunning(ctx)
}

// stopHint explains that a managed server owned by another couchctl process
// is out of reach of a local stop.
const stopHint = "Note: a pouchdb-server started by another couchctl process (serve or start) " +
	"can only be stopped through it; use --api-url to reach a running daemon."

func (l *localBackend) StopHint() string {
	if l.managed {
		return stopHint
	}
	return ""
}

func (l *localBackend) Close(ctx context.Context) error {
	err := l.svc.Close(ctx)
	return errors.Join(err, l.logs.Close())
}

// remoteBackend talks to a couchctl daemon.
type remoteBackend struct {
	c *client.Client
}

func newRemoteBackend(url string, flags *GlobalFlags) *remoteBackend {
	cfg := client.Config{
		BaseURL:  url,
		Timeout:  flags.APITimeout,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Insecure: flags.APIInsecure,
	}
	if flags.APICACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: flags.APICACert}
	}
	return &remoteBackend{c: client.New(cfg)}
}

func (r *remoteBackend) Status(ctx context.Context) (client.ServiceState, error) {
	return r.c.Status(ctx)
}

func (r *remoteBackend) StartAll(ctx context.Context, tunnel string, onProgress func(string)) (client.Result, error) {
	resp, err := r.c.StartAll(ctx, tunnel)
	if err != nil {
		return client.Result{}, err
	}
	for _, p := range resp.Progress {
		onProgress(p)
	}
	return resp.Result, nil
}

func (r *remoteBackend) StopAll(ctx context.Context) (client.Result, error) { return r.c.StopAll(ctx) }

func (r *remoteBackend) StartDatabase(ctx context.Context, req client.DatabaseStartRequest) (client.Result, error) {
	return r.c.StartDatabase(ctx, req)
}

func (r *remoteBackend) StopDatabase(ctx context.Context) (client.Result, error) {
	return r.c.StopDatabase(ctx)
}

func (r *remoteBackend) Detect(ctx context.Context) (client.Detection, error) { return r.c.Detect(ctx) }

func (r *remoteBackend) Install(ctx context.Context) (client.Result, error) { return r.c.Install(ctx) }

func (r *remoteBackend) Configure(ctx context.Context, req client.ConfigureRequest) (client.Result, error) {
	return r.c.Configure(ctx, req)
}

func (r *remoteBackend) Exec(ctx context.Context, force, wait bool) (client.Result, error) {
	if wait {
		return client.Result{}, errWaitRemote
	}
	return r.c.Exec(ctx, force)
}

func (r *remoteBackend) History(ctx context.Context) ([]client.HistoryEvent, error) {
	return r.c.History(ctx)
}

func (r *remoteBackend) Holds(context.Context) bool  { return false }
func (r *remoteBackend) StopHint() string            { return "" }
func (r *remoteBackend) Close(context.Context) error { return nil }
