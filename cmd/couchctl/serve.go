package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/couchctl"
	"github.com/loykin/couchctl/internal/logger"
)

const shutdownTimeout = 10 * time.Second

// runServe serves the HTTP API until SIGINT/SIGTERM, then stops the managed
// server and removes the pid file.
func runServe(ctx context.Context, flags ServeFlags) error {
	cfg, err := couchctl.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if flags.Daemonize {
		parent, err := daemonize(flags.PidFile, flags.LogFile)
		if err != nil || parent {
			return err
		}
	} else if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
	}
	defer func() { _ = removePidFile(flags.PidFile) }()

	log, logs, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logs.Close() }()
	slog.SetDefault(log)

	svc, err := couchctl.New(cfg, couchctl.Options{Logger: log})
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := svc.NewHTTPServer()
	if err != nil {
		return errors.Join(err, svc.Close(context.Background()))
	}
	return serve(ctx, svc, srv, flags.AutoStart, log)
}

// serve runs srv until ctx ends and then shuts down srv and svc.
func serve(ctx context.Context, svc *couchctl.Service, srv *http.Server, autoStart bool, log *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("couchctl API listening", "addr", srv.Addr, "tls", srv.TLSConfig != nil)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if autoStart {
		go func() {
			res := svc.StartAll(ctx, "", func(m string) { log.Info(m) })
			if res.Success {
				log.Info("autostart finished", "output", res.Output)
			} else {
				log.Warn("autostart failed", "error", res.Error)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, srv.Shutdown(shutdownCtx), svc.Close(shutdownCtx))
}
