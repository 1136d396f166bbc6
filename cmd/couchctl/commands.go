package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/couchctl/pkg/client"
)

// command runs CLI operations against a local or remote backend.
type command struct {
	global *GlobalFlags
	// open overrides backend construction in tests.
	open func() (backend, error)
	// hold blocks while a locally started managed server runs.
	hold func(ctx context.Context)
}

func (c *command) backend() (backend, error) {
	if c.open != nil {
		return c.open()
	}
	if c.global.APIUrl != "" {
		return newRemoteBackend(c.global.APIUrl, c.global), nil
	}
	return newLocalBackend(c.global.ConfigPath)
}

// with opens a backend, runs fn and closes the backend.
func (c *command) with(cmd *cobra.Command, fn func(ctx context.Context, b backend) error) error {
	b, err := c.backend()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runErr := fn(ctx, b)
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(runErr, b.Close(closeCtx))
}

func (c *command) Start(cmd *cobra.Command, flags StartFlags) error {
	return c.with(cmd, func(ctx context.Context, b backend) error {
		res, err := b.StartAll(ctx, flags.Tunnel, func(m string) {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), m)
		})
		if err != nil {
			return err
		}
		if err := c.report(cmd, res); err != nil {
			return err
		}
		c.holdIfOwned(ctx, cmd, b)
		return nil
	})
}

func (c *command) Stop(cmd *cobra.Command) error {
	return c.with(cmd, func(ctx context.Context, b backend) error {
		res, err := b.StopAll(ctx)
		if err != nil {
			return err
		}
		c.stopHint(cmd, b)
		return c.report(cmd, res)
	})
}

func (c *command) Status(cmd *cobra.Command) error {
	return c.with(cmd, func(ctx context.Context, b backend) error {
		st, err := b.Status(ctx)
		if err != nil {
			return err
		}
		if c.global.JSON {
			return printJSON(cmd.OutOrStdout(), st)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "database: %s (%s)\ntunnel:   %s\n", st.Database, st.DatabaseLabel, st.Tunnel)
		return nil
	})
}

func (c *command) Detect(cmd *cobra.Command) error {
	return c.with(cmd, func(ctx context.Context, b backend) error {
		d, err := b.Detect(ctx)
		if err != nil {
			return err
		}
		if c.global.JSON {
			return printJSON(cmd.OutOrStdout(), d)
		}
		w := cmd.OutOrStdout()
		if d.ManagedAvailable {
			_, _ = fmt.Fprintf(w, "pouchdb-server: available (%s)\n", d.ManagedMethod)
		} else {
			_, _ = fmt.Fprintln(w, "pouchdb-server: not installed")
		}
		if d.Native.Detected {
			state := "stopped"
			if d.Native.Running {
				state = "running"
			}
			_, _ = fmt.Fprintf(w, "native CouchDB: %s via %s on %s\n", state, d.Native.Manager, d.Native.Platform)
		} else {
			_, _ = fmt.Fprintln(w, "native CouchDB: not detected")
		}
		return nil
	})
}

func (c *command) Install(cmd *cobra.Command) error {
	return c.with(cmd, func(ctx context.Context, b backend) error {
		res, err := b.Install(ctx)
		if err != nil {
			return err
		}
		return c.report(cmd, res)
	})
}

func (c *command) Configure(cmd *cobra.Command, flags ConfigureFlags) error {
	return c.with(cmd, func(ctx context.Context, b backend) error {
		res, err := b.Configure(ctx, client.ConfigureRequest(flags))
		if err != nil {
			return err
		}
		return c.report(cmd, res)
	})
}

func (c *command) Exec(cmd *cobra.Command, flags ExecFlags) error {
	return c.with(cmd, func(ctx context.Context, b backend) error {
		res, err := b.Exec(ctx, flags.Force, flags.Wait)
		if err != nil {
			return err
		}
		return c.report(cmd, res)
	})
}

func (c *command) DatabaseStart(cmd *cobra.Command, flags DatabaseFlags) error {
	return c.with(cmd, func(ctx context.Context, b backend) error {
		res, err := b.StartDatabase(ctx, client.DatabaseStartRequest(flags))
		if err != nil {
			return err
		}
		if err := c.report(cmd, res); err != nil {
			return err
		}
		c.holdIfOwned(ctx, cmd, b)
		return nil
	})
}

func (c *command) DatabaseStop(cmd *cobra.Command) error {
	return c.with(cmd, func(ctx context.Context, b backend) error {
		res, err := b.StopDatabase(ctx)
		if err != nil {
			return err
		}
		c.stopHint(cmd, b)
		return c.report(cmd, res)
	})
}

func (c *command) History(cmd *cobra.Command) error {
	return c.with(cmd, func(ctx context.Context, b backend) error {
		events, err := b.History(ctx)
		if err != nil {
			return err
		}
		if c.global.JSON {
			return printJSON(cmd.OutOrStdout(), events)
		}
		for _, e := range events {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s %-8s %s pid=%d port=%d %s\n",
				e.OccurredAt.Format(time.RFC3339), e.Type, e.Component, e.Name, e.PID, e.Port, e.Message)
		}
		return nil
	})
}

// report prints a result. A failed result becomes the command error; the
// errors of a partial success go to stderr.
func (c *command) report(cmd *cobra.Command, res client.Result) error {
	w := cmd.OutOrStdout()
	if c.global.JSON {
		if err := printJSON(w, res); err != nil {
			return err
		}
	} else if res.Output != "" {
		_, _ = fmt.Fprintln(w, res.Output)
	}
	if res.Success && res.Error != "" && !c.global.JSON {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), res.Error)
	}
	if !res.Success {
		return errors.New(res.Error)
	}
	return nil
}

func (c *command) stopHint(cmd *cobra.Command, b backend) {
	if h := b.StopHint(); h != "" && !c.global.JSON {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), h)
	}
}

// holdIfOwned keeps the process alive while it owns the managed server;
// the server is stopped when the backend closes.
func (c *command) holdIfOwned(ctx context.Context, cmd *cobra.Command, b backend) {
	if !b.Holds(ctx) {
		return
	}
	_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "Press Ctrl+C to stop the server")
	if c.hold != nil {
		c.hold(ctx)
		return
	}
	waitForSignal(ctx)
}

func waitForSignal(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
