package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := &command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createStartCommand(c),
		createStopCommand(c),
		createStatusCommand(c),
		createDetectCommand(c),
		createInstallCommand(c),
		createConfigureCommand(c),
		createExecCommand(c),
		createDatabaseCommand(c),
		createHistoryCommand(c),
		createServeCommand(globalFlags),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "couchctl",
		Short: "Run a CouchDB-compatible sync backend and its tunnel",
		Long: `couchctl starts and stops a local database for note sync (a managed
pouchdb-server child or a native CouchDB service), fires the Cloudflare tunnel,
and applies the CouchDB settings sync clients need.

Examples:
  couchctl start --config couchctl.toml
  couchctl status
  couchctl configure --url http://127.0.0.1:5984 --username admin --password secret
  couchctl serve                                     # HTTP API on [server].listen
  couchctl status --api-url http://127.0.0.1:8780/api  # ask a running daemon`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "couchctl daemon URL (e.g. http://127.0.0.1:8780/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", defaultAPITimeout, "daemon request timeout")
	root.PersistentFlags().StringVar(&flags.APICACert, "api-ca", "", "CA certificate for an https daemon (e.g. <tls dir>/tls_ca.crt)")
	root.PersistentFlags().BoolVar(&flags.APIInsecure, "api-insecure", false, "skip TLS verification of the daemon")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print results as JSON")

	return root
}

func createStartCommand(c *command) *cobra.Command {
	flags := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the configured database and tunnel",
		Long: `Start the configured database backend and then the tunnel.
Without --api-url a managed server stays in the foreground until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Start(cmd, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Tunnel, "tunnel", "", "tunnel name (overrides [tunnel].name)")
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the configured database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Stop(cmd)
		},
	}
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show database and tunnel status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Status(cmd)
		},
	}
}

func createDetectCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Probe which database backends are available",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Detect(cmd)
		},
	}
}

func createInstallCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install pouchdb-server globally via npm",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Install(cmd)
		},
	}
}

func createConfigureCommand(c *command) *cobra.Command {
	flags := &ConfigureFlags{}
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Apply the CouchDB settings required by sync clients",
		Long: `Run the fixed configuration sequence (single node setup, authentication,
CORS and size limits) against a CouchDB instance. Every step runs even when
an earlier one fails.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Configure(cmd, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.URL, "url", "", "CouchDB URL (default [autoconfig].url)")
	cmd.Flags().StringVar(&flags.Username, "username", "", "admin user (default [database].username)")
	cmd.Flags().StringVar(&flags.Password, "password", "", "admin password (default [database].password)")
	return cmd
}

func createExecCommand(c *command) *cobra.Command {
	flags := &ExecFlags{}
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run the configured server command",
		Long: `Run [executor].command. A command still running after the spawn timeout
is left in the background. With --wait, poll [executor].wait_addr until it answers.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Exec(cmd, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Force, "force", false, "run even where the platform is not a desktop")
	cmd.Flags().BoolVar(&flags.Wait, "wait", false, "wait for the server to accept connections")
	return cmd
}

func createDatabaseCommand(c *command) *cobra.Command {
	flags := &DatabaseFlags{}
	db := &cobra.Command{
		Use:   "database",
		Short: "Control only the database backend",
	}
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the configured database backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.DatabaseStart(cmd, *flags)
		},
	}
	start.Flags().IntVar(&flags.Port, "port", 0, "port (overrides [database].port)")
	start.Flags().StringVar(&flags.DataDir, "data-dir", "", "data directory (overrides [database].data_dir)")
	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the configured database backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.DatabaseStop(cmd)
		},
	}
	db.AddCommand(start, stop)
	return db
}

func createHistoryCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show recent lifecycle events from a running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.History(cmd)
		},
	}
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the couchctl HTTP API",
		Long: `Run the HTTP API on [server].listen. The managed server is stopped on
SIGINT/SIGTERM.

Examples:
  couchctl serve --config couchctl.toml
  couchctl serve couchctl.toml --daemonize --pidfile /run/couchctl.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), *serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	cmd.Flags().BoolVar(&serveFlags.AutoStart, "autostart", false, "start the configured services once the API is up")
	return cmd
}
