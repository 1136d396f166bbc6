// Package config loads couchctl settings from a TOML file, COUCHCTL_*
// environment variables and optional .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/loykin/couchctl/internal/autoconfig"
	"github.com/loykin/couchctl/internal/logger"
	"github.com/loykin/couchctl/internal/metrics"
	"github.com/loykin/couchctl/internal/orchestrator"
	tlsconf "github.com/loykin/couchctl/internal/tls"
)

// EnvPrefix is the prefix of environment overrides, e.g. COUCHCTL_DATABASE_PORT.
const EnvPrefix = "COUCHCTL"

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	// Env, EnvFiles and UseOSEnv build the environment of the managed server.
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Database   orchestrator.DatabaseConfig `mapstructure:"database"`
	Tunnel     TunnelConfig                `mapstructure:"tunnel"`
	Managed    ManagedConfig               `mapstructure:"managed"`
	Native     NativeConfig                `mapstructure:"native"`
	Executor   ExecutorConfig              `mapstructure:"executor"`
	AutoConfig AutoConfigConfig            `mapstructure:"autoconfig"`
	Log        logger.Config               `mapstructure:"log"`
	Metrics    MetricsConfig               `mapstructure:"metrics"`
	History    HistoryConfig               `mapstructure:"history"`
	Server     ServerConfig                `mapstructure:"server"`
}

type TunnelConfig struct {
	Name   string `mapstructure:"name"`
	Binary string `mapstructure:"binary"`
}

type ManagedConfig struct {
	Binary         string        `mapstructure:"binary"`
	Package        string        `mapstructure:"package"`
	Settle         time.Duration `mapstructure:"settle"`
	StopWait       time.Duration `mapstructure:"stop_wait"`
	InstallTimeout time.Duration `mapstructure:"install_timeout"`
	BufferLimit    int           `mapstructure:"buffer_limit"`
}

type NativeConfig struct {
	WindowsService string        `mapstructure:"windows_service"`
	SystemdUnit    string        `mapstructure:"systemd_unit"`
	BrewFormula    string        `mapstructure:"brew_formula"`
	Binary         string        `mapstructure:"binary"`
	DisableSudo    bool          `mapstructure:"disable_sudo"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	ControlTimeout time.Duration `mapstructure:"control_timeout"`
}

type ExecutorConfig struct {
	Command      string        `mapstructure:"command"`
	SpawnTimeout time.Duration `mapstructure:"spawn_timeout"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	MaxRetries   int           `mapstructure:"max_retries"`
	// WaitAddr is the host:port polled by RunAndWaitForConnection.
	WaitAddr string `mapstructure:"wait_addr"`
	// Force bypasses the desktop platform gate.
	Force bool `mapstructure:"force"`
}

type AutoConfigConfig struct {
	URL                string   `mapstructure:"url"`
	Node               string   `mapstructure:"node"`
	CORSOrigins        []string `mapstructure:"cors_origins"`
	MaxHTTPRequestSize int64    `mapstructure:"max_http_request_size"`
	MaxDocumentSize    int64    `mapstructure:"max_document_size"`
}

// Options converts the section into autoconfig.Options.
func (a AutoConfigConfig) Options() autoconfig.Options {
	return autoconfig.Options{
		Node:               a.Node,
		CORSOrigins:        a.CORSOrigins,
		MaxHTTPRequestSize: a.MaxHTTPRequestSize,
		MaxDocumentSize:    a.MaxDocumentSize,
	}
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

// HistoryConfig selects the lifecycle event sinks.
type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Sinks are DSNs: sqlite://path, postgres://..., clickhouse://...
	Sinks []string `mapstructure:"sinks"`
	// Memory keeps the last N events in process for the API.
	Memory int `mapstructure:"memory"`
}

type ServerConfig struct {
	Listen   string         `mapstructure:"listen"`
	BasePath string         `mapstructure:"base_path"`
	TLS      tlsconf.Config `mapstructure:"tls"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_os_env", true)
	v.SetDefault("database.backend", "")
	v.SetDefault("database.port", 5984)
	v.SetDefault("database.data_dir", "")
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("tunnel.name", "")
	v.SetDefault("tunnel.binary", orchestrator.DefaultTunnelBinary)
	v.SetDefault("managed.binary", "pouchdb-server")
	v.SetDefault("managed.package", "pouchdb-server")
	v.SetDefault("managed.settle", "2s")
	v.SetDefault("managed.stop_wait", "3s")
	v.SetDefault("managed.install_timeout", "2m")
	v.SetDefault("managed.buffer_limit", 0)
	v.SetDefault("native.windows_service", "Apache CouchDB")
	v.SetDefault("native.systemd_unit", "couchdb")
	v.SetDefault("native.brew_formula", "couchdb")
	v.SetDefault("native.binary", "couchdb")
	v.SetDefault("native.disable_sudo", false)
	v.SetDefault("native.query_timeout", "5s")
	v.SetDefault("native.control_timeout", "15s")
	v.SetDefault("executor.command", "")
	v.SetDefault("executor.spawn_timeout", "5s")
	v.SetDefault("executor.retry_delay", "3s")
	v.SetDefault("executor.max_retries", 5)
	v.SetDefault("executor.wait_addr", "")
	v.SetDefault("executor.force", false)
	v.SetDefault("autoconfig.url", "http://127.0.0.1:5984")
	v.SetDefault("autoconfig.node", autoconfig.DefaultNode)
	v.SetDefault("autoconfig.cors_origins", autoconfig.DefaultCORSOrigins)
	v.SetDefault("autoconfig.max_http_request_size", int64(autoconfig.DefaultMaxHTTPRequestSize))
	v.SetDefault("autoconfig.max_document_size", int64(autoconfig.DefaultMaxDocumentSize))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.path", "")
	v.SetDefault("log.show_time", true)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", "5s")
	v.SetDefault("metrics.resources.max_history", 120)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.memory", 100)
	v.SetDefault("server.listen", "127.0.0.1:8780")
	v.SetDefault("server.base_path", "/api")
}

// Load reads path (optional) on top of defaults, applies COUCHCTL_*
// environment overrides and validates the result. .env and .env.local in
// the working directory are loaded first without overriding the process
// environment.
func Load(path string) (*FileConfig, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	backend, err := orchestrator.ParseBackend(string(fc.Database.Backend))
	if err != nil {
		return nil, err
	}
	fc.Database.Backend = backend
	fc.resolvePaths(path)
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// resolvePaths makes relative env_files entries relative to the config file.
func (fc *FileConfig) resolvePaths(cfgPath string) {
	if cfgPath == "" {
		return
	}
	base := filepath.Dir(cfgPath)
	for i, p := range fc.EnvFiles {
		if !filepath.IsAbs(p) {
			fc.EnvFiles[i] = filepath.Join(base, p)
		}
	}
}

// Validate checks ranges the backends cannot recover from.
func (fc *FileConfig) Validate() error {
	var errs []error
	if p := fc.Database.Port; p < 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("database.port %d out of range", p))
	}
	durations := map[string]time.Duration{
		"managed.settle":          fc.Managed.Settle,
		"managed.stop_wait":       fc.Managed.StopWait,
		"managed.install_timeout": fc.Managed.InstallTimeout,
		"native.query_timeout":    fc.Native.QueryTimeout,
		"native.control_timeout":  fc.Native.ControlTimeout,
		"executor.spawn_timeout":  fc.Executor.SpawnTimeout,
		"executor.retry_delay":    fc.Executor.RetryDelay,
	}
	keys := make([]string, 0, len(durations))
	for k := range durations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if durations[k] < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", k))
		}
	}
	if fc.Executor.MaxRetries < 0 {
		errs = append(errs, errors.New("executor.max_retries must not be negative"))
	}
	if fc.Managed.BufferLimit < 0 {
		errs = append(errs, errors.New("managed.buffer_limit must not be negative"))
	}
	if fc.Metrics.Resources.Enabled && fc.Metrics.Resources.Interval <= 0 {
		errs = append(errs, errors.New("metrics.resources.interval must be positive"))
	}
	if fc.History.Enabled && len(fc.History.Sinks) == 0 && fc.History.Memory <= 0 {
		errs = append(errs, errors.New("history is enabled but no sinks are configured"))
	}
	for i, o := range fc.AutoConfig.CORSOrigins {
		if strings.TrimSpace(o) == "" || strings.Contains(o, ",") {
			errs = append(errs, fmt.Errorf("autoconfig.cors_origins[%d] %q is invalid", i, o))
		}
	}
	if err := fc.Server.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.tls: %w", err))
	}
	return errors.Join(errs...)
}

// ProcessEnv merges the environment for the managed server.
// Precedence: OS env (when enabled) provides base; then env_files in order;
// then the top-level env list overrides last.
func (fc *FileConfig) ProcessEnv() ([]string, error) {
	m := make(map[string]string)
	if fc.UseOSEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				m[k] = v
			}
		}
	}
	for _, p := range fc.EnvFiles {
		pairs, err := godotenv.Read(filepath.Clean(p))
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range fc.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}
