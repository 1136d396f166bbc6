package orchestrator

import (
	"fmt"
	"strings"
)

// Backend selects which database backend the dispatcher drives.
type Backend string

const (
	BackendNone    Backend = ""
	BackendManaged Backend = "pouchdb-server"
	BackendNative  Backend = "native"
)

// ParseBackend accepts the config spellings, case-insensitively. "managed"
// and "pouchdb" are accepted as aliases for the managed backend.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return BackendNone, nil
	case "pouchdb-server", "pouchdb", "managed":
		return BackendManaged, nil
	case "native", "couchdb":
		return BackendNative, nil
	default:
		return BackendNone, fmt.Errorf("unknown database backend %q (want pouchdb-server, native or empty)", s)
	}
}

// Label is the display name.
func (b Backend) Label() string {
	switch b {
	case BackendManaged:
		return "PouchDB Server"
	case BackendNative:
		return "Native CouchDB"
	default:
		return "None"
	}
}

// DatabaseConfig is the immutable input of StartDatabase. Only Backend is
// validated here; each backend checks what it needs.
type DatabaseConfig struct {
	Backend  Backend `json:"backend" mapstructure:"backend"`
	Port     int     `json:"port" mapstructure:"port"`
	DataDir  string  `json:"data_dir" mapstructure:"data_dir"`
	Username string  `json:"username" mapstructure:"username"`
	Password string  `json:"-" mapstructure:"password"`
}

// ServiceStatus is the reported state of one service.
type ServiceStatus string

const (
	StatusRunning ServiceStatus = "running"
	StatusStopped ServiceStatus = "stopped"
	StatusUnknown ServiceStatus = "unknown"
	StatusError   ServiceStatus = "error"
)

// ServiceState is a snapshot computed on demand.
type ServiceState struct {
	Database           ServiceStatus `json:"database"`
	DatabaseLabel      string        `json:"database_label"`
	Tunnel             ServiceStatus `json:"tunnel"`
	DatabaseConfigured bool          `json:"database_configured"`
}
