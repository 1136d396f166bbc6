package client

import "time"

// Result is the outcome of a lifecycle operation.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StartResponse is the reply of POST /start.
type StartResponse struct {
	Result
	Progress []string `json:"progress"`
}

// ServiceState is the reply of GET /status.
type ServiceState struct {
	Database           string `json:"database"`
	DatabaseLabel      string `json:"database_label"`
	Tunnel             string `json:"tunnel"`
	DatabaseConfigured bool   `json:"database_configured"`
}

// NativeInfo describes a detected native CouchDB installation.
type NativeInfo struct {
	Platform string `json:"platform"`
	Manager  string `json:"service_manager"`
	Detected bool   `json:"detected"`
	Running  bool   `json:"running"`
}

// Detection is the reply of GET /detect.
type Detection struct {
	ManagedAvailable bool       `json:"managed_available"`
	ManagedMethod    string     `json:"managed_method"`
	Native           NativeInfo `json:"native"`
}

// DatabaseStartRequest overrides the configured port or data directory.
type DatabaseStartRequest struct {
	Port    int    `json:"port,omitempty"`
	DataDir string `json:"data_dir,omitempty"`
}

// ConfigureRequest overrides the configured CouchDB URL and credentials.
type ConfigureRequest struct {
	URL      string `json:"url,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// HistoryEvent is one recorded lifecycle event.
type HistoryEvent struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Component  string    `json:"component"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	Message    string    `json:"message,omitempty"`
}

// ResourceSample is one resource reading of the managed server.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
