package manager

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/loykin/couchctl/internal/process"
)

// ErrNotInstalled means neither the global binary nor the npx fallback answered.
var ErrNotInstalled = errors.New("pouchdb-server is not installed. Run 'couchctl install' to install it via npm.")

// Method is how pouchdb-server can be invoked.
type Method int

const (
	MethodNone Method = iota
	MethodGlobal
	MethodNpx
)

func (m Method) String() string {
	switch m {
	case MethodGlobal:
		return "global"
	case MethodNpx:
		return "npx"
	default:
		return "none"
	}
}

// MarshalText renders the method for JSON responses.
func (m Method) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Availability is the outcome of IsAvailable.
type Availability struct {
	Available bool   `json:"available"`
	Method    Method `json:"method"`
}

// State of the single server slot.
type State int32

const (
	StateAbsent State = iota
	StateStarting
	StateRunning
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Handle is the owned child process. *process.Process implements it.
type Handle interface {
	PID() int
	Events() <-chan process.Event
	Exited() bool
	EarlyOutput() (stdout, stderr string)
	Terminate() error
	Kill() error
	Release()
}

// SpawnFunc starts a child for spec.
type SpawnFunc func(spec process.Spec) (Handle, error)

func spawnProcess(spec process.Spec) (Handle, error) {
	p, err := process.Spawn(spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// OutputFunc returns writers that receive the child's stdout and stderr
// (typically rotated log files). Either may be nil.
type OutputFunc func(name string) (stdout, stderr io.Writer)

const (
	DefaultPort               = 5984
	DefaultSettle             = 2 * time.Second
	DefaultStopWait           = 3 * time.Second
	DefaultInstallTimeout     = 2 * time.Minute
	DefaultGlobalProbeTimeout = 5 * time.Second
	DefaultNpxProbeTimeout    = 15 * time.Second
)

// NpxBinary returns the npx launcher name for goos.
func NpxBinary(goos string) string {
	if goos == "windows" {
		return "npx.cmd"
	}
	return "npx"
}

// NpmBinary returns the npm launcher name for goos.
func NpmBinary(goos string) string {
	if goos == "windows" {
		return "npm.cmd"
	}
	return "npm"
}

// Args builds the pouchdb-server argument list.
func Args(port int, dataDir string) []string {
	args := []string{"--port", fmt.Sprint(port)}
	if dataDir != "" {
		args = append(args, "--dir", dataDir)
	}
	return args
}

func defaultNpx() string { return NpxBinary(runtime.GOOS) }
func defaultNpm() string { return NpmBinary(runtime.GOOS) }
