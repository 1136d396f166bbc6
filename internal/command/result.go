// Package command holds the uniform operation outcome, the OS command
// primitives (Runner, Launcher) and the one-shot server command executor.
package command

import (
	"errors"
	"fmt"
)

// Result is the outcome of every lifecycle operation. Failures are values,
// not Go errors; Error is empty when Success is true.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

var (
	// ErrEmptyCommand means no command line was configured.
	ErrEmptyCommand = errors.New("No server start command configured")
	// ErrUnsupported means the capability gate refused the operation.
	ErrUnsupported = errors.New("Server command execution is only available on desktop platforms")
)

func OK(output string) Result { return Result{Success: true, Output: output} }

func Fail(msg string) Result { return Result{Error: msg} }

// Failf formats a failure message.
func Failf(format string, args ...any) Result { return Fail(fmt.Sprintf(format, args...)) }

// FailErr renders err into a failure.
func FailErr(err error) Result {
	if err == nil {
		return Fail("unknown error")
	}
	return Fail(err.Error())
}

// Err returns nil on success, otherwise an error carrying the failure message.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return errors.New("operation failed")
	}
	return errors.New(r.Error)
}
