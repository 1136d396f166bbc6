package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/couchctl/internal/process"
)

// Output is the captured output of a finished command, trimmed of surrounding whitespace.
type Output struct {
	Stdout string
	Stderr string
}

// Runner runs short-lived commands to completion. A non-zero exit is
// reported as an error wrapping *exec.ExitError, with Output still populated.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
	LookPath(name string) (string, error)
}

// OSRunner runs commands through os/exec.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	// #nosec G204
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	process.HideWindow(cmd)
	err := cmd.Run()
	out := Output{Stdout: strings.TrimSpace(stdout.String()), Stderr: strings.TrimSpace(stderr.String())}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, fmt.Errorf("%s: %w", name, ctxErr)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

func (OSRunner) LookPath(name string) (string, error) { return exec.LookPath(name) }

// RunTimeout runs name under a timeout derived from ctx.
func RunTimeout(ctx context.Context, r Runner, timeout time.Duration, name string, args ...string) (Output, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return r.Run(ctx, name, args...)
}

// ExitCode extracts the exit status from a Runner error, or -1.
func ExitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Describe renders a command line for messages.
func Describe(name string, args ...string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}
