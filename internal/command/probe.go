package command

import (
	"context"
	"time"
)

// ProbeStatus is the typed outcome of an availability probe.
type ProbeStatus int

const (
	ProbeUnavailable ProbeStatus = iota
	ProbeAvailable
)

func (s ProbeStatus) String() string {
	if s == ProbeAvailable {
		return "available"
	}
	return "unavailable"
}

// ProbeResult never carries an error: every failure mode folds into ProbeUnavailable.
type ProbeResult struct {
	Status ProbeStatus
	Output string // stdout when available
	Reason string // why the probe failed
}

func (p ProbeResult) Available() bool { return p.Status == ProbeAvailable }

// Probe runs name with args under timeout; exit 0 means available.
func Probe(ctx context.Context, r Runner, timeout time.Duration, name string, args ...string) ProbeResult {
	out, err := RunTimeout(ctx, r, timeout, name, args...)
	if err != nil {
		reason := err.Error()
		if out.Stderr != "" {
			reason += " - " + out.Stderr
		}
		return ProbeResult{Status: ProbeUnavailable, Reason: reason}
	}
	return ProbeResult{Status: ProbeAvailable, Output: out.Stdout}
}
