// Package platform identifies the host operating system and exposes the
// desktop capability gate consulted by every operation that shells out.
package platform

import "runtime"

// Platform is the closed set of host platforms the orchestrator knows how to drive.
type Platform int

const (
	Unknown Platform = iota
	Windows
	Linux
	MacOS
)

func (p Platform) String() string {
	switch p {
	case Windows:
		return "windows"
	case Linux:
		return "linux"
	case MacOS:
		return "macos"
	default:
		return "unknown"
	}
}

// MarshalText renders the platform tag in JSON.
func (p Platform) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Detect maps runtime.GOOS onto a Platform.
func Detect() Platform {
	return FromGOOS(runtime.GOOS)
}

// FromGOOS maps a GOOS value onto a Platform. Anything that is not one of the
// three desktop families is Unknown.
func FromGOOS(goos string) Platform {
	switch goos {
	case "windows":
		return Windows
	case "linux":
		return Linux
	case "darwin":
		return MacOS
	default:
		return Unknown
	}
}

// Gate reports whether the current host may spawn OS processes.
type Gate func() bool

// DesktopGate opens on the three desktop platforms.
func DesktopGate() bool {
	return Detect() != Unknown
}

// Always is a gate that is always open. Test harnesses use it to bypass the
// platform check without setting force on each call.
func Always() bool { return true }

// Never is a gate that is always closed.
func Never() bool { return false }

// Resolve returns g, or DesktopGate when g is nil.
func (g Gate) Resolve() Gate {
	if g == nil {
		return DesktopGate
	}
	return g
}
