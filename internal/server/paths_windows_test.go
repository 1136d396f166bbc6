//go:build windows

package server

import "path/filepath"

// getPlatformAbsPath returns an absolute data directory valid on Windows.
func getPlatformAbsPath() string {
	return filepath.Join("C:\\", "tmp", "x")
}
