//go:build !windows

package server

import "path/filepath"

// getPlatformAbsPath returns an absolute data directory valid on Unix.
func getPlatformAbsPath() string {
	return filepath.Join(string(filepath.Separator), "tmp", "x")
}
