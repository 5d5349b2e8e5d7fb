// Package discovery enumerates candidate serial ports a P4 device
// might be attached to. It does not open or probe anything itself —
// internal/session does the PING-and-keep-first dance — this package
// only knows which glob patterns are worth trying on each platform,
// the same role pyserial's comports() plays for
// serial-port enumeration.
package discovery

import (
	"path/filepath"
	"runtime"
	"sort"
)

// DefaultGlobs returns the filesystem glob patterns likely to match a
// P4 device's serial port on the current platform.
func DefaultGlobs() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"/dev/cu.usbserial*", "/dev/cu.usbmodem*", "/dev/cu.SLAB_USBtoUART*"}
	case "linux":
		return []string{"/dev/ttyUSB*", "/dev/ttyACM*"}
	default:
		return nil
	}
}

// Candidates expands globs (or DefaultGlobs if globs is empty) into a
// sorted, de-duplicated list of existing device paths.
func Candidates(globs ...string) ([]string, error) {
	if len(globs) == 0 {
		globs = DefaultGlobs()
	}

	seen := make(map[string]struct{})
	var out []string
	for _, pattern := range globs {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}
