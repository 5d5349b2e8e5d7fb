//go:build !linux && !darwin

package serialport

import "fmt"

// Open is unimplemented on this platform; the device firmware this
// package talks to is only ever reached over a Unix TTY in practice.
func Open(path string, cfg Config) (*Port, error) {
	return nil, fmtOpenErr(path, fmt.Errorf("serialport: unsupported platform"))
}
