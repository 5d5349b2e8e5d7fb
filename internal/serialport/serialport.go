// Package serialport opens a real TTY device as the byte-pipe backing
// internal/transport.Link. It is the concrete host-side half of the
// device session and transport subsystem: everything above this
// package talks to an io.Reader/io.Writer with a
// read deadline; this package is the only place that touches termios.
//
// Grounded on the raw-ioctl-plus-golang.org/x/sys/unix style of
// tinyrange/cc's internal/asm/{amd64,arm64}/exec.go (direct unix.*
// ioctl calls wrapped by a small Go type), applied to TTY line
// discipline instead of ptrace/exec control.
package serialport

import (
	"fmt"
	"os"
	"time"
)

// Config controls how a port is opened.
type Config struct {
	// BaudRate is the line speed, e.g. 115200.
	BaudRate int
	// ReadTimeout bounds Read calls; it is translated to VMIN/VTIME
	// on Unix platforms.
	ReadTimeout time.Duration
}

// DefaultConfig matches the original firmware's expected line settings.
func DefaultConfig() Config {
	return Config{BaudRate: 115200, ReadTimeout: 2 * time.Second}
}

// Port is an open serial connection. It satisfies transport.Link.
type Port struct {
	file *os.File
	cfg  Config
}

// Name returns the path the port was opened from.
func (p *Port) Name() string {
	return p.file.Name()
}

// Read implements io.Reader.
func (p *Port) Read(b []byte) (int, error) {
	return p.file.Read(b)
}

// Write implements io.Writer.
func (p *Port) Write(b []byte) (int, error) {
	return p.file.Write(b)
}

// Close implements io.Closer.
func (p *Port) Close() error {
	return p.file.Close()
}

// SetReadDeadline implements transport.Link by delegating to the
// underlying file, which os.File supports for character devices on
// platforms with pollable TTY fds (Linux, Darwin).
func (p *Port) SetReadDeadline(t time.Time) error {
	return p.file.SetReadDeadline(t)
}

func fmtOpenErr(path string, err error) error {
	return fmt.Errorf("serialport: open %s: %w", path, err)
}
