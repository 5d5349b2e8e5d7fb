//go:build linux || darwin

package serialport

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Open opens path as a raw serial line at the given configuration.
// It puts the line into raw mode (no echo, no line buffering, 8-bit
// clean) and sets VMIN/VTIME so short reads surface as the
// transport's Timeout rather than blocking indefinitely.
func Open(path string, cfg Config) (*Port, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		return nil, fmtOpenErr(path, err)
	}

	if err := configureTermios(f, cfg); err != nil {
		f.Close()
		return nil, fmtOpenErr(path, err)
	}

	return &Port{file: f, cfg: cfg}, nil
}

func configureTermios(f *os.File, cfg Config) error {
	fd := int(f.Fd())

	t, err := unix.IoctlGetTermios(fd, termiosGetIoctl())
	if err != nil {
		return err
	}

	speed, ok := baudConstant(cfg.BaudRate)
	if !ok {
		speed = unix.B115200
	}

	// Raw mode: no canonical processing, no echo, no signal generation,
	// 8-bit clean, no software flow control.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	setTermiosSpeed(t, speed)

	// VMIN=0, VTIME in deciseconds: a read returns as soon as any data
	// is available, or after the timeout with zero bytes (a short
	// read), which the transport layer maps to a Timeout.
	deciseconds := cfg.ReadTimeout / (100 * time.Millisecond)
	if deciseconds < 1 {
		deciseconds = 1
	}
	if deciseconds > 255 {
		deciseconds = 255
	}
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = uint8(deciseconds)

	return unix.IoctlSetTermios(fd, termiosSetIoctl(), t)
}

func baudConstant(rate int) (uint32, bool) {
	switch rate {
	case 9600:
		return unix.B9600, true
	case 19200:
		return unix.B19200, true
	case 38400:
		return unix.B38400, true
	case 57600:
		return unix.B57600, true
	case 115200:
		return unix.B115200, true
	case 230400:
		return unix.B230400, true
	case 460800:
		return unix.B460800, true
	case 921600:
		return unix.B921600, true
	default:
		return 0, false
	}
}
