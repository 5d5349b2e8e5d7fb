//go:build linux

package serialport

import "golang.org/x/sys/unix"

func termiosGetIoctl() uint {
	return unix.TCGETS
}

func termiosSetIoctl() uint {
	return unix.TCSETS
}

func setTermiosSpeed(t *unix.Termios, speed uint32) {
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cflag &^= unix.CBAUD
	t.Cflag |= speed & unix.CBAUD
}
