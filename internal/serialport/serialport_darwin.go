//go:build darwin

package serialport

import "golang.org/x/sys/unix"

func termiosGetIoctl() uint {
	return unix.TIOCGETA
}

func termiosSetIoctl() uint {
	return unix.TIOCSETA
}

func setTermiosSpeed(t *unix.Termios, speed uint32) {
	t.Ispeed = speed
	t.Ospeed = speed
}
