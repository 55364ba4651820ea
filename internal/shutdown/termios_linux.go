package shutdown

import "golang.org/x/sys/unix"

// keepOutputProcessing re-enables newline translation after term.MakeRaw so
// log lines written to the same terminal do not staircase.
func keepOutputProcessing(fd int) {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return
	}
	t.Oflag |= unix.OPOST | unix.ONLCR
	_ = unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
