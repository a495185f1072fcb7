// Package pty allocates a pseudo-terminal pair and hands back its master
// side as the opaque bidirectional byte channel the debug port device
// bridges to.
package pty

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Pair is an allocated pseudo-terminal: Master is the host-side end the
// debug port reads and writes; Path is the slave device a guest-facing
// terminal emulator (or a test) can open as /dev/pts/N.
type Pair struct {
	Master *os.File
	Path   string
}

// Open allocates a new pseudo-terminal via /dev/ptmx, following the usual
// open-ptmx / unlock / read-pts-number sequence.
func Open() (*Pair, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("pty: open /dev/ptmx: %w", err)
	}

	if err := unix.IoctlSetPointerInt(int(master.Fd()), unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, fmt.Errorf("pty: TIOCSPTLCK: %w", err)
	}

	n, err := unix.IoctlGetInt(int(master.Fd()), unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("pty: TIOCGPTN: %w", err)
	}

	return &Pair{
		Master: master,
		Path:   fmt.Sprintf("/dev/pts/%d", n),
	}, nil
}

// Close closes the master side. The slave, if anything opened it, is
// unaffected.
func (p *Pair) Close() error {
	return p.Master.Close()
}
