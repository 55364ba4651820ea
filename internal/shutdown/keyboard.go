package shutdown

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/muesli/cancelreader"
	"golang.org/x/term"
)

// ErrNoTerminal is returned by ListenKeys when the input is not a terminal.
var ErrNoTerminal = errors.New("input is not a terminal")

// Raw mode disables ISIG, so these arrive as plain bytes.
const (
	keyCtrlC = 0x03
	keyCtrlZ = 0x1a
)

// ListenKeys reads single key presses from in, which must be a terminal:
// 's' requests a stop, 'p' or Ctrl-Z toggles pause and Ctrl-C counts as an
// interrupt. The terminal is put in raw mode until the returned func is
// called; that func also ends the pending read, so later key presses go to
// whoever reads the terminal next.
//
// Callers treat an error as a warning: the other triggers keep working.
func (c *Controller) ListenKeys(in *os.File) (stop func(), err error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%w: %s", ErrNoTerminal, in.Name())
	}
	reader, err := cancelreader.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", in.Name(), err)
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("failed to set raw mode on %s: %w", in.Name(), err)
	}
	keepOutputProcessing(fd)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1)
		for {
			n, err := reader.Read(buf)
			if err != nil {
				return
			}
			if n == 1 {
				c.HandleKey(buf[0])
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if reader.Cancel() {
				<-done
			}
			_ = reader.Close()
			_ = term.Restore(fd, oldState)
		})
	}, nil
}

// HandleKey applies the action bound to key, if any.
func (c *Controller) HandleKey(key byte) {
	switch key {
	case 's', 'S':
		c.Request(ReasonKeyPress)
	case 'p', 'P', keyCtrlZ:
		c.TogglePause()
	case keyCtrlC:
		c.Request(ReasonSignal)
	}
}
