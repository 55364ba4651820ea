// Package shutdown drives the orderly stop of an event run.
//
// A run moves through Running, StopRequested, Draining and Terminated. Any
// trigger (keyboard, signal, timeout, subject exit, end of report) only
// requests the stop; the pipeline that owns the output files performs the
// remaining transitions.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State of a run.
type State int

const (
	Running State = iota
	StopRequested
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case StopRequested:
		return "stop_requested"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Reason records what ended a run.
type Reason string

const (
	ReasonKeyPress    Reason = "keypress"
	ReasonSignal      Reason = "signal"
	ReasonTimeout     Reason = "timeout"
	ReasonSubjectExit Reason = "subject_exit"
	ReasonEndOfReport Reason = "end_of_report"
	ReasonCancelled   Reason = "cancelled"
)

// ErrNotDraining is returned by Finish when BeginDrain was not called first.
var ErrNotDraining = errors.New("controller is not draining")

// Controller is safe for concurrent use. Triggers call Request and
// TogglePause; the pipeline calls BeginDrain and Finish.
type Controller struct {
	mu      sync.Mutex
	state   State
	reason  Reason
	paused  bool
	changed chan struct{} // closed and replaced on every pause or state change

	cancel context.CancelFunc
}

// New returns a controller and the context the pipeline must run under. The
// context is cancelled by the first Request. Cancelling parent requests a
// stop with ReasonCancelled.
func New(parent context.Context) (*Controller, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		changed: make(chan struct{}),
		cancel:  cancel,
	}
	go func() {
		<-ctx.Done()
		if parent.Err() != nil {
			c.Request(ReasonCancelled)
		}
	}()
	return c, ctx
}

func (c *Controller) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Request moves a running controller to StopRequested. Only the first call
// has an effect; it reports whether this call was the one.
func (c *Controller) Request(reason Reason) bool {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return false
	}
	c.state = StopRequested
	c.reason = reason
	c.notifyLocked()
	c.mu.Unlock()

	slog.Info("Stop requested", "reason", reason)
	c.cancel()
	return true
}

// BeginDrain moves the controller to Draining. A run that ended without a
// trigger (which cannot happen through the pipeline) is recorded as
// cancelled.
func (c *Controller) BeginDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Running {
		c.reason = ReasonCancelled
		c.cancel()
	}
	if c.state < Draining {
		c.state = Draining
		c.notifyLocked()
	}
}

// Finish moves a draining controller to Terminated. closeErr is the result
// of closing the output files; on error the controller stays in Draining
// and the error is returned.
func (c *Controller) Finish(closeErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Draining {
		return ErrNotDraining
	}
	if closeErr != nil {
		return fmt.Errorf("closing output streams: %w", closeErr)
	}
	c.state = Terminated
	c.notifyLocked()
	return nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason returns the reason of the accepted stop request, if any.
func (c *Controller) Reason() Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// TogglePause flips the paused flag and returns the new value.
func (c *Controller) TogglePause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = !c.paused
	c.notifyLocked()
	if c.paused {
		slog.Info("Event acquisition paused")
	} else {
		slog.Info("Event acquisition resumed")
	}
	return c.paused
}

// Paused reports whether acquisition is paused.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// WaitWhilePaused blocks while the controller is paused. A stop request or
// the end of ctx releases it with an error.
func (c *Controller) WaitWhilePaused(ctx context.Context) error {
	for {
		c.mu.Lock()
		paused, state, changed := c.paused, c.state, c.changed
		c.mu.Unlock()

		if state != Running {
			return context.Canceled
		}
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Changed returns a channel closed at the next pause or state change.
func (c *Controller) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// AfterTimeout requests a stop with ReasonTimeout once d has passed. A zero
// or negative d disables the timeout. The returned func cancels the timer.
func (c *Controller) AfterTimeout(d time.Duration) (stop func()) {
	if d <= 0 {
		return func() {}
	}
	t := time.AfterFunc(d, func() { c.Request(ReasonTimeout) })
	return func() { t.Stop() }
}

// Activity reports how far the pipeline got and whether it still holds
// output it has not processed.
type Activity func() (progress int64, pending bool)

// AfterSubjectExit calls release once exited is closed and the run has then
// been quiet for linger: not paused, nothing pending and progress unchanged.
// Anything else restarts the countdown. release must end the subject's
// output so that the pipeline reaches end of stream and drains what it has;
// it covers descendants that keep the subject's stdout open. A zero linger
// disables the release and the run waits for end of stream.
func (c *Controller) AfterSubjectExit(ctx context.Context, exited <-chan struct{}, linger time.Duration, activity Activity, release func()) {
	if linger <= 0 {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-exited:
		}

		t := time.NewTicker(min(max(linger/4, 10*time.Millisecond), 250*time.Millisecond))
		defer t.Stop()
		last, _ := activity()
		quietSince := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				p, pending := activity()
				if p != last || pending || c.Paused() {
					last, quietSince = p, now
					continue
				}
				if now.Sub(quietSince) >= linger {
					slog.Info("Subject exited and its output stayed quiet, closing it", "linger", linger)
					release()
					return
				}
			}
		}
	}()
}
