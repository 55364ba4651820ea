package subject

import "time"

// Process is the lifecycle record of a launched subject.
type Process struct {
	Path      string
	Args      []string
	PID       int
	StartTime time.Time
	EndTime   time.Time
	Completed bool   // true once the subject has been reaped
	ExitCode  int    // -1 when killed by a signal
	Signal    string // name of the terminating signal, if any
}

// Running reports whether the subject has started and not yet exited.
func (p Process) Running() bool {
	return p.PID != 0 && !p.Completed
}
