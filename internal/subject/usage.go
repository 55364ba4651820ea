package subject

import (
	"fmt"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Usage is a resource snapshot of the subject.
type Usage struct {
	CPUUser   time.Duration
	CPUSystem time.Duration
	RSSBytes  uint64 // zero once the subject has exited
	Threads   int32  // zero once the subject has exited
}

// Usage reports the subject's resource usage: live numbers while it runs,
// the kernel's final accounting after it has been reaped.
func (s *Supervisor) Usage() (Usage, error) {
	if !s.Running() {
		state := s.cmd.ProcessState
		if state == nil {
			return Usage{}, fmt.Errorf("subject has no exit state")
		}
		return Usage{CPUUser: state.UserTime(), CPUSystem: state.SystemTime()}, nil
	}

	p, err := process.NewProcess(int32(s.cmd.Process.Pid))
	if err != nil {
		return Usage{}, fmt.Errorf("process not found: %w", err)
	}

	var u Usage
	if times, err := p.Times(); err == nil {
		u.CPUUser = seconds(times.User)
		u.CPUSystem = seconds(times.System)
	}
	if memInfo, err := p.MemoryInfo(); err == nil {
		u.RSSBytes = memInfo.RSS
	}
	if numThreads, err := p.NumThreads(); err == nil {
		u.Threads = numThreads
	}
	return u, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// processTree returns pid and all of its descendants, parents first.
// Processes that vanish while walking are skipped.
func processTree(pid int32) []*process.Process {
	root, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}

	tree := []*process.Process{root}
	for i := 0; i < len(tree); i++ {
		children, err := tree[i].Children()
		if err != nil {
			continue
		}
		tree = append(tree, children...)
	}
	return tree
}

func signalAll(tree []*process.Process, sig syscall.Signal) {
	for _, p := range tree {
		// processes that already exited are fine
		_ = p.SendSignal(sig)
	}
}

// killSurvivors kills descendants that outlived the subject itself.
func killSurvivors(tree []*process.Process) {
	if len(tree) < 2 {
		return
	}
	for _, p := range tree[1:] {
		if running, err := p.IsRunning(); err == nil && running {
			_ = p.Kill()
		}
	}
}
