// Package subject launches the instrumented process and owns its lifecycle.
package subject

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

var (
	// ErrLaunch is wrapped by every error that prevents the subject from
	// starting.
	ErrLaunch = errors.New("cannot launch subject")

	ErrNotFound      = fmt.Errorf("%w: file not found", ErrLaunch)
	ErrNotExecutable = fmt.Errorf("%w: not an executable file", ErrLaunch)
)

// stderrWaitDelay bounds how long reaping waits for a descendant that still
// holds a non-file stderr writer.
const stderrWaitDelay = 500 * time.Millisecond

// Options configure how the subject is started.
type Options struct {
	Args []string
	Dir  string   // working directory, empty for the current one
	Env  []string // nil inherits the reporter's environment

	// Stderr receives the subject's stderr. Defaults to os.Stderr.
	Stderr io.Writer

	// StdinTTY attaches the subject's stdin to a new pseudo terminal instead
	// of /dev/null, so it never reads the reporter's keyboard.
	StdinTTY bool
}

// Supervisor runs one subject. Its stdout is exposed through Output.
type Supervisor struct {
	cmd    *exec.Cmd
	stdout *os.File
	ptmx   *os.File

	mu   sync.Mutex
	proc Process

	exited    chan struct{}
	termOnce  sync.Once
	termErr   error
	closeOnce sync.Once
}

// Resolve checks that path names an executable regular file and returns its
// absolute form.
func Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrNotFound)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	if info.IsDir() || info.Mode().Perm()&0111 == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotExecutable, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	return abs, nil
}

// Launch starts the subject with its stdout connected to a pipe owned by the
// supervisor.
func Launch(path string, opts Options) (*Supervisor, error) {
	resolved, err := Resolve(path)
	if err != nil {
		return nil, err
	}

	// The pipe is created here rather than with cmd.StdoutPipe so that
	// cmd.Wait never closes the read side while frames are still buffered.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create stdout pipe: %v", ErrLaunch, err)
	}

	cmd := exec.Command(resolved, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.Stdout = stdoutW
	cmd.Stderr = opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.WaitDelay = stderrWaitDelay
	// Own process group: a Ctrl-C on the reporter's terminal reaches the
	// reporter only, which then terminates the subject in order.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var ptmx, tty *os.File
	if opts.StdinTTY {
		ptmx, tty, err = pty.Open()
		if err != nil {
			_ = stdoutR.Close()
			_ = stdoutW.Close()
			return nil, fmt.Errorf("%w: failed to open pty: %v", ErrLaunch, err)
		}
		_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80})
		cmd.Stdin = tty
	}

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		if ptmx != nil {
			_ = ptmx.Close()
			_ = tty.Close()
		}
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	// The child holds its own copies now.
	_ = stdoutW.Close()
	if tty != nil {
		_ = tty.Close()
	}

	s := &Supervisor{
		cmd:    cmd,
		stdout: stdoutR,
		ptmx:   ptmx,
		exited: make(chan struct{}),
		proc: Process{
			Path:      resolved,
			Args:      append([]string(nil), opts.Args...),
			PID:       cmd.Process.Pid,
			StartTime: time.Now(),
		},
	}
	go s.wait()

	slog.Info("Subject started", "path", resolved, "pid", s.proc.PID)
	return s, nil
}

func (s *Supervisor) wait() {
	err := s.cmd.Wait()

	exitCode := 0
	signalName := ""
	if errors.Is(err, exec.ErrWaitDelay) {
		// exited cleanly; only the stderr copy was cut short
		err = nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				signalName = status.Signal().String()
			}
		} else {
			exitCode = 1
		}
	}

	s.mu.Lock()
	s.proc.Completed = true
	s.proc.EndTime = time.Now()
	s.proc.ExitCode = exitCode
	s.proc.Signal = signalName
	s.mu.Unlock()

	slog.Info("Subject exited", "pid", s.proc.PID, "exit_code", exitCode, "signal", signalName)
	close(s.exited)
}

// Output is the subject's stdout. It reaches EOF when the subject and every
// process that inherited its stdout have exited, or when Close is called.
func (s *Supervisor) Output() io.Reader {
	return closedAsEOF{s.stdout}
}

// closedAsEOF reports a read side closed by Supervisor.Close as a regular end
// of output.
type closedAsEOF struct {
	f *os.File
}

func (r closedAsEOF) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if errors.Is(err, os.ErrClosed) {
		err = io.EOF
	}
	return n, err
}

// Exited is closed once the subject has been reaped.
func (s *Supervisor) Exited() <-chan struct{} {
	return s.exited
}

// Process returns a snapshot of the subject's lifecycle record.
func (s *Supervisor) Process() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.proc
	p.Args = append([]string(nil), s.proc.Args...)
	return p
}

// Running reports whether the subject is still alive.
func (s *Supervisor) Running() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// Terminate sends SIGTERM to the subject and its descendants and SIGKILL to
// whatever is left after grace. Later calls return the first result.
func (s *Supervisor) Terminate(grace time.Duration) error {
	s.termOnce.Do(func() {
		s.termErr = s.terminate(grace)
	})
	return s.termErr
}

func (s *Supervisor) terminate(grace time.Duration) error {
	if !s.Running() {
		return nil
	}

	pid := s.cmd.Process.Pid
	tree := processTree(int32(pid))
	slog.Info("Terminating subject", "pid", pid, "processes", len(tree))

	if len(tree) == 0 {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}
	signalAll(tree, syscall.SIGTERM)

	select {
	case <-s.exited:
	case <-time.After(grace):
		slog.Warn("Subject ignored SIGTERM, killing it", "pid", pid, "grace", grace)
		_ = s.cmd.Process.Kill()
		signalAll(tree, syscall.SIGKILL)
		select {
		case <-s.exited:
		case <-time.After(grace):
			return fmt.Errorf("subject %d did not exit after SIGKILL", pid)
		}
	}

	killSurvivors(tree)
	return nil
}

// Close releases the read side of the stdout pipe and the pty, which also
// unblocks a reader stuck on a pipe kept open by an orphaned descendant.
func (s *Supervisor) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.stdout.Close()
		if s.ptmx != nil {
			err = errors.Join(err, s.ptmx.Close())
		}
	})
	return err
}
