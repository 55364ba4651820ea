package reporter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"

	"rtreporter/internal/frame"
	"rtreporter/internal/mirror"
)

type event struct {
	ts      int64
	ordinal int32
	payload string
}

func encode(events ...event) []byte {
	var buf bytes.Buffer
	for _, e := range events {
		buf.Write(frame.Encode(e.ts, e.ordinal, e.payload))
	}
	return buf.Bytes()
}

// newSubject writes the frames to a file next to an executable script named
// name that prints them and then runs tail. The script is the subject.
func newSubject(t *testing.T, name string, frames []byte, tail string) string {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "frames.bin")
	require.NoError(t, os.WriteFile(data, frames, 0644))

	script := fmt.Sprintf("#!/bin/sh\ncat '%s'\n%s\n", data, tail)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

// writeFrames stores frames in dir and returns the file's path.
func writeFrames(t *testing.T, dir, name string, frames []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, frames, 0644))
	return path
}

// writeSubject writes a shell script named name running body.
func writeSubject(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

// clockEvents returns n clock_start events numbered from first and the main
// log lines they produce.
func clockEvents(first, n int) ([]byte, string) {
	var events []event
	var want strings.Builder
	for i := first; i < first+n; i++ {
		events = append(events, event{int64(i), 0, fmt.Sprintf("clock_start,c%d", i)})
		fmt.Fprintf(&want, "%d,timed_event,clock_start,c%d\n", i, i)
	}
	return encode(events...), want.String()
}

// ignoreStop keeps SIGTSTP from stopping the test binary while the test
// delivers it to the reporter's own handler.
func ignoreStop(t *testing.T) {
	t.Helper()
	guard := make(chan os.Signal, 8)
	signal.Notify(guard, syscall.SIGTSTP)
	t.Cleanup(func() { signal.Stop(guard) })
}

func testConfig(subjectPath string) Config {
	cfg := DefaultConfig()
	cfg.Subject = subjectPath
	cfg.TerminateGrace = time.Second
	cfg.ExitLinger = 200 * time.Millisecond
	cfg.SubjectStderr = io.Discard
	return cfg
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRun_Demo(t *testing.T) {
	path := newSubject(t, "demo", encode(
		event{0, 2, "task_started,T1"},
		event{1, 2, "task_finished,T1"},
	), "")

	summary, err := Run(context.Background(), testConfig(path))
	require.NoError(t, err)

	mainPath := filepath.Join(filepath.Dir(path), "demo_log.csv")
	require.Equal(t, "0,process_event,task_started,T1\n1,process_event,task_finished,T1\n", readFile(t, mainPath))

	require.Equal(t, "subject_exit", summary.StopReason)
	require.Equal(t, mainPath, summary.Streams["main"])
	require.Equal(t, int64(2), summary.Counts["process_event"])
	require.Equal(t, int64(2), summary.Events())
	require.Zero(t, summary.Invalid)
	require.Zero(t, summary.ExitCode)
	require.NotEmpty(t, summary.RunID)
	require.Equal(t, int64(len(readFile(t, mainPath))), summary.BytesWritten)
}

func TestRun_MainLinesInOrder(t *testing.T) {
	var events []event
	var want strings.Builder
	for i := 0; i < 200; i++ {
		events = append(events, event{int64(i), 0, fmt.Sprintf("clock_start,c%d", i)})
		fmt.Fprintf(&want, "%d,timed_event,clock_start,c%d\n", i, i)
	}
	path := newSubject(t, "ordered", encode(events...), "")

	_, err := Run(context.Background(), testConfig(path))
	require.NoError(t, err)
	require.Equal(t, want.String(), readFile(t, filepath.Join(filepath.Dir(path), "ordered_log.csv")))
}

func TestRun_SelfLoggable(t *testing.T) {
	path := newSubject(t, "demo", encode(
		event{3, 0, "clock_start,c"},
		event{5, 4, "adc"},
		event{7, 5, "adc,sample,42"},
	), "")
	dir := filepath.Dir(path)

	summary, err := Run(context.Background(), testConfig(path))
	require.NoError(t, err)

	require.Equal(t, "7,sample,42\n", readFile(t, filepath.Join(dir, "adc_log.csv")))
	require.Equal(t, "3,timed_event,clock_start,c\n", readFile(t, filepath.Join(dir, "demo_log.csv")))
	require.Equal(t, filepath.Join(dir, "adc_log.csv"), summary.Streams["adc"])
}

func TestRun_DuplicateInitKeepsContent(t *testing.T) {
	path := newSubject(t, "demo", encode(
		event{1, 4, "adc"},
		event{2, 5, "adc,a"},
		event{3, 4, "adc"},
		event{4, 5, "adc,b"},
	), "")

	_, err := Run(context.Background(), testConfig(path))
	require.NoError(t, err)
	require.Equal(t, "2,a\n4,b\n", readFile(t, filepath.Join(filepath.Dir(path), "adc_log.csv")))
}

func TestRun_UnknownOrdinal(t *testing.T) {
	path := newSubject(t, "demo", encode(event{11, 9, "xyz"}), "")

	summary, err := Run(context.Background(), testConfig(path))
	require.NoError(t, err)
	require.Equal(t, "11,invalid,xyz\n", readFile(t, filepath.Join(filepath.Dir(path), "demo_log.csv")))
	require.Equal(t, int64(1), summary.Invalid)
	require.Equal(t, int64(1), summary.Counts["invalid"])
}

func TestRun_UnopenedStreamIsDropped(t *testing.T) {
	path := newSubject(t, "demo", encode(
		event{1, 5, "ghost,boo"},
		event{2, 4, ""},
	), "")

	summary, err := Run(context.Background(), testConfig(path))
	require.NoError(t, err)
	require.Equal(t, int64(2), summary.Dropped)
	require.Empty(t, readFile(t, filepath.Join(filepath.Dir(path), "demo_log.csv")))
	require.NoFileExists(t, filepath.Join(filepath.Dir(path), "ghost_log.csv"))
}

func TestRun_RejectedStreamName(t *testing.T) {
	path := newSubject(t, "demo", encode(event{6, 4, "../evil"}), "")
	dir := filepath.Dir(path)

	summary, err := Run(context.Background(), testConfig(path))
	require.NoError(t, err)
	require.Equal(t, "6,invalid,../evil\n", readFile(t, filepath.Join(dir, "demo_log.csv")))
	require.Equal(t, int64(1), summary.Invalid)
	require.NoFileExists(t, filepath.Join(filepath.Dir(dir), "evil_log.csv"))
}

func TestRun_TruncatedTail(t *testing.T) {
	frames := encode(event{1, 0, "clock_start,c"})
	frames = append(frames, frame.Encode(2, 0, "clock_pause,c")[:frame.HeaderSize+5]...)
	path := newSubject(t, "demo", frames, "")

	summary, err := Run(context.Background(), testConfig(path))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(readFile(t, filepath.Join(filepath.Dir(path), "demo_log.csv")), "\n"), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "1,timed_event,clock_start,c", lines[0])
	require.Contains(t, lines[1], ",invalid,")
	require.Equal(t, int64(1), summary.Invalid)
}

func TestRun_EndOfReport(t *testing.T) {
	path := newSubject(t, "demo", encode(
		event{1, 0, "clock_start,c"},
		event{2, 6, ""},
		event{3, 0, "clock_stop,c"},
	), "exec sleep 30")

	start := time.Now()
	summary, err := Run(context.Background(), testConfig(path))
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)

	require.Equal(t, "end_of_report", summary.StopReason)
	require.Equal(t, "1,timed_event,clock_start,c\n", readFile(t, filepath.Join(filepath.Dir(path), "demo_log.csv")))
	require.Equal(t, "terminated", summary.Signal)
}

func TestRun_TimeoutWhileBlocked(t *testing.T) {
	var events []event
	var want strings.Builder
	for i := 0; i < 100; i++ {
		events = append(events, event{int64(i), 1, fmt.Sprintf("variable_value_assigned,v%d,%d", i, i)})
		fmt.Fprintf(&want, "%d,state_event,variable_value_assigned,v%d,%d\n", i, i, i)
	}
	path := newSubject(t, "blocked", encode(events...), "exec sleep 30")

	cfg := testConfig(path)
	cfg.Timeout = 300 * time.Millisecond

	start := time.Now()
	summary, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)

	require.Equal(t, "timeout", summary.StopReason)
	require.Equal(t, want.String(), readFile(t, filepath.Join(filepath.Dir(path), "blocked_log.csv")))
}

func TestRun_ContextCancelled(t *testing.T) {
	path := newSubject(t, "demo", encode(event{1, 0, "clock_start,c"}), "exec sleep 30")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	summary, err := Run(ctx, testConfig(path))
	require.NoError(t, err)
	require.Equal(t, "cancelled", summary.StopReason)
	require.Equal(t, "1,timed_event,clock_start,c\n", readFile(t, filepath.Join(filepath.Dir(path), "demo_log.csv")))
}

func TestRun_StrictGrammar(t *testing.T) {
	path := newSubject(t, "demo", encode(
		event{1, 0, "clock_start,c"},
		event{2, 0, "clock_explode,c"},
	), "")

	cfg := testConfig(path)
	cfg.Strict = true
	summary, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "1,timed_event,clock_start,c\n2,invalid,clock_explode,c\n",
		readFile(t, filepath.Join(filepath.Dir(path), "demo_log.csv")))
	require.Equal(t, int64(1), summary.Invalid)
}

func TestRun_ArgumentErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Run(context.Background(), testConfig(""))
	require.ErrorIs(t, err, ErrArguments)
	require.Equal(t, ExitArguments, ExitCode(err))

	cfg := testConfig(newSubject(t, "demo", nil, ""))
	cfg.Timeout = -time.Second
	_, err = Run(context.Background(), cfg)
	require.Equal(t, ExitArguments, ExitCode(err))

	cfg = testConfig(newSubject(t, "demo", nil, ""))
	cfg.OutputDir = filepath.Join(dir, "missing")
	_, err = Run(context.Background(), cfg)
	require.Equal(t, ExitArguments, ExitCode(err))

	cfg = testConfig(newSubject(t, "demo", nil, ""))
	cfg.Remote = "no-port"
	_, err = Run(context.Background(), cfg)
	require.Equal(t, ExitArguments, ExitCode(err))
}

func TestRun_LaunchErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Run(context.Background(), testConfig(filepath.Join(dir, "missing")))
	require.Equal(t, ExitSubjectNotFound, ExitCode(err))

	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, []byte("data"), 0644))
	_, err = Run(context.Background(), testConfig(plain))
	require.Equal(t, ExitSubjectNotFound, ExitCode(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no stream file may be created")
}

func TestRun_UnreachableRemote(t *testing.T) {
	path := newSubject(t, "demo", encode(event{1, 0, "clock_start,c"}), "")
	cfg := testConfig(path)
	cfg.Remote = "127.0.0.1:1"

	_, err := Run(context.Background(), cfg)
	require.Equal(t, ExitFailure, ExitCode(err))
	require.NoFileExists(t, filepath.Join(filepath.Dir(path), "demo_log.csv"))
}

func TestRun_OutputDirFromEnvironment(t *testing.T) {
	out := t.TempDir()
	t.Setenv(OutputDirEnv, out)
	path := newSubject(t, "demo", encode(event{1, 0, "clock_start,c"}), "")

	_, err := Run(context.Background(), testConfig(path))
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(out, "demo_log.csv"))
	require.NoFileExists(t, filepath.Join(filepath.Dir(path), "demo_log.csv"))
}

func TestRun_ArchiveAndReport(t *testing.T) {
	path := newSubject(t, "demo", encode(
		event{0, 2, "task_started,T1"},
		event{1, 4, "adc"},
		event{2, 5, "adc,sample,42"},
		event{3, 2, "task_finished,T1"},
	), "")
	out := t.TempDir()

	cfg := testConfig(path)
	cfg.Archive = filepath.Join(out, "archive.db")
	cfg.Report = filepath.Join(out, "report.md")

	summary, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	main, err := mirror.Lines(context.Background(), cfg.Archive, summary.RunID, "main")
	require.NoError(t, err)
	require.Equal(t, []string{"0,process_event,task_started,T1", "3,process_event,task_finished,T1"}, main)

	adc, err := mirror.Lines(context.Background(), cfg.Archive, summary.RunID, "adc")
	require.NoError(t, err)
	require.Equal(t, []string{"2,sample,42"}, adc)

	md := readFile(t, cfg.Report)
	require.Contains(t, md, "# Run report: demo")
	require.Contains(t, md, summary.RunID)
	require.Contains(t, md, "| subject_exit |")
}

func TestRun_NonTerminalInput(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	path := newSubject(t, "demo", encode(event{1, 0, "clock_start,c"}), "")
	cfg := testConfig(path)
	cfg.Input = r

	_, err = Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "1,timed_event,clock_start,c\n", readFile(t, filepath.Join(filepath.Dir(path), "demo_log.csv")))
}

func TestRun_LargeOutputWithoutLinger(t *testing.T) {
	frames, want := clockEvents(0, 3000)
	path := newSubject(t, "bulk", frames, "")

	cfg := testConfig(path)
	cfg.ExitLinger = 0
	summary, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	require.Equal(t, "subject_exit", summary.StopReason)
	require.Equal(t, int64(3000), summary.Events())
	require.Equal(t, int64(len(frames)), summary.BytesRead)
	require.Equal(t, want, readFile(t, filepath.Join(filepath.Dir(path), "bulk_log.csv")))
}

func TestRun_LargeOutputWithLinger(t *testing.T) {
	frames, want := clockEvents(0, 3000)
	path := newSubject(t, "bulk", frames, "")

	summary, err := Run(context.Background(), testConfig(path))
	require.NoError(t, err)

	require.Equal(t, "subject_exit", summary.StopReason)
	require.Equal(t, want, readFile(t, filepath.Join(filepath.Dir(path), "bulk_log.csv")))
}

func TestRun_SubjectExitsWhilePaused(t *testing.T) {
	ignoreStop(t)
	dir := t.TempDir()
	frames, want := clockEvents(0, 10)
	data := writeFrames(t, dir, "frames.bin", frames)
	path := writeSubject(t, dir, "paused", fmt.Sprintf("sleep 0.5\ncat '%s'", data))

	cfg := testConfig(path)
	cfg.ExitLinger = 2 * time.Second

	pause := time.AfterFunc(150*time.Millisecond, func() { _ = syscall.Kill(syscall.Getpid(), syscall.SIGTSTP) })
	defer pause.Stop()
	resume := time.AfterFunc(2800*time.Millisecond, func() { _ = syscall.Kill(syscall.Getpid(), syscall.SIGTSTP) })
	defer resume.Stop()

	summary, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "subject_exit", summary.StopReason)
	require.Equal(t, want, readFile(t, filepath.Join(dir, "paused_log.csv")))
}

func TestRun_PauseKeyFlushesAndResumes(t *testing.T) {
	ptmx, tty, err := pty.Open()
	require.NoError(t, err)
	defer ptmx.Close()
	defer tty.Close()

	dir := t.TempDir()
	first, wantFirst := clockEvents(0, 1000)
	second, wantSecond := clockEvents(1000, 20)
	path := writeSubject(t, dir, "keys", fmt.Sprintf("cat '%s'\nsleep 1\ncat '%s'",
		writeFrames(t, dir, "first.bin", first), writeFrames(t, dir, "second.bin", second)))
	mainPath := filepath.Join(dir, "keys_log.csv")

	cfg := testConfig(path)
	cfg.Input = tty
	cfg.FlushInterval = 0

	type result struct {
		reason string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := Run(context.Background(), cfg)
		if summary == nil {
			done <- result{err: err}
			return
		}
		done <- result{reason: summary.StopReason, err: err}
	}()

	// pause once the first batch is in
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(mainPath)
		return err == nil && len(data) > 0
	}, 5*time.Second, 10*time.Millisecond, "main stream not created")
	time.Sleep(200 * time.Millisecond)
	_, err = ptmx.Write([]byte("p"))
	require.NoError(t, err)

	// lines written before the pause become visible without waiting for the end
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(mainPath)
		return err == nil && strings.HasPrefix(string(data), wantFirst)
	}, 2*time.Second, 10*time.Millisecond, "pause did not flush the main stream")

	// the subject exits during the pause; resume well after the linger
	time.Sleep(1800 * time.Millisecond)
	select {
	case r := <-done:
		t.Fatalf("run ended while paused: %+v", r)
	default:
	}
	_, err = ptmx.Write([]byte("p"))
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, "subject_exit", r.reason)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not end after resume")
	}
	require.Equal(t, wantFirst+wantSecond, readFile(t, mainPath))
}

func TestRun_DescendantHoldsOutput(t *testing.T) {
	frames, want := clockEvents(0, 5)
	path := newSubject(t, "orphan", frames, "sleep 5 2>/dev/null &")

	start := time.Now()
	summary, err := Run(context.Background(), testConfig(path))
	require.NoError(t, err)
	require.Less(t, time.Since(start), 4*time.Second, "a quiet output must be closed after the linger")

	require.Equal(t, "subject_exit", summary.StopReason)
	require.Equal(t, want, readFile(t, filepath.Join(filepath.Dir(path), "orphan_log.csv")))
}
