// Package reporter runs a subject and demultiplexes the event frames it
// writes to stdout into per-stream CSV files.
//
// A run is a single pipeline goroutine (decode, classify, write) plus
// trigger listeners that only talk to the shutdown controller. The pipeline
// is the only writer to the stream registry; it closes every file before the
// run is reported as terminated.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"rtreporter/internal/classify"
	"rtreporter/internal/frame"
	"rtreporter/internal/mirror"
	"rtreporter/internal/registry"
	"rtreporter/internal/shutdown"
	"rtreporter/internal/status"
	"rtreporter/internal/subject"
	"rtreporter/pkg/report"
)

const dialTimeout = 10 * time.Second

type run struct {
	cfg        Config
	runID      string
	outDir     string
	sup        *subject.Supervisor
	dec        *frame.Decoder
	reg        *registry.Registry
	classifier classify.Classifier
	ctl        *shutdown.Controller
	stats      Stats

	start time.Time
	end   time.Time
}

// Run validates cfg, starts the subject and demultiplexes its frames until a
// stop trigger fires. Argument and launch errors are returned before any
// stream file is created. The summary is returned whenever the subject was
// started, also together with an error.
func Run(ctx context.Context, cfg Config) (*report.Summary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	subjectPath, err := subject.Resolve(cfg.Subject)
	if err != nil {
		return nil, err
	}
	outDir, err := cfg.ResolveOutputDir(subjectPath)
	if err != nil {
		return nil, err
	}

	runID := newRunID()
	mirrors, err := openMirrors(ctx, cfg, runID)
	if err != nil {
		return nil, err
	}
	reg := registry.New(outDir, subjectPath, mirrors...)

	sup, err := subject.Launch(subjectPath, subject.Options{
		Args:     cfg.Args,
		Stderr:   cfg.SubjectStderr,
		StdinTTY: cfg.SubjectTTY,
	})
	if err != nil {
		_ = reg.CloseAll()
		return nil, err
	}
	defer sup.Close()

	if _, err := reg.Open(registry.MainStream); err != nil {
		_ = sup.Terminate(cfg.TerminateGrace)
		_ = reg.CloseAll()
		return nil, &ExitError{Code: ExitFailure, Message: "cannot open main stream", Err: err}
	}

	r := &run{
		cfg:        cfg,
		runID:      runID,
		outDir:     outDir,
		sup:        sup,
		reg:        reg,
		classifier: classify.Classifier{Strict: cfg.Strict},
		start:      time.Now(),
	}
	return r.execute(ctx)
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func openMirrors(ctx context.Context, cfg Config, runID string) ([]registry.Mirror, error) {
	var mirrors []registry.Mirror
	if cfg.Archive != "" {
		a, err := mirror.OpenArchive(cfg.Archive, runID)
		if err != nil {
			return nil, &ExitError{Code: ExitFailure, Message: "cannot open archive", Err: err}
		}
		mirrors = append(mirrors, a)
	}
	if cfg.Remote != "" {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		remote, err := mirror.DialRemote(dialCtx, cfg.Remote, runID)
		if err != nil {
			for _, m := range mirrors {
				_ = m.Close()
			}
			return nil, &ExitError{Code: ExitFailure, Message: "cannot reach remote", Err: err}
		}
		mirrors = append(mirrors, remote)
	}
	return mirrors, nil
}

func (r *run) execute(parent context.Context) (*report.Summary, error) {
	ctl, ctx := shutdown.New(parent)
	r.ctl = ctl

	proc := r.sup.Process()
	slog.Info("Run started", "run_id", r.runID, "subject", proc.Path, "pid", proc.PID,
		"output_dir", r.outDir, "timeout", r.cfg.Timeout)

	r.dec = frame.NewDecoder(r.sup.Output())

	defer ctl.AfterTimeout(r.cfg.Timeout)()
	defer ctl.WatchSignals(shutdown.Reraise)()
	ctl.AfterSubjectExit(ctx, r.sup.Exited(), r.cfg.ExitLinger, r.activity, func() { _ = r.sup.Close() })
	go r.flushLoop(ctx)

	statusCtx, stopStatus := context.WithCancel(context.Background())
	defer stopStatus()
	var statusDone chan error
	switch {
	case r.cfg.Status:
		statusDone = make(chan error, 1)
		go func() { statusDone <- status.Run(statusCtx, r.snapshot, ctl) }()
	case r.cfg.Input != nil:
		stopKeys, err := ctl.ListenKeys(r.cfg.Input)
		if err != nil {
			slog.Warn("Keyboard controls disabled", "error", err)
		} else {
			defer stopKeys()
		}
	}

	runErr := r.pump(ctx)

	ctl.BeginDrain()
	r.dec.Close()
	if err := r.sup.Terminate(r.cfg.TerminateGrace); err != nil {
		slog.Error("Failed to terminate subject", "error", err)
	}
	_ = r.sup.Close()
	finishErr := ctl.Finish(r.reg.CloseAll())
	r.end = time.Now()

	stopStatus()
	if statusDone != nil {
		if err := <-statusDone; err != nil {
			slog.Warn("Status view failed", "error", err)
		}
	}

	summary := r.summary(ctl.Reason())
	logSummary(summary)

	if r.cfg.Report != "" {
		if err := report.Write(r.cfg.Report, summary); err != nil {
			runErr = errors.Join(runErr, err)
		} else {
			slog.Info("Report written", "path", r.cfg.Report)
		}
	}
	return summary, errors.Join(runErr, finishErr)
}

// pump moves frames from the decoder to the registry until a stop is
// requested or the subject's output ends. While paused the decoder keeps
// buffering and nothing is lost.
func (r *run) pump(ctx context.Context) error {
	dec := r.dec
	for {
		if r.ctl.Paused() {
			r.flush()
		}
		if err := r.ctl.WaitWhilePaused(ctx); err != nil {
			return nil
		}

		f, err := dec.Next(ctx)
		if errors.Is(err, frame.ErrCancelled) {
			return nil
		}
		if errors.Is(err, frame.ErrEndOfStream) {
			r.ctl.Request(shutdown.ReasonSubjectExit)
			if readErr := dec.Err(); readErr != nil {
				return fmt.Errorf("reading subject output: %w", readErr)
			}
			return nil
		}

		terminate, err := r.handle(f)
		if err != nil {
			r.ctl.Request(shutdown.ReasonCancelled)
			return err
		}
		if terminate {
			r.ctl.Request(shutdown.ReasonEndOfReport)
			return nil
		}
	}
}

// activity changes whenever subject output arrives or the pipeline moves on.
func (r *run) activity() (int64, bool) {
	return r.dec.BytesRead() + r.stats.Events(), r.dec.Pending()
}

// flushLoop makes written lines visible to outside readers every
// FlushInterval and as soon as the run is paused.
func (r *run) flushLoop(ctx context.Context) {
	var tick <-chan time.Time
	if r.cfg.FlushInterval > 0 {
		t := time.NewTicker(r.cfg.FlushInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		changed := r.ctl.Changed()
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-changed:
			if !r.ctl.Paused() {
				continue
			}
		}
		r.flush()
	}
}

func (r *run) flush() {
	if err := r.reg.Flush(); err != nil {
		slog.Warn("Failed to flush streams", "error", err)
	}
}

func (r *run) handle(f frame.Frame) (terminate bool, err error) {
	a := r.classifier.Classify(f)
	r.stats.record(a)

	switch a.Kind {
	case classify.WriteLine:
		err := r.reg.Write(a.Stream, a.Line)
		if errors.Is(err, registry.ErrUnknownStream) {
			r.stats.dropped.Add(1)
			slog.Warn("Dropping event for a stream that was never opened", "stream", a.Stream, "timestamp", f.Timestamp)
			return false, nil
		}
		return false, err

	case classify.OpenStream:
		created, err := r.reg.Open(a.Stream)
		switch {
		case errors.Is(err, registry.ErrInvalidStreamName):
			slog.Warn("Rejected stream", "error", err)
			r.stats.invalid.Add(1)
			return false, r.reg.Write(registry.MainStream, fmt.Sprintf("%d,%s,%s", f.Timestamp, frame.Unknown, a.Stream))
		case err != nil:
			return false, err
		case created:
			slog.Info("Stream opened", "stream", a.Stream, "path", r.reg.PathFor(a.Stream))
		default:
			slog.Debug("Stream already open", "stream", a.Stream)
		}

	case classify.Drop:
		r.stats.dropped.Add(1)

	case classify.Terminate:
		return true, nil
	}
	return false, nil
}

func (r *run) snapshot() status.Snapshot {
	p := r.sup.Process()
	var threads int32
	if u, err := r.sup.Usage(); err == nil {
		threads = u.Threads
	}
	return status.Snapshot{
		Subject:      filepath.Base(p.Path),
		PID:          p.PID,
		Elapsed:      time.Since(r.start),
		State:        r.ctl.State(),
		Reason:       r.ctl.Reason(),
		Paused:       r.ctl.Paused(),
		Events:       r.stats.Events(),
		Dropped:      r.stats.Dropped(),
		Invalid:      r.stats.Invalid(),
		Streams:      len(r.reg.Names()),
		BytesRead:    r.dec.BytesRead(),
		BytesWritten: r.reg.BytesWritten(),
		Threads:      threads,
	}
}

func (r *run) summary(reason shutdown.Reason) *report.Summary {
	p := r.sup.Process()
	s := &report.Summary{
		RunID:        r.runID,
		Subject:      p.Path,
		Args:         p.Args,
		PID:          p.PID,
		ExitCode:     p.ExitCode,
		Signal:       p.Signal,
		Start:        r.start,
		End:          r.end,
		StopReason:   string(reason),
		Counts:       r.stats.Counts(),
		Dropped:      r.stats.Dropped(),
		Invalid:      r.stats.Invalid(),
		Streams:      r.reg.Paths(),
		BytesRead:    r.dec.BytesRead(),
		BytesWritten: r.reg.BytesWritten(),
	}
	if u, err := r.sup.Usage(); err == nil {
		s.Usage = report.Usage{CPUUser: u.CPUUser, CPUSystem: u.CPUSystem, RSSBytes: u.RSSBytes}
	} else {
		slog.Debug("No usage for subject", "error", err)
	}
	return s
}

func logSummary(s *report.Summary) {
	slog.Info("Run finished",
		"run_id", s.RunID,
		"reason", s.StopReason,
		"events", s.Events(),
		"elapsed", s.Elapsed().Round(time.Millisecond),
		"invalid", s.Invalid,
		"dropped", s.Dropped,
		"streams", len(s.Streams),
		"bytes_read", s.BytesRead,
		"bytes_written", s.BytesWritten,
	)
}
