package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"rtreporter/internal/frame"
	"rtreporter/internal/reporter"

	"github.com/spf13/cobra"
)

type runOptions struct {
	configFile string
	timeout    float64
	outputDir  string
	remote     string
	archive    string
	strict     bool
	status     bool
	subjectTTY bool
	logLevel   string
	logFile    string
}

func newRootCmd(opts *runOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rtreporter <subject> [report] [-- subject-args...]",
		Short: "rtreporter - event logs for instrumented programs",
		Long: `rtreporter runs an instrumented program (the subject), reads the binary
event frames it writes to stdout and writes them to CSV logs: one main log
named after the subject plus one log per self-loggable component.

The run ends when the subject exits, sends an end-of-report event, the
timeout expires, 's' is pressed or SIGINT/SIGTERM is received. 'p' and
SIGTSTP pause and resume event acquisition.

Exit codes: -1 invalid arguments, -2 subject not found or not executable,
-3 any other error.`,
		Args: func(cmd *cobra.Command, args []string) error {
			positional, _ := splitAtDash(cmd, args)
			if len(positional) > 2 {
				return &reporter.ExitError{
					Code:    reporter.ExitArguments,
					Message: fmt.Sprintf("expected <subject> [report], got %d arguments", len(positional)),
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReporter(cmd, opts, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &reporter.ExitError{Code: reporter.ExitArguments, Message: "invalid flags", Err: err}
	})

	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "YAML configuration file; flags given on the command line override it")
	f.Float64VarP(&opts.timeout, "timeout", "t", 0, "Stop after this many seconds (0 disables the timeout)")
	f.StringVarP(&opts.outputDir, "output-dir", "o", "", "Directory for the CSV logs (default: $"+reporter.OutputDirEnv+" or the subject's directory)")
	f.StringVar(&opts.remote, "remote", "", "Publish every line to the websocket consumer at host:port")
	f.StringVar(&opts.archive, "archive", "", "Store every line in this SQLite database")
	f.BoolVar(&opts.strict, "strict", false, "Log payloads that do not follow the grammar of their event type as invalid")
	f.BoolVar(&opts.status, "status", false, "Show a live status view")
	f.BoolVar(&opts.subjectTTY, "subject-tty", false, "Give the subject a pseudo terminal as stdin")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&opts.logFile, "log-file", "", "Append logs to this file instead of stderr")

	cmd.AddCommand(newEncodeCmd())
	return cmd
}

// splitAtDash separates the reporter's positional arguments from the
// arguments after "--", which belong to the subject.
func splitAtDash(cmd *cobra.Command, args []string) (positional, subjectArgs []string) {
	dash := cmd.ArgsLenAtDash()
	if dash < 0 {
		return args, nil
	}
	return args[:dash], args[dash:]
}

func buildConfig(cmd *cobra.Command, opts *runOptions, args []string) (reporter.Config, error) {
	cfg := reporter.DefaultConfig()
	if opts.configFile != "" {
		var err error
		cfg, err = reporter.LoadConfigFile(opts.configFile)
		if err != nil {
			return cfg, err
		}
	}

	positional, subjectArgs := splitAtDash(cmd, args)
	if len(positional) > 0 {
		cfg.Subject = positional[0]
	}
	if len(positional) > 1 {
		cfg.Report = positional[1]
	}
	if len(subjectArgs) > 0 {
		cfg.Args = subjectArgs
	}

	f := cmd.Flags()
	if f.Changed("timeout") {
		cfg.Timeout = time.Duration(opts.timeout * float64(time.Second))
	}
	if f.Changed("output-dir") {
		cfg.OutputDir = opts.outputDir
	}
	if f.Changed("remote") {
		cfg.Remote = opts.remote
	}
	if f.Changed("archive") {
		cfg.Archive = opts.archive
	}
	if f.Changed("strict") {
		cfg.Strict = opts.strict
	}
	if f.Changed("status") {
		cfg.Status = opts.status
	}
	if f.Changed("subject-tty") {
		cfg.SubjectTTY = opts.subjectTTY
	}
	if f.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if f.Changed("log-file") {
		cfg.LogFile = opts.logFile
	}
	return cfg, nil
}

func runReporter(cmd *cobra.Command, opts *runOptions, args []string) error {
	cfg, err := buildConfig(cmd, opts, args)
	if err != nil {
		return err
	}
	cfg.Input = os.Stdin

	// The status view owns the terminal; without a log file logs are dropped.
	var fallback io.Writer = cmd.ErrOrStderr()
	if cfg.Status {
		fallback = io.Discard
	}
	closeLog, err := reporter.SetupLogging(cfg.LogLevel, cfg.LogFile, fallback)
	if err != nil {
		return err
	}
	defer closeLog()

	_, err = reporter.Run(cmd.Context(), cfg)
	return err
}

func newEncodeCmd() *cobra.Command {
	var timestamp int64

	cmd := &cobra.Command{
		Use:   "encode <type> [payload]",
		Short: "Write one event frame to stdout",
		Long: `Write one event frame to stdout, for subjects written as shell scripts.

<type> is an event type name (timed_event, state_event, process_event,
component_event, self_loggable_init, self_loggable_event, end_of_report) or
a numeric ordinal.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 || len(args) > 2 {
				return &reporter.ExitError{
					Code:    reporter.ExitArguments,
					Message: fmt.Sprintf("expected <type> [payload], got %d arguments", len(args)),
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ordinal, err := parseOrdinal(args[0])
			if err != nil {
				return err
			}
			payload := ""
			if len(args) > 1 {
				payload = args[1]
			}
			if len(payload) > frame.PayloadSize {
				return &reporter.ExitError{
					Code:    reporter.ExitArguments,
					Message: fmt.Sprintf("payload is %d bytes, at most %d fit in a frame", len(payload), frame.PayloadSize),
				}
			}
			if !cmd.Flags().Changed("timestamp") {
				timestamp = time.Now().UnixNano()
			}
			_, err = cmd.OutOrStdout().Write(frame.Encode(timestamp, ordinal, payload))
			return err
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "Frame timestamp (default: current time in nanoseconds)")
	return cmd
}

func parseOrdinal(s string) (int32, error) {
	if t, ok := frame.ParseType(s); ok {
		return int32(t), nil
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, &reporter.ExitError{Code: reporter.ExitArguments, Message: fmt.Sprintf("unknown event type %q", s)}
	}
	return int32(n), nil
}

func main() {
	if err := newRootCmd(&runOptions{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(reporter.ExitCode(err))
	}
}
