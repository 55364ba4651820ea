package reporter

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// OutputDirEnv names the environment variable holding the default output
// directory.
const OutputDirEnv = "RTREPORTER_OUTPUT_DIR"

// Config holds everything a run needs. It can be loaded from a YAML file;
// the command line overrides individual fields.
type Config struct {
	Subject string   `yaml:"subject"`
	Args    []string `yaml:"args"`

	// Report is the optional run report. A .html or .htm extension selects
	// HTML, anything else Markdown.
	Report string `yaml:"report"`

	// OutputDir receives the stream files. Empty means $RTREPORTER_OUTPUT_DIR
	// or, if that is unset too, the subject's directory.
	OutputDir string `yaml:"output_dir"`

	// Timeout stops the run after the given duration. Zero disables it.
	Timeout time.Duration `yaml:"timeout"`

	Remote  string `yaml:"remote"`  // host:port of a websocket consumer
	Archive string `yaml:"archive"` // SQLite file mirroring every line

	Strict     bool `yaml:"strict"`
	SubjectTTY bool `yaml:"subject_tty"`
	Status     bool `yaml:"status"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	// TerminateGrace is how long the subject has between SIGTERM and SIGKILL.
	TerminateGrace time.Duration `yaml:"terminate_grace"`
	// ExitLinger is how long the subject's output may stay quiet after the
	// subject exited before it is closed, for descendants that still hold
	// its stdout. Pauses do not count. Zero waits for end of output.
	ExitLinger time.Duration `yaml:"exit_linger"`
	// FlushInterval pushes written lines to the stream files while the run
	// goes on. Zero flushes only on pause and at the end.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// Input is the keyboard for the stop and pause keys. Nil disables them.
	Input *os.File `yaml:"-"`
	// SubjectStderr receives the subject's stderr. Nil means os.Stderr.
	SubjectStderr io.Writer `yaml:"-"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		LogLevel:       "info",
		TerminateGrace: 3 * time.Second,
		ExitLinger:     2 * time.Second,
		FlushInterval:  time.Second,
	}
}

// LoadConfigFile reads a YAML configuration on top of DefaultConfig.
// Unknown keys are rejected.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, argumentError("failed to read config file: %v", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, argumentError("failed to parse config file %s: %v", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration before anything is started.
func (c *Config) Validate() error {
	if c.Subject == "" {
		return argumentError("no subject given")
	}
	if c.Timeout < 0 {
		return argumentError("timeout must not be negative, got %s", c.Timeout)
	}
	if c.TerminateGrace <= 0 {
		return argumentError("terminate grace must be positive, got %s", c.TerminateGrace)
	}
	if c.ExitLinger < 0 {
		return argumentError("exit linger must not be negative, got %s", c.ExitLinger)
	}
	if c.FlushInterval < 0 {
		return argumentError("flush interval must not be negative, got %s", c.FlushInterval)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Remote != "" {
		if _, _, err := net.SplitHostPort(c.Remote); err != nil {
			return argumentError("remote must be host:port: %v", err)
		}
	}
	if c.Report != "" {
		if err := requireDir(filepath.Dir(c.Report)); err != nil {
			return argumentError("report: %v", err)
		}
	}
	return nil
}

// ResolveOutputDir returns the directory the stream files go to for a
// subject at subjectPath.
func (c *Config) ResolveOutputDir(subjectPath string) (string, error) {
	dir := c.OutputDir
	if dir == "" {
		dir = os.Getenv(OutputDirEnv)
	}
	if dir == "" {
		dir = filepath.Dir(subjectPath)
	}
	if err := requireDir(dir); err != nil {
		return "", argumentError("output directory: %v", err)
	}
	return dir, nil
}

func requireDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, argumentError("unknown log level %q", s)
	}
	return level, nil
}
