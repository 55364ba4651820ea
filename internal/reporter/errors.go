package reporter

import (
	"errors"
	"fmt"

	"rtreporter/internal/subject"
)

// Process exit codes.
const (
	ExitSuccess         = 0
	ExitArguments       = -1
	ExitSubjectNotFound = -2
	ExitFailure         = -3
)

// ErrArguments is wrapped by every error caused by the command line or the
// configuration file.
var ErrArguments = errors.New("invalid arguments")

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps err to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return exitErr.Code
	case errors.Is(err, ErrArguments):
		return ExitArguments
	case errors.Is(err, subject.ErrLaunch):
		return ExitSubjectNotFound
	default:
		return ExitFailure
	}
}

func argumentError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrArguments, fmt.Sprintf(format, args...))
}
