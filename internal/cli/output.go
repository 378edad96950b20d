package cli

import (
	"errors"
	"fmt"
	"io"
)

// Exit codes. A pass that completes but leaves individual messages failed
// exits with ExitItemErrors so schedulers can tell "retry later" from
// "configuration is broken".
const (
	ExitSuccess    = 0
	ExitFailure    = 1 // fatal: configuration, auth, or a whole-pass error
	ExitItemErrors = 2 // pass completed, some messages failed
)

// ExitError carries a process exit code alongside the error message.
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

// NewExitError creates an ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors without one map
// to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

const maxErrorSamples = 10

// printErrorSamples lists up to maxErrorSamples failure lines so the
// operator sees what went wrong without scrolling through thousands of
// lines. The lines carry error categories, never message content.
func printErrorSamples(w io.Writer, samples []string) {
	if len(samples) == 0 {
		return
	}
	fmt.Fprintln(w, "Sample errors:")
	for i, s := range samples {
		if i == maxErrorSamples {
			fmt.Fprintf(w, "- ... and %d more\n", len(samples)-maxErrorSamples)
			return
		}
		fmt.Fprintf(w, "- %s\n", s)
	}
}
