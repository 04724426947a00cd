package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType identifies the category of error that occurred.
type ErrorType string

const (
	// Detected before any side effect
	ErrConfig ErrorType = "config_error"

	// Release and lock gates
	ErrPrecondition ErrorType = "precondition_failed"
	ErrDrift        ErrorType = "drift_detected"
	ErrConflict     ErrorType = "conflict"

	// Subprocess returned non-zero
	ErrCommandFailed ErrorType = "command_failed"

	// Catch-all
	ErrInternalError ErrorType = "internal_error"
)

// ExitCode is the process exit status reported to the operator.
type ExitCode int

const (
	ExitOK      ExitCode = 0
	ExitFailure ExitCode = 1
	ExitUsage   ExitCode = 2

	ExitVersionUnset            ExitCode = 3
	ExitVersionDirty            ExitCode = 4
	ExitStaleReleaseEnv         ExitCode = 5
	ExitUncommittedRequirements ExitCode = 6
	ExitTagNotRequested         ExitCode = 7
	ExitReleaseOutOfOrder       ExitCode = 8
)

// ExitCoder is implemented by errors that carry a specific exit status.
type ExitCoder interface {
	ExitCode() ExitCode
}

// ExitCodeOf maps an error chain to the exit status of the process.
func ExitCodeOf(err error) ExitCode {
	if err == nil {
		return ExitOK
	}
	var coder ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return ExitFailure
}

// ConfigError reports an invalid definition: unknown task, cycle, missing flag.
type ConfigError struct {
	Source string
	Msg    string
	Err    error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Source != "" {
		b.WriteString(" in ")
		b.WriteString(e.Source)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ExitCode implements ExitCoder.
func (e *ConfigError) ExitCode() ExitCode { return ExitUsage }

// Configf builds a ConfigError with a formatted message.
func Configf(source, format string, args ...any) *ConfigError {
	return &ConfigError{Source: source, Msg: fmt.Sprintf(format, args...)}
}

// PreconditionError aborts a whole workflow; it is never auto-remediated.
type PreconditionError struct {
	Gate string
	Code ExitCode
	Msg  string
	Hint string
}

func (e *PreconditionError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Gate, e.Msg)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// ExitCode implements ExitCoder.
func (e *PreconditionError) ExitCode() ExitCode { return e.Code }

// CommandError reports an external command that exited non-zero. The task or
// stage name and the parameters it ran with are preserved for the operator.
type CommandError struct {
	Task     string
	Command  string
	Params   map[string]string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: ", e.Task)
	if e.Err != nil {
		fmt.Fprintf(&b, "%q: %v", e.Command, e.Err)
	} else {
		fmt.Fprintf(&b, "%q exited with code %d", e.Command, e.ExitCode)
	}
	if len(e.Params) > 0 {
		keys := SortedKeys(e.Params)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+e.Params[k])
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(parts, " "))
	}
	return b.String()
}

func (e *CommandError) Unwrap() error { return e.Err }

// DriftError names every requirements file that drifted.
type DriftError struct {
	Files  []string
	Reason string
	Code   ExitCode
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Files, ", "))
}

// ExitCode implements ExitCoder.
func (e *DriftError) ExitCode() ExitCode {
	if e.Code == 0 {
		return ExitFailure
	}
	return e.Code
}

// ConflictError reports a path that already exists or is being written by
// another caller.
type ConflictError struct {
	Path string
	Msg  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

// TypeOf classifies an error for logging.
func TypeOf(err error) ErrorType {
	var (
		cfg      *ConfigError
		pre      *PreconditionError
		drift    *DriftError
		conflict *ConflictError
		cmd      *CommandError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfg):
		return ErrConfig
	case errors.As(err, &pre):
		return ErrPrecondition
	case errors.As(err, &drift):
		return ErrDrift
	case errors.As(err, &conflict):
		return ErrConflict
	case errors.As(err, &cmd):
		return ErrCommandFailed
	default:
		return ErrInternalError
	}
}
