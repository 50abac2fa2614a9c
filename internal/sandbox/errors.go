package sandbox

import (
	"errors"
	"fmt"
)

var (
	ErrOperationDenied           = errors.New("operation not allowed")
	ErrOperationExplicitlyDenied = errors.New("operation explicitly denied")
	ErrPathOutsideSandbox        = errors.New("path outside sandbox")
	ErrDangerousCommand          = errors.New("dangerous command")
	ErrCommandNotAllowed         = errors.New("command not allowed")
	ErrCommandFailed             = errors.New("command failed")
	ErrResourceLimitExceeded     = errors.New("resource limit exceeded")
)

// CommandError reports a command that ran but did not exit cleanly.
type CommandError struct {
	ExitCode int
	Stderr   string
	TimedOut bool
}

func (e *CommandError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("command failed: timed out: %s", e.Stderr)
	}
	return fmt.Sprintf("command failed: exit code %d: %s", e.ExitCode, e.Stderr)
}

func (e *CommandError) Unwrap() error { return ErrCommandFailed }
