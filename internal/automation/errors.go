package automation

import (
	"fmt"
	"time"
)

// ConfigError signals a credentials or configuration problem. Fatal, not
// worth retrying with the same settings.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "configuration: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// ProvisionError signals a failure to create a remote resource (bucket,
// activity template, alias, or a reserved output URL).
type ProvisionError struct {
	Resource string
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: %v", e.Resource, e.Err)
}
func (e *ProvisionError) Unwrap() error { return e.Err }

// TransferError signals a failed upload or download of a named payload.
type TransferError struct {
	Op   string // "upload" or "download"
	Name string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
}
func (e *TransferError) Unwrap() error { return e.Err }

// SubmitError signals that the work item could not be dispatched or its
// status could not be queried.
type SubmitError struct {
	Err error
}

func (e *SubmitError) Error() string { return "submit work item: " + e.Err.Error() }
func (e *SubmitError) Unwrap() error { return e.Err }

// TimeoutError signals that the remote system never reached a terminal
// state within the polling budget. Distinct from ExecutionError so callers
// can tell "the remote system hung" from "the remote system rejected the
// input".
type TimeoutError struct {
	Attempts int
	Interval time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("work item still not finished after %d polls (%s)",
		e.Attempts, time.Duration(e.Attempts)*e.Interval)
}

// ExecutionError signals that the remote executor ran and reported failure.
// Diagnostics carries the classified lines mined from the execution report.
type ExecutionError struct {
	Status      string
	Diagnostics []string
}

func (e *ExecutionError) Error() string {
	return "remote execution failed with status " + e.Status
}
