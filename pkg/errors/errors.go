// Package errors provides error wrapping utilities and the typed error kinds
// raised by the provisioning core.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/alessio/shellescape"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// ErrRemoteCallFailed is returned by the remote client once every attempt of a
// call has failed with a transient error.
var ErrRemoteCallFailed = stderrors.New("remote call failed")

// ExternalCommandFailure reports an external process that exited with a code
// outside the expected set.
type ExternalCommandFailure struct {
	Command  string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *ExternalCommandFailure) Error() string {
	msg := fmt.Sprintf("command %s exited with code %d", e.CommandLine(), e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *ExternalCommandFailure) Unwrap() error {
	return e.Err
}

// CommandLine renders the command the way a shell would accept it.
func (e *ExternalCommandFailure) CommandLine() string {
	return shellescape.QuoteCommand(append([]string{e.Command}, e.Args...))
}

// DeviceNotFound reports an expected block device that is absent.
type DeviceNotFound struct {
	Role string
	Path string
}

func (e *DeviceNotFound) Error() string {
	return fmt.Sprintf("%s device '%s' not found", e.Role, e.Path)
}

// PartitionCommitFailure reports a failed partition table write.
type PartitionCommitFailure struct {
	Device string
	Err    error
}

func (e *PartitionCommitFailure) Error() string {
	return fmt.Sprintf("failed to commit partition table to %s: %v", e.Device, e.Err)
}

func (e *PartitionCommitFailure) Unwrap() error {
	return e.Err
}

// NodeLocked reports lock contention on a node.
type NodeLocked struct {
	NodeID string
	Holder string
}

func (e *NodeLocked) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("node %s is locked", e.NodeID)
	}
	return fmt.Sprintf("node %s is locked by %s", e.NodeID, e.Holder)
}

// InvalidParameterValue reports bad caller input. It is raised before any
// external call is made.
type InvalidParameterValue struct {
	Message string
}

func (e *InvalidParameterValue) Error() string {
	return "invalid parameter value: " + e.Message
}

// InvalidParameter builds an InvalidParameterValue with a formatted message.
func InvalidParameter(format string, args ...any) error {
	return &InvalidParameterValue{Message: fmt.Sprintf(format, args...)}
}

// PowerStateFailure reports a power transition that did not converge within
// its retry budget.
type PowerStateFailure struct {
	NodeID   string
	Target   string
	Observed string
}

func (e *PowerStateFailure) Error() string {
	return fmt.Sprintf("node %s failed to reach power state %q (last observed %q)", e.NodeID, e.Target, e.Observed)
}

// ConsoleSubprocessFailed reports a console helper process that could not be
// started or stopped.
type ConsoleSubprocessFailed struct {
	Err error
}

func (e *ConsoleSubprocessFailed) Error() string {
	return fmt.Sprintf("console subprocess failed: %v", e.Err)
}

func (e *ConsoleSubprocessFailed) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient condition a caller may retry:
// lock contention or a failed external command. Bad input and missing devices
// are never retryable.
func IsRetryable(err error) bool {
	var invalid *InvalidParameterValue
	if stderrors.As(err, &invalid) {
		return false
	}
	var notFound *DeviceNotFound
	if stderrors.As(err, &notFound) {
		return false
	}
	var locked *NodeLocked
	if stderrors.As(err, &locked) {
		return true
	}
	var cmdErr *ExternalCommandFailure
	return stderrors.As(err, &cmdErr)
}
