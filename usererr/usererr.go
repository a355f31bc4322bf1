// Package usererr defines the error taxonomy surfaced to operators and the
// process exit codes derived from it.
package usererr

import (
	"errors"
	"fmt"
)

// Kind classifies a fatal error for reporting and exit-code mapping.
type Kind int

const (
	// Input covers bad user-supplied parameters or files.
	Input Kind = iota
	// Database covers a missing or unparseable search database.
	Database
	// Memory covers an out-of-memory sizing result.
	Memory
	// Timeout covers a bounded wait that exceeded its budget.
	Timeout
	// Permissions covers rejected or insufficient credentials.
	Permissions
	// Dependency covers an unreachable or absent external tool or API.
	Dependency
	// Cluster covers cloud resource creation or deletion failures.
	Cluster
	// Interrupted covers user-initiated cancellation.
	Interrupted
	// NotReady reports that results are not yet available.
	NotReady
)

// Process exit codes, one per Kind. Unrecognized errors exit with
// ExitCodeUnknown.
const (
	ExitCodeInput       = 1
	ExitCodeDatabase    = 2
	ExitCodeMemory      = 4
	ExitCodeTimeout     = 5
	ExitCodePermissions = 6
	ExitCodeDependency  = 7
	ExitCodeCluster     = 8
	ExitCodeInterrupted = 9
	ExitCodeNotReady    = 10
	ExitCodeUnknown     = 255
)

var kindNames = map[Kind]string{
	Input:       "input",
	Database:    "database",
	Memory:      "memory",
	Timeout:     "timeout",
	Permissions: "permissions",
	Dependency:  "dependency",
	Cluster:     "cluster",
	Interrupted: "interrupted",
	NotReady:    "not-ready",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

func (k Kind) exitCode() int {
	switch k {
	case Input:
		return ExitCodeInput
	case Database:
		return ExitCodeDatabase
	case Memory:
		return ExitCodeMemory
	case Timeout:
		return ExitCodeTimeout
	case Permissions:
		return ExitCodePermissions
	case Dependency:
		return ExitCodeDependency
	case Cluster:
		return ExitCodeCluster
	case Interrupted:
		return ExitCodeInterrupted
	case NotReady:
		return ExitCodeNotReady
	}
	return ExitCodeUnknown
}

// Error carries a stable kind plus a human-readable message with a
// remediation hint where one exists.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a taxonomy error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy kind and message to an underlying error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf reports the taxonomy kind of err, or false when err carries none.
func KindOf(err error) (Kind, bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind, true
	}
	return 0, false
}

// ExitCode maps err to the process exit code the CLI should return.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind.exitCode()
	}
	return ExitCodeUnknown
}
