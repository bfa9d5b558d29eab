package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies engine failures so callers can distinguish
// "fix the input and retry" from "abort and escalate" without string
// matching. Every rejected operation carries exactly one kind.
type ErrorKind int

const (
	// KindContainerCreation covers runtime-API failures while building or
	// starting a container (missing image, invalid config, resource exhaustion).
	KindContainerCreation ErrorKind = iota

	// KindCommandExecution covers exec failures: dead or unknown containers,
	// runtime-level exec errors, or repository commands that exited non-zero.
	KindCommandExecution

	// KindCommandTimeout means a command exceeded its deadline. The container
	// itself is left running and remains cleanable.
	KindCommandTimeout

	// KindFileSystem covers host or container file operations that failed.
	KindFileSystem

	// KindSecurityViolation means a path or resource outside the caller's
	// sanctioned boundary was referenced. Raised before any side effect.
	KindSecurityViolation

	// KindResourceLimit means a configured quota (file size, file count,
	// artifact size) was exceeded.
	KindResourceLimit
)

// String returns the canonical name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindContainerCreation:
		return "container_creation"
	case KindCommandExecution:
		return "command_execution"
	case KindCommandTimeout:
		return "command_timeout"
	case KindFileSystem:
		return "file_system"
	case KindSecurityViolation:
		return "security_violation"
	case KindResourceLimit:
		return "resource_limit"
	default:
		return "unknown"
	}
}

// Error is the engine's single failure type: a kind tag plus structured
// context for logging. The context fields are optional and filled in by
// whichever component raised the error.
type Error struct {
	Kind        ErrorKind
	Op          string   // operation that failed, e.g. "prepare_files"
	ContainerID string   // container involved, if any
	Path        string   // host or container path involved, if any
	Command     []string // argv involved, if any
	Err         error    // underlying cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.ContainerID != "" {
		fmt.Fprintf(&b, " container=%s", e.ContainerID)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " path=%s", e.Path)
	}
	if len(e.Command) > 0 {
		fmt.Fprintf(&b, " command=%q", strings.Join(e.Command, " "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is (or wraps) an engine Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func newError(kind ErrorKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func (e *Error) withContainer(id string) *Error {
	e.ContainerID = id
	return e
}

func (e *Error) withPath(path string) *Error {
	e.Path = path
	return e
}

func (e *Error) withCommand(argv []string) *Error {
	e.Command = argv
	return e
}
