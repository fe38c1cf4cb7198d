package mcp

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrNotInitialized is returned when ListTools or CallTool is attempted
// before Initialize succeeded. This is a caller bug, not a recoverable
// condition.
var ErrNotInitialized = errors.New("mcp: session not initialized")

// ConnectError means the tool-hosting server could not be started or reached.
// It is fatal to the whole session.
type ConnectError struct {
	Reason string
	cause  error
}

func (e *ConnectError) Error() string {
	return "mcp: connect failed: " + e.Reason
}

func (e *ConnectError) Unwrap() error {
	return e.cause
}

// ProtocolError means the handshake or tool listing failed after a connection
// was established. It is fatal to the current session.
type ProtocolError struct {
	Op    string
	cause error
}

func (e *ProtocolError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("mcp: %s failed: %s", e.Op, e.cause.Error())
	}
	return fmt.Sprintf("mcp: %s failed", e.Op)
}

func (e *ProtocolError) Unwrap() error {
	return e.cause
}

// FailureKind distinguishes an error returned by the tool itself from a
// broken transport. The former is recoverable within a conversation, the
// latter is not.
type FailureKind int

const (
	// FailureApplication: the server executed the tool and reported an error.
	FailureApplication FailureKind = iota
	// FailureTransport: the call never completed (process died, framing
	// broke, timeout).
	FailureTransport
)

func (k FailureKind) String() string {
	switch k {
	case FailureApplication:
		return "application"
	case FailureTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// ToolInvocationError means one specific tools/call failed.
type ToolInvocationError struct {
	Tool    string
	Kind    FailureKind
	Message string
	cause   error
}

func (e *ToolInvocationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("mcp: tool %q failed: %s", e.Tool, e.Message)
	}
	if e.cause != nil {
		return fmt.Sprintf("mcp: tool %q failed: %s", e.Tool, e.cause.Error())
	}
	return fmt.Sprintf("mcp: tool %q failed", e.Tool)
}

func (e *ToolInvocationError) Unwrap() error {
	return e.cause
}
