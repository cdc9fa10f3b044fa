package mcpmgr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the mcpmgr package.
var (
	// ErrMissingVariable is matched by *MissingVariableError.
	ErrMissingVariable = errors.New("mcpmgr: missing environment variable")

	// ErrInvalidDescriptor is returned when a descriptor has neither (or
	// both) of command and url, or its resolved URL is unusable.
	ErrInvalidDescriptor = errors.New("mcpmgr: invalid server descriptor")

	// ErrConnect is matched by *ConnectError.
	ErrConnect = errors.New("mcpmgr: connect failed")

	// ErrUnknownServer is returned when a server id is absent from the
	// configuration. No connection is attempted.
	ErrUnknownServer = errors.New("mcpmgr: unknown server")

	// ErrCallTimeout marks a tool call whose deadline elapsed.
	ErrCallTimeout = errors.New("mcpmgr: tool call timed out")

	// ErrToolExecution is matched by *ToolExecutionError.
	ErrToolExecution = errors.New("mcpmgr: tool execution failed")

	// ErrSessionClosed is returned when calling a pooled session whose
	// supervisor has already torn it down.
	ErrSessionClosed = errors.New("mcpmgr: session closed")

	// ErrPoolClosed is returned by pool operations after Shutdown.
	ErrPoolClosed = errors.New("mcpmgr: pool closed")
)

// MissingVariableError reports an unresolved ${NAME} placeholder.
type MissingVariableError struct {
	Name  string
	Field string
}

func (e *MissingVariableError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("mcpmgr: environment variable %s not found", e.Name)
	}
	return fmt.Sprintf("mcpmgr: environment variable %s not found for %s", e.Name, e.Field)
}

func (e *MissingVariableError) Is(target error) bool { return target == ErrMissingVariable }

// ConnectError reports a transport or handshake failure for one server.
type ConnectError struct {
	ServerID string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mcpmgr: connect %q: %v", e.ServerID, e.Err)
}

func (e *ConnectError) Unwrap() []error { return []error{ErrConnect, e.Err} }

// ToolExecutionError carries the failure message reported by the remote
// server for a tool call.
type ToolExecutionError struct {
	ServerID string
	Tool     string
	Message  string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("mcpmgr: tool %q on %q failed: %s", e.Tool, e.ServerID, e.Message)
}

func (e *ToolExecutionError) Is(target error) bool { return target == ErrToolExecution }
