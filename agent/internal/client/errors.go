package client

import "fmt"

// ConnectionError wraps a transport-level failure: DNS, dial, timeout,
// or a torn connection. The polling loop recovers from these with
// backoff and only exits after several in a row.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("client: connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError means the server rejected the API key. Fatal —
// the CLI exits with code 3.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return "client: authentication failed: " + e.Message
}

// AgentRevokedError means this agent has been revoked by an operator.
// Fatal — the CLI exits with code 2 and must not retry.
type AgentRevokedError struct {
	Message string
}

func (e *AgentRevokedError) Error() string {
	return "client: agent revoked: " + e.Message
}

// ApiError is any other server-side rejection: validation failures,
// conflicts, 5xx. Code carries the machine-readable error code from the
// response envelope when the server sent one.
type ApiError struct {
	Status  int
	Code    string
	Message string
}

func (e *ApiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("client: server returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("client: server returned %d: %s", e.Status, e.Message)
}

// ToolExecutionError wraps a failure inside a tool run. The executor
// posts a FAILED completion with the message; the polling loop keeps
// going.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }
