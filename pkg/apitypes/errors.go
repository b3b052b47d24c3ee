// Package apitypes holds the wire/storage structs shared by the Metadata
// Server and the Worker Agent: nodes, tasks, instances, executions, MCP
// server records, and the event envelope that carries them across the bus.
package apitypes

import "errors"

// Sentinel errors returned by storage, registry, and projection code.
// RPC boundaries translate these into status categories (see pkg/rpcserver).
var (
	ErrNotFound      = errors.New("apitypes: not found")
	ErrAlreadyExists = errors.New("apitypes: already exists")
	ErrConflict      = errors.New("apitypes: conflict")
	ErrInvalidArg    = errors.New("apitypes: invalid request")
	ErrStorage       = errors.New("apitypes: storage error")
	ErrSerialization = errors.New("apitypes: serialization error")
	ErrConfig        = errors.New("apitypes: config error")
	ErrUnavailable    = errors.New("apitypes: transport unavailable")
)

// StatusError wraps a sentinel error with a human-readable message,
// mirroring the {error_code, error_message, execution_id?} body every
// admin/worker API returns.
type StatusError struct {
	Code        error
	Message     string
	ExecutionID string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.Error()
}

func (e *StatusError) Unwrap() error { return e.Code }

// NewStatusError builds a StatusError for the given sentinel and message.
func NewStatusError(code error, message string) *StatusError {
	return &StatusError{Code: code, Message: message}
}
