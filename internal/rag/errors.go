package rag

import "errors"

var (
	ErrNoActiveUser         = errors.New("no active user")
	ErrNoActiveInstance     = errors.New("no active instance")
	ErrUnauthorizedInstance = errors.New("instance not owned by or shared with user")
)

// CompletionError marks a failure of the completion call itself, as opposed
// to store or retrieval failures. Callers distinguish the two with errors.As.
type CompletionError struct {
	Err error
}

func (e *CompletionError) Error() string {
	return "completion failed: " + e.Err.Error()
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}
