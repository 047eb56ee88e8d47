package sessions

import "errors"

var (
	// ErrNotFound indicates the session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrEmptyInput indicates StartSession was called with no documents.
	ErrEmptyInput = errors.New("at least one document is required")
	// ErrDuplicate indicates a session id collision in the registry.
	ErrDuplicate = errors.New("session already exists")
)
