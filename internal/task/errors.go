package task

import "errors"

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrInvalidSessionID   = errors.New("invalid session id")
	ErrMissingSessionKey  = errors.New("protocol conversation requires a session key")
	ErrUnknownBackendKind = errors.New("unknown conversation backend")
)
