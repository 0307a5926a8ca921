package errors

import "errors"

var (
	ErrExecutionNotFound    = errors.New("build execution not found")
	ErrAlreadyCompleted     = errors.New("job already completed")
	ErrRecordNotFound       = errors.New("job record not found")
	ErrMissingConfiguration = errors.New("missing action configuration")
	ErrUnsupportedEvent     = errors.New("unsupported event")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
)
